package ingest

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/timmy/pagepulse/internal/domain"
	"github.com/timmy/pagepulse/internal/logger"
	"github.com/timmy/pagepulse/internal/metrics"
)

// BatchSource is where the pool takes batches from.
type BatchSource interface {
	PopBatch(max int) Batch
	Len() int
	StartDraining()
}

// ResultFunc receives the counts of every finished batch. errMsg is set when
// the batch failed to persist.
type ResultFunc func(workerID int, counts domain.BatchCounts, errMsg string)

// Event is a message received from a worker.
type Event struct {
	WorkerID int
	Message  Message
}

// Pool owns a fixed set of workers and hands them batches. Except for
// Events, its methods must be called from a single goroutine.
type Pool struct {
	handles   []Handle
	idle      map[int]struct{}
	source    BatchSource
	batchSize int
	onResult  ResultFunc
	events    chan Event
	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
	logger    *logger.Logger
	metrics   *metrics.Metrics
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

func WithPoolLogger(log *logger.Logger) PoolOption {
	return func(p *Pool) { p.logger = log }
}

func WithPoolMetrics(m *metrics.Metrics) PoolOption {
	return func(p *Pool) { p.metrics = m }
}

// NewPool starts size workers through factory. Workers start Busy and become
// idle once they announce Ready.
func NewPool(factory Factory, size int, source BatchSource, batchSize int, onResult ResultFunc, opts ...PoolOption) (*Pool, error) {
	if size < 1 {
		return nil, fmt.Errorf("pool size must be at least 1, got %d", size)
	}
	if batchSize < 1 {
		return nil, fmt.Errorf("batch size must be at least 1, got %d", batchSize)
	}

	p := &Pool{
		handles:   make([]Handle, 0, size),
		idle:      make(map[int]struct{}, size),
		source:    source,
		batchSize: batchSize,
		onResult:  onResult,
		events:    make(chan Event, size*3),
		closed:    make(chan struct{}),
		logger:    logger.GetDefault(),
	}
	for _, opt := range opts {
		opt(p)
	}

	for id := 0; id < size; id++ {
		h, err := factory(id, p.deliver(id))
		if err != nil {
			closeErr := p.Close()
			if closeErr != nil {
				p.logger.WithError(closeErr).Warn("Failed to stop workers after spawn error")
			}
			return nil, fmt.Errorf("failed to start worker %d: %w", id, err)
		}
		p.handles = append(p.handles, h)
	}
	return p, nil
}

func (p *Pool) deliver(id int) func(Message) {
	return func(m Message) {
		select {
		case p.events <- Event{WorkerID: id, Message: m}:
		case <-p.closed:
		}
	}
}

// Events streams worker messages. Each must be passed to Handle.
func (p *Pool) Events() <-chan Event {
	return p.events
}

// Handle applies a worker message: Ready marks the worker idle and dispatches,
// Result is forwarded to the result callback. Anything else is a protocol error.
func (p *Pool) Handle(ev Event) error {
	if ev.WorkerID < 0 || ev.WorkerID >= len(p.handles) {
		p.metrics.RecordProtocolError()
		return fmt.Errorf("%w: event from unknown worker %d", ErrInvalidMessage, ev.WorkerID)
	}
	if err := ev.Message.Validate(); err != nil {
		p.metrics.RecordProtocolError()
		return fmt.Errorf("worker %d: %w", ev.WorkerID, err)
	}

	switch ev.Message.Type {
	case MessageReady:
		if _, already := p.idle[ev.WorkerID]; already {
			p.logger.WithField(logger.FieldWorkerID, ev.WorkerID).Warn("Duplicate ready from idle worker")
		}
		p.idle[ev.WorkerID] = struct{}{}
		p.Dispatch()
	case MessageResult:
		if p.onResult != nil {
			p.onResult(ev.WorkerID, *ev.Message.Counts, ev.Message.Error)
		}
	default:
		p.metrics.RecordProtocolError()
		return fmt.Errorf("%w: worker %d sent %q", ErrUnknownMessage, ev.WorkerID, ev.Message.Type)
	}
	return nil
}

// Dispatch sends eligible batches to idle workers until either runs out and
// returns the number of batches sent.
func (p *Pool) Dispatch() int {
	sent := 0
	for len(p.idle) > 0 {
		batch := p.source.PopBatch(p.batchSize)
		if batch == nil {
			break
		}

		id := p.takeIdle()
		if err := p.handles[id].Send(WorkMessage(batch)); err != nil {
			// The slot stays busy; the batch is reported as failed.
			p.logger.WithField(logger.FieldWorkerID, id).WithError(err).Error("Failed to send batch to worker")
			if p.onResult != nil {
				n := int64(len(batch))
				p.onResult(id, domain.BatchCounts{ErrorCount: n, TotalCount: n}, err.Error())
			}
			continue
		}
		sent++
		p.metrics.RecordBatchDispatched(len(batch))
		p.logger.WithFields(logger.Fields{
			logger.FieldWorkerID:  id,
			logger.FieldBatchSize: len(batch),
		}).Debug("Dispatched batch")
	}
	return sent
}

// takeIdle removes and returns an arbitrary idle worker.
func (p *Pool) takeIdle() int {
	for id := range p.idle {
		delete(p.idle, id)
		return id
	}
	panic("ingest: takeIdle on a pool with no idle workers")
}

// Drain switches the source to partial batches and handles events until the
// source is empty and every worker is idle. A worker that never answers keeps
// Drain waiting until ctx is done.
func (p *Pool) Drain(ctx context.Context) error {
	p.source.StartDraining()
	p.Dispatch()

	for !p.DrainComplete() {
		select {
		case ev := <-p.events:
			if err := p.Handle(ev); err != nil {
				p.logger.WithError(err).Error("Protocol error while draining")
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// DrainComplete reports whether nothing is buffered and no worker is busy.
func (p *Pool) DrainComplete() bool {
	return p.source.Len() == 0 && len(p.idle) == len(p.handles)
}

// Close sends Shutdown to every worker and terminates it. It is safe to call
// more than once.
func (p *Pool) Close() error {
	p.closeOnce.Do(func() {
		var result *multierror.Error
		for id, h := range p.handles {
			if err := h.Send(ShutdownMessage()); err != nil {
				result = multierror.Append(result, fmt.Errorf("worker %d: shutdown: %w", id, err))
			}
		}
		close(p.closed)
		for id, h := range p.handles {
			if err := h.Terminate(); err != nil {
				result = multierror.Append(result, fmt.Errorf("worker %d: terminate: %w", id, err))
			}
		}
		p.closeErr = result.ErrorOrNil()
	})
	return p.closeErr
}

// Shutdown drains the pool and then closes it.
func (p *Pool) Shutdown(ctx context.Context) error {
	var result *multierror.Error
	if err := p.Drain(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	if err := p.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

func (p *Pool) Size() int {
	return len(p.handles)
}

func (p *Pool) IdleCount() int {
	return len(p.idle)
}
