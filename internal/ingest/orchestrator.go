package ingest

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/timmy/pagepulse/internal/domain"
	"github.com/timmy/pagepulse/internal/logger"
	"github.com/timmy/pagepulse/internal/metrics"
	"golang.org/x/sync/errgroup"
)

// State is the lifecycle phase of one upload's ingestion.
type State string

const (
	StateIdle         State = "idle"
	StateStreaming    State = "streaming"
	StateDraining     State = "draining"
	StateShuttingDown State = "shutting_down"
	StateComplete     State = "complete"
	StateFailed       State = "failed"
)

// Progress receives the outcome of an upload as it is ingested.
type Progress interface {
	Accumulate(ctx context.Context, uploadID string, counts domain.BatchCounts) error
	RecordError(ctx context.Context, uploadID string, msg string) error
	MarkComplete(ctx context.Context, uploadID string) error
	MarkFailed(ctx context.Context, uploadID string, reason string) error
}

// Completion is emitted once an upload reaches a terminal state.
type Completion struct {
	UploadID string
	Status   domain.UploadStatus
	Err      error
}

// Options sizes the pipeline of one upload.
type Options struct {
	Workers    int
	BatchSize  int
	BufferSize int
}

// Orchestrator ingests a single upload: it streams the CSV through the
// buffer into a fresh worker pool, drains it and finalises progress.
type Orchestrator struct {
	uploadID string
	opts     Options
	factory  Factory
	progress Progress
	notify   func(Completion)
	logger   *logger.Logger
	metrics  *metrics.Metrics

	mu    sync.RWMutex
	state State

	// owned by the control goroutine
	buffer        *Buffer
	failedBatches int
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithNotify sets the function called with the final Completion.
func WithNotify(fn func(Completion)) OrchestratorOption {
	return func(o *Orchestrator) { o.notify = fn }
}

func WithLogger(log *logger.Logger) OrchestratorOption {
	return func(o *Orchestrator) { o.logger = log }
}

func WithMetrics(m *metrics.Metrics) OrchestratorOption {
	return func(o *Orchestrator) { o.metrics = m }
}

func NewOrchestrator(uploadID string, factory Factory, progress Progress, opts Options, options ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		uploadID: uploadID,
		opts:     opts,
		factory:  factory,
		progress: progress,
		logger:   logger.GetDefault(),
		state:    StateIdle,
	}
	for _, opt := range options {
		opt(o)
	}
	o.logger = o.logger.WithFields(logger.Fields{
		logger.FieldUploadID:  uploadID,
		logger.FieldComponent: "orchestrator",
	})
	return o
}

func (o *Orchestrator) State() State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
	o.logger.WithField(logger.FieldState, string(s)).Debug("Orchestrator state changed")
}

// Run ingests stream and blocks until the upload is complete or failed.
// A store failure in any batch completes the run but marks the job failed.
func (o *Orchestrator) Run(ctx context.Context, stream io.Reader) error {
	if s := o.State(); s != StateIdle {
		return fmt.Errorf("orchestrator for %s already ran (state %s)", o.uploadID, s)
	}
	if o.opts.BufferSize < o.opts.BatchSize {
		return fmt.Errorf("buffer size %d is smaller than batch size %d", o.opts.BufferSize, o.opts.BatchSize)
	}

	start := time.Now()
	ctx = logger.SetUploadID(ctx, o.uploadID)
	o.metrics.UploadStarted()
	o.setState(StateStreaming)

	o.buffer = NewBuffer(o.opts.BufferSize)
	pool, err := NewPool(o.factory, o.opts.Workers, o.buffer, o.opts.BatchSize, o.onResult(ctx),
		WithPoolLogger(o.logger), WithPoolMetrics(o.metrics))
	if err != nil {
		return o.fail(ctx, nil, err)
	}

	parser := NewParser(o.buffer, o.logger, o.metrics, o.onMalformed(ctx))
	var stats ParseStats

	g, gctx := errgroup.WithContext(ctx)
	parsed := make(chan struct{})
	g.Go(func() error {
		var err error
		stats, err = parser.Run(gctx, stream)
		if err != nil {
			return fmt.Errorf("failed to stream upload: %w", err)
		}
		close(parsed)
		return nil
	})
	g.Go(func() error {
		return o.control(gctx, pool, parsed)
	})
	if err := g.Wait(); err != nil {
		return o.fail(ctx, pool, err)
	}

	status := domain.UploadStatusComplete
	if o.failedBatches > 0 {
		status = domain.UploadStatusFailed
		reason := fmt.Sprintf("%d batches failed to persist", o.failedBatches)
		if err := o.progress.MarkFailed(ctx, o.uploadID, reason); err != nil {
			o.logger.WithError(err).Error("Failed to mark upload failed")
		}
	} else if err := o.progress.MarkComplete(ctx, o.uploadID); err != nil {
		o.logger.WithError(err).Error("Failed to mark upload complete")
	}
	o.setState(StateComplete)
	o.metrics.UploadFinished(string(status))

	logger.With(logger.Fields{
		"rows":           stats.Rows,
		"parsed":         stats.Parsed,
		"malformed":      stats.Malformed,
		"pauses":         stats.Pauses,
		"failed_batches": o.failedBatches,
	}).WithStatus(string(status)).WithDuration(time.Since(start).Milliseconds()).Info(ctx, "Upload ingested")

	o.emit(Completion{UploadID: o.uploadID, Status: status})
	return nil
}

// control owns the pool. It dispatches on new records and worker events until
// the parser finishes, then drains and shuts the pool down.
func (o *Orchestrator) control(ctx context.Context, pool *Pool, parsed <-chan struct{}) error {
streaming:
	for {
		select {
		case <-o.buffer.Pushed():
			pool.Dispatch()
		case ev := <-pool.Events():
			if err := pool.Handle(ev); err != nil {
				o.logger.WithError(err).Error("Protocol error from worker")
			}
		case <-parsed:
			break streaming
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	o.setState(StateDraining)
	if err := pool.Drain(ctx); err != nil {
		return err
	}

	o.setState(StateShuttingDown)
	if err := pool.Close(); err != nil {
		o.logger.WithError(err).Warn("Workers did not shut down cleanly")
	}
	return nil
}

func (o *Orchestrator) onResult(ctx context.Context) ResultFunc {
	return func(workerID int, counts domain.BatchCounts, errMsg string) {
		o.metrics.RecordRecords(metrics.BatchOutcomeSuccess, counts.SuccessCount)
		o.metrics.RecordRecords(metrics.BatchOutcomeSkipped, counts.SkippedCount)
		o.metrics.RecordRecords(metrics.BatchOutcomeError, counts.ErrorCount)

		if err := o.progress.Accumulate(ctx, o.uploadID, counts); err != nil {
			o.logger.WithError(err).Error("Failed to record batch result")
		}
		if errMsg == "" {
			return
		}
		o.failedBatches++
		o.logger.WithField(logger.FieldWorkerID, workerID).WithField("reason", errMsg).Error("Batch failed to persist")
		if err := o.progress.RecordError(ctx, o.uploadID, errMsg); err != nil {
			o.logger.WithError(err).Error("Failed to record batch error")
		}
	}
}

// onMalformed counts a skipped row as one errored record. It runs on the
// parser goroutine.
func (o *Orchestrator) onMalformed(ctx context.Context) MalformedFunc {
	return func(line int, err error) {
		counts := domain.BatchCounts{ErrorCount: 1, TotalCount: 1}
		if accErr := o.progress.Accumulate(ctx, o.uploadID, counts); accErr != nil {
			o.logger.WithError(accErr).Error("Failed to record malformed row")
		}
	}
}

func (o *Orchestrator) fail(ctx context.Context, pool *Pool, cause error) error {
	if pool != nil {
		if err := pool.Close(); err != nil {
			o.logger.WithError(err).Warn("Workers did not shut down cleanly")
		}
	}
	o.setState(StateFailed)
	o.metrics.UploadFinished(string(domain.UploadStatusFailed))
	o.logger.WithError(cause).Error("Upload ingestion failed")

	// ctx may already be cancelled; the final status must still be recorded.
	if err := o.progress.MarkFailed(context.WithoutCancel(ctx), o.uploadID, cause.Error()); err != nil {
		o.logger.WithError(err).Error("Failed to mark upload failed")
	}
	o.emit(Completion{UploadID: o.uploadID, Status: domain.UploadStatusFailed, Err: cause})
	return cause
}

func (o *Orchestrator) emit(c Completion) {
	if o.notify != nil {
		o.notify(c)
	}
}
