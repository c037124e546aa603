package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/timmy/pagepulse/internal/domain"
	"github.com/timmy/pagepulse/internal/logger"
)

// Store is the record store a worker deduplicates against and writes to.
type Store interface {
	// FindExisting returns stored pages whose natural key is in keys.
	FindExisting(ctx context.Context, keys []domain.NaturalKey) ([]domain.Page, error)
	// BulkInsert stores pages and returns how many rows were written.
	BulkInsert(ctx context.Context, pages []domain.Page) (int64, error)
}

// Worker deduplicates and persists batches. It holds no state between batches.
type Worker struct {
	id     int
	store  Store
	logger *logger.Logger
}

func NewWorker(id int, store Store, log *logger.Logger) *Worker {
	if log == nil {
		log = logger.GetDefault()
	}
	return &Worker{
		id:     id,
		store:  store,
		logger: log.ForWorker(id),
	}
}

// Process persists the pages of batch whose natural key is not stored yet.
// Pages repeating a key inside the batch are skipped after the first. On a
// store error every page of the batch is counted as an error.
func (w *Worker) Process(ctx context.Context, batch Batch) (domain.BatchCounts, error) {
	total := int64(len(batch))
	failed := domain.BatchCounts{ErrorCount: total, TotalCount: total}

	keys := make([]domain.NaturalKey, len(batch))
	for i, page := range batch {
		keys[i] = page.Key()
	}

	existing, err := w.store.FindExisting(ctx, keys)
	if err != nil {
		return failed, fmt.Errorf("existence check failed: %w", err)
	}

	seen := make(map[domain.NaturalKey]struct{}, len(existing)+len(batch))
	for _, page := range existing {
		seen[page.Key()] = struct{}{}
	}

	fresh := make([]domain.Page, 0, len(batch))
	for _, page := range batch {
		key := page.Key()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		fresh = append(fresh, page)
	}

	var inserted int64
	if len(fresh) > 0 {
		inserted, err = w.store.BulkInsert(ctx, fresh)
		if err != nil {
			return failed, fmt.Errorf("bulk insert failed: %w", err)
		}
	}

	return domain.BatchCounts{
		SuccessCount: inserted,
		SkippedCount: total - inserted,
		TotalCount:   total,
	}, nil
}

// Serve runs the worker message loop. It announces Ready, then answers every
// Work with a Result followed by Ready, until Shutdown, a closed inbox or ctx
// cancellation. Invalid messages are logged and ignored.
func (w *Worker) Serve(ctx context.Context, inbox <-chan Message, emit func(Message) error) error {
	if err := emit(ReadyMessage()); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-inbox:
			if !ok {
				return nil
			}
			if err := msg.Validate(); err != nil {
				w.logger.WithError(err).Error("Rejecting message")
				continue
			}

			switch msg.Type {
			case MessageWork:
				counts, err := w.Process(ctx, msg.Batch)
				if err != nil {
					w.logger.WithError(err).WithField(logger.FieldBatchSize, len(msg.Batch)).Error("Batch failed")
				}
				if err := emit(ResultMessage(counts, err)); err != nil {
					return err
				}
				if err := emit(ReadyMessage()); err != nil {
					return err
				}
			case MessageShutdown:
				w.logger.Debug("Worker shutting down")
				return nil
			default:
				w.logger.WithField("type", msg.Type).Error("Rejecting message not addressed to a worker")
			}
		}
	}
}

// ServeStream runs Serve over a JSON-lines transport, as used by worker
// processes on stdin and stdout.
func (w *Worker) ServeStream(ctx context.Context, r io.Reader, wr io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	inbox := make(chan Message)
	readErr := make(chan error, 1)
	go func() {
		defer close(inbox)
		dec := NewDecoder(r)
		for {
			msg, err := dec.Decode()
			if errors.Is(err, io.EOF) {
				readErr <- nil
				return
			}
			if err != nil {
				if IsProtocolError(err) {
					w.logger.WithError(err).Error("Rejecting message")
					continue
				}
				readErr <- err
				return
			}
			select {
			case inbox <- msg:
			case <-ctx.Done():
				readErr <- nil
				return
			}
		}
	}()

	enc := NewEncoder(wr)
	if err := w.Serve(ctx, inbox, enc.Encode); err != nil {
		return err
	}
	cancel()
	select {
	case err := <-readErr:
		return err
	default:
		return nil
	}
}
