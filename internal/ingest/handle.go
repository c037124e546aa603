package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/timmy/pagepulse/internal/config"
	"github.com/timmy/pagepulse/internal/logger"
)

var (
	// ErrWorkerGone is returned when sending to a worker that has exited.
	ErrWorkerGone = errors.New("worker has exited")
	// ErrWorkerBusy is returned when a worker still holds an undelivered message.
	ErrWorkerBusy = errors.New("worker inbox is full")
)

// Handle is the pool's view of one worker, whatever it runs on.
type Handle interface {
	// Send delivers m to the worker without waiting for it to be processed.
	Send(m Message) error
	// Terminate stops the worker and releases its resources.
	Terminate() error
}

// Factory starts worker id. Every message the worker emits is passed to
// onMessage, which may be called from any goroutine.
type Factory func(id int, onMessage func(Message)) (Handle, error)

type localHandle struct {
	inbox  chan Message
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// LocalFactory runs each worker as a goroutine sharing store.
func LocalFactory(store Store, log *logger.Logger) Factory {
	return func(id int, onMessage func(Message)) (Handle, error) {
		if store == nil {
			return nil, fmt.Errorf("worker %d: no store configured", id)
		}
		ctx, cancel := context.WithCancel(context.Background())
		h := &localHandle{
			inbox:  make(chan Message, 1),
			cancel: cancel,
			done:   make(chan struct{}),
		}
		worker := NewWorker(id, store, log)
		go func() {
			defer close(h.done)
			h.err = worker.Serve(ctx, h.inbox, func(m Message) error {
				onMessage(m)
				return nil
			})
		}()
		return h, nil
	}
}

func (h *localHandle) Send(m Message) error {
	if err := m.Validate(); err != nil {
		return err
	}
	select {
	case <-h.done:
		return ErrWorkerGone
	default:
	}
	select {
	case h.inbox <- m:
		return nil
	case <-h.done:
		return ErrWorkerGone
	default:
		return ErrWorkerBusy
	}
}

func (h *localHandle) Terminate() error {
	h.cancel()
	<-h.done
	if errors.Is(h.err, context.Canceled) {
		return nil
	}
	return h.err
}

// terminateOnce guards Terminate for handles that own OS resources.
type terminateOnce struct {
	once sync.Once
	err  error
}

func (t *terminateOnce) do(fn func() error) error {
	t.once.Do(func() { t.err = fn() })
	return t.err
}

// FactoryFor picks the worker runtime configured by mode. store backs local
// workers; process workers open their own.
func FactoryFor(cfg *config.IngestConfig, store Store, log *logger.Logger) (Factory, error) {
	switch cfg.WorkerMode {
	case "", "local":
		return LocalFactory(store, log), nil
	case "process":
		if len(cfg.WorkerCommand) == 0 {
			return nil, errors.New("process worker mode needs a worker command")
		}
		return ProcessFactory(cfg.WorkerCommand, log), nil
	default:
		return nil, fmt.Errorf("unknown worker mode %q", cfg.WorkerMode)
	}
}
