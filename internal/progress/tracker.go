package progress

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/timmy/pagepulse/internal/domain"
	"github.com/timmy/pagepulse/internal/logger"
)

var (
	// ErrNotFound is returned for an upload that was never started.
	ErrNotFound = errors.New("upload not found")
	// ErrAlreadyStarted is returned by Init for an upload that already has progress.
	ErrAlreadyStarted = errors.New("upload already started")
	// ErrFinished is returned when mutating an upload that reached a final status.
	ErrFinished = errors.New("upload already finished")
)

// maxErrorLog bounds the stored error text per upload.
const maxErrorLog = 4096

// Store persists progress snapshots so they survive restarts.
type Store interface {
	Save(ctx context.Context, job *domain.UploadJob) error
	GetByID(ctx context.Context, id string) (*domain.UploadJob, error)
}

// Tracker accumulates per-upload counters. In-memory state is authoritative;
// the optional Store receives a snapshot after every change.
type Tracker struct {
	mu   sync.RWMutex
	jobs map[string]*domain.UploadJob

	// saveMu orders snapshots so an older one never overwrites a newer one.
	saveMu sync.Mutex
	store  Store
	logger *logger.Logger
	now    func() time.Time
}

// NewTracker creates a Tracker. store may be nil.
func NewTracker(store Store, log *logger.Logger) *Tracker {
	if log == nil {
		log = logger.GetDefault()
	}
	return &Tracker{
		jobs:   make(map[string]*domain.UploadJob),
		store:  store,
		logger: log.WithField(logger.FieldComponent, "progress"),
		now:    time.Now,
	}
}

// Init creates zeroed progress with status processing.
func (t *Tracker) Init(ctx context.Context, id string) error {
	if t.store != nil {
		if _, err := t.store.GetByID(ctx, id); err == nil {
			return fmt.Errorf("%w: %s", ErrAlreadyStarted, id)
		}
	}

	now := t.now()
	return t.update(ctx, id, true, func(job *domain.UploadJob) error {
		if job.ID != "" {
			return fmt.Errorf("%w: %s", ErrAlreadyStarted, id)
		}
		*job = domain.UploadJob{
			ID:        id,
			Status:    domain.UploadStatusProcessing,
			StartedAt: &now,
		}
		return nil
	})
}

// Accumulate adds counts onto the upload's counters.
func (t *Tracker) Accumulate(ctx context.Context, id string, counts domain.BatchCounts) error {
	return t.update(ctx, id, false, func(job *domain.UploadJob) error {
		if job.Status.Terminal() {
			return fmt.Errorf("%w: %s", ErrFinished, id)
		}
		job.SuccessCount += counts.SuccessCount
		job.ErrorCount += counts.ErrorCount
		job.TotalCount += counts.TotalCount
		job.SkippedCount += counts.SkippedCount
		return nil
	})
}

// RecordError appends msg to the upload's error log.
func (t *Tracker) RecordError(ctx context.Context, id string, msg string) error {
	return t.update(ctx, id, false, func(job *domain.UploadJob) error {
		if job.Status.Terminal() {
			return fmt.Errorf("%w: %s", ErrFinished, id)
		}
		job.ErrorLog = appendErrorLog(job.ErrorLog, msg)
		return nil
	})
}

// MarkComplete sets the final status to complete. Counters are unchanged.
func (t *Tracker) MarkComplete(ctx context.Context, id string) error {
	return t.finish(ctx, id, domain.UploadStatusComplete, "")
}

// MarkFailed sets the final status to failed and records reason.
func (t *Tracker) MarkFailed(ctx context.Context, id string, reason string) error {
	return t.finish(ctx, id, domain.UploadStatusFailed, reason)
}

func (t *Tracker) finish(ctx context.Context, id string, status domain.UploadStatus, reason string) error {
	now := t.now()
	return t.update(ctx, id, false, func(job *domain.UploadJob) error {
		if job.Status.Terminal() {
			return fmt.Errorf("%w: %s is %s", ErrFinished, id, job.Status)
		}
		job.Status = status
		job.CompletedAt = &now
		if reason != "" {
			job.ErrorLog = appendErrorLog(job.ErrorLog, reason)
		}
		return nil
	})
}

// Get returns a copy of the upload's progress, consulting the store for
// uploads not held in memory.
func (t *Tracker) Get(ctx context.Context, id string) (domain.UploadJob, error) {
	t.mu.RLock()
	job, ok := t.jobs[id]
	var snapshot domain.UploadJob
	if ok {
		snapshot = *job
	}
	t.mu.RUnlock()
	if ok {
		return snapshot, nil
	}

	if t.store != nil {
		stored, err := t.store.GetByID(ctx, id)
		if err == nil {
			return *stored, nil
		}
		t.logger.WithError(err).ForUpload(id).Debug("No stored progress")
	}
	return domain.UploadJob{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// update applies fn under the lock and saves the resulting snapshot.
func (t *Tracker) update(ctx context.Context, id string, create bool, fn func(job *domain.UploadJob) error) error {
	t.saveMu.Lock()
	defer t.saveMu.Unlock()

	t.mu.Lock()
	job, ok := t.jobs[id]
	if !ok {
		if !create {
			t.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		job = &domain.UploadJob{}
	}
	if err := fn(job); err != nil {
		t.mu.Unlock()
		return err
	}
	t.jobs[id] = job
	snapshot := *job
	t.mu.Unlock()

	if t.store != nil {
		if err := t.store.Save(ctx, &snapshot); err != nil {
			t.logger.WithError(err).ForUpload(id).Warn("Failed to save progress snapshot")
		}
	}
	return nil
}

func appendErrorLog(log, msg string) string {
	if log != "" {
		log += "\n"
	}
	log += msg
	if len(log) > maxErrorLog {
		log = log[len(log)-maxErrorLog:]
		if i := strings.IndexByte(log, '\n'); i >= 0 {
			log = log[i+1:]
		}
	}
	return log
}
