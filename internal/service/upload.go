package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/timmy/pagepulse/internal/domain"
	"github.com/timmy/pagepulse/internal/ingest"
	"github.com/timmy/pagepulse/internal/logger"
	"github.com/timmy/pagepulse/internal/metrics"
	"github.com/timmy/pagepulse/internal/progress"
)

var (
	// ErrInvalidUploadID is returned for identifiers that are not UUIDs.
	ErrInvalidUploadID = errors.New("invalid upload id")
	// ErrShuttingDown is returned by StartIngestion once Shutdown has begun.
	ErrShuttingDown = errors.New("upload service is shutting down")
)

// StreamOpener serves raw uploads by identifier.
type StreamOpener interface {
	OpenReadStream(ctx context.Context, uploadID string) (io.ReadCloser, error)
}

// UploadService starts ingestion runs and reports their progress.
type UploadService struct {
	tracker *progress.Tracker
	streams StreamOpener
	factory ingest.Factory
	opts    ingest.Options
	logger  *logger.Logger
	metrics *metrics.Metrics

	// runCtx outlives requests; cancelling it aborts every running upload.
	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	closing     bool
	active      map[string]*ingest.Orchestrator
	subscribers map[int]chan ingest.Completion
	nextSubID   int
}

// UploadConfig holds configuration for the upload service
type UploadConfig struct {
	Workers    int
	BatchSize  int
	BufferSize int
}

// Ack acknowledges a started ingestion.
type Ack struct {
	UploadID string              `json:"upload_id"`
	Status   domain.UploadStatus `json:"status"`
}

// NewUploadService creates a new upload service
func NewUploadService(
	tracker *progress.Tracker,
	streams StreamOpener,
	factory ingest.Factory,
	log *logger.Logger,
	m *metrics.Metrics,
	cfg *UploadConfig,
) *UploadService {
	if log == nil {
		log = logger.GetDefault()
	}
	runCtx, cancel := context.WithCancel(context.Background())
	return &UploadService{
		tracker: tracker,
		streams: streams,
		factory: factory,
		opts: ingest.Options{
			Workers:    cfg.Workers,
			BatchSize:  cfg.BatchSize,
			BufferSize: cfg.BufferSize,
		},
		logger:      log,
		metrics:     m,
		runCtx:      runCtx,
		cancel:      cancel,
		active:      make(map[string]*ingest.Orchestrator),
		subscribers: make(map[int]chan ingest.Completion),
	}
}

// log returns a logger from context if available, otherwise returns the default logger
func (s *UploadService) log(ctx context.Context) *logger.Logger {
	if l := logger.FromContext(ctx); l != nil {
		return l
	}
	return s.logger
}

// StartIngestion opens the raw upload and ingests it in the background.
// The returned Ack means progress exists and is processing.
func (s *UploadService) StartIngestion(ctx context.Context, uploadID string) (Ack, error) {
	id, err := parseUploadID(uploadID)
	if err != nil {
		return Ack{}, err
	}

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return Ack{}, ErrShuttingDown
	}
	s.wg.Add(1)
	s.mu.Unlock()
	started := false
	defer func() {
		if !started {
			s.wg.Done()
		}
	}()

	// The stream is read after the request returns, so it is bound to runCtx.
	stream, err := s.streams.OpenReadStream(s.runCtx, id)
	if err != nil {
		return Ack{}, err
	}
	if err := s.tracker.Init(ctx, id); err != nil {
		stream.Close()
		return Ack{}, err
	}

	o := ingest.NewOrchestrator(id, s.factory, s.tracker, s.opts,
		ingest.WithLogger(s.logger),
		ingest.WithMetrics(s.metrics),
		ingest.WithNotify(s.publish),
	)

	s.mu.Lock()
	s.active[id] = o
	s.mu.Unlock()

	started = true
	go func() {
		defer s.wg.Done()
		defer stream.Close()
		defer func() {
			s.mu.Lock()
			delete(s.active, id)
			s.mu.Unlock()
		}()

		runCtx := s.logger.ForUpload(id).WithContext(s.runCtx)
		if err := o.Run(runCtx, stream); err != nil {
			s.log(runCtx).WithError(err).Error("Ingestion run failed")
		}
	}()

	s.log(ctx).ForUpload(id).Info("Ingestion started")
	return Ack{UploadID: id, Status: domain.UploadStatusProcessing}, nil
}

// Progress is an upload's counters plus the live pipeline state, if running.
type Progress struct {
	domain.UploadJob
	State ingest.State `json:"state,omitempty"`
}

// GetProgress returns the progress of an upload, or progress.ErrNotFound.
func (s *UploadService) GetProgress(ctx context.Context, uploadID string) (Progress, error) {
	id, err := parseUploadID(uploadID)
	if err != nil {
		return Progress{}, err
	}
	job, err := s.tracker.Get(ctx, id)
	if err != nil {
		return Progress{}, err
	}

	p := Progress{UploadJob: job}
	s.mu.Lock()
	if o, ok := s.active[id]; ok {
		p.State = o.State()
	}
	s.mu.Unlock()
	return p, nil
}

// Subscribe returns a channel receiving every completion and a function that
// unsubscribes. Completions are dropped for subscribers whose buffer is full.
func (s *UploadService) Subscribe(buffer int) (<-chan ingest.Completion, func()) {
	ch := make(chan ingest.Completion, buffer)

	s.mu.Lock()
	subID := s.nextSubID
	s.nextSubID++
	s.subscribers[subID] = ch
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subscribers, subID)
			s.mu.Unlock()
			close(ch)
		})
	}
}

func (s *UploadService) publish(c ingest.Completion) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- c:
		default:
			s.logger.ForUpload(c.UploadID).Warn("Completion subscriber is full, dropping notification")
		}
	}
}

// Active returns the number of uploads currently being ingested.
func (s *UploadService) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Shutdown stops accepting uploads and waits for running ones to finish.
// When ctx expires first, running uploads are cancelled and marked failed.
func (s *UploadService) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done
		return fmt.Errorf("cancelled running uploads: %w", ctx.Err())
	}
}

func parseUploadID(uploadID string) (string, error) {
	id, err := uuid.Parse(uploadID)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidUploadID, uploadID)
	}
	return id.String(), nil
}
