package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/timmy/pagepulse/internal/config"
	"github.com/timmy/pagepulse/internal/domain"
	"github.com/timmy/pagepulse/internal/ingest"
	"github.com/timmy/pagepulse/internal/logger"
	"github.com/timmy/pagepulse/internal/metrics"
	"github.com/timmy/pagepulse/internal/progress"
	"github.com/timmy/pagepulse/internal/repository"
	"github.com/timmy/pagepulse/internal/service"
	"github.com/timmy/pagepulse/internal/storage"
)

func main() {
	appLogger := logger.New(&logger.Config{
		Level:       "info",
		Format:      "json",
		Output:      os.Stderr,
		ServiceName: "pagepulse-ingest",
	})
	logger.SetDefaultLogger(appLogger)

	filePath := flag.String("file", "", "CSV file to stage and ingest")
	uploadID := flag.String("id", "", "Ingest an already staged upload instead of -file")
	workers := flag.Int("workers", 0, "Override ingest.workers")
	timeout := flag.Duration("timeout", 0, "Give up after this long (0 waits forever)")
	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	if (*filePath == "") == (*uploadID == "") {
		appLogger.Fatal("Exactly one of -file or -id is required")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to load config")
	}
	if *workers > 0 {
		cfg.Ingest.Workers = *workers
	}

	db, err := repository.InitDB(&cfg.Database)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize database")
	}

	objectStorage, err := storage.NewStorage(&cfg.Storage)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize storage")
	}
	uploads := storage.NewUploadReader(objectStorage, cfg.Ingest.ObjectSuffix)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if *timeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, *timeout)
		defer cancelTimeout()
	}

	id := *uploadID
	if *filePath != "" {
		id = uuid.New().String()
		if err := stageFile(ctx, uploads, id, *filePath); err != nil {
			appLogger.WithError(err).Fatal("Failed to stage file")
		}
		appLogger.WithFields(logger.Fields{
			logger.FieldUploadID: id,
			"file":               *filePath,
			"key":                uploads.ObjectKey(id),
		}).Info("Staged upload")
	}

	factory, err := ingest.FactoryFor(&cfg.Ingest, repository.NewPageRepository(db), appLogger)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to configure workers")
	}

	uploadService := service.NewUploadService(
		progress.NewTracker(repository.NewUploadJobRepository(db), appLogger),
		uploads,
		factory,
		appLogger,
		metrics.Default,
		&service.UploadConfig{
			Workers:    cfg.Ingest.Workers,
			BatchSize:  cfg.Ingest.BatchSize,
			BufferSize: cfg.Ingest.BufferSize,
		},
	)

	completions, unsubscribe := uploadService.Subscribe(1)
	defer unsubscribe()

	start := time.Now()
	if _, err := uploadService.StartIngestion(ctx, id); err != nil {
		appLogger.WithError(err).Fatal("Failed to start ingestion")
	}

	select {
	case <-completions:
	case <-ctx.Done():
		appLogger.Warn("Interrupted, cancelling ingestion...")
	}
	if err := uploadService.Shutdown(ctx); err != nil {
		appLogger.WithError(err).Warn("Ingestion did not shut down cleanly")
	}

	p, err := uploadService.GetProgress(context.Background(), id)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to read progress")
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(p)

	logger.With(logger.Fields{
		"success": p.SuccessCount,
		"skipped": p.SkippedCount,
		"errors":  p.ErrorCount,
		"total":   p.TotalCount,
	}).WithStatus(string(p.Status)).
		WithDuration(time.Since(start).Milliseconds()).
		Info(ctx, "Ingestion finished")

	if p.Status != domain.UploadStatusComplete {
		os.Exit(1)
	}
}

func stageFile(ctx context.Context, uploads *storage.UploadReader, id, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	return uploads.Stage(ctx, id, f, info.Size())
}
