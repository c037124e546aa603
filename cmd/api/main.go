package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/timmy/pagepulse/internal/api"
	"github.com/timmy/pagepulse/internal/config"
	"github.com/timmy/pagepulse/internal/ingest"
	"github.com/timmy/pagepulse/internal/logger"
	"github.com/timmy/pagepulse/internal/metrics"
	"github.com/timmy/pagepulse/internal/progress"
	"github.com/timmy/pagepulse/internal/repository"
	"github.com/timmy/pagepulse/internal/service"
	"github.com/timmy/pagepulse/internal/storage"
)

// uploadDrainTimeout bounds how long running uploads may take to finish on shutdown.
const uploadDrainTimeout = 30 * time.Second

func main() {
	appLogger := logger.NewDefault()
	logger.SetDefaultLogger(appLogger)
	defer logger.Sync()

	// Support CONFIG_PATH environment variable for production deployments
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to load config")
	}

	db, err := repository.InitDB(&cfg.Database)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize database")
	}
	sqlDB, err := db.DB()
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to access database handle")
	}
	defer sqlDB.Close()

	pageRepo := repository.NewPageRepository(db)
	jobRepo := repository.NewUploadJobRepository(db)

	objectStorage, err := storage.NewStorage(&cfg.Storage)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize storage")
	}
	if s3Store, ok := objectStorage.(*storage.S3Storage); ok {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := s3Store.EnsureBucket(ctx)
		cancel()
		if err != nil {
			appLogger.WithError(err).Fatal("Failed to ensure storage bucket")
		}
	}

	factory, err := ingest.FactoryFor(&cfg.Ingest, pageRepo, appLogger)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to configure workers")
	}

	tracker := progress.NewTracker(jobRepo, appLogger)
	uploadService := service.NewUploadService(
		tracker,
		storage.NewUploadReader(objectStorage, cfg.Ingest.ObjectSuffix),
		factory,
		appLogger,
		metrics.Default,
		&service.UploadConfig{
			Workers:    cfg.Ingest.Workers,
			BatchSize:  cfg.Ingest.BatchSize,
			BufferSize: cfg.Ingest.BufferSize,
		},
	)

	router := api.SetupRouter(api.RouterDeps{
		Uploads: uploadService,
		Active:  uploadService,
		DB:      sqlDB,
	}, &cfg.Server, appLogger)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		appLogger.WithFields(logger.Fields{
			"port":        cfg.Server.Port,
			"mode":        cfg.Server.Mode,
			"worker_mode": cfg.Ingest.WorkerMode,
			"workers":     cfg.Ingest.Workers,
		}).Info("Starting API server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.WithError(err).Fatal("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.WithError(err).Error("Server forced to shutdown")
	}

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), uploadDrainTimeout)
	defer cancelDrain()
	if err := uploadService.Shutdown(drainCtx); err != nil {
		appLogger.WithError(err).Warn("Uploads did not finish before shutdown")
	}

	appLogger.Info("Server exited")
}
