// Command worker is one ingestion worker process. The API server starts a pool
// of these when ingest.worker_mode is "process" and exchanges JSON lines with
// them over stdin and stdout, so all logging goes to stderr.
package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/timmy/pagepulse/internal/config"
	"github.com/timmy/pagepulse/internal/ingest"
	"github.com/timmy/pagepulse/internal/logger"
	"github.com/timmy/pagepulse/internal/repository"
)

func main() {
	envCfg := logger.LoadFromEnv()
	envCfg.Output = os.Stderr
	envCfg.ServiceName = "pagepulse-worker"
	appLogger := logger.NewFromEnv(envCfg)
	logger.SetDefaultLogger(appLogger)

	id, err := strconv.Atoi(os.Getenv(ingest.EnvWorkerID))
	if err != nil {
		appLogger.WithError(err).Fatalf("%s must be set to the worker slot", ingest.EnvWorkerID)
	}
	appLogger = appLogger.ForWorker(id)

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to load config")
	}

	// The parent already migrated the schema.
	cfg.Database.AutoMigrate = false
	db, err := repository.InitDB(&cfg.Database)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize database")
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}

	// SIGINT reaches the whole process group; the worker stops when the
	// parent closes stdin instead.
	signal.Ignore(syscall.SIGINT)
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer cancel()

	worker := ingest.NewWorker(id, repository.NewPageRepository(db), appLogger)
	if err := worker.ServeStream(ctx, os.Stdin, os.Stdout); err != nil && ctx.Err() == nil {
		appLogger.WithError(err).Error("Worker stopped")
		os.Exit(1)
	}
	appLogger.Debug("Worker exited")
}
