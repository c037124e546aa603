package ingest

import (
	"context"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/pagepulse/internal/config"
	"github.com/timmy/pagepulse/internal/domain"
	"github.com/timmy/pagepulse/internal/logger"
	"github.com/timmy/pagepulse/internal/progress"
)

const helperEnv = "PAGEPULSE_HELPER_WORKER"

// TestHelperWorkerProcess is the worker program used by the process handle
// tests. It only runs when started by them.
func TestHelperWorkerProcess(t *testing.T) {
	if os.Getenv(helperEnv) != "1" {
		t.Skip("only runs as a child process")
	}
	id, _ := strconv.Atoi(os.Getenv(EnvWorkerID))
	worker := NewWorker(id, newFakeStore(true), logger.NewDiscard())
	if err := worker.ServeStream(context.Background(), os.Stdin, os.Stdout); err != nil {
		os.Exit(2)
	}
	os.Exit(0)
}

func helperCommand() []string {
	return []string{os.Args[0], "-test.run=^TestHelperWorkerProcess$"}
}

func collect(ch chan Message) func(Message) {
	return func(m Message) { ch <- m }
}

func next(t *testing.T, ch chan Message) Message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(5 * time.Second):
		t.Fatal("no message from worker")
		return Message{}
	}
}

func TestLocalHandle_Protocol(t *testing.T) {
	msgs := make(chan Message, 8)
	h, err := LocalFactory(newFakeStore(true), logger.NewDiscard())(0, collect(msgs))
	require.NoError(t, err)

	assert.Equal(t, MessageReady, next(t, msgs).Type)

	require.NoError(t, h.Send(WorkMessage(testBatch(0, 2))))
	result := next(t, msgs)
	require.Equal(t, MessageResult, result.Type)
	assert.Equal(t, domain.BatchCounts{SuccessCount: 2, TotalCount: 2}, *result.Counts)
	assert.Equal(t, MessageReady, next(t, msgs).Type)

	assert.ErrorIs(t, h.Send(Message{Type: "pause"}), ErrUnknownMessage)

	require.NoError(t, h.Send(ShutdownMessage()))
	require.NoError(t, h.Terminate())
	assert.ErrorIs(t, h.Send(ShutdownMessage()), ErrWorkerGone)
}

func TestLocalFactory_RequiresStore(t *testing.T) {
	_, err := LocalFactory(nil, logger.NewDiscard())(0, func(Message) {})
	assert.Error(t, err)
}

func TestProcessHandle_Protocol(t *testing.T) {
	t.Setenv(helperEnv, "1")
	msgs := make(chan Message, 8)

	h, err := ProcessFactory(helperCommand(), logger.NewDiscard())(3, collect(msgs))
	require.NoError(t, err)

	assert.Equal(t, MessageReady, next(t, msgs).Type)
	require.NoError(t, h.Send(WorkMessage(testBatch(0, 4))))
	result := next(t, msgs)
	require.Equal(t, MessageResult, result.Type)
	assert.Equal(t, domain.BatchCounts{SuccessCount: 4, TotalCount: 4}, *result.Counts)
	assert.Equal(t, MessageReady, next(t, msgs).Type)

	require.NoError(t, h.Send(ShutdownMessage()))
	assert.NoError(t, h.Terminate())
	assert.NoError(t, h.Terminate(), "terminate is idempotent")
}

func TestProcessFactory_BadCommand(t *testing.T) {
	_, err := ProcessFactory(nil, logger.NewDiscard())(0, func(Message) {})
	assert.Error(t, err)

	_, err = ProcessFactory([]string{"/nonexistent/pagepulse-worker"}, logger.NewDiscard())(0, func(Message) {})
	assert.Error(t, err)
}

func TestOrchestrator_ProcessWorkers(t *testing.T) {
	t.Setenv(helperEnv, "1")
	log := logger.NewDiscard()
	tracker := progress.NewTracker(nil, log)
	require.NoError(t, tracker.Init(context.Background(), testUploadID))

	o := NewOrchestrator(testUploadID, ProcessFactory(helperCommand(), log), tracker,
		Options{Workers: 2, BatchSize: 25, BufferSize: 50}, WithLogger(log))
	require.NoError(t, o.Run(context.Background(), strings.NewReader(csvRows(60))))

	job, err := tracker.Get(context.Background(), testUploadID)
	require.NoError(t, err)
	assert.Equal(t, domain.UploadStatusComplete, job.Status)
	assert.Equal(t, int64(60), job.TotalCount)
	assert.Equal(t, int64(60), job.SuccessCount)
}

func TestFactoryFor(t *testing.T) {
	store := newFakeStore(true)

	f, err := FactoryFor(&config.IngestConfig{WorkerMode: "local"}, store, logger.NewDiscard())
	require.NoError(t, err)
	assert.NotNil(t, f)

	f, err = FactoryFor(&config.IngestConfig{WorkerMode: "process", WorkerCommand: []string{"pagepulse-worker"}}, nil, logger.NewDiscard())
	require.NoError(t, err)
	assert.NotNil(t, f)

	_, err = FactoryFor(&config.IngestConfig{WorkerMode: "process"}, nil, logger.NewDiscard())
	assert.Error(t, err)

	_, err = FactoryFor(&config.IngestConfig{WorkerMode: "threads"}, store, logger.NewDiscard())
	assert.ErrorContains(t, err, "threads")
}
