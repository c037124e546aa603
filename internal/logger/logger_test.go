package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var lines []map[string]interface{}
	for _, raw := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if raw == "" {
			continue
		}
		var line map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(raw), &line))
		lines = append(lines, line)
	}
	return lines
}

func TestLogger_JSONFields(t *testing.T) {
	var buf bytes.Buffer
	log := New(&Config{Level: "debug", Format: "json", Output: &buf, ServiceName: "pagepulse-test"})

	log.ForUpload("u-1").ForWorker(2).Info("Batch stored")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "Batch stored", lines[0]["message"])
	assert.Equal(t, "pagepulse-test", lines[0]["service"])
	assert.Equal(t, "u-1", lines[0][FieldUploadID])
	assert.EqualValues(t, 2, lines[0][FieldWorkerID])
	assert.Contains(t, lines[0], "timestamp")
}

func TestLogger_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	log := New(&Config{Level: "warn", Output: &buf})

	log.Info("dropped")
	log.Warn("kept")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "kept", lines[0]["message"])
}

func TestEntry_UsesContextLogger(t *testing.T) {
	var buf bytes.Buffer
	base := New(&Config{Level: "info", Output: &buf})
	ctx := SetUploadID(base.WithContext(context.Background()), "u-7")

	With(Fields{FieldCount: 3}).WithStatus("complete").WithDuration(12).Info(ctx, "Upload %s", "done")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "Upload done", lines[0]["message"])
	assert.Equal(t, "u-7", lines[0][FieldUploadID])
	assert.Equal(t, "complete", lines[0][FieldStatus])
	assert.EqualValues(t, 3, lines[0][FieldCount])
	assert.EqualValues(t, 12, lines[0][FieldDurationMs])
}

func TestFromContext_FallsBackToDefault(t *testing.T) {
	assert.Same(t, GetDefault(), FromContext(context.Background()))
	assert.Same(t, GetDefault(), FromContext(nil)) //nolint:staticcheck
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("LOG_FORMAT", "text")
	t.Setenv("APP_ENV", "prod")
	t.Setenv("LOG_MAX_BACKUPS", "3")

	cfg := LoadFromEnv()
	assert.Equal(t, "debug", cfg.Level)
	assert.Equal(t, "text", cfg.Format)
	assert.Equal(t, "prod", cfg.Environment)
	assert.Equal(t, 3, cfg.Rotation.MaxBackups)
	assert.Equal(t, 100, cfg.Rotation.MaxSizeMB)
	assert.Equal(t, "pagepulse", cfg.ServiceName)
}

func TestNewFromEnv_ExplicitOutput(t *testing.T) {
	var buf bytes.Buffer
	log := NewFromEnv(&EnvConfig{Level: "info", Format: "json", ServiceName: "w", Environment: "prod", Output: &buf})
	log.Info("hello")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "w", lines[0]["service"])
	assert.NoError(t, Sync())
}
