package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/pagepulse/internal/config"
	"github.com/timmy/pagepulse/internal/domain"
	"github.com/timmy/pagepulse/internal/logger"
	"github.com/timmy/pagepulse/internal/metrics"
	"github.com/timmy/pagepulse/internal/service"
)

type stubUploads struct{}

func (stubUploads) StartIngestion(_ context.Context, id string) (service.Ack, error) {
	return service.Ack{UploadID: id, Status: domain.UploadStatusProcessing}, nil
}

func (stubUploads) GetProgress(_ context.Context, id string) (service.Progress, error) {
	return service.Progress{UploadJob: domain.UploadJob{ID: id, Status: domain.UploadStatusProcessing}}, nil
}

func newTestRouter(t *testing.T, cors config.CORSConfig) http.Handler {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)
	m.UploadStarted()

	return SetupRouter(RouterDeps{
		Uploads:  stubUploads{},
		Gatherer: reg,
	}, &config.ServerConfig{Mode: "test", CORS: cors}, logger.NewDiscard())
}

func TestRouter_Routes(t *testing.T) {
	r := newTestRouter(t, config.CORSConfig{AllowAllOrigins: true})
	id := "0b6c3f0e-8d43-4e57-9a9c-3f6f0f3d2a11"

	tests := []struct {
		method string
		path   string
		want   int
	}{
		{http.MethodGet, "/health", http.StatusOK},
		{http.MethodPost, "/api/v1/uploads/" + id + "/ingest", http.StatusAccepted},
		{http.MethodGet, "/api/v1/uploads/" + id + "/progress", http.StatusOK},
		{http.MethodGet, "/api/v1/uploads/" + id, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(tt.method, tt.path, nil))
			assert.Equal(t, tt.want, w.Code)
			assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
		})
	}
}

func TestRouter_RequestIDIsPropagated(t *testing.T) {
	r := newTestRouter(t, config.CORSConfig{})
	id := "9f1c2b8e-4f0a-4b8e-8a61-6a3b2d0c9e77"

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", id)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, id, w.Header().Get("X-Request-ID"))
}

func TestRouter_Metrics(t *testing.T) {
	r := newTestRouter(t, config.CORSConfig{})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), metrics.Prefix+"active_uploads 1")
}

func TestRouter_CORS(t *testing.T) {
	cors := config.CORSConfig{AllowedOrigins: []string{"https://dash.example.com"}}
	r := newTestRouter(t, cors)

	t.Run("allowed preflight", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/api/v1/uploads/x/ingest", nil)
		req.Header.Set("Origin", "https://dash.example.com")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		assert.Equal(t, http.StatusNoContent, w.Code)
		assert.Equal(t, "https://dash.example.com", w.Header().Get("Access-Control-Allow-Origin"))
		assert.Equal(t, "true", w.Header().Get("Access-Control-Allow-Credentials"))
	})

	t.Run("other origin", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.Header.Set("Origin", "https://evil.example.com")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
	})
}
