package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

const healthTimeout = 2 * time.Second

// Pinger is satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// HealthHandler handles health check endpoints
type HealthHandler struct {
	db      Pinger
	uploads ActiveCounter
}

// ActiveCounter reports how many uploads are being ingested.
type ActiveCounter interface {
	Active() int
}

// NewHealthHandler creates a new health handler. Either dependency may be nil.
func NewHealthHandler(db Pinger, uploads ActiveCounter) *HealthHandler {
	return &HealthHandler{db: db, uploads: uploads}
}

// Health returns the health status of the service
func (h *HealthHandler) Health(c *gin.Context) {
	body := gin.H{"status": "ok"}
	if h.uploads != nil {
		body["active_uploads"] = h.uploads.Active()
	}

	if h.db != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
		defer cancel()
		if err := h.db.PingContext(ctx); err != nil {
			body["status"] = "degraded"
			body["database"] = err.Error()
			c.JSON(http.StatusServiceUnavailable, body)
			return
		}
		body["database"] = "ok"
	}

	c.JSON(http.StatusOK, body)
}
