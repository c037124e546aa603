package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/timmy/pagepulse/internal/logger"
	"github.com/timmy/pagepulse/internal/progress"
	"github.com/timmy/pagepulse/internal/service"
	"github.com/timmy/pagepulse/internal/storage"
)

// Uploads is the part of service.UploadService the HTTP layer drives.
type Uploads interface {
	StartIngestion(ctx context.Context, uploadID string) (service.Ack, error)
	GetProgress(ctx context.Context, uploadID string) (service.Progress, error)
}

// UploadHandler starts ingestion of staged uploads and reports progress.
type UploadHandler struct {
	uploads Uploads
	logger  *logger.Logger
}

// NewUploadHandler creates a new upload handler.
// Parameters:
//   - uploads: upload service instance.
//   - log: logger instance.
// Returns:
//   - *UploadHandler: initialized handler.
func NewUploadHandler(uploads Uploads, log *logger.Logger) *UploadHandler {
	if log == nil {
		log = logger.GetDefault()
	}
	return &UploadHandler{uploads: uploads, logger: log}
}

// log returns a logger from Gin context if available, otherwise returns the default logger
func (h *UploadHandler) log(c *gin.Context) *logger.Logger {
	if l := logger.FromContext(c.Request.Context()); l != nil {
		return l
	}
	return h.logger
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// StartIngestion handles POST /api/v1/uploads/:id/ingest.
// The upload must already be staged in object storage; ingestion runs in the
// background and 202 is returned as soon as progress tracking exists.
func (h *UploadHandler) StartIngestion(c *gin.Context) {
	id := c.Param("id")
	ack, err := h.uploads.StartIngestion(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, id, err)
		return
	}
	c.JSON(http.StatusAccepted, ack)
}

// GetProgress handles GET /api/v1/uploads/:id/progress.
func (h *UploadHandler) GetProgress(c *gin.Context) {
	id := c.Param("id")
	p, err := h.uploads.GetProgress(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, id, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *UploadHandler) respondError(c *gin.Context, id string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log(c).WithError(err).ForUpload(id).Error("Upload request failed")
	}
	c.JSON(status, ErrorResponse{Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidUploadID):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrObjectNotFound), errors.Is(err, progress.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, progress.ErrAlreadyStarted):
		return http.StatusConflict
	case errors.Is(err, service.ErrShuttingDown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
