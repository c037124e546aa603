package storage

import (
	"context"
	"fmt"
	"io"
)

// UploadReader resolves upload identifiers to raw upload objects.
type UploadReader struct {
	storage ObjectStorage
	suffix  string
}

// NewUploadReader stores each upload under "<uploadID><suffix>".
func NewUploadReader(storage ObjectStorage, suffix string) *UploadReader {
	return &UploadReader{storage: storage, suffix: suffix}
}

// ObjectKey returns the object key of an upload.
func (r *UploadReader) ObjectKey(uploadID string) string {
	return uploadID + r.suffix
}

// OpenReadStream opens the raw upload for sequential reading.
// Parameters:
//   - ctx: context for the storage request.
//   - uploadID: upload identifier.
// Returns:
//   - io.ReadCloser: forward-only stream over the file; the caller closes it.
//   - error: ErrObjectNotFound when nothing was uploaded under uploadID.
func (r *UploadReader) OpenReadStream(ctx context.Context, uploadID string) (io.ReadCloser, error) {
	stream, err := r.storage.Download(ctx, r.ObjectKey(uploadID))
	if err != nil {
		return nil, fmt.Errorf("failed to open upload %s: %w", uploadID, err)
	}
	return stream, nil
}

// Stage stores raw upload bytes under uploadID.
func (r *UploadReader) Stage(ctx context.Context, uploadID string, data io.Reader, size int64) error {
	if err := r.storage.Upload(ctx, r.ObjectKey(uploadID), data, size, "text/csv"); err != nil {
		return fmt.Errorf("failed to stage upload %s: %w", uploadID, err)
	}
	return nil
}
