package domain

import "time"

// UploadStatus represents the status of an upload ingestion.
// Values include UploadStatusProcessing, UploadStatusComplete, and UploadStatusFailed.
type UploadStatus string

const (
	UploadStatusProcessing UploadStatus = "processing"
	UploadStatusComplete   UploadStatus = "complete"
	UploadStatusFailed     UploadStatus = "failed"
)

// Terminal reports whether no further status transition is allowed.
func (s UploadStatus) Terminal() bool {
	return s == UploadStatusComplete || s == UploadStatusFailed
}

// UploadJob tracks the progress of ingesting one uploaded CSV file.
type UploadJob struct {
	ID           string       `gorm:"type:text;primaryKey" json:"id"`
	Status       UploadStatus `gorm:"type:text;index:idx_upload_jobs_status;default:processing" json:"status"`
	SuccessCount int64        `gorm:"default:0" json:"success_count"`
	ErrorCount   int64        `gorm:"default:0" json:"error_count"`
	TotalCount   int64        `gorm:"default:0" json:"total_count"`
	SkippedCount int64        `gorm:"default:0" json:"skipped_count"`
	StartedAt    *time.Time   `json:"started_at,omitempty"`
	CompletedAt  *time.Time   `json:"completed_at,omitempty"`
	ErrorLog     string       `gorm:"type:text" json:"error_log,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// TableName returns the database table name for UploadJob.
// Parameters: none.
// Returns:
//   - string: table name for GORM mapping.
func (UploadJob) TableName() string {
	return "upload_jobs"
}

// BatchCounts is the per-batch outcome reported by a worker.
type BatchCounts struct {
	SuccessCount int64 `json:"success_count"`
	ErrorCount   int64 `json:"error_count"`
	TotalCount   int64 `json:"total_count"`
	SkippedCount int64 `json:"skipped_count"`
}

// Add returns the field-wise sum of c and other.
func (c BatchCounts) Add(other BatchCounts) BatchCounts {
	return BatchCounts{
		SuccessCount: c.SuccessCount + other.SuccessCount,
		ErrorCount:   c.ErrorCount + other.ErrorCount,
		TotalCount:   c.TotalCount + other.TotalCount,
		SkippedCount: c.SkippedCount + other.SkippedCount,
	}
}
