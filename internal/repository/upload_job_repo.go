package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/timmy/pagepulse/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrUploadJobNotFound is returned when no upload job row exists for an ID.
var ErrUploadJobNotFound = errors.New("upload job not found")

// UploadJobRepository persists upload progress snapshots.
type UploadJobRepository struct {
	db *gorm.DB
}

// NewUploadJobRepository creates a new UploadJobRepository.
func NewUploadJobRepository(db *gorm.DB) *UploadJobRepository {
	return &UploadJobRepository{db: db}
}

// Save creates or replaces the stored snapshot of job.
func (r *UploadJobRepository) Save(ctx context.Context, job *domain.UploadJob) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(job).Error
	if err != nil {
		return fmt.Errorf("failed to save upload job %s: %w", job.ID, err)
	}
	return nil
}

// GetByID loads a stored snapshot, returning ErrUploadJobNotFound when absent.
func (r *UploadJobRepository) GetByID(ctx context.Context, id string) (*domain.UploadJob, error) {
	var job domain.UploadJob
	if err := r.db.WithContext(ctx).First(&job, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUploadJobNotFound
		}
		return nil, fmt.Errorf("failed to load upload job %s: %w", id, err)
	}
	return &job, nil
}
