package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/pagepulse/internal/config"
	"github.com/timmy/pagepulse/internal/domain"
	"github.com/timmy/pagepulse/internal/logger"
	"github.com/timmy/pagepulse/internal/progress"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := InitDB(&config.DatabaseConfig{
		Driver:       "sqlite",
		Path:         ":memory:",
		MaxOpenConns: 1,
		AutoMigrate:  true,
		LogLevel:     "silent",
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

var t0 = time.Date(2024, 5, 1, 8, 30, 0, 0, time.UTC)

func page(url string, ts time.Time) domain.Page {
	return domain.Page{URL: url, Domain: domain.DomainFromURL(url), Title: "t", LastUpdated: ts}
}

func TestInitDB_UnsupportedDriver(t *testing.T) {
	_, err := InitDB(&config.DatabaseConfig{Driver: "oracle"})
	assert.ErrorContains(t, err, "unsupported database driver")
}

func TestPageRepository_BulkInsertIgnoresExistingKeys(t *testing.T) {
	ctx := context.Background()
	repo := NewPageRepository(newTestDB(t))

	pages := []domain.Page{
		page("https://a.example.com/1", t0),
		page("https://a.example.com/2", t0),
		page("https://a.example.com/1", t0.Add(time.Hour)),
	}
	inserted, err := repo.BulkInsert(ctx, pages)
	require.NoError(t, err)
	assert.Equal(t, int64(3), inserted)

	inserted, err = repo.BulkInsert(ctx, []domain.Page{pages[0], page("https://a.example.com/3", t0)})
	require.NoError(t, err)
	assert.Equal(t, int64(1), inserted)

	count, err := repo.CountByKey(ctx, pages[0].Key())
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	inserted, err = repo.BulkInsert(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, inserted)
}

func TestPageRepository_FindExistingMatchesExactPairs(t *testing.T) {
	ctx := context.Background()
	repo := NewPageRepository(newTestDB(t))

	a := page("https://a.example.com/", t0)
	b := page("https://b.example.com/", t0.Add(24*time.Hour))
	_, err := repo.BulkInsert(ctx, []domain.Page{a, b})
	require.NoError(t, err)

	found, err := repo.FindExisting(ctx, []domain.NaturalKey{a.Key(), {URL: "https://c.example.com/", LastUpdated: t0}})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, a.URL, found[0].URL)
	assert.True(t, a.LastUpdated.Equal(found[0].LastUpdated))
	assert.Equal(t, "a.example.com", found[0].Domain)

	// Both urls and both timestamps are stored, but neither crossed pair is.
	crossed := []domain.NaturalKey{
		{URL: a.URL, LastUpdated: b.LastUpdated},
		{URL: b.URL, LastUpdated: a.LastUpdated},
	}
	found, err = repo.FindExisting(ctx, crossed)
	require.NoError(t, err)
	assert.Empty(t, found)

	found, err = repo.FindExisting(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestUploadJobRepository_SaveAndGet(t *testing.T) {
	ctx := context.Background()
	repo := NewUploadJobRepository(newTestDB(t))
	id := "9f1c1d7e-3b52-4f0c-b6e4-6a2f3d0e5c77"

	_, err := repo.GetByID(ctx, id)
	assert.ErrorIs(t, err, ErrUploadJobNotFound)

	job := &domain.UploadJob{ID: id, Status: domain.UploadStatusProcessing}
	require.NoError(t, repo.Save(ctx, job))

	job.Status = domain.UploadStatusComplete
	job.SuccessCount = 7
	job.TotalCount = 9
	job.SkippedCount = 2
	require.NoError(t, repo.Save(ctx, job))

	stored, err := repo.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.UploadStatusComplete, stored.Status)
	assert.Equal(t, int64(7), stored.SuccessCount)
	assert.Equal(t, int64(9), stored.TotalCount)
	assert.Equal(t, int64(2), stored.SkippedCount)
}

func TestUploadJobRepository_BacksTracker(t *testing.T) {
	ctx := context.Background()
	repo := NewUploadJobRepository(newTestDB(t))
	id := "1e0b5f8a-6c3d-4a2b-9e7f-8d1c2b3a4f50"

	tracker := progress.NewTracker(repo, logger.NewDiscard())
	require.NoError(t, tracker.Init(ctx, id))
	require.NoError(t, tracker.Accumulate(ctx, id, domain.BatchCounts{SuccessCount: 4, SkippedCount: 1, TotalCount: 5}))
	require.NoError(t, tracker.MarkComplete(ctx, id))

	restarted := progress.NewTracker(repo, logger.NewDiscard())
	job, err := restarted.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.UploadStatusComplete, job.Status)
	assert.Equal(t, int64(5), job.TotalCount)
	assert.ErrorIs(t, restarted.Init(ctx, id), progress.ErrAlreadyStarted)
}
