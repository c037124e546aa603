package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/timmy/pagepulse/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// keyChunkSize bounds the number of bind parameters per existence query.
const keyChunkSize = 400

// PageRepository handles page data operations.
type PageRepository struct {
	db *gorm.DB
}

// NewPageRepository creates a new PageRepository.
// Parameters:
//   - db: GORM database handle used for queries.
// Returns:
//   - *PageRepository: repository instance bound to db.
func NewPageRepository(db *gorm.DB) *PageRepository {
	return &PageRepository{db: db}
}

// FindExisting returns stored pages whose natural key matches one of keys.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - keys: natural keys to look up.
// Returns:
//   - []domain.Page: stored pages matching exactly one of the keys.
//   - error: non-nil if the query fails.
func (r *PageRepository) FindExisting(ctx context.Context, keys []domain.NaturalKey) ([]domain.Page, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	wanted := make(map[domain.NaturalKey]struct{}, len(keys))
	for _, k := range keys {
		wanted[domain.NaturalKey{URL: k.URL, LastUpdated: k.LastUpdated.UTC()}] = struct{}{}
	}

	var found []domain.Page
	for start := 0; start < len(keys); start += keyChunkSize {
		end := min(start+keyChunkSize, len(keys))
		urls, times := splitKeys(keys[start:end])

		// url IN and last_updated IN over-selects; exact pairs are filtered below
		var pages []domain.Page
		if err := r.db.WithContext(ctx).
			Where("url IN ? AND last_updated IN ?", urls, times).
			Find(&pages).Error; err != nil {
			return nil, fmt.Errorf("failed to query existing pages: %w", err)
		}
		for _, p := range pages {
			if _, ok := wanted[p.Key()]; ok {
				found = append(found, p)
			}
		}
	}
	return found, nil
}

// BulkInsert inserts pages, ignoring rows whose natural key already exists.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - pages: pages to insert.
// Returns:
//   - int64: number of rows actually inserted.
//   - error: non-nil if the insert fails.
func (r *PageRepository) BulkInsert(ctx context.Context, pages []domain.Page) (int64, error) {
	if len(pages) == 0 {
		return 0, nil
	}
	rows := make([]domain.Page, len(pages))
	copy(rows, pages)

	result := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "url"}, {Name: "last_updated"}},
		DoNothing: true,
	}).Create(&rows)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to insert pages: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// CountByKey counts stored rows for a natural key.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - key: natural key to count.
// Returns:
//   - int64: number of matching rows.
//   - error: non-nil if the query fails.
func (r *PageRepository) CountByKey(ctx context.Context, key domain.NaturalKey) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&domain.Page{}).
		Where("url = ? AND last_updated = ?", key.URL, key.LastUpdated.UTC()).
		Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

func splitKeys(keys []domain.NaturalKey) ([]string, []time.Time) {
	urls := make([]string, 0, len(keys))
	times := make([]time.Time, 0, len(keys))
	seenURL := make(map[string]struct{}, len(keys))
	seenTime := make(map[time.Time]struct{}, len(keys))
	for _, k := range keys {
		if _, ok := seenURL[k.URL]; !ok {
			seenURL[k.URL] = struct{}{}
			urls = append(urls, k.URL)
		}
		ts := k.LastUpdated.UTC()
		if _, ok := seenTime[ts]; !ok {
			seenTime[ts] = struct{}{}
			times = append(times, ts)
		}
	}
	return urls, times
}
