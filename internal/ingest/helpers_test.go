package ingest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/timmy/pagepulse/internal/domain"
)

var baseTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func testPage(i int) domain.Page {
	url := fmt.Sprintf("https://site%d.example.com/page/%d", i%7, i)
	return domain.Page{
		URL:         url,
		Domain:      domain.DomainFromURL(url),
		Title:       fmt.Sprintf("Page %d", i),
		LastUpdated: baseTime.Add(time.Duration(i) * time.Hour),
	}
}

func testBatch(from, n int) Batch {
	batch := make(Batch, n)
	for i := range batch {
		batch[i] = testPage(from + i)
	}
	return batch
}

const csvHeader = "url,title,ai_model_mentioned,citations_count,sentiment,visibility_score," +
	"competitor_mentioned,query_category,last_updated,traffic_estimate,domain_authority," +
	"mentions_count,position_in_response,response_type,geographic_region\n"

// csvRows renders n distinct, valid rows with a header.
func csvRows(n int) string {
	var sb strings.Builder
	sb.WriteString(csvHeader)
	for i := 0; i < n; i++ {
		fmt.Fprintf(&sb, "https://site%d.example.com/p/%d,Title %d,GPT-4,%d,positive,%d,no,product,%s,%d,%d,%d,%d,list,US\n",
			i%5, i, i, i%10, i%100, baseTime.Add(time.Duration(i)*time.Minute).Format(time.RFC3339), i*10, i%90, i%4, i%3+1)
	}
	return sb.String()
}

// fakeStore is an in-memory Store. With unique set it ignores inserts whose
// natural key exists, like a unique index with conflict-ignore.
type fakeStore struct {
	mu     sync.Mutex
	rows   []domain.Page
	unique bool

	findErr   error
	insertErr error

	// afterFind runs between the existence check and the insert.
	afterFind func()
	// block makes FindExisting wait for ctx cancellation.
	block bool

	findSizes []int
}

func newFakeStore(unique bool, existing ...domain.Page) *fakeStore {
	return &fakeStore{unique: unique, rows: append([]domain.Page(nil), existing...)}
}

func (s *fakeStore) FindExisting(ctx context.Context, keys []domain.NaturalKey) ([]domain.Page, error) {
	s.mu.Lock()
	s.findSizes = append(s.findSizes, len(keys))
	block, findErr := s.block, s.findErr
	s.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if findErr != nil {
		return nil, findErr
	}

	wanted := make(map[domain.NaturalKey]struct{}, len(keys))
	for _, k := range keys {
		wanted[k] = struct{}{}
	}
	s.mu.Lock()
	var found []domain.Page
	for _, row := range s.rows {
		if _, ok := wanted[row.Key()]; ok {
			found = append(found, row)
		}
	}
	s.mu.Unlock()

	if s.afterFind != nil {
		s.afterFind()
	}
	return found, nil
}

func (s *fakeStore) BulkInsert(_ context.Context, pages []domain.Page) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return 0, s.insertErr
	}

	var inserted int64
	for _, p := range pages {
		if s.unique && s.countLocked(p.Key()) > 0 {
			continue
		}
		s.rows = append(s.rows, p)
		inserted++
	}
	return inserted, nil
}

func (s *fakeStore) count(key domain.NaturalKey) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.countLocked(key)
}

func (s *fakeStore) countLocked(key domain.NaturalKey) int {
	n := 0
	for _, row := range s.rows {
		if row.Key() == key {
			n++
		}
	}
	return n
}

func (s *fakeStore) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

func (s *fakeStore) batchSizes() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.findSizes...)
}
