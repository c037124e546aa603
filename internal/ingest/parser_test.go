package ingest

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/pagepulse/internal/domain"
	"github.com/timmy/pagepulse/internal/logger"
)

// countingSink records every push attempt made against a Buffer.
type countingSink struct {
	*Buffer
	attempts atomic.Int64
}

func (s *countingSink) Push(page domain.Page) error {
	s.attempts.Add(1)
	return s.Buffer.Push(page)
}

func newTestParser(sink Sink, onMalformed MalformedFunc) *Parser {
	return NewParser(sink, logger.NewDiscard(), nil, onMalformed)
}

func TestNormalizeHeader(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"url", "url"},
		{"ai_model_mentioned", "aiModelMentioned"},
		{"AI_MODEL_MENTIONED", "aiModelMentioned"},
		{"last-updated", "lastUpdated"},
		{" position in response ", "positionInResponse"},
		{"trafficEstimate", "trafficEstimate"},
		{"URL", "uRL"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeHeader(tt.in))
		})
	}
}

func TestParseTimestamp(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Time
		wantErr bool
	}{
		{"2024-03-01T12:00:00Z", time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC), false},
		{"2024-03-01T14:00:00+02:00", time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC), false},
		{"2024-03-01 12:00:00", time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC), false},
		{"2024-03-01", time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), false},
		{"03/01/2024", time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), false},
		{"yesterday", time.Time{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseTimestamp(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "got %s", got)
			assert.Equal(t, time.UTC, got.Location())
		})
	}
}

func TestCoerceInt(t *testing.T) {
	assert.Equal(t, 42, coerceInt("42"))
	assert.Equal(t, -3, coerceInt("-3"))
	assert.Equal(t, 12, coerceInt("12.7"))
	assert.Equal(t, 0, coerceInt("n/a"))
	assert.Equal(t, 0, coerceInt(""))
	assert.Equal(t, 0, coerceInt("NaN"))
}

func TestParser_DecodesRows(t *testing.T) {
	input := "URL,Title,ai_model_mentioned,citations_count,visibility_score,last_updated,notes,traffic_estimate\n" +
		"https://Docs.Example.com:8443/a,\"Guide, part 1\",Claude,7,88,2024-03-01T12:00:00Z,ignored,abc\n" +
		"\n" +
		"https://blog.example.org/b,Second,GPT-4,2.9,,2024-03-02,,1500\n"

	buf := NewBuffer(10)
	stats, err := newTestParser(buf, nil).Run(context.Background(), strings.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, ParseStats{Rows: 2, Parsed: 2}, stats)

	buf.StartDraining()
	pages := buf.PopBatch(10)
	require.Len(t, pages, 2)

	first := pages[0]
	assert.Equal(t, "https://Docs.Example.com:8443/a", first.URL)
	assert.Equal(t, "docs.example.com", first.Domain)
	assert.Equal(t, "Guide, part 1", first.Title)
	assert.Equal(t, "Claude", first.AIModelMentioned)
	assert.Equal(t, 7, first.CitationsCount)
	assert.Equal(t, 88, first.VisibilityScore)
	assert.Equal(t, 0, first.TrafficEstimate)
	assert.True(t, time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC).Equal(first.LastUpdated))

	second := pages[1]
	assert.Equal(t, "blog.example.org", second.Domain)
	assert.Equal(t, 2, second.CitationsCount)
	assert.Equal(t, 0, second.VisibilityScore)
	assert.Equal(t, 1500, second.TrafficEstimate)
}

func TestParser_SkipsMalformedRows(t *testing.T) {
	input := csvHeader +
		"https://a.example.com/1,One,,1,,1,,,2024-01-01,,,,,,\n" +
		",No URL,,1,,1,,,2024-01-01,,,,,,\n" +
		"https://a.example.com/2,Bad time,,1,,1,,,not-a-date,,,,,,\n" +
		"https://a.example.com/3,No time,,1,,1,,,,,,,,,\n" +
		",,,,,,,,,,,,,,\n" +
		"https://a.example.com/4,Four,,1,,1,,,2024-01-02,,,,,,\n"

	var mu sync.Mutex
	var lines []int
	onMalformed := func(line int, err error) {
		mu.Lock()
		defer mu.Unlock()
		lines = append(lines, line)
	}

	buf := NewBuffer(10)
	stats, err := newTestParser(buf, onMalformed).Run(context.Background(), strings.NewReader(input))
	require.NoError(t, err)

	assert.Equal(t, int64(5), stats.Rows)
	assert.Equal(t, int64(2), stats.Parsed)
	assert.Equal(t, int64(3), stats.Malformed)
	assert.Equal(t, []int{3, 4, 5}, lines)
	assert.Equal(t, 2, buf.Len())
}

func TestParser_EmptyAndHeaderOnly(t *testing.T) {
	for name, input := range map[string]string{"empty": "", "header only": csvHeader} {
		t.Run(name, func(t *testing.T) {
			buf := NewBuffer(1)
			stats, err := newTestParser(buf, nil).Run(context.Background(), strings.NewReader(input))
			require.NoError(t, err)
			assert.Zero(t, stats.Parsed)
			assert.Zero(t, buf.Len())
		})
	}
}

func TestParser_RequiresURLColumn(t *testing.T) {
	_, err := newTestParser(NewBuffer(1), nil).Run(context.Background(), strings.NewReader("title,last_updated\nx,2024-01-01\n"))
	assert.ErrorContains(t, err, "no url column")
}

// The parser stops pulling rows while the buffer is full and resumes after a pop.
func TestParser_Backpressure(t *testing.T) {
	const capacity = 5
	sink := &countingSink{Buffer: NewBuffer(capacity)}
	parser := newTestParser(sink, nil)

	type outcome struct {
		stats ParseStats
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		stats, err := parser.Run(context.Background(), strings.NewReader(csvRows(12)))
		done <- outcome{stats, err}
	}()

	require.Eventually(t, sink.IsFull, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return sink.attempts.Load() == capacity+1 }, time.Second, time.Millisecond)

	// Suspended: no further push attempts while full.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(capacity+1), sink.attempts.Load())
	assert.Equal(t, capacity, sink.Len())
	select {
	case <-done:
		t.Fatal("parser finished while the buffer was full")
	default:
	}

	// One pop resumes it.
	require.Len(t, sink.PopBatch(capacity), capacity)
	require.Eventually(t, func() bool { return sink.attempts.Load() > capacity+1 }, time.Second, time.Millisecond)

	popped := capacity
	for {
		if sink.IsFull() {
			popped += len(sink.PopBatch(capacity))
			continue
		}
		select {
		case res := <-done:
			require.NoError(t, res.err)
			assert.Equal(t, int64(12), res.stats.Parsed)
			assert.GreaterOrEqual(t, res.stats.Pauses, int64(1))
			assert.Equal(t, 12, popped+sink.Len())
			return
		case <-time.After(time.Millisecond):
		}
	}
}

func TestParser_CancelWhilePaused(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	buf := NewBuffer(2)

	errCh := make(chan error, 1)
	go func() {
		_, err := newTestParser(buf, nil).Run(ctx, strings.NewReader(csvRows(5)))
		errCh <- err
	}()

	require.Eventually(t, buf.IsFull, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(time.Second):
		t.Fatal("parser did not stop after cancellation")
	}
}
