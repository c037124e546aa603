package ingest

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/timmy/pagepulse/internal/domain"
	"github.com/timmy/pagepulse/internal/logger"
	"github.com/timmy/pagepulse/internal/metrics"
)

// ErrMissingURL marks a row without a url value.
var ErrMissingURL = errors.New("row has no url")

// Sink receives parsed pages. Push returns ErrBufferFull when the caller must
// wait on SpaceAvailable before retrying.
type Sink interface {
	Push(page domain.Page) error
	SpaceAvailable() <-chan struct{}
}

// ParseStats summarises one parser run.
type ParseStats struct {
	Rows      int64 // data rows read, malformed included
	Parsed    int64
	Malformed int64
	Pauses    int64
}

// MalformedFunc is called for every row that is skipped.
type MalformedFunc func(line int, err error)

// Parser decodes a CSV stream into pages and feeds them to a Sink, pausing
// while the sink is full.
type Parser struct {
	sink        Sink
	logger      *logger.Logger
	metrics     *metrics.Metrics
	onMalformed MalformedFunc
}

func NewParser(sink Sink, log *logger.Logger, m *metrics.Metrics, onMalformed MalformedFunc) *Parser {
	if log == nil {
		log = logger.GetDefault()
	}
	return &Parser{
		sink:        sink,
		logger:      log,
		metrics:     m,
		onMalformed: onMalformed,
	}
}

// Run reads r until end of stream. The first row is the header. It returns
// when the stream is exhausted, the context is cancelled, or reading fails.
func (p *Parser) Run(ctx context.Context, r io.Reader) (ParseStats, error) {
	var stats ParseStats

	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.ReuseRecord = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		p.logger.Warn("Upload is empty, nothing to ingest")
		return stats, nil
	}
	if err != nil {
		return stats, fmt.Errorf("failed to read header: %w", err)
	}
	columns := mapColumns(header)
	if !columns.hasURL {
		return stats, fmt.Errorf("header has no url column")
	}

	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			return stats, nil
		}
		if err != nil {
			var parseErr *csv.ParseError
			if !errors.As(err, &parseErr) {
				return stats, fmt.Errorf("failed to read csv: %w", err)
			}
			stats.Rows++
			p.malformed(&stats, parseErr.Line, err)
			continue
		}
		if blankRecord(record) {
			continue
		}

		stats.Rows++
		line, _ := reader.FieldPos(0)
		page, err := columns.decode(record)
		if err != nil {
			p.malformed(&stats, line, err)
			continue
		}

		if err := p.push(ctx, &stats, page); err != nil {
			return stats, err
		}
		stats.Parsed++
		p.metrics.RecordRowParsed()
	}
}

// push hands page to the sink, suspending reads while the sink is full.
func (p *Parser) push(ctx context.Context, stats *ParseStats, page domain.Page) error {
	for {
		err := p.sink.Push(page)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrBufferFull) {
			return err
		}

		stats.Pauses++
		p.metrics.RecordParserPause()
		p.logger.Debug("Buffer full, pausing parser")
		select {
		case <-p.sink.SpaceAvailable():
			p.logger.Debug("Buffer has space, resuming parser")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (p *Parser) malformed(stats *ParseStats, line int, err error) {
	stats.Malformed++
	p.metrics.RecordRowMalformed()
	p.logger.WithField("line", line).WithError(err).Warn("Skipping malformed row")
	if p.onMalformed != nil {
		p.onMalformed(line, err)
	}
}

func blankRecord(record []string) bool {
	for _, v := range record {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

type fieldSetter func(page *domain.Page, value string) error

// pageFields maps normalized, lower-cased header names to page setters.
var pageFields = map[string]fieldSetter{
	"url":                 func(p *domain.Page, v string) error { p.URL = v; return nil },
	"title":               func(p *domain.Page, v string) error { p.Title = v; return nil },
	"aimodelmentioned":    func(p *domain.Page, v string) error { p.AIModelMentioned = v; return nil },
	"citationscount":      func(p *domain.Page, v string) error { p.CitationsCount = coerceInt(v); return nil },
	"sentiment":           func(p *domain.Page, v string) error { p.Sentiment = v; return nil },
	"visibilityscore":     func(p *domain.Page, v string) error { p.VisibilityScore = coerceInt(v); return nil },
	"competitormentioned": func(p *domain.Page, v string) error { p.CompetitorMentioned = v; return nil },
	"querycategory":       func(p *domain.Page, v string) error { p.QueryCategory = v; return nil },
	"lastupdated":         setLastUpdated,
	"trafficestimate":     func(p *domain.Page, v string) error { p.TrafficEstimate = coerceInt(v); return nil },
	"domainauthority":     func(p *domain.Page, v string) error { p.DomainAuthority = coerceInt(v); return nil },
	"mentionscount":       func(p *domain.Page, v string) error { p.MentionsCount = coerceInt(v); return nil },
	"positioninresponse":  func(p *domain.Page, v string) error { p.PositionInResponse = coerceInt(v); return nil },
	"responsetype":        func(p *domain.Page, v string) error { p.ResponseType = v; return nil },
	"geographicregion":    func(p *domain.Page, v string) error { p.GeographicRegion = v; return nil },
}

type columnMap struct {
	setters        []fieldSetter // by column index, nil for unknown columns
	hasURL         bool
	hasLastUpdated bool
}

func mapColumns(header []string) columnMap {
	cm := columnMap{setters: make([]fieldSetter, len(header))}
	for i, name := range header {
		if i == 0 {
			name = strings.TrimPrefix(name, "\ufeff")
		}
		key := strings.ToLower(NormalizeHeader(name))
		cm.setters[i] = pageFields[key]
		switch key {
		case "url":
			cm.hasURL = true
		case "lastupdated":
			cm.hasLastUpdated = true
		}
	}
	return cm
}

func (cm columnMap) decode(record []string) (domain.Page, error) {
	var page domain.Page
	for i, value := range record {
		if i >= len(cm.setters) || cm.setters[i] == nil {
			continue
		}
		if err := cm.setters[i](&page, strings.TrimSpace(value)); err != nil {
			return domain.Page{}, err
		}
	}
	if page.URL == "" {
		return domain.Page{}, ErrMissingURL
	}
	if !cm.hasLastUpdated || page.LastUpdated.IsZero() {
		return domain.Page{}, fmt.Errorf("row for %s has no last_updated", page.URL)
	}
	page.Domain = domain.DomainFromURL(page.URL)
	return page, nil
}

// NormalizeHeader converts a snake_case, kebab-case or spaced header name to
// camelCase. Names without separators are returned with a lower-case first letter.
func NormalizeHeader(name string) string {
	name = strings.TrimSpace(name)
	parts := strings.FieldsFunc(name, func(r rune) bool {
		return r == '_' || r == '-' || r == ' '
	})
	if len(parts) == 0 {
		return ""
	}
	if len(parts) == 1 {
		return strings.ToLower(parts[0][:1]) + parts[0][1:]
	}

	var sb strings.Builder
	sb.WriteString(strings.ToLower(parts[0]))
	for _, part := range parts[1:] {
		lower := strings.ToLower(part)
		sb.WriteString(strings.ToUpper(lower[:1]))
		sb.WriteString(lower[1:])
	}
	return sb.String()
}

// coerceInt parses v as an integer, truncating decimals. Anything else is 0.
func coerceInt(v string) int {
	if v == "" {
		return 0
	}
	if n, err := strconv.Atoi(v); err == nil {
		return n
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return int(f)
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	"01/02/2006",
}

func setLastUpdated(p *domain.Page, v string) error {
	if v == "" {
		return nil
	}
	ts, err := ParseTimestamp(v)
	if err != nil {
		return err
	}
	p.LastUpdated = ts
	return nil
}

// ParseTimestamp accepts the timestamp layouts seen in uploads and returns UTC.
func ParseTimestamp(v string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, v); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", v)
}
