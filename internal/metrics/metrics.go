package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type BatchOutcome string

const (
	BatchOutcomeSuccess BatchOutcome = "success"
	BatchOutcomeSkipped BatchOutcome = "skipped"
	BatchOutcomeError   BatchOutcome = "error"
)

const Prefix = "pagepulse_ingest_"

// Metrics groups the ingestion pipeline counters. A nil *Metrics records nothing.
type Metrics struct {
	rowsParsed        prometheus.Counter
	rowsMalformed     prometheus.Counter
	parserPauses      prometheus.Counter
	batchesDispatched prometheus.Counter
	batchSize         prometheus.Histogram
	records           *prometheus.CounterVec
	protocolErrors    prometheus.Counter
	uploads           *prometheus.CounterVec
	activeUploads     prometheus.Gauge
}

// Default is registered on the global prometheus registry and served on /metrics.
var Default = NewMetrics(prometheus.DefaultRegisterer)

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		rowsParsed: factory.NewCounter(prometheus.CounterOpts{
			Name: Prefix + "rows_parsed_total",
			Help: "Number of CSV rows decoded into records",
		}),
		rowsMalformed: factory.NewCounter(prometheus.CounterOpts{
			Name: Prefix + "rows_malformed_total",
			Help: "Number of CSV rows skipped because they could not be decoded",
		}),
		parserPauses: factory.NewCounter(prometheus.CounterOpts{
			Name: Prefix + "parser_pauses_total",
			Help: "Number of times the parser paused on a full buffer",
		}),
		batchesDispatched: factory.NewCounter(prometheus.CounterOpts{
			Name: Prefix + "batches_dispatched_total",
			Help: "Number of batches sent to workers",
		}),
		batchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    Prefix + "batch_size",
			Help:    "Size of dispatched batches",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),
		records: factory.NewCounterVec(prometheus.CounterOpts{
			Name: Prefix + "records_total",
			Help: "Number of records reported by workers grouped by outcome",
		}, []string{"outcome"}),
		protocolErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: Prefix + "protocol_errors_total",
			Help: "Number of invalid or unexpected worker messages",
		}),
		uploads: factory.NewCounterVec(prometheus.CounterOpts{
			Name: Prefix + "uploads_total",
			Help: "Number of finished uploads grouped by final status",
		}, []string{"status"}),
		activeUploads: factory.NewGauge(prometheus.GaugeOpts{
			Name: Prefix + "active_uploads",
			Help: "Number of uploads currently being ingested",
		}),
	}
}

func (m *Metrics) RecordRowParsed() {
	if m == nil {
		return
	}
	m.rowsParsed.Inc()
}

func (m *Metrics) RecordRowMalformed() {
	if m == nil {
		return
	}
	m.rowsMalformed.Inc()
}

func (m *Metrics) RecordParserPause() {
	if m == nil {
		return
	}
	m.parserPauses.Inc()
}

func (m *Metrics) RecordBatchDispatched(size int) {
	if m == nil {
		return
	}
	m.batchesDispatched.Inc()
	m.batchSize.Observe(float64(size))
}

func (m *Metrics) RecordRecords(outcome BatchOutcome, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.records.With(map[string]string{"outcome": string(outcome)}).Add(float64(n))
}

func (m *Metrics) RecordProtocolError() {
	if m == nil {
		return
	}
	m.protocolErrors.Inc()
}

func (m *Metrics) UploadStarted() {
	if m == nil {
		return
	}
	m.activeUploads.Inc()
}

func (m *Metrics) UploadFinished(status string) {
	if m == nil {
		return
	}
	m.activeUploads.Dec()
	m.uploads.With(map[string]string{"status": status}).Inc()
}
