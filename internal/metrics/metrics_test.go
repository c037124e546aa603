package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_RecordRecords(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordRecords(BatchOutcomeSuccess, 48)
	m.RecordRecords(BatchOutcomeSkipped, 2)
	m.RecordRecords(BatchOutcomeError, 0)

	assert.Equal(t, 48.0, testutil.ToFloat64(m.records.WithLabelValues("success")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.records.WithLabelValues("skipped")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.records.WithLabelValues("error")))
}

func TestMetrics_UploadLifecycle(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.UploadStarted()
	m.UploadStarted()
	m.UploadFinished("complete")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.activeUploads))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.uploads.WithLabelValues("complete")))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordRowParsed()
		m.RecordBatchDispatched(50)
		m.RecordProtocolError()
		m.UploadFinished("failed")
	})
}
