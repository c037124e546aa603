package logger

// Fields is an alias for map[string]interface{} for convenience.
type Fields map[string]interface{}

// ============================================
// Standard Tracing Fields (Context level)
// These fields are propagated through the call chain
// ============================================

const (
	// FieldRequestID is the HTTP request ID (UUID)
	FieldRequestID = "request_id"

	// FieldUploadID is the upload identifier an ingestion run belongs to
	FieldUploadID = "upload_id"

	// FieldWorkerID is the pool slot of an ingestion worker
	FieldWorkerID = "worker_id"

	// FieldComponent is the component/module name
	FieldComponent = "component"

	// FieldState is the orchestrator state
	FieldState = "state"
)

// ============================================
// Standard Metric Fields (Entry level)
// These fields are used for aggregation and alerting
// ============================================

const (
	// FieldDurationMs is the execution duration in milliseconds
	FieldDurationMs = "duration_ms"

	// FieldCount is a generic count field
	FieldCount = "count"

	// FieldBatchSize is the number of records in a dispatched batch
	FieldBatchSize = "batch_size"

	// FieldStatus is the operation status
	FieldStatus = "status"
)
