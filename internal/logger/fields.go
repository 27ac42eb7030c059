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

	// FieldTenantID is the tenant that owns the data being processed
	FieldTenantID = "tenant_id"

	// FieldJobID is the queue job ID
	FieldJobID = "job_id"

	// FieldJobType is the queue job type
	FieldJobType = "job_type"

	// FieldActivityID is the canonical activity ID
	FieldActivityID = "activity_id"

	// FieldComponent is the component/module name
	FieldComponent = "component"

	// FieldSource is the upstream source (mail, chat)
	FieldSource = "source"

	// FieldWorkerID identifies one pull loop inside a worker pool
	FieldWorkerID = "worker_id"
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

	// FieldStatus is the operation status
	FieldStatus = "status"

	// FieldAttempts is the number of claims a job has consumed
	FieldAttempts = "attempts"
)
