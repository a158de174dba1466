package logger

// Fields is a set of structured log fields.
type Fields map[string]interface{}

// Fields propagated through context.
const (
	FieldRequestID = "request_id"
	FieldComponent = "component"
	FieldRecordID  = "record_id"
	FieldProvider  = "provider"

	// FieldFingerprint is a prefix of the normalized prompt hash.
	FieldFingerprint = "fingerprint"
	// FieldStage is one of embedding, search, generation, storing.
	FieldStage = "stage"
)

// Fields attached per line for aggregation.
const (
	FieldDurationMs = "duration_ms"
	FieldCount      = "count"
	FieldSize       = "size"
	FieldStatus     = "status"
	FieldSimilarity = "similarity"
	FieldAttempt    = "attempt"
)
