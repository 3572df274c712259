package redisstream

// Stream entry fields (avoid typos/allocs)
const (
	fieldID            = "id"
	fieldTopic         = "topic"
	fieldType          = "type"
	fieldTimestamp     = "timestamp" // int64 ns
	fieldCorrelationID = "correlation_id"
	fieldHandledCount  = "handled_count"
	fieldContentType   = "content_type"
	fieldBody          = "body" // raw []byte to reduce allocs (no base64)
	fieldBagPrefix     = "bag:"

	// dead-letter only
	fieldError = "error"
)

// Outbox hash fields.
const (
	hashData         = "data"
	hashDispatched   = "dispatched"
	hashDispatchedAt = "dispatched_at" // int64 ns
)
