// Package ctxkeys holds the context keys shared by logging and tracing helpers.
package ctxkeys

// Key is the type of every context key defined here.
type Key string

const (
	TraceIDKey   Key = "trace_id"
	RequestIDKey Key = "request_id"
	SessionIDKey Key = "session_id"
)
