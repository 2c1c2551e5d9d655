package contextkeys

// contextKey is a typed key for context values to avoid conflicts
type contextKey string

// ClientIDKey is the context key under which the auth middleware stores the
// authenticated external client's id for downstream handlers
const ClientIDKey contextKey = "client-id"

// RequestIDKey is the context key for the per-request correlation id used
// in access-log entries
const RequestIDKey contextKey = "request-id"
