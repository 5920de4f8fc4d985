package middleware

import (
	"context"

	"github.com/google/uuid"

	"github.com/upb/rainymodel/auth"
)

// Context key type to avoid collisions
type contextKey string

const (
	// RequestIDKey is the context key for request ID
	RequestIDKey contextKey = "request_id"

	// RequestIDHeader carries a caller-supplied request id
	RequestIDHeader = "X-Request-ID"
)

// GetRequestIDFromContext retrieves the request ID from context
func GetRequestIDFromContext(ctx context.Context) string {
	if val := ctx.Value(RequestIDKey); val != nil {
		if requestID, ok := val.(string); ok {
			return requestID
		}
	}
	return ""
}

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// GetIdentityFromContext returns the authenticated caller, or nil
func GetIdentityFromContext(ctx context.Context) *auth.Identity {
	id, _ := auth.IdentityFrom(ctx)
	return id
}

// NewRequestID returns a fresh request id
func NewRequestID() string {
	return uuid.NewString()
}
