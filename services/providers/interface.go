package providers

import (
	"errors"
	"time"

	"github.com/upb/rainymodel/services/dispatch"
)

// Config holds HTTP settings shared by every upstream
type Config struct {
	// MaxRetries for connection errors, 5xx and 429 within one attempt
	MaxRetries int

	// RetryDelay is multiplied by the retry number (linear backoff)
	RetryDelay time.Duration

	// Headers are added to every upstream request
	Headers map[string]string

	// UserAgent sent upstream
	UserAgent string
}

// DefaultConfig returns the default backend configuration
func DefaultConfig() Config {
	return Config{
		MaxRetries: 0,
		RetryDelay: 500 * time.Millisecond,
		Headers:    make(map[string]string),
		UserAgent:  "rainymodel",
	}
}

// ProviderError represents an error from an upstream provider
type ProviderError struct {
	// Provider that generated the error
	Provider string

	// Code is the upstream error type, if it sent one
	Code string

	// Message is the error message
	Message string

	// StatusCode is the HTTP status code (if applicable)
	StatusCode int

	// Retryable indicates if the request can be retried
	Retryable bool

	// Kind is how the executor should record the failure
	Kind dispatch.ErrorKind

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface
func (e *ProviderError) Error() string {
	msg := e.Provider + ": " + e.Message
	if e.Cause != nil && e.Cause.Error() != e.Message {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap implements error unwrapping
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// AttemptKind implements dispatch.KindCarrier
func (e *ProviderError) AttemptKind() dispatch.ErrorKind {
	return e.Kind
}

// HTTPStatus implements dispatch.StatusCoder
func (e *ProviderError) HTTPStatus() int {
	return e.StatusCode
}

// NewProviderError creates a new provider error
func NewProviderError(provider, code, message string, statusCode int, retryable bool, kind dispatch.ErrorKind, cause error) *ProviderError {
	return &ProviderError{
		Provider:   provider,
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
		Retryable:  retryable,
		Kind:       kind,
		Cause:      cause,
	}
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	var provErr *ProviderError
	if errors.As(err, &provErr) {
		return provErr.Retryable
	}
	return false
}

// retryableStatus reports whether an HTTP status is worth another try
func retryableStatus(code int) bool {
	return code >= 500 || code == 429
}
