package dispatch

import (
	"fmt"
	"strings"

	"github.com/upb/rainymodel/services"
	"github.com/upb/rainymodel/services/routing"
)

// AttemptError is a failed attempt against one deployment
type AttemptError struct {
	Kind       ErrorKind
	Provider   string
	StatusCode int
	Message    string
	Err        error
}

// Error implements the error interface
func (e *AttemptError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Provider != "" {
		b.WriteString(" from ")
		b.WriteString(e.Provider)
	}
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil && e.Message == "" {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap implements errors.Unwrap
func (e *AttemptError) Unwrap() error {
	return e.Err
}

// HTTPStatus implements StatusCoder
func (e *AttemptError) HTTPStatus() int {
	return e.StatusCode
}

// AttemptKind implements KindCarrier
func (e *AttemptError) AttemptKind() ErrorKind {
	return e.Kind
}

// AllUpstreamsFailedError is returned when every candidate of the plan
// failed, or when the caller deadline ended the plan early (Aborted).
type AllUpstreamsFailedError struct {
	Alias   string
	Policy  routing.Policy
	Trail   Trail
	Last    error // error of the final attempt, may be nil when nothing ran
	Aborted bool
	Cause   error // caller context error when Aborted
}

// Error keeps the last attempt's detail as the user-visible message
func (e *AllUpstreamsFailedError) Error() string {
	msg := "all upstreams failed for " + e.Alias
	if e.Aborted {
		msg += " (deadline reached)"
	}
	if e.Last != nil {
		msg += ": " + e.Last.Error()
	}
	return msg
}

// Unwrap exposes the domain sentinel, the last attempt error and the
// caller's context error to errors.Is / errors.As
func (e *AllUpstreamsFailedError) Unwrap() []error {
	errs := []error{services.ErrAllUpstreamsFailed}
	if e.Last != nil {
		errs = append(errs, e.Last)
	}
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	return errs
}

// Tried returns the provider ids of every attempt
func (e *AllUpstreamsFailedError) Tried() []string {
	return e.Trail.Providers()
}

// StreamInterruptedError is returned by a stream sequence after at least one
// fragment was delivered. It is terminal; no fallback happens.
type StreamInterruptedError struct {
	Provider  string
	Fragments int // fragments delivered before the failure
	Err       error
}

// Error implements the error interface
func (e *StreamInterruptedError) Error() string {
	return fmt.Sprintf("stream from %s interrupted after %d chunks: %v", e.Provider, e.Fragments, e.Err)
}

// Unwrap exposes the domain sentinel and the cause
func (e *StreamInterruptedError) Unwrap() []error {
	if e.Err == nil {
		return []error{services.ErrStreamInterrupted}
	}
	return []error{services.ErrStreamInterrupted, e.Err}
}
