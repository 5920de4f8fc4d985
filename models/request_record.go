package models

import (
	"time"

	"github.com/google/uuid"
)

// RequestRecord is one completed or failed chat completion as seen by the
// proxy boundary. Records feed the analytics collector and the optional
// request log table.
type RequestRecord struct {
	ID        uuid.UUID `json:"id" db:"id"`
	RequestID string    `json:"request_id" db:"request_id"`
	Timestamp time.Time `json:"ts" db:"created_at"`

	// Routing
	Alias    string `json:"alias" db:"alias"`
	Upstream string `json:"upstream" db:"upstream"` // provider id that served (or last failed)
	Route    string `json:"route" db:"route"`       // tier label
	Model    string `json:"model" db:"model"`
	Policy   string `json:"policy" db:"policy"`

	// Outcome
	LatencyMs  int  `json:"ms" db:"latency_ms"`
	Success    bool `json:"ok" db:"success"`
	StatusCode int  `json:"code" db:"status_code"`
	Stream     bool `json:"stream" db:"stream"`

	// Usage
	InputTokens  int `json:"in_tok" db:"input_tokens"`
	OutputTokens int `json:"out_tok" db:"output_tokens"`

	// Failure details
	ErrorType    string `json:"err,omitempty" db:"error_type"`
	ErrorMessage string `json:"error_message,omitempty" db:"error_message"`
	FallbackFrom string `json:"fb,omitempty" db:"fallback_from"`
	Tried        string `json:"tried,omitempty" db:"tried"`
}

// TableName returns the table name for the RequestRecord model
func (RequestRecord) TableName() string {
	return "request_logs"
}

// NewRequestRecord creates a record stamped with a fresh id and the current time
func NewRequestRecord(requestID, alias, policy string, stream bool) *RequestRecord {
	return &RequestRecord{
		ID:        uuid.New(),
		RequestID: requestID,
		Timestamp: time.Now().UTC(),
		Alias:     alias,
		Policy:    policy,
		Stream:    stream,
	}
}

// MarkSucceeded fills in the serving route and usage
func (r *RequestRecord) MarkSucceeded(upstream, route, model string, latencyMs, statusCode int) {
	r.Upstream = upstream
	r.Route = route
	r.Model = model
	r.LatencyMs = latencyMs
	r.StatusCode = statusCode
	r.Success = true
}

// MarkFailed records a terminal failure
func (r *RequestRecord) MarkFailed(errorType, message string, latencyMs, statusCode int) {
	r.Success = false
	r.ErrorType = errorType
	r.ErrorMessage = message
	r.LatencyMs = latencyMs
	r.StatusCode = statusCode
}

// TotalTokens returns input plus output tokens
func (r *RequestRecord) TotalTokens() int {
	return r.InputTokens + r.OutputTokens
}
