package inference

import (
	"context"
	"encoding/json"

	"github.com/upb/rainymodel/models"
	"github.com/upb/rainymodel/services/dispatch"
	"github.com/upb/rainymodel/services/routing"
)

// Planner resolves aliases to attempt plans
type Planner interface {
	NormalizeAlias(model string) string
	PlanFor(alias, policy string) (routing.Plan, error)
}

// Dispatcher executes a plan
type Dispatcher interface {
	Dispatch(ctx context.Context, plan routing.Plan, body []byte, stream bool) (*dispatch.RoutedResponse, error)
}

// Recorder receives one record per finished request
type Recorder interface {
	Record(rec models.RequestRecord)
}

// ChatRequest is the subset of an OpenAI chat completion body the proxy
// needs to route it. The body itself is forwarded as received.
type ChatRequest struct {
	Model    string            `json:"model"`
	Messages []json.RawMessage `json:"messages" validate:"required,min=1"`
	Stream   bool              `json:"stream"`
}

// RouteRequest is one client request to route
type RouteRequest struct {
	Alias     string
	Policy    string
	Body      []byte
	Stream    bool
	RequestID string
}

// Error types recorded for failed requests
const (
	ErrorTypeTimeout       = "timeout"
	ErrorTypeConnection    = "connection"
	ErrorTypeBadResponse   = "bad_response"
	ErrorTypeDeadline      = "deadline"
	ErrorTypeCancelled     = "cancelled"
	ErrorTypeNoDeployments = "no_deployments"
	ErrorTypeStreamBroken  = "stream_interrupted"
	ErrorTypeInternal      = "internal"
)

// statusClientClosed is recorded when the caller went away mid-request
const statusClientClosed = 499
