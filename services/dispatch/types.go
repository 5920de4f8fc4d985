package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/upb/rainymodel/services/routing"
)

// ErrorKind summarises why a single attempt failed
type ErrorKind string

const (
	KindTimeout     ErrorKind = "timeout"
	KindConnection  ErrorKind = "connection"
	KindBadResponse ErrorKind = "bad_response"
)

// Request is the input of one backend attempt
type Request struct {
	Candidate routing.Candidate
	Body      []byte // client request body as received
	Stream    bool
}

// Usage is the token accounting reported by the upstream, when present
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Completion is a buffered upstream reply
type Completion struct {
	Body       []byte
	StatusCode int
}

// ChunkStream yields the data payloads of an upstream event stream.
// Recv returns io.EOF at the end of the stream.
type ChunkStream interface {
	Recv() ([]byte, error)
	Close() error
}

// Backend performs attempts against one deployment. Implementations must
// honour ctx cancellation and report failures with an error implementing
// KindCarrier when they know the kind.
type Backend interface {
	Complete(ctx context.Context, req Request) (*Completion, error)
	Stream(ctx context.Context, req Request) (ChunkStream, error)
}

// KindCarrier is implemented by errors that know their attempt kind
type KindCarrier interface {
	AttemptKind() ErrorKind
}

// StatusCoder is implemented by errors that carry an upstream HTTP status
type StatusCoder interface {
	HTTPStatus() int
}

func statusOf(err error) int {
	var sc StatusCoder
	if errors.As(err, &sc) {
		return sc.HTTPStatus()
	}
	return 0
}

// Outcome records one attempt
type Outcome struct {
	Candidate  routing.Candidate
	Success    bool
	Kind       ErrorKind // empty on success
	Message    string
	StatusCode int
	Latency    time.Duration
}

// Trail is the ordered list of attempts of one dispatch
type Trail []Outcome

// Providers returns the provider ids in attempt order
func (t Trail) Providers() []string {
	out := make([]string, len(t))
	for i, o := range t {
		out[i] = o.Candidate.ProviderID()
	}
	return out
}

// FirstFailure returns the earliest failed attempt
func (t Trail) FirstFailure() (Outcome, bool) {
	for _, o := range t {
		if !o.Success {
			return o, true
		}
	}
	return Outcome{}, false
}

// Last returns the final attempt
func (t Trail) Last() (Outcome, bool) {
	if len(t) == 0 {
		return Outcome{}, false
	}
	return t[len(t)-1], true
}

// payloadInfo is what the executor reads out of an upstream JSON document
type payloadInfo struct {
	Model string          `json:"model"`
	Usage *Usage          `json:"usage"`
	Error json.RawMessage `json:"error"`
}

// inspectPayload checks that data is a JSON object without an error member
func inspectPayload(data []byte) (payloadInfo, error) {
	var info payloadInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return info, &AttemptError{Kind: KindBadResponse, Message: "malformed upstream payload", Err: err}
	}
	if len(info.Error) > 0 && string(info.Error) != "null" {
		return info, &AttemptError{Kind: KindBadResponse, Message: "upstream error: " + errorMessage(info.Error)}
	}
	return info, nil
}

// errorMessage extracts a readable message from an upstream error member
func errorMessage(raw json.RawMessage) string {
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Message != "" {
		return obj.Message
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil && s != "" {
		return s
	}
	const max = 200
	if len(raw) > max {
		return string(raw[:max])
	}
	return string(raw)
}
