// Package openai speaks the OpenAI-compatible chat completions wire format
// that every RainyModel upstream exposes.
package openai

import (
	"encoding/json"
	"errors"
	"strings"
)

// ChatCompletionsPath is appended to an upstream base URL
const ChatCompletionsPath = "/chat/completions"

// ForwardedParams are the client parameters copied to the upstream request.
// Anything else in the client body is dropped.
var ForwardedParams = []string{
	"temperature",
	"max_tokens",
	"top_p",
	"frequency_penalty",
	"presence_penalty",
	"stop",
	"n",
	"tools",
	"tool_choice",
	"response_format",
	"seed",
}

// ErrInvalidBody is returned when the client body is not a JSON object
var ErrInvalidBody = errors.New("request body is not a JSON object")

// BuildRequest rewrites a client chat body for one upstream: the model is
// replaced, messages and forwarded parameters are kept, and stream is set
// when requested.
func BuildRequest(body []byte, model string, stream bool) ([]byte, error) {
	var in map[string]json.RawMessage
	if len(body) > 0 {
		if err := json.Unmarshal(body, &in); err != nil || in == nil {
			return nil, ErrInvalidBody
		}
	}

	out := make(map[string]json.RawMessage, len(ForwardedParams)+3)
	modelJSON, err := json.Marshal(model)
	if err != nil {
		return nil, err
	}
	out["model"] = modelJSON

	if msgs, ok := in["messages"]; ok && !isNull(msgs) {
		out["messages"] = msgs
	} else {
		out["messages"] = json.RawMessage("[]")
	}

	for _, key := range ForwardedParams {
		if v, ok := in[key]; ok && !isNull(v) {
			out[key] = v
		}
	}
	if stream {
		out["stream"] = json.RawMessage("true")
	}

	return json.Marshal(out)
}

// WantsStream reports whether a client body asks for a streamed reply
func WantsStream(body []byte) bool {
	var envelope struct {
		Stream bool `json:"stream"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return false
	}
	return envelope.Stream
}

func isNull(raw json.RawMessage) bool {
	return strings.TrimSpace(string(raw)) == "null"
}

// ErrorResponse is the error document returned by OpenAI-compatible APIs
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// ErrorBody is the error member of an ErrorResponse
type ErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    any    `json:"code,omitempty"`
}

// ParseError extracts the error type and message from an upstream error
// body. Bodies that are not in the OpenAI shape are returned as the
// message, truncated.
func ParseError(body []byte) (errType, message string) {
	var resp ErrorResponse
	if err := json.Unmarshal(body, &resp); err == nil && resp.Error.Message != "" {
		return resp.Error.Type, resp.Error.Message
	}

	// some upstreams send {"error": "text"}
	var flat struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &flat); err == nil && flat.Error != "" {
		return "", flat.Error
	}

	msg := strings.TrimSpace(string(body))
	const max = 300
	if len(msg) > max {
		msg = msg[:max]
	}
	return "", msg
}
