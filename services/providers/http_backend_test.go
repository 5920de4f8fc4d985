package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/upb/rainymodel/models"
	"github.com/upb/rainymodel/services/dispatch"
	"github.com/upb/rainymodel/services/routing"
)

const completionJSON = `{"id":"c1","model":"deepseek-chat","choices":[{"message":{"role":"assistant","content":"ok"}}]}`

func testCandidate(upstream, model, apiBase string) routing.Candidate {
	return routing.Candidate{
		Deployment: models.Deployment{
			ModelName:  "rainymodel/auto",
			ProviderID: upstream,
			Model:      model,
			APIBase:    apiBase,
			APIKey:     "sk-test",
		},
		Tier:     models.TierDirect,
		Upstream: upstream,
	}
}

func newTestBackend(retries int) *HTTPBackend {
	cfg := DefaultConfig()
	cfg.MaxRetries = retries
	cfg.RetryDelay = time.Millisecond
	return NewHTTPBackend(cfg, zap.NewNop())
}

func TestHTTPBackend_Complete(t *testing.T) {
	var got map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "rainymodel", r.Header.Get("User-Agent"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, completionJSON)
	}))
	defer server.Close()

	c := testCandidate(routing.UpstreamDeepSeek, "deepseek/deepseek-chat", server.URL+"/v1/")
	body := []byte(`{"model":"rainymodel/auto","messages":[{"role":"user","content":"hi"}],"temperature":0.5,"user":"x"}`)

	resp, err := newTestBackend(0).Complete(context.Background(), dispatch.Request{Candidate: c, Body: body})
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, completionJSON, string(resp.Body))
	assert.Equal(t, "deepseek-chat", got["model"])
	assert.Equal(t, 0.5, got["temperature"])
	assert.NotContains(t, got, "user")
	assert.NotContains(t, got, "stream")
}

func TestHTTPBackend_Complete_NoAPIKey(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		io.WriteString(w, completionJSON)
	}))
	defer server.Close()

	c := testCandidate(routing.UpstreamOllama, "ollama/qwen2.5", server.URL)
	c.Deployment.APIKey = ""

	_, err := newTestBackend(0).Complete(context.Background(), dispatch.Request{Candidate: c, Body: []byte(`{}`)})
	require.NoError(t, err)
}

func TestHTTPBackend_Complete_ErrorStatus(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		retries   int
		wantCalls int32
		retryable bool
	}{
		{name: "server error retried", status: 500, retries: 2, wantCalls: 3, retryable: true},
		{name: "rate limit retried", status: 429, retries: 1, wantCalls: 2, retryable: true},
		{name: "client error not retried", status: 400, retries: 2, wantCalls: 1, retryable: false},
		{name: "no retries configured", status: 503, retries: 0, wantCalls: 1, retryable: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tt.status)
				io.WriteString(w, `{"error":{"message":"nope","type":"server_error"}}`)
			}))
			defer server.Close()

			c := testCandidate(routing.UpstreamOpenAI, "gpt-4o-mini", server.URL)
			_, err := newTestBackend(tt.retries).Complete(context.Background(), dispatch.Request{Candidate: c, Body: []byte(`{}`)})
			require.Error(t, err)

			var pe *ProviderError
			require.True(t, errors.As(err, &pe))
			assert.Equal(t, tt.status, pe.StatusCode)
			assert.Equal(t, "nope", pe.Message)
			assert.Equal(t, "server_error", pe.Code)
			assert.Equal(t, dispatch.KindBadResponse, pe.AttemptKind())
			assert.Equal(t, tt.retryable, IsRetryable(err))
			assert.Equal(t, tt.wantCalls, calls.Load())
		})
	}
}

func TestHTTPBackend_Complete_RetryThenSuccess(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		io.WriteString(w, completionJSON)
	}))
	defer server.Close()

	c := testCandidate(routing.UpstreamOpenAI, "gpt-4o-mini", server.URL)
	resp, err := newTestBackend(1).Complete(context.Background(), dispatch.Request{Candidate: c, Body: []byte(`{}`)})
	require.NoError(t, err)
	assert.JSONEq(t, completionJSON, string(resp.Body))
	assert.Equal(t, int32(2), calls.Load())
}

func TestHTTPBackend_Complete_ConnectionRefused(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	c := testCandidate(routing.UpstreamOpenAI, "gpt-4o-mini", url)
	_, err := newTestBackend(0).Complete(context.Background(), dispatch.Request{Candidate: c, Body: []byte(`{}`)})

	var pe *ProviderError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, dispatch.KindConnection, pe.AttemptKind())
	assert.True(t, pe.Retryable)
}

func TestHTTPBackend_Complete_ContextDeadline(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	c := testCandidate(routing.UpstreamOpenAI, "gpt-4o-mini", server.URL)
	_, err := newTestBackend(3).Complete(ctx, dispatch.Request{Candidate: c, Body: []byte(`{}`)})

	var pe *ProviderError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, dispatch.KindTimeout, pe.AttemptKind())
}

func TestHTTPBackend_Complete_InvalidBody(t *testing.T) {
	c := testCandidate(routing.UpstreamOpenAI, "gpt-4o-mini", "http://127.0.0.1:1")
	_, err := newTestBackend(0).Complete(context.Background(), dispatch.Request{Candidate: c, Body: []byte(`[]`)})

	var pe *ProviderError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "invalid_request", pe.Code)
}

func TestHTTPBackend_Stream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, true, body["stream"])
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for i := 0; i < 3; i++ {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":\"%d\"}}]}\n\n", i)
			flusher.Flush()
		}
		io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	c := testCandidate(routing.UpstreamOpenRouter, "openrouter/meta-llama/llama-3-70b", server.URL)
	stream, err := newTestBackend(0).Stream(context.Background(), dispatch.Request{Candidate: c, Body: []byte(`{"messages":[]}`), Stream: true})
	require.NoError(t, err)
	defer stream.Close()

	var n int
	for {
		data, err := stream.Recv()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		assert.Contains(t, string(data), fmt.Sprintf(`"content":"%d"`, n))
		n++
	}
	assert.Equal(t, 3, n)
}

func TestHTTPBackend_Stream_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, `{"error":{"message":"bad key","type":"auth_error"}}`)
	}))
	defer server.Close()

	c := testCandidate(routing.UpstreamXAI, "xai/grok-2", server.URL)
	_, err := newTestBackend(2).Stream(context.Background(), dispatch.Request{Candidate: c, Body: []byte(`{}`), Stream: true})

	var pe *ProviderError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, http.StatusUnauthorized, pe.HTTPStatus())
	assert.Contains(t, err.Error(), "bad key")
}

func TestHTTPBackend_CustomHeaders(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "https://rm.orcest.ai", r.Header.Get("HTTP-Referer"))
		io.WriteString(w, completionJSON)
	}))
	defer server.Close()

	cfg := DefaultConfig()
	cfg.Headers["HTTP-Referer"] = "https://rm.orcest.ai"
	backend := NewHTTPBackend(cfg, zap.NewNop()).WithHTTPClient(server.Client())

	c := testCandidate(routing.UpstreamOpenRouter, "openrouter/x", server.URL)
	_, err := backend.Complete(context.Background(), dispatch.Request{Candidate: c, Body: []byte(`{}`)})
	require.NoError(t, err)
}
