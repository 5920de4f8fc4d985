package providers

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/upb/rainymodel/services/dispatch"
	"github.com/upb/rainymodel/services/providers/openai"
)

// maxErrorBody caps how much of a failed upstream reply is read
const maxErrorBody = 64 << 10

// HTTPBackend calls OpenAI-compatible chat completions endpoints. It
// implements dispatch.Backend.
type HTTPBackend struct {
	config     Config
	httpClient *http.Client
	logger     *zap.Logger
}

// NewHTTPBackend creates a backend. Attempt timeouts come from the context
// the executor passes in, so the client itself has none.
func NewHTTPBackend(config Config, logger *zap.Logger) *HTTPBackend {
	if config.RetryDelay <= 0 {
		config.RetryDelay = DefaultConfig().RetryDelay
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	return &HTTPBackend{
		config:     config,
		httpClient: &http.Client{},
		logger:     logger,
	}
}

// WithHTTPClient replaces the underlying client
func (b *HTTPBackend) WithHTTPClient(client *http.Client) *HTTPBackend {
	b.httpClient = client
	return b
}

// Complete performs a buffered chat completion
func (b *HTTPBackend) Complete(ctx context.Context, req dispatch.Request) (*dispatch.Completion, error) {
	resp, err := b.do(ctx, req, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewProviderError(req.Candidate.ProviderID(), "read_error", "failed to read response",
			resp.StatusCode, false, transportKind(err), err)
	}

	return &dispatch.Completion{Body: body, StatusCode: resp.StatusCode}, nil
}

// Stream opens a streamed chat completion. The returned stream owns the
// response body.
func (b *HTTPBackend) Stream(ctx context.Context, req dispatch.Request) (dispatch.ChunkStream, error) {
	resp, err := b.do(ctx, req, true)
	if err != nil {
		return nil, err
	}
	return openai.NewStreamReader(resp.Body), nil
}

// do sends the request, retrying connection failures and retryable statuses
// with linear backoff. On success the caller owns the response body.
func (b *HTTPBackend) do(ctx context.Context, req dispatch.Request, stream bool) (*http.Response, error) {
	provider := req.Candidate.ProviderID()

	base, err := BaseURL(req.Candidate)
	if err != nil {
		return nil, err
	}

	payload, err := openai.BuildRequest(req.Body, req.Candidate.Deployment.UpstreamModel(), stream)
	if err != nil {
		return nil, NewProviderError(provider, "invalid_request", "failed to build upstream request",
			0, false, dispatch.KindBadResponse, err)
	}

	url := base + openai.ChatCompletionsPath
	var lastErr error

	for attempt := 0; attempt <= b.config.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := b.config.RetryDelay * time.Duration(attempt)
			b.logger.Debug("retrying upstream request",
				zap.String("provider", provider),
				zap.Int("retry", attempt),
				zap.Duration("delay", delay),
				zap.Error(lastErr))

			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, lastErr
			case <-timer.C:
			}
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return nil, NewProviderError(provider, "request_error", "failed to create request",
				0, false, dispatch.KindConnection, err)
		}
		b.setHeaders(httpReq, req, stream)

		resp, err := b.httpClient.Do(httpReq)
		if err != nil {
			lastErr = NewProviderError(provider, "http_error", "upstream request failed",
				0, true, transportKind(err), err)
			if ctx.Err() != nil {
				return nil, lastErr
			}
			continue
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}

		lastErr = b.handleErrorResponse(provider, resp)
		if !IsRetryable(lastErr) {
			return nil, lastErr
		}
	}

	return nil, lastErr
}

func (b *HTTPBackend) setHeaders(httpReq *http.Request, req dispatch.Request, stream bool) {
	httpReq.Header.Set("Content-Type", "application/json")
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	} else {
		httpReq.Header.Set("Accept", "application/json")
	}
	if key := req.Candidate.Deployment.APIKey; key != "" {
		httpReq.Header.Set("Authorization", "Bearer "+key)
	}
	if b.config.UserAgent != "" {
		httpReq.Header.Set("User-Agent", b.config.UserAgent)
	}
	for k, v := range b.config.Headers {
		httpReq.Header.Set(k, v)
	}
}

// handleErrorResponse consumes a non-2xx response
func (b *HTTPBackend) handleErrorResponse(provider string, resp *http.Response) error {
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	errType, message := openai.ParseError(body)
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}

	return NewProviderError(provider, errType, message, resp.StatusCode,
		retryableStatus(resp.StatusCode), dispatch.KindBadResponse, nil)
}

// transportKind classifies a transport error
func transportKind(err error) dispatch.ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return dispatch.KindTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return dispatch.KindTimeout
	}
	return dispatch.KindConnection
}
