package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/upb/rainymodel/middleware"
	"github.com/upb/rainymodel/services"
	"github.com/upb/rainymodel/services/dispatch"
	"github.com/upb/rainymodel/services/inference"
)

// Routing metadata response headers
const (
	HeaderRoute          = "x-rainymodel-route"
	HeaderUpstream       = "x-rainymodel-upstream"
	HeaderModel          = "x-rainymodel-model"
	HeaderLatencyMs      = "x-rainymodel-latency-ms"
	HeaderFallbackReason = "x-rainymodel-fallback-reason"
	HeaderTried          = "x-rainymodel-tried"
	HeaderPolicy         = "x-rainymodel-policy"

	// PolicyHeader selects the routing policy of a request
	PolicyHeader = "X-RainyModel-Policy"
)

const (
	maxBodyBytes      = 10 << 20
	statusClientGone  = 499
	errTypeUpstream   = "upstream_error"
	errTypeStream     = "stream_error"
	errTypeInvalidReq = "invalid_request_error"
	errTypeInternal   = "internal_error"
)

// ChatRouter parses and routes chat completion requests
type ChatRouter interface {
	ParseRequest(body []byte) (inference.ChatRequest, error)
	Route(ctx context.Context, req inference.RouteRequest) (*dispatch.RoutedResponse, error)
}

// APIError is the OpenAI-style error object
type APIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// APIErrorResponse wraps APIError the way OpenAI clients expect
type APIErrorResponse struct {
	Error APIError `json:"error"`
}

// InferenceHandler handles inference-related HTTP requests
type InferenceHandler struct {
	service        ChatRouter
	requestTimeout time.Duration
	logger         *zap.Logger
}

// NewInferenceHandler creates a new InferenceHandler. requestTimeout bounds
// buffered requests; zero leaves them bounded by the per-attempt timeouts.
func NewInferenceHandler(service ChatRouter, requestTimeout time.Duration, logger *zap.Logger) *InferenceHandler {
	return &InferenceHandler{
		service:        service,
		requestTimeout: requestTimeout,
		logger:         logger,
	}
}

// HandleChatCompletion handles POST /v1/chat/completions
func (h *InferenceHandler) HandleChatCompletion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestIDFromContext(ctx)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeAPIError(w, http.StatusRequestEntityTooLarge, "request body too large", errTypeInvalidReq)
			return
		}
		writeAPIError(w, http.StatusBadRequest, "failed to read request body", errTypeInvalidReq)
		return
	}

	chatReq, err := h.service.ParseRequest(body)
	if err != nil {
		h.logger.Warn("invalid chat completion request",
			zap.String("request_id", requestID),
			zap.Error(err))
		writeAPIError(w, http.StatusBadRequest, validationMessage(err), errTypeInvalidReq)
		return
	}

	if !chatReq.Stream && h.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.requestTimeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := h.service.Route(ctx, inference.RouteRequest{
		Alias:     chatReq.Model,
		Policy:    r.Header.Get(PolicyHeader),
		Body:      body,
		Stream:    chatReq.Stream,
		RequestID: requestID,
	})
	if err != nil {
		h.writeRouteError(w, requestID, chatReq.Model, time.Since(start), err)
		return
	}
	defer resp.Body.Close()

	setRoutingHeaders(w.Header(), resp.Metadata)

	if resp.Streaming {
		h.stream(ctx, w, resp, requestID)
		return
	}

	payload, err := dispatch.ReadAll(ctx, resp.Body)
	if err != nil {
		h.logger.Error("failed to read routed response",
			zap.String("request_id", requestID),
			zap.Error(err))
		writeAPIError(w, http.StatusBadGateway, err.Error(), errTypeUpstream)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(payload); err != nil {
		h.logger.Debug("failed to write response",
			zap.String("request_id", requestID),
			zap.Error(err))
	}
}

// stream relays fragments as server-sent events. An interruption after the
// first fragment is reported in-band since the status line is already sent.
func (h *InferenceHandler) stream(ctx context.Context, w http.ResponseWriter, resp *dispatch.RoutedResponse, requestID string) {
	flusher, _ := w.(http.Flusher)
	flush := func() {
		if flusher != nil {
			flusher.Flush()
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flush()

	for {
		frag, err := resp.Body.Next(ctx)
		if err == io.EOF || (err == nil && frag.Final) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				h.logger.Debug("client went away mid-stream",
					zap.String("request_id", requestID),
					zap.String("upstream", resp.Metadata.ProviderID))
				return
			}
			h.logger.Warn("stream interrupted",
				zap.String("request_id", requestID),
				zap.String("upstream", resp.Metadata.ProviderID),
				zap.Error(err))
			writeEvent(w, streamErrorEvent(resp.Metadata.ProviderID, err))
			break
		}
		if len(frag.Data) == 0 {
			continue
		}
		writeEvent(w, frag.Data)
		flush()
	}

	writeEvent(w, []byte("[DONE]"))
	flush()
}

func (h *InferenceHandler) writeRouteError(w http.ResponseWriter, requestID, model string, elapsed time.Duration, err error) {
	// only a bare cancellation is the client's; exhaustion always reports the trail
	var all *dispatch.AllUpstreamsFailedError
	if !errors.As(err, &all) && errors.Is(err, context.Canceled) {
		h.logger.Debug("client cancelled request", zap.String("request_id", requestID))
		w.WriteHeader(statusClientGone)
		return
	}

	hdr := w.Header()
	hdr.Set(HeaderRoute, "error")
	hdr.Set(HeaderUpstream, "none")
	hdr.Set(HeaderLatencyMs, strconv.FormatInt(elapsed.Milliseconds(), 10))

	switch {
	case errors.As(err, &all):
		hdr.Set(HeaderModel, all.Alias)
		hdr.Set(HeaderTried, strings.Join(all.Tried(), ","))
		hdr.Set(HeaderPolicy, string(all.Policy))
		h.logger.Warn("all upstreams failed",
			zap.String("request_id", requestID),
			zap.String("alias", all.Alias),
			zap.Strings("tried", all.Tried()),
			zap.Bool("aborted", all.Aborted),
			zap.Error(all.Last))
		writeAPIError(w, http.StatusBadGateway, upstreamFailureMessage(all), errTypeUpstream)

	case services.IsConfigurationError(err):
		alias := model
		if v, ok := services.GetErrorDetails(err)["alias"].(string); ok {
			alias = v
		}
		hdr.Set(HeaderModel, alias)
		h.logger.Warn("no deployments available",
			zap.String("request_id", requestID),
			zap.String("alias", alias),
			zap.Error(err))
		writeAPIError(w, http.StatusServiceUnavailable, "No deployments found for "+alias, errTypeUpstream)

	default:
		hdr.Set(HeaderModel, model)
		h.logger.Error("failed to route request",
			zap.String("request_id", requestID),
			zap.Error(err))
		writeAPIError(w, http.StatusInternalServerError, "An internal error occurred", errTypeInternal)
	}
}

// setRoutingHeaders renders routing metadata as response headers
func setRoutingHeaders(hdr http.Header, meta dispatch.RoutingMetadata) {
	hdr.Set(HeaderRoute, string(meta.Tier))
	hdr.Set(HeaderUpstream, meta.ProviderID)
	hdr.Set(HeaderModel, meta.Model)
	hdr.Set(HeaderLatencyMs, strconv.FormatInt(meta.LatencyMs(), 10))
	hdr.Set(HeaderPolicy, string(meta.Policy))
	if meta.FallbackReason != "" {
		hdr.Set(HeaderFallbackReason, string(meta.FallbackReason))
		hdr.Set(HeaderTried, strings.Join(meta.TriedProviders, ","))
	}
}

func upstreamFailureMessage(e *dispatch.AllUpstreamsFailedError) string {
	tried := strings.Join(e.Tried(), ", ")
	if len(e.Trail) == 0 {
		return "No deployments found for " + e.Alias
	}
	msg := fmt.Sprintf("All upstreams failed for %s (tried: %s)", e.Alias, tried)
	if e.Aborted {
		msg += ": request deadline exceeded"
	} else if e.Last != nil {
		msg += ": " + e.Last.Error()
	}
	return msg
}

func streamErrorEvent(provider string, err error) []byte {
	cause := err
	var si *dispatch.StreamInterruptedError
	if errors.As(err, &si) {
		provider = si.Provider
		if si.Err != nil {
			cause = si.Err
		}
	}
	data, _ := json.Marshal(APIErrorResponse{Error: APIError{
		Message: fmt.Sprintf("Stream interrupted from %s: %v", provider, cause),
		Type:    errTypeStream,
	}})
	return data
}

func writeEvent(w io.Writer, data []byte) {
	_, _ = fmt.Fprintf(w, "data: %s\n\n", data)
}

func writeAPIError(w http.ResponseWriter, status int, message, errType string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(APIErrorResponse{Error: APIError{Message: message, Type: errType}})
}

func validationMessage(err error) string {
	var domainErr *services.DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Message
	}
	return err.Error()
}
