package inference

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/upb/rainymodel/models"
	"github.com/upb/rainymodel/services"
	"github.com/upb/rainymodel/services/dispatch"
	"github.com/upb/rainymodel/utils"
)

// InferenceService routes chat completions: alias normalisation, plan,
// dispatch with failover, and one analytics record per request.
type InferenceService struct {
	planner    Planner
	dispatcher Dispatcher
	recorder   Recorder
	logger     *zap.Logger
	now        func() time.Time
}

// NewInferenceService creates a new inference service with all dependencies
func NewInferenceService(planner Planner, dispatcher Dispatcher, recorder Recorder, logger *zap.Logger) *InferenceService {
	return &InferenceService{
		planner:    planner,
		dispatcher: dispatcher,
		recorder:   recorder,
		logger:     logger,
		now:        time.Now,
	}
}

// ParseRequest decodes and validates a client body
func (s *InferenceService) ParseRequest(body []byte) (ChatRequest, error) {
	var req ChatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return req, services.ErrInvalidJSON.Wrap(err)
	}
	if err := utils.ValidateStruct(req); err != nil {
		return req, services.ErrEmptyMessages.Wrap(err)
	}
	return req, nil
}

// Route plans and dispatches one request. On success the returned body
// must be drained or closed by the caller; the request is recorded when
// the body ends.
func (s *InferenceService) Route(ctx context.Context, req RouteRequest) (*dispatch.RoutedResponse, error) {
	start := s.now()
	if req.RequestID == "" {
		req.RequestID = uuid.New().String()
	}
	alias := s.planner.NormalizeAlias(req.Alias)
	rec := models.NewRequestRecord(req.RequestID, alias, req.Policy, req.Stream)

	plan, err := s.planner.PlanFor(alias, req.Policy)
	if err != nil {
		s.fail(rec, start, nil, err)
		return nil, err
	}
	rec.Policy = string(plan.Requested)

	s.logger.Debug("dispatching request",
		zap.String("request_id", req.RequestID),
		zap.String("alias", alias),
		zap.String("policy", string(plan.Effective)),
		zap.Int("candidates", len(plan.Attempts())),
		zap.Bool("stream", req.Stream))

	resp, err := s.dispatcher.Dispatch(ctx, plan, req.Body, req.Stream)
	if err != nil {
		var all *dispatch.AllUpstreamsFailedError
		var trail dispatch.Trail
		if errors.As(err, &all) {
			trail = all.Trail
		}
		s.fail(rec, start, trail, err)
		return nil, err
	}

	s.succeed(rec, resp)
	if !resp.Streaming {
		if usage, ok := resp.Usage(); ok {
			rec.InputTokens = usage.PromptTokens
			rec.OutputTokens = usage.CompletionTokens
		}
		s.record(rec)
		return resp, nil
	}

	resp.Body = &recordingSequence{inner: resp.Body, rec: rec, service: s}
	return resp, nil
}

func (s *InferenceService) succeed(rec *models.RequestRecord, resp *dispatch.RoutedResponse) {
	meta := resp.Metadata
	rec.MarkSucceeded(meta.ProviderID, string(meta.Tier), meta.Model, int(meta.LatencyMs()), http.StatusOK)
	rec.Tried = strings.Join(meta.TriedProviders, ",")
	if first, ok := resp.Trail.FirstFailure(); ok {
		rec.FallbackFrom = first.Candidate.ProviderID()
	}

	s.logger.Info("request routed",
		zap.String("request_id", rec.RequestID),
		zap.String("alias", rec.Alias),
		zap.String("upstream", meta.ProviderID),
		zap.String("route", string(meta.Tier)),
		zap.String("model", meta.Model),
		zap.Int64("latency_ms", meta.LatencyMs()),
		zap.Strings("tried", meta.TriedProviders))
}

func (s *InferenceService) fail(rec *models.RequestRecord, start time.Time, trail dispatch.Trail, err error) {
	errType, status := classifyFailure(err)
	rec.MarkFailed(errType, err.Error(), int(s.now().Sub(start).Milliseconds()), status)
	if last, ok := trail.Last(); ok {
		rec.Upstream = last.Candidate.ProviderID()
		rec.Route = string(last.Candidate.Tier)
		rec.Model = last.Candidate.Deployment.Model
		rec.Tried = strings.Join(trail.Providers(), ",")
	}

	s.logger.Warn("request failed",
		zap.String("request_id", rec.RequestID),
		zap.String("alias", rec.Alias),
		zap.String("error_type", errType),
		zap.String("tried", rec.Tried),
		zap.Error(err))
	s.record(rec)
}

func (s *InferenceService) record(rec *models.RequestRecord) {
	if s.recorder != nil {
		s.recorder.Record(*rec)
	}
}

// classifyFailure maps a terminal error to a record error type and status
func classifyFailure(err error) (string, int) {
	var all *dispatch.AllUpstreamsFailedError
	switch {
	case errors.As(err, &all):
		if all.Aborted {
			return ErrorTypeDeadline, http.StatusBadGateway
		}
		if last, ok := all.Trail.Last(); ok && last.Kind != "" {
			return string(last.Kind), http.StatusBadGateway
		}
		return ErrorTypeBadResponse, http.StatusBadGateway
	case errors.Is(err, context.Canceled):
		return ErrorTypeCancelled, statusClientClosed
	case services.IsConfigurationError(err):
		return ErrorTypeNoDeployments, http.StatusServiceUnavailable
	case errors.Is(err, services.ErrStreamInterrupted):
		return ErrorTypeStreamBroken, http.StatusBadGateway
	}
	return ErrorTypeInternal, http.StatusInternalServerError
}

// recordingSequence records the request once its stream ends
type recordingSequence struct {
	inner   dispatch.Sequence
	rec     *models.RequestRecord
	service *InferenceService
	once    sync.Once
}

func (r *recordingSequence) Next(ctx context.Context) (dispatch.Fragment, error) {
	frag, err := r.inner.Next(ctx)
	switch {
	case err == io.EOF:
		r.finish(nil)
	case err != nil:
		r.finish(err)
	case frag.Final:
		r.finish(nil)
	}
	return frag, err
}

func (r *recordingSequence) Close() error {
	err := r.inner.Close()
	r.finish(nil)
	return err
}

func (r *recordingSequence) Usage() (dispatch.Usage, bool) {
	if ur, ok := r.inner.(dispatch.UsageReporter); ok {
		return ur.Usage()
	}
	return dispatch.Usage{}, false
}

func (r *recordingSequence) finish(err error) {
	r.once.Do(func() {
		if usage, ok := r.Usage(); ok {
			r.rec.InputTokens = usage.PromptTokens
			r.rec.OutputTokens = usage.CompletionTokens
		}
		if err != nil {
			errType, status := classifyFailure(err)
			r.rec.MarkFailed(errType, err.Error(), r.rec.LatencyMs, status)
			r.service.logger.Warn("stream ended with error",
				zap.String("request_id", r.rec.RequestID),
				zap.String("upstream", r.rec.Upstream),
				zap.Error(err))
		}
		r.service.record(r.rec)
	})
}
