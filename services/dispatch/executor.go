package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/upb/rainymodel/services"
	"github.com/upb/rainymodel/services/routing"
)

// Config holds executor settings
type Config struct {
	// DefaultTimeout bounds an attempt whose deployment sets no timeout
	DefaultTimeout time.Duration
}

// DefaultConfig returns the default executor configuration
func DefaultConfig() Config {
	return Config{DefaultTimeout: 120 * time.Second}
}

// Executor tries the candidates of a plan one at a time until one succeeds.
// It holds no per-request state and is safe for concurrent use.
type Executor struct {
	backend Backend
	config  Config
	logger  *zap.Logger
	now     func() time.Time
}

// NewExecutor creates an executor over backend
func NewExecutor(backend Backend, cfg Config, logger *zap.Logger) *Executor {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultConfig().DefaultTimeout
	}
	return &Executor{backend: backend, config: cfg, logger: logger, now: time.Now}
}

// Dispatch executes plan. Body is forwarded unchanged to the backend.
//
// Each candidate is attempted at most once, in plan order, bounded by its
// own timeout. The first success is returned with its metadata and trail.
// When the caller's context is cancelled the context error is returned at
// once; when the caller's deadline passes the remaining plan is abandoned
// and an aborted *AllUpstreamsFailedError is returned.
func (e *Executor) Dispatch(ctx context.Context, plan routing.Plan, body []byte, stream bool) (*RoutedResponse, error) {
	attempts := plan.Attempts()
	if len(attempts) == 0 {
		return nil, services.ErrNoDeployments.WithDetail("alias", plan.Alias)
	}

	start := e.now()
	trail := make(Trail, 0, len(attempts))
	var lastErr error

	for i, c := range attempts {
		if ctx.Err() != nil {
			return nil, e.stop(ctx, plan, trail, lastErr)
		}

		req := Request{Candidate: c, Body: body, Stream: stream}
		attemptStart := e.now()

		var (
			seq  Sequence
			code int
			err  error
			kind ErrorKind
		)
		if stream {
			seq, kind, err = e.attemptStream(ctx, req)
		} else {
			seq, code, kind, err = e.attemptBuffered(ctx, req)
		}
		latency := e.now().Sub(attemptStart)

		if err == nil {
			trail = append(trail, Outcome{Candidate: c, Success: true, StatusCode: code, Latency: latency})
			meta := BuildMetadata(start, trail, plan, e.now())
			if len(trail) > 1 {
				e.logger.Info("fallback succeeded",
					zap.String("alias", plan.Alias),
					zap.String("provider", meta.ProviderID),
					zap.String("tier", string(meta.Tier)),
					zap.String("fallback_reason", string(meta.FallbackReason)),
					zap.Strings("tried", meta.TriedProviders))
			}
			return &RoutedResponse{Metadata: meta, Body: seq, Streaming: stream, Trail: trail}, nil
		}

		// caller went away or ran out of time: the failure is not the upstream's
		if ctx.Err() != nil {
			return nil, e.stop(ctx, plan, trail, lastErr)
		}

		if sc := statusOf(err); sc != 0 {
			code = sc
		}
		trail = append(trail, Outcome{
			Candidate:  c,
			Kind:       kind,
			Message:    err.Error(),
			StatusCode: code,
			Latency:    latency,
		})
		lastErr = err

		e.logger.Warn("upstream attempt failed",
			zap.String("alias", plan.Alias),
			zap.Int("attempt", i+1),
			zap.Int("of", len(attempts)),
			zap.String("provider", c.ProviderID()),
			zap.String("tier", string(c.Tier)),
			zap.String("kind", string(kind)),
			zap.Duration("latency", latency),
			zap.Error(err))
	}

	return nil, &AllUpstreamsFailedError{
		Alias:  plan.Alias,
		Policy: plan.Effective,
		Trail:  trail,
		Last:   lastErr,
	}
}

// stop ends the plan early because of the caller's context
func (e *Executor) stop(ctx context.Context, plan routing.Plan, trail Trail, lastErr error) error {
	err := ctx.Err()
	if errors.Is(err, context.DeadlineExceeded) {
		e.logger.Warn("caller deadline reached, abandoning plan",
			zap.String("alias", plan.Alias),
			zap.Int("attempted", len(trail)),
			zap.Int("planned", len(plan.Attempts())))
		return &AllUpstreamsFailedError{
			Alias:   plan.Alias,
			Policy:  plan.Effective,
			Trail:   trail,
			Last:    lastErr,
			Aborted: true,
			Cause:   err,
		}
	}
	e.logger.Debug("caller cancelled dispatch", zap.String("alias", plan.Alias), zap.Int("attempted", len(trail)))
	return err
}

func (e *Executor) timeoutFor(c routing.Candidate) time.Duration {
	if c.Deployment.Timeout > 0 {
		return c.Deployment.Timeout
	}
	return e.config.DefaultTimeout
}

func (e *Executor) attemptBuffered(ctx context.Context, req Request) (Sequence, int, ErrorKind, error) {
	timeout := e.timeoutFor(req.Candidate)
	attemptCtx, cancel := context.WithTimeoutCause(ctx, timeout, errAttemptTimeout)
	defer cancel()

	resp, err := e.backend.Complete(attemptCtx, req)
	if err != nil {
		if attemptExpired(ctx, attemptCtx) {
			return nil, 0, KindTimeout, timeoutError(req.Candidate, "no response within %s", timeout)
		}
		return nil, 0, classify(err), err
	}
	if resp == nil {
		err := &AttemptError{Kind: KindBadResponse, Provider: req.Candidate.ProviderID(), Message: "empty response"}
		return nil, 0, KindBadResponse, err
	}
	if _, err := inspectPayload(resp.Body); err != nil {
		err = withProvider(err, req.Candidate.ProviderID())
		return nil, resp.StatusCode, KindBadResponse, err
	}
	return NewBufferedSequence(resp.Body), resp.StatusCode, "", nil
}

// attemptStream opens the stream and waits for the first chunk. The attempt
// timeout covers only time-to-first-chunk; once primed the stream runs until
// the upstream finishes or the caller's context ends.
func (e *Executor) attemptStream(ctx context.Context, req Request) (Sequence, ErrorKind, error) {
	timeout := e.timeoutFor(req.Candidate)
	attemptCtx, cancel := context.WithCancelCause(ctx)
	timer := time.AfterFunc(timeout, func() { cancel(errAttemptTimeout) })
	release := func() { cancel(nil) }

	src, err := e.backend.Stream(attemptCtx, req)
	if err != nil {
		timer.Stop()
		release()
		if attemptExpired(ctx, attemptCtx) {
			return nil, KindTimeout, timeoutError(req.Candidate, "no first chunk within %s", timeout)
		}
		return nil, classify(err), err
	}

	relay := NewRelay(src, req.Candidate.ProviderID(), release)
	if err := relay.Prime(); err != nil {
		timer.Stop()
		relay.Close()
		if attemptExpired(ctx, attemptCtx) {
			return nil, KindTimeout, timeoutError(req.Candidate, "no first chunk within %s", timeout)
		}
		return nil, classify(err), err
	}
	if !timer.Stop() {
		relay.Close()
		return nil, KindTimeout, timeoutError(req.Candidate, "first chunk arrived after %s", timeout)
	}
	return relay, "", nil
}

// errAttemptTimeout is the cancellation cause of an attempt that ran out of time
var errAttemptTimeout = errors.New("attempt timed out")

// attemptExpired reports whether the attempt context ended on its own timer
// while the caller's context is still live
func attemptExpired(ctx, attemptCtx context.Context) bool {
	return ctx.Err() == nil && errors.Is(context.Cause(attemptCtx), errAttemptTimeout)
}

// timeoutError replaces the context error of an expired attempt so the
// attempt's own cancellation never reads as the caller's
func timeoutError(c routing.Candidate, format string, timeout time.Duration) *AttemptError {
	return &AttemptError{Kind: KindTimeout, Provider: c.ProviderID(), Message: fmt.Sprintf(format, timeout)}
}

// classify maps an attempt error to its kind
func classify(err error) ErrorKind {
	var kc KindCarrier
	if errors.As(err, &kc) {
		return kc.AttemptKind()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTimeout
	}
	return KindConnection
}
