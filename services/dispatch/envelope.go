package dispatch

import (
	"time"

	"github.com/upb/rainymodel/models"
	"github.com/upb/rainymodel/services/routing"
)

// RoutingMetadata describes how a response was produced
type RoutingMetadata struct {
	Tier            models.Tier
	ProviderID      string
	Upstream        string
	Model           string
	Latency         time.Duration
	FallbackReason  ErrorKind // empty unless an earlier attempt failed
	TriedProviders  []string  // attempt order, successful provider last
	Policy          routing.Policy
	RequestedPolicy routing.Policy
}

// LatencyMs returns the latency in whole milliseconds
func (m RoutingMetadata) LatencyMs() int64 {
	return m.Latency.Milliseconds()
}

// RoutedResponse is the result of a successful dispatch
type RoutedResponse struct {
	Metadata  RoutingMetadata
	Body      Sequence
	Streaming bool
	Trail     Trail
}

// Usage returns the token usage seen so far, if the body reports it
func (r *RoutedResponse) Usage() (Usage, bool) {
	if ur, ok := r.Body.(UsageReporter); ok {
		return ur.Usage()
	}
	return Usage{}, false
}

// BuildMetadata derives routing metadata from a trail whose last entry is
// the successful attempt. It is a pure function of its inputs.
func BuildMetadata(start time.Time, trail Trail, plan routing.Plan, now time.Time) RoutingMetadata {
	meta := RoutingMetadata{
		Latency:         now.Sub(start),
		TriedProviders:  trail.Providers(),
		Policy:          plan.Effective,
		RequestedPolicy: plan.Requested,
	}
	if last, ok := trail.Last(); ok {
		c := last.Candidate
		meta.Tier = c.Tier
		meta.ProviderID = c.ProviderID()
		meta.Upstream = c.Upstream
		meta.Model = c.Deployment.Model
	}
	if len(trail) > 1 {
		if first, ok := trail.FirstFailure(); ok {
			meta.FallbackReason = first.Kind
		}
	}
	return meta
}
