package routing

import (
	"strings"

	"github.com/upb/rainymodel/models"
)

// Policy names a tier ordering selected per request
type Policy string

const (
	PolicyAuto       Policy = "auto"
	PolicyUncensored Policy = "uncensored"
	PolicyPremium    Policy = "premium"
	PolicyFree       Policy = "free"
)

// policyRow is one row of the policy table. freeOnly restricts execution
// to the FREE prefix of the plan when at least one FREE candidate exists.
type policyRow struct {
	order    []models.Tier
	freeOnly bool
}

var policyTable = map[Policy]policyRow{
	PolicyAuto: {
		order: []models.Tier{models.TierFree, models.TierInternal, models.TierDirect, models.TierPremium},
	},
	PolicyUncensored: {
		order: []models.Tier{models.TierInternal, models.TierFree, models.TierDirect, models.TierPremium},
	},
	PolicyPremium: {
		order: []models.Tier{models.TierDirect, models.TierPremium, models.TierFree, models.TierInternal},
	},
	PolicyFree: {
		order:    []models.Tier{models.TierFree, models.TierInternal, models.TierDirect, models.TierPremium},
		freeOnly: true,
	},
}

// Policies returns the known policy names
func Policies() []Policy {
	return []Policy{PolicyAuto, PolicyUncensored, PolicyPremium, PolicyFree}
}

// ParsePolicy normalises a caller-supplied policy. Unknown or empty values
// fall back to auto; this never fails.
func ParsePolicy(s string) Policy {
	p := Policy(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := policyTable[p]; ok {
		return p
	}
	return PolicyAuto
}

// TierOrder returns the tier sequence of a policy
func (p Policy) TierOrder() []models.Tier {
	entry, ok := policyTable[p]
	if !ok {
		entry = policyTable[PolicyAuto]
	}
	return append([]models.Tier(nil), entry.order...)
}

// String implements fmt.Stringer
func (p Policy) String() string {
	return string(p)
}

// Candidate is a deployment with its classification
type Candidate struct {
	Deployment models.Deployment
	Tier       models.Tier
	Upstream   string
}

// ProviderID is the identifier reported in headers and trails. Deployments
// without an explicit provider id report their upstream label.
func (c Candidate) ProviderID() string {
	if c.Deployment.ProviderID != "" {
		return c.Deployment.ProviderID
	}
	return c.Upstream
}

// Plan is the ordered attempt list for one request
type Plan struct {
	Alias      string
	Requested  Policy // policy as parsed from the caller
	Effective  Policy // policy actually applied; differs only when free degrades to auto
	Candidates []Candidate
	Limit      int // executor attempts at most Candidates[:Limit]
}

// Attempts returns the candidates the executor may try
func (p Plan) Attempts() []Candidate {
	if p.Limit < 0 || p.Limit > len(p.Candidates) {
		return p.Candidates
	}
	return p.Candidates[:p.Limit]
}

// Degraded reports whether the requested policy could not be honoured
func (p Plan) Degraded() bool {
	return p.Requested != p.Effective
}

// Order builds the attempt plan for a policy. The sort is stable within a
// tier and the plan is non-empty whenever candidates is. Candidates with a
// tier outside the policy table keep their input order at the end.
func Order(policy Policy, candidates []Candidate) Plan {
	entry, ok := policyTable[policy]
	if !ok {
		policy = PolicyAuto
		entry = policyTable[PolicyAuto]
	}

	plan := Plan{Requested: policy, Effective: policy}

	byTier := make(map[models.Tier][]Candidate, len(entry.order))
	for _, c := range candidates {
		byTier[c.Tier] = append(byTier[c.Tier], c)
	}

	ordered := make([]Candidate, 0, len(candidates))
	ranked := make(map[models.Tier]bool, len(entry.order))
	for _, tier := range entry.order {
		ordered = append(ordered, byTier[tier]...)
		ranked[tier] = true
	}
	for _, c := range candidates {
		if !ranked[c.Tier] {
			ordered = append(ordered, c)
		}
	}
	plan.Candidates = ordered
	plan.Limit = len(ordered)

	if entry.freeOnly {
		free := len(byTier[models.TierFree])
		if free > 0 {
			plan.Limit = free
		} else {
			// no free deployment: run the whole plan, labelled as auto
			auto := Order(PolicyAuto, candidates)
			auto.Requested = policy
			return auto
		}
	}
	return plan
}
