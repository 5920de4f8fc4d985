package models

import (
	"fmt"
	"strings"
	"time"
)

// Tier is the priority class a deployment is routed under.
type Tier string

const (
	TierFree     Tier = "free"     // free hosted inference (HF router, ollamafreeapi)
	TierInternal Tier = "internal" // self-hosted Ollama on the LAN/VPN
	TierDirect   Tier = "direct"   // pay-per-token first-party APIs
	TierPremium  Tier = "premium"  // paid aggregators and anything unrecognised
)

// AllTiers lists every tier once. The slice order carries no routing meaning.
var AllTiers = []Tier{TierFree, TierInternal, TierDirect, TierPremium}

// Valid returns true if the tier is a known value.
func (t Tier) Valid() bool {
	switch t {
	case TierFree, TierInternal, TierDirect, TierPremium:
		return true
	default:
		return false
	}
}

// String implements fmt.Stringer
func (t Tier) String() string {
	return string(t)
}

// ParseTier parses a tier name case-insensitively.
func ParseTier(s string) (Tier, error) {
	t := Tier(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown tier %q", s)
	}
	return t, nil
}

// Deployment describes one concrete backend endpoint able to serve an alias.
// Values are immutable after the config loader builds them; the router only
// reads them.
type Deployment struct {
	// ModelName is the alias this deployment serves (e.g. "rainymodel/auto")
	ModelName string `json:"model_name"`

	// ProviderID identifies the backend provider (e.g. "hf", "ollama-primary")
	ProviderID string `json:"provider_id"`

	// Model is the upstream model id; it may carry a "provider/" prefix
	Model string `json:"model"`

	// APIBase is the backend base URL
	APIBase string `json:"api_base,omitempty"`

	// APIKey authenticates against the backend
	APIKey string `json:"-"`

	// Description is a free-text hint used for tier inference
	Description string `json:"description,omitempty"`

	// Tags are structured hints; "tier:<name>" pins the tier explicitly
	Tags []string `json:"tags,omitempty"`

	// Timeout bounds a single attempt against this deployment
	Timeout time.Duration `json:"timeout,omitempty"`
}

// DeploymentKey is the comparable identity of a deployment.
type DeploymentKey struct {
	ModelName   string
	ProviderID  string
	Model       string
	APIBase     string
	Description string
	Tags        string
}

// Key returns the identity used to memoize per-deployment computations.
func (d Deployment) Key() DeploymentKey {
	return DeploymentKey{
		ModelName:   d.ModelName,
		ProviderID:  d.ProviderID,
		Model:       d.Model,
		APIBase:     d.APIBase,
		Description: d.Description,
		Tags:        strings.Join(d.Tags, "\x00"),
	}
}

// TierTag returns the tier pinned by a "tier:<name>" tag, if any.
func (d Deployment) TierTag() (Tier, bool) {
	for _, tag := range d.Tags {
		name, ok := strings.CutPrefix(strings.ToLower(strings.TrimSpace(tag)), "tier:")
		if !ok {
			continue
		}
		if t, err := ParseTier(name); err == nil {
			return t, true
		}
	}
	return "", false
}

// providerPrefixes are LiteLLM-style routing prefixes that are not part of the
// model id the upstream expects.
var providerPrefixes = []string{
	"openai/",
	"huggingface/",
	"ollama/",
	"ollama_chat/",
	"deepseek/",
	"gemini/",
	"xai/",
	"anthropic/",
	"openrouter/",
}

// UpstreamModel returns the model id to send on the wire.
func (d Deployment) UpstreamModel() string {
	for _, prefix := range providerPrefixes {
		if rest, ok := strings.CutPrefix(d.Model, prefix); ok && rest != "" {
			return rest
		}
	}
	return d.Model
}
