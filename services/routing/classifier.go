package routing

import (
	"regexp"
	"strings"

	"github.com/upb/rainymodel/models"
)

// Upstream labels reported for a classified deployment
const (
	UpstreamHF            = "hf"
	UpstreamOllamaFreeAPI = "ollamafreeapi"
	UpstreamOllama        = "ollama"
	UpstreamDeepSeek      = "deepseek"
	UpstreamGemini        = "gemini"
	UpstreamOpenAI        = "openai"
	UpstreamClaude        = "claude"
	UpstreamXAI           = "xai"
	UpstreamOpenRouter    = "openrouter"
	UpstreamUnknown       = "unknown"
)

// Classification is the result of classifying one deployment
type Classification struct {
	Tier     models.Tier
	Upstream string
	Rule     string // name of the rule that matched
}

// rule is one row of the classification table
type rule struct {
	name     string
	match    func(d descriptor) bool
	tier     models.Tier
	upstream string
}

// descriptor is the lowercased view of a deployment the rules inspect
type descriptor struct {
	provider string
	model    string
	apiBase  string
	desc     string
}

var hfWord = regexp.MustCompile(`\bhf\b`)

// Classifier maps deployments to tiers. It is pure: the same deployment
// always classifies the same way for a given internal host list.
type Classifier struct {
	rules []rule
}

// NewClassifier builds the rule table. internalHosts are host:port fragments
// of self-hosted Ollama servers; empty entries are ignored.
func NewClassifier(internalHosts []string) *Classifier {
	hosts := make([]string, 0, len(internalHosts))
	for _, h := range internalHosts {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			hosts = append(hosts, h)
		}
	}
	return &Classifier{rules: buildRules(hosts)}
}

// Classify returns the tier and upstream label of d. It never fails:
// unmatched deployments are PREMIUM.
func (c *Classifier) Classify(d models.Deployment) Classification {
	desc := descriptor{
		provider: strings.ToLower(strings.TrimSpace(d.ProviderID)),
		model:    strings.ToLower(d.Model),
		apiBase:  strings.ToLower(d.APIBase),
		desc:     strings.ToLower(d.Description),
	}

	// explicit tier tag is the most specific hint
	if tier, ok := d.TierTag(); ok {
		return Classification{Tier: tier, Upstream: c.upstreamFor(desc, tier), Rule: "tag"}
	}

	for _, r := range c.rules {
		if r.match(desc) {
			return Classification{Tier: r.tier, Upstream: r.upstream, Rule: r.name}
		}
	}
	return Classification{Tier: models.TierPremium, Upstream: UpstreamUnknown, Rule: "default"}
}

// upstreamFor picks a label for a tag-pinned deployment from the first rule
// of the same tier that matches, falling back to the provider id.
func (c *Classifier) upstreamFor(d descriptor, tier models.Tier) string {
	for _, r := range c.rules {
		if r.tier == tier && r.match(d) {
			return r.upstream
		}
	}
	if d.provider != "" {
		return d.provider
	}
	return UpstreamUnknown
}

func buildRules(internalHosts []string) []rule {
	providerIs := func(ids ...string) func(descriptor) bool {
		return func(d descriptor) bool {
			for _, id := range ids {
				if d.provider == id {
					return true
				}
			}
			return false
		}
	}

	return []rule{
		// exact provider ids
		{"provider:hf", providerIs("hf", "huggingface"), models.TierFree, UpstreamHF},
		{"provider:ollamafreeapi", providerIs("ollamafreeapi"), models.TierFree, UpstreamOllamaFreeAPI},
		{"provider:ollama", func(d descriptor) bool {
			return d.provider == "ollama" || d.provider == "internal" || strings.HasPrefix(d.provider, "ollama-")
		}, models.TierInternal, UpstreamOllama},
		{"provider:deepseek", providerIs("deepseek"), models.TierDirect, UpstreamDeepSeek},
		{"provider:gemini", providerIs("gemini", "google"), models.TierDirect, UpstreamGemini},
		{"provider:openai", providerIs("openai"), models.TierDirect, UpstreamOpenAI},
		{"provider:claude", providerIs("claude", "anthropic"), models.TierDirect, UpstreamClaude},
		{"provider:xai", providerIs("xai"), models.TierDirect, UpstreamXAI},
		{"provider:openrouter", providerIs("openrouter"), models.TierPremium, UpstreamOpenRouter},

		// free hosts and hints
		{"free:ollamafreeapi", func(d descriptor) bool {
			return strings.Contains(d.apiBase, "ollamafreeapi") || strings.Contains(d.desc, "ollamafree")
		}, models.TierFree, UpstreamOllamaFreeAPI},
		{"free:hf", func(d descriptor) bool {
			return strings.Contains(d.apiBase, "huggingface") ||
				hfWord.MatchString(d.desc) ||
				strings.HasPrefix(d.model, "huggingface/")
		}, models.TierFree, UpstreamHF},

		// first-party pay-per-token APIs
		{"direct:deepseek", func(d descriptor) bool {
			return strings.HasPrefix(d.model, "deepseek/") || strings.Contains(d.apiBase, "api.deepseek.com") ||
				strings.Contains(d.desc, "deepseek")
		}, models.TierDirect, UpstreamDeepSeek},
		{"direct:gemini", func(d descriptor) bool {
			return strings.HasPrefix(d.model, "gemini/") || strings.Contains(d.apiBase, "generativelanguage.googleapis.com") ||
				strings.Contains(d.desc, "gemini")
		}, models.TierDirect, UpstreamGemini},
		{"direct:openai", func(d descriptor) bool {
			return strings.HasPrefix(d.model, "gpt-") || strings.HasPrefix(d.model, "o1") || strings.HasPrefix(d.model, "o3") ||
				strings.Contains(d.apiBase, "api.openai.com") ||
				strings.Contains(d.desc, "direct-openai") || strings.Contains(d.desc, "openai direct")
		}, models.TierDirect, UpstreamOpenAI},
		{"direct:claude", func(d descriptor) bool {
			return strings.HasPrefix(d.model, "claude-") || strings.HasPrefix(d.model, "anthropic/") ||
				strings.Contains(d.apiBase, "api.anthropic.com") ||
				strings.Contains(d.desc, "direct-claude") || strings.Contains(d.desc, "claude direct")
		}, models.TierDirect, UpstreamClaude},
		{"direct:xai", func(d descriptor) bool {
			return strings.HasPrefix(d.model, "xai/") || strings.Contains(d.apiBase, "api.x.ai") ||
				strings.Contains(d.desc, "direct-xai") || strings.Contains(d.desc, "xai direct")
		}, models.TierDirect, UpstreamXAI},

		// paid aggregator
		{"premium:openrouter", func(d descriptor) bool {
			return strings.Contains(d.model, "openrouter") || strings.Contains(d.apiBase, "openrouter") ||
				strings.Contains(d.desc, "premium")
		}, models.TierPremium, UpstreamOpenRouter},

		// self-hosted Ollama
		{"internal:ollama", func(d descriptor) bool {
			for _, h := range internalHosts {
				if d.apiBase != "" && strings.Contains(d.apiBase, h) {
					return true
				}
			}
			return strings.Contains(d.desc, "internal") || strings.Contains(d.desc, "ollama") ||
				strings.HasPrefix(d.model, "ollama/") || strings.HasPrefix(d.model, "ollama_chat/")
		}, models.TierInternal, UpstreamOllama},
	}
}
