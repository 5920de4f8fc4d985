package providers

import (
	"strings"

	"github.com/upb/rainymodel/services/dispatch"
	"github.com/upb/rainymodel/services/routing"
)

// defaultBaseURLs are used when a deployment sets no api_base
var defaultBaseURLs = map[string]string{
	routing.UpstreamDeepSeek:   "https://api.deepseek.com/v1",
	routing.UpstreamOpenAI:     "https://api.openai.com/v1",
	routing.UpstreamOpenRouter: "https://openrouter.ai/api/v1",
	routing.UpstreamGemini:     "https://generativelanguage.googleapis.com/v1beta/openai",
	routing.UpstreamXAI:        "https://api.x.ai/v1",
	routing.UpstreamClaude:     "https://api.anthropic.com/v1",
	routing.UpstreamHF:         "https://router.huggingface.co/v1",
}

// DefaultBaseURL returns the public endpoint of an upstream label
func DefaultBaseURL(upstream string) (string, bool) {
	u, ok := defaultBaseURLs[upstream]
	return u, ok
}

// BaseURL resolves the chat completions base URL of a candidate. Ollama
// servers expose the OpenAI-compatible API under /v1.
func BaseURL(c routing.Candidate) (string, error) {
	base := strings.TrimRight(c.Deployment.APIBase, "/")
	if base == "" {
		def, ok := DefaultBaseURL(c.Upstream)
		if !ok {
			return "", NewProviderError(c.ProviderID(), "no_endpoint",
				"deployment has no api_base and upstream "+c.Upstream+" has no default",
				0, false, dispatch.KindConnection, nil)
		}
		return def, nil
	}

	if isOllama(c) && !strings.HasSuffix(base, "/v1") {
		base += "/v1"
	}
	return base, nil
}

func isOllama(c routing.Candidate) bool {
	switch c.Upstream {
	case routing.UpstreamOllama, routing.UpstreamOllamaFreeAPI:
		return true
	}
	model := strings.ToLower(c.Deployment.Model)
	return strings.HasPrefix(model, "ollama/") || strings.HasPrefix(model, "ollama_chat/")
}
