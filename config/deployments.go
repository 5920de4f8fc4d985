package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/upb/rainymodel/models"
	"github.com/upb/rainymodel/utils"
)

// AliasPrefix marks the public model aliases served by the proxy
const AliasPrefix = "rainymodel/"

// ErrEmptyModelList is returned when the deployment file lists no deployments
var ErrEmptyModelList = errors.New("model_list is empty")

// DeploymentFile is the LiteLLM-style deployment configuration document
type DeploymentFile struct {
	ModelList      []ModelEntry   `yaml:"model_list" validate:"dive"`
	RouterSettings RouterSettings `yaml:"router_settings"`
}

// ModelEntry is one model_list item
type ModelEntry struct {
	ModelName string        `yaml:"model_name" validate:"required"`
	Params    LiteLLMParams `yaml:"litellm_params"`
	Info      ModelInfo     `yaml:"model_info"`
}

// LiteLLMParams carries the upstream connection parameters
type LiteLLMParams struct {
	Model     string  `yaml:"model" validate:"required"`
	APIBase   string  `yaml:"api_base" validate:"omitempty,url"`
	APIKey    string  `yaml:"api_key"`
	Timeout   float64 `yaml:"timeout" validate:"gte=0"` // seconds
	TimeoutMs int     `yaml:"timeout_ms" validate:"gte=0"`
}

// ModelInfo carries descriptive hints
type ModelInfo struct {
	ID          string   `yaml:"id"`
	Provider    string   `yaml:"provider"`
	Description string   `yaml:"description"`
	Tags        []string `yaml:"tags"`
}

// RouterSettings holds defaults applied to every deployment
type RouterSettings struct {
	Timeout    float64 `yaml:"timeout" validate:"gte=0"` // seconds
	NumRetries int     `yaml:"num_retries" validate:"gte=0"`
}

// Deployments is the validated result of loading a deployment file
type Deployments struct {
	List       []models.Deployment
	Timeout    time.Duration // router_settings.timeout, 0 when unset
	NumRetries int
}

// LoadDeployments reads, expands and validates the deployment file at path
func LoadDeployments(path string) (*Deployments, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read deployment config: %w", err)
	}
	deps, err := ParseDeployments(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return deps, nil
}

// ParseDeployments decodes a deployment document. ${VAR} and ${VAR:-default}
// references in scalar values are expanded from the environment first.
func ParseDeployments(data []byte) (*Deployments, error) {
	var root yaml.Node
	dec := yaml.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&root); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrEmptyModelList
		}
		return nil, fmt.Errorf("failed to parse deployment config: %w", err)
	}
	expandNode(&root)

	var file DeploymentFile
	if err := root.Decode(&file); err != nil {
		return nil, fmt.Errorf("failed to decode deployment config: %w", err)
	}
	if len(file.ModelList) == 0 {
		return nil, ErrEmptyModelList
	}
	if err := utils.ValidateStruct(&file); err != nil {
		if fields := utils.GetValidationFields(err); len(fields) > 0 {
			return nil, fmt.Errorf("invalid deployment config: %v", fields)
		}
		return nil, fmt.Errorf("invalid deployment config: %w", err)
	}

	out := &Deployments{
		List:       make([]models.Deployment, 0, len(file.ModelList)),
		Timeout:    seconds(file.RouterSettings.Timeout),
		NumRetries: file.RouterSettings.NumRetries,
	}
	for _, entry := range file.ModelList {
		out.List = append(out.List, entry.toDeployment())
	}
	return out, nil
}

func (e ModelEntry) toDeployment() models.Deployment {
	timeout := seconds(e.Params.Timeout)
	if e.Params.TimeoutMs > 0 {
		timeout = time.Duration(e.Params.TimeoutMs) * time.Millisecond
	}

	providerID := e.Info.ID
	if providerID == "" {
		providerID = e.Info.Provider
	}
	if providerID == "" {
		providerID = providerFromModel(e.Params.Model)
	}

	return models.Deployment{
		ModelName:   e.ModelName,
		ProviderID:  providerID,
		Model:       e.Params.Model,
		APIBase:     strings.TrimRight(e.Params.APIBase, "/"),
		APIKey:      e.Params.APIKey,
		Description: e.Info.Description,
		Tags:        append([]string(nil), e.Info.Tags...),
		Timeout:     timeout,
	}
}

// providerFromModel returns the routing prefix of a model id, or "".
// Only the prefixes the upstream strips are treated as provider names.
func providerFromModel(model string) string {
	prefix, rest, ok := strings.Cut(model, "/")
	if !ok || rest == "" {
		return ""
	}
	if (models.Deployment{Model: model}).UpstreamModel() == model {
		return ""
	}
	return prefix
}

func seconds(v float64) time.Duration {
	if v <= 0 {
		return 0
	}
	return time.Duration(v * float64(time.Second))
}

func expandNode(n *yaml.Node) {
	if n.Kind == yaml.ScalarNode {
		expanded := ExpandEnv(n.Value)
		if expanded != n.Value && n.Style == 0 {
			// re-resolve so "${TIMEOUT:-30}" decodes as a number
			n.Tag = ""
		}
		n.Value = expanded
		return
	}
	for _, child := range n.Content {
		expandNode(child)
	}
}

// ExpandEnv replaces ${VAR} and ${VAR:-default} references. An unset VAR
// without a default expands to the empty string; an unterminated reference
// is left as is.
func ExpandEnv(s string) string {
	var b strings.Builder
	for {
		start := strings.Index(s, "${")
		if start < 0 {
			b.WriteString(s)
			return b.String()
		}
		end := strings.Index(s[start:], "}")
		if end < 0 {
			b.WriteString(s)
			return b.String()
		}
		end += start

		b.WriteString(s[:start])
		token := s[start+2 : end]
		name, def, _ := strings.Cut(token, ":-")
		if value, ok := os.LookupEnv(name); ok {
			b.WriteString(value)
		} else {
			b.WriteString(def)
		}
		s = s[end+1:]
	}
}
