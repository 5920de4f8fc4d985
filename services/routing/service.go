package routing

import (
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/upb/rainymodel/config"
	"github.com/upb/rainymodel/services"
)

// RoutingConfig holds configuration for the routing service
type RoutingConfig struct {
	// ConfigPath is the YAML deployment list
	ConfigPath string

	// DefaultAlias replaces missing or foreign model names
	DefaultAlias string

	// DefaultTimeout applies to deployments without their own timeout
	// when router_settings does not set one either
	DefaultTimeout time.Duration

	// InternalHosts identify self-hosted Ollama servers
	InternalHosts []string

	// TracePlans logs every plan with its attempt order
	TracePlans bool
}

// DefaultRoutingConfig returns a sensible default configuration
func DefaultRoutingConfig() RoutingConfig {
	return RoutingConfig{
		ConfigPath:     "config/litellm_config.yaml",
		DefaultAlias:   "rainymodel/auto",
		DefaultTimeout: 120 * time.Second,
	}
}

// RoutingService owns the deployment catalog and turns an alias plus a
// policy into an attempt plan. It performs no I/O per request.
type RoutingService struct {
	config RoutingConfig
	store  *Store
	logger *zap.Logger
}

// NewRoutingService creates a routing service with an empty catalog
func NewRoutingService(cfg RoutingConfig, logger *zap.Logger) *RoutingService {
	if cfg.DefaultAlias == "" {
		cfg.DefaultAlias = DefaultRoutingConfig().DefaultAlias
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultRoutingConfig().DefaultTimeout
	}
	return &RoutingService{
		config: cfg,
		store:  NewStore(NewClassifier(cfg.InternalHosts)),
		logger: logger,
	}
}

// Load reads the deployment file and publishes a new catalog generation.
// On error the previous generation stays active.
func (s *RoutingService) Load() (*Catalog, error) {
	deps, err := config.LoadDeployments(s.config.ConfigPath)
	if err != nil {
		return nil, services.ErrCatalogNotLoaded.Wrap(err)
	}
	timeout := deps.Timeout
	if timeout <= 0 {
		timeout = s.config.DefaultTimeout
	}
	cat := s.store.Swap(deps.List, timeout)

	s.logger.Info("deployment catalog loaded",
		zap.Uint64("generation", cat.Generation()),
		zap.Int("aliases", len(cat.Aliases())),
		zap.Int("deployments", cat.Len()),
		zap.Strings("upstreams", cat.Upstreams()))
	return cat, nil
}

// Replace publishes an in-memory deployment list
func (s *RoutingService) Replace(deps *config.Deployments) *Catalog {
	timeout := deps.Timeout
	if timeout <= 0 {
		timeout = s.config.DefaultTimeout
	}
	return s.store.Swap(deps.List, timeout)
}

// Catalog returns the active snapshot, or nil before the first load
func (s *RoutingService) Catalog() *Catalog {
	return s.store.Current()
}

// ConfigPath returns the watched deployment file
func (s *RoutingService) ConfigPath() string {
	return s.config.ConfigPath
}

// NormalizeAlias maps a requested model to a served alias. Names outside the
// alias namespace are rewritten to the default alias.
func (s *RoutingService) NormalizeAlias(model string) string {
	model = strings.TrimSpace(model)
	if model == "" || !strings.HasPrefix(model, config.AliasPrefix) {
		return s.config.DefaultAlias
	}
	return model
}

// PlanFor resolves an alias and orders its deployments for a policy.
// Deployments without a timeout inherit the catalog default.
func (s *RoutingService) PlanFor(alias, policy string) (Plan, error) {
	cat := s.store.Current()
	if cat == nil {
		return Plan{}, services.ErrCatalogNotLoaded
	}

	candidates := cat.Resolve(alias)
	if len(candidates) == 0 {
		return Plan{}, services.ErrNoDeployments.WithDetail("alias", alias)
	}
	for i := range candidates {
		if candidates[i].Deployment.Timeout <= 0 {
			candidates[i].Deployment.Timeout = cat.DefaultTimeout()
		}
	}

	plan := Order(ParsePolicy(policy), candidates)
	plan.Alias = alias

	if s.config.TracePlans {
		s.logger.Info("routing plan",
			zap.String("alias", alias),
			zap.String("policy", string(plan.Effective)),
			zap.Strings("order", planOrder(plan)),
			zap.Int("attempts", len(plan.Attempts())))
	}
	if plan.Degraded() {
		s.logger.Debug("policy degraded",
			zap.String("alias", alias),
			zap.String("requested", string(plan.Requested)),
			zap.String("effective", string(plan.Effective)))
	}
	return plan, nil
}

func planOrder(plan Plan) []string {
	order := make([]string, len(plan.Candidates))
	for i, c := range plan.Candidates {
		order[i] = string(c.Tier) + ":" + c.Upstream
	}
	return order
}
