package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/upb/rainymodel/auth"
	"github.com/upb/rainymodel/config"
	"github.com/upb/rainymodel/middleware"
	"github.com/upb/rainymodel/repositories"
	"github.com/upb/rainymodel/repositories/postgres"
	"github.com/upb/rainymodel/services/analytics"
	"github.com/upb/rainymodel/services/dispatch"
	"github.com/upb/rainymodel/services/inference"
	"github.com/upb/rainymodel/services/providers"
	"github.com/upb/rainymodel/services/routing"
)

const (
	watchDebounce     = 250 * time.Millisecond
	writerStopTimeout = 5 * time.Second
)

// Dependencies holds all application dependencies.
// This is the central wiring point for dependency injection.
type Dependencies struct {
	// Infrastructure
	Config *config.Config
	Logger *zap.Logger

	// Optional request-log store, nil when DATABASE_URL is unset
	RepoFactory *postgres.RepositoryFactory
	DB          *postgres.DB
	RequestLogs repositories.RequestLogRepository
	Writer      *analytics.Writer

	// Routing
	Routing *routing.RoutingService
	Watcher *routing.ConfigWatcher

	// Dispatch
	Backend   *providers.HTTPBackend
	Executor  *dispatch.Executor
	Collector *analytics.Collector
	Inference *inference.InferenceService

	// Auth
	authHandler    *auth.Handler
	AuthMiddleware *middleware.AuthMiddleware
}

// AuthHandler returns the SSO handler for route wiring
func (d *Dependencies) AuthHandler() *auth.Handler {
	return d.authHandler
}

// NewDependencies creates and wires up all application dependencies
func NewDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Config:    cfg,
		Logger:    logger,
		Collector: analytics.NewCollector(cfg.Analytics.Capacity, logger),
	}

	if err := deps.initRouting(cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize routing: %w", err)
	}

	if err := deps.initDatabase(ctx, cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	deps.initDispatch(cfg)

	if err := deps.initAuth(cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize auth: %w", err)
	}

	logger.Info("all dependencies initialized successfully")
	return deps, nil
}

// initRouting loads the first catalog generation. A missing or invalid
// deployment file fails startup.
func (d *Dependencies) initRouting(cfg *config.Config) error {
	d.Routing = routing.NewRoutingService(routing.RoutingConfig{
		ConfigPath:     cfg.Routing.ConfigPath,
		DefaultAlias:   cfg.Routing.DefaultAlias,
		DefaultTimeout: cfg.Routing.DefaultTimeout,
		InternalHosts:  cfg.Routing.InternalHosts,
		TracePlans:     cfg.Routing.Debug,
	}, d.Logger)

	if _, err := d.Routing.Load(); err != nil {
		return err
	}
	return nil
}

// initDatabase connects the request-log store when one is configured
func (d *Dependencies) initDatabase(ctx context.Context, cfg *config.Config) error {
	if !cfg.Database.Enabled() {
		d.Logger.Info("request log store disabled, analytics kept in memory only")
		return nil
	}

	factory, err := postgres.NewRepositoryFactory(ctx, cfg.Database, d.Logger)
	if err != nil {
		return fmt.Errorf("failed to create repository factory: %w", err)
	}

	d.RepoFactory = factory
	d.DB = factory.DB()
	d.RequestLogs = factory.NewRepositories().RequestLogs

	d.Writer = analytics.NewWriter(d.RequestLogs, d.Logger, analytics.WriterConfig{
		BufferSize:  cfg.Analytics.BufferSize,
		WorkerCount: cfg.Analytics.WorkerCount,
		BatchSize:   cfg.Analytics.BatchSize,
	})
	if err := d.Writer.Start(); err != nil {
		factory.Close()
		return fmt.Errorf("failed to start request log writer: %w", err)
	}
	d.Collector.WithSink(d.Writer)

	d.Logger.Info("request log store enabled",
		zap.Int("workers", cfg.Analytics.WorkerCount))
	return nil
}

func (d *Dependencies) initDispatch(cfg *config.Config) {
	providerCfg := providers.DefaultConfig()
	providerCfg.MaxRetries = cfg.Routing.MaxRetries
	providerCfg.RetryDelay = cfg.Routing.RetryDelay

	d.Backend = providers.NewHTTPBackend(providerCfg, d.Logger)
	d.Executor = dispatch.NewExecutor(d.Backend, dispatch.Config{
		DefaultTimeout: cfg.Routing.DefaultTimeout,
	}, d.Logger)
	d.Inference = inference.NewInferenceService(d.Routing, d.Executor, d.Collector, d.Logger)
}

func (d *Dependencies) initAuth(cfg *config.Config) error {
	var validator auth.TokenValidator
	if cfg.Auth.SSOEnabled() {
		v, err := auth.NewValidator(auth.ValidatorConfig{
			Issuer:     cfg.Auth.SSOIssuer,
			Audience:   cfg.Auth.SSOAudience,
			SigningKey: cfg.Auth.SSOSigningKey,
			JWKSURL:    cfg.Auth.SSOJWKSURL,
		})
		if err != nil {
			return err
		}
		validator = v
	}

	var exchanger auth.TokenExchanger
	if cfg.Auth.LoginEnabled() {
		exchanger = auth.NewOAuthExchanger(cfg.Auth)
	} else {
		d.Logger.Warn("sso client not configured, browser login disabled")
	}

	d.AuthMiddleware = middleware.NewAuthMiddleware(cfg.Auth.MasterKey, validator, d.Logger)
	if d.AuthMiddleware.Open() {
		d.Logger.Warn("no master key or sso configured, api is open")
	}
	d.authHandler = auth.NewHandler(cfg.Auth, exchanger, validator, d.Logger)
	return nil
}

// StartWatcher reloads the catalog whenever the deployment file changes.
// It is a no-op when ROUTING_WATCH_CONFIG is off.
func (d *Dependencies) StartWatcher(ctx context.Context) error {
	if !d.Config.Routing.WatchConfig || d.Watcher != nil {
		return nil
	}

	w, err := routing.NewConfigWatcher(d.Routing, watchDebounce, d.Logger)
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	if err := w.Start(ctx); err != nil {
		w.Close()
		return fmt.Errorf("failed to watch %s: %w", d.Routing.ConfigPath(), err)
	}
	d.Watcher = w
	return nil
}

// Close gracefully shuts down all dependencies
func (d *Dependencies) Close(ctx context.Context) error {
	d.Logger.Info("shutting down dependencies")

	var errs []error

	if d.Watcher != nil {
		if err := d.Watcher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop config watcher: %w", err))
		}
	}

	// Drain queued records before the pool goes away
	if d.Writer != nil {
		timeout := writerStopTimeout
		if deadline, ok := ctx.Deadline(); ok {
			timeout = time.Until(deadline)
		}
		if err := d.Writer.Stop(timeout); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop request log writer: %w", err))
		}
	}

	if d.RepoFactory != nil {
		if err := d.RepoFactory.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database: %w", err))
		} else {
			d.Logger.Info("database connection closed")
		}
	}

	if d.Logger != nil {
		_ = d.Logger.Sync()
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors during shutdown: %v", errs)
	}

	return nil
}
