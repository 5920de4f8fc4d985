package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/upb/rainymodel/app"
	"github.com/upb/rainymodel/config"
	"github.com/upb/rainymodel/internal/observability"
	"github.com/upb/rainymodel/repositories/postgres"
	"github.com/upb/rainymodel/routes"
	"github.com/upb/rainymodel/services/routing"
)

const (
	exitRuntime = 1
	exitUsage   = 2
)

type cliError struct {
	code int
	err  error
}

func (e cliError) Error() string { return e.err.Error() }

func main() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		var ce cliError
		if errors.As(err, &ce) {
			fmt.Fprintln(os.Stderr, ce.err)
			os.Exit(ce.code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitRuntime)
	}
}

// loadConfig reads the environment; an explicit --config wins over LITELLM_CONFIG_PATH
var loadConfig = func(ctx context.Context, configPath string) (*config.Config, error) {
	if configPath != "" {
		os.Setenv("LITELLM_CONFIG_PATH", configPath)
	}
	return config.New(ctx)
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           config.ServiceName,
		Short:         "OpenAI-compatible inference router with tiered fallback",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "deployment list (default $LITELLM_CONFIG_PATH)")

	root.AddCommand(newServeCommand(&configPath))
	root.AddCommand(newPlanCommand(&configPath))
	root.AddCommand(newPruneCommand(&configPath))
	root.AddCommand(newVersionCommand())
	return root
}

func newServeCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP proxy",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, err := loadConfig(ctx, *configPath)
			if err != nil {
				return cliError{code: exitUsage, err: err}
			}
			logger, err := observability.NewLogger(cfg.Observability)
			if err != nil {
				return cliError{code: exitUsage, err: err}
			}
			return serve(ctx, cfg, logger)
		},
	}
}

// serve blocks until ctx is cancelled, then drains in-flight requests
func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	deps, err := app.NewDependencies(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize dependencies", zap.Error(err))
		return err
	}
	if err := deps.StartWatcher(ctx); err != nil {
		logger.Warn("config hot reload disabled", zap.Error(err))
	}

	srv := &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      routes.SetupRoutes(deps),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("rainymodel listening",
			zap.String("addr", srv.Addr),
			zap.String("version", config.Version),
			zap.String("environment", cfg.Environment))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			_ = deps.Close(context.Background())
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := srv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("server shutdown: %w", err))
	}
	if err := deps.Close(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func newPlanCommand(configPath *string) *cobra.Command {
	var policy string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "plan [alias]",
		Short: "Print the attempt order for an alias and policy without calling any upstream",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd.Context(), *configPath)
			if err != nil {
				return cliError{code: exitUsage, err: err}
			}

			svc := routing.NewRoutingService(routing.RoutingConfig{
				ConfigPath:     cfg.Routing.ConfigPath,
				DefaultAlias:   cfg.Routing.DefaultAlias,
				DefaultTimeout: cfg.Routing.DefaultTimeout,
				InternalHosts:  cfg.Routing.InternalHosts,
			}, zap.NewNop())
			if _, err := svc.Load(); err != nil {
				return err
			}

			alias := ""
			if len(args) == 1 {
				alias = args[0]
			}
			plan, err := svc.PlanFor(svc.NormalizeAlias(alias), policy)
			if err != nil {
				return err
			}
			if asJSON {
				return writePlanJSON(cmd.OutOrStdout(), plan)
			}
			return writePlan(cmd.OutOrStdout(), plan)
		},
	}
	cmd.Flags().StringVar(&policy, "policy", string(routing.PolicyAuto), "routing policy (auto, uncensored, premium, free)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the plan as JSON")
	return cmd
}

type planStep struct {
	Order    int    `json:"order"`
	Provider string `json:"provider"`
	Tier     string `json:"tier"`
	Upstream string `json:"upstream"`
	Model    string `json:"model"`
	Timeout  string `json:"timeout"`
	Skipped  bool   `json:"skipped,omitempty"`
}

type planOutput struct {
	Alias     string     `json:"alias"`
	Requested string     `json:"requested_policy"`
	Effective string     `json:"policy"`
	Steps     []planStep `json:"steps"`
}

func describePlan(plan routing.Plan) planOutput {
	out := planOutput{
		Alias:     plan.Alias,
		Requested: plan.Requested.String(),
		Effective: plan.Effective.String(),
	}
	attempts := len(plan.Attempts())
	for i, c := range plan.Candidates {
		out.Steps = append(out.Steps, planStep{
			Order:    i + 1,
			Provider: c.ProviderID(),
			Tier:     string(c.Tier),
			Upstream: c.Upstream,
			Model:    c.Deployment.Model,
			Timeout:  c.Deployment.Timeout.String(),
			Skipped:  i >= attempts,
		})
	}
	return out
}

func writePlanJSON(w io.Writer, plan routing.Plan) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(describePlan(plan))
}

func writePlan(w io.Writer, plan routing.Plan) error {
	out := describePlan(plan)
	policy := out.Effective
	if out.Requested != out.Effective {
		policy = fmt.Sprintf("%s (requested %s)", out.Effective, out.Requested)
	}
	fmt.Fprintf(w, "alias: %s\npolicy: %s\n\n", out.Alias, policy)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tPROVIDER\tTIER\tUPSTREAM\tMODEL\tTIMEOUT\t")
	for _, s := range out.Steps {
		order := fmt.Sprint(s.Order)
		if s.Skipped {
			order += "*"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t\n", order, s.Provider, s.Tier, s.Upstream, s.Model, s.Timeout)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if len(plan.Attempts()) < len(plan.Candidates) {
		fmt.Fprintln(w, "\n* not attempted under this policy")
	}
	return nil
}

func newPruneCommand(configPath *string) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete persisted request records older than a cutoff",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if olderThan <= 0 {
				return cliError{code: exitUsage, err: errors.New("--older-than must be positive")}
			}
			cfg, err := loadConfig(cmd.Context(), *configPath)
			if err != nil {
				return cliError{code: exitUsage, err: err}
			}
			if !cfg.Database.Enabled() {
				return cliError{code: exitUsage, err: errors.New("request log store not configured (set DATABASE_URL)")}
			}

			factory, err := postgres.NewRepositoryFactory(cmd.Context(), cfg.Database, zap.NewNop())
			if err != nil {
				return err
			}
			defer factory.Close()
			logs := factory.NewRepositories().RequestLogs

			cutoff := time.Now().Add(-olderThan)
			deleted, err := logs.DeleteBefore(cmd.Context(), cutoff)
			if err != nil {
				return err
			}
			kept, err := logs.CountSince(cmd.Context(), cutoff)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d records before %s, %d kept\n",
				deleted, cutoff.UTC().Format(time.RFC3339), kept)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "age cutoff")
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), strings.Join([]string{config.ServiceName, config.Version}, " "))
		},
	}
}
