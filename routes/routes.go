package routes

import (
	"database/sql"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/upb/rainymodel/app"
	"github.com/upb/rainymodel/handlers"
	"github.com/upb/rainymodel/middleware"
)

// SetupRoutes configures all application routes and middleware
func SetupRoutes(deps *app.Dependencies) http.Handler {
	r := chi.NewRouter()
	logger := deps.Logger

	// Core middleware
	r.Use(middleware.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(logger))
	r.Use(chimw.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: deps.Config.Server.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", middleware.RequestIDHeader, handlers.PolicyHeader},
		ExposedHeaders: []string{
			middleware.RequestIDHeader,
			handlers.HeaderRoute,
			handlers.HeaderUpstream,
			handlers.HeaderModel,
			handlers.HeaderLatencyMs,
			handlers.HeaderFallbackReason,
			handlers.HeaderTried,
			handlers.HeaderPolicy,
		},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	var db *sql.DB
	if deps.DB != nil {
		db = deps.DB.DB
	}
	health := handlers.NewHealthHandler(db, deps.Routing, logger)
	models := handlers.NewModelsHandler(deps.Routing, logger)
	inference := handlers.NewInferenceHandler(deps.Inference, deps.Config.Server.RequestTimeout, logger)
	dashboard := newDashboardHandler(deps)

	// Health check endpoints
	r.Get("/", health.HandleRoot)
	r.Get("/health", health.HandleHealth)
	r.Get("/healthz", health.HandleHealth)
	r.Get("/readyz", health.HandleReadiness)

	// SSO browser flow
	authHandler := deps.AuthHandler()
	r.Route("/auth", func(r chi.Router) {
		r.Get("/login", authHandler.HandleLogin)
		r.Get("/callback", authHandler.HandleCallback)
		r.Get("/logout", authHandler.HandleLogout)
	})

	// OpenAI-compatible API
	r.Route("/v1", func(r chi.Router) {
		r.Use(deps.AuthMiddleware.RequireAuth)
		r.Get("/models", models.HandleListModels)
		r.Post("/chat/completions", inference.HandleChatCompletion)
	})

	// Dashboard data
	r.Route("/dashboard/api", func(r chi.Router) {
		r.Use(deps.AuthMiddleware.RequireDashboardKey)
		r.Get("/overview", dashboard.HandleOverview)
		r.Get("/providers", dashboard.HandleProviders)
		r.Get("/models", dashboard.HandleModels)
		r.Get("/financial", dashboard.HandleFinancial)
		r.Get("/timeseries", dashboard.HandleTimeseries)
		r.Get("/errors", dashboard.HandleErrors)
		r.Get("/policies", dashboard.HandlePolicies)
		r.Get("/fallbacks", dashboard.HandleFallbacks)
		r.Get("/request-log", dashboard.HandleRequestLog)
		r.Get("/storage", dashboard.HandleStorage)
	})

	// 404 handler
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"endpoint not found"}`))
	})

	return r
}

// newDashboardHandler keeps absent store components as nil interfaces
func newDashboardHandler(deps *app.Dependencies) *handlers.DashboardHandler {
	var (
		store  handlers.RequestLogReader
		writer handlers.WriterStatser
	)
	if deps.RequestLogs != nil {
		store = deps.RequestLogs
	}
	if deps.Writer != nil {
		writer = deps.Writer
	}
	return handlers.NewDashboardHandler(deps.Collector, store, writer, deps.Logger)
}
