package handlers

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/upb/rainymodel/config"
	"github.com/upb/rainymodel/services/routing"
	"github.com/upb/rainymodel/utils"
)

// CatalogSource exposes the active deployment catalog
type CatalogSource interface {
	Catalog() *routing.Catalog
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Version string `json:"version"`
}

// ReadinessResponse represents the readiness check response
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// ServiceInfo is returned by GET /
type ServiceInfo struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Version     string            `json:"version"`
	Upstreams   []string          `json:"providers"`
	Endpoints   map[string]string `json:"endpoints"`
}

// HealthHandler handles health-related HTTP requests
type HealthHandler struct {
	db      *sql.DB
	catalog CatalogSource
	logger  *zap.Logger
}

// NewHealthHandler creates a new HealthHandler. db is nil when the request
// log store is not configured.
func NewHealthHandler(db *sql.DB, catalog CatalogSource, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{
		db:      db,
		catalog: catalog,
		logger:  logger,
	}
}

// HandleHealth handles GET /health and GET /healthz
// Basic health check - always returns 200 if service is running
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	_ = utils.WriteJSON(w, http.StatusOK, HealthResponse{
		Status:  "healthy",
		Service: config.ServiceName,
		Version: config.Version,
	})
}

// HandleReadiness handles GET /readyz
// Ready once a catalog is loaded and the optional database answers
func (h *HealthHandler) HandleReadiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	if cat := h.catalog.Catalog(); cat == nil {
		checks["catalog"] = "not_loaded"
		allHealthy = false
	} else {
		checks["catalog"] = "loaded"
	}

	switch err := h.checkDatabase(ctx); {
	case h.db == nil:
		checks["database"] = "disabled"
	case err != nil:
		h.logger.Warn("database health check failed", zap.Error(err))
		checks["database"] = "unhealthy"
		allHealthy = false
	default:
		checks["database"] = "healthy"
	}

	status := "ready"
	httpStatus := http.StatusOK
	if !allHealthy {
		status = "not_ready"
		httpStatus = http.StatusServiceUnavailable
	}

	response := ReadinessResponse{
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Checks:    checks,
	}

	if err := utils.WriteJSON(w, httpStatus, utils.SuccessResponse{Data: response}); err != nil {
		h.logger.Error("failed to write readiness response", zap.Error(err))
	}
}

// HandleRoot handles GET /
func (h *HealthHandler) HandleRoot(w http.ResponseWriter, r *http.Request) {
	var upstreams []string
	if cat := h.catalog.Catalog(); cat != nil {
		upstreams = cat.Upstreams()
	}
	_ = utils.WriteJSON(w, http.StatusOK, ServiceInfo{
		Name:        "RainyModel",
		Description: "Intelligent LLM routing proxy for the Orcest AI ecosystem",
		Version:     config.Version,
		Upstreams:   upstreams,
		Endpoints: map[string]string{
			"models":           "/v1/models",
			"chat_completions": "/v1/chat/completions",
			"health":           "/health",
			"dashboard":        "/dashboard/api/overview",
		},
	})
}

// checkDatabase checks database connectivity
func (h *HealthHandler) checkDatabase(ctx context.Context) error {
	if h.db == nil {
		return nil
	}

	if err := h.db.PingContext(ctx); err != nil {
		return err
	}

	var result int
	return h.db.QueryRowContext(ctx, "SELECT 1").Scan(&result)
}
