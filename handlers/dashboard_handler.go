package handlers

import (
	"context"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/upb/rainymodel/models"
	"github.com/upb/rainymodel/services"
	"github.com/upb/rainymodel/services/analytics"
	"github.com/upb/rainymodel/utils"
)

const (
	defaultLogLimit   = 200
	maxLogLimit       = 5000
	defaultBucketMins = 5
)

// RequestLogReader reads persisted request records
type RequestLogReader interface {
	ListRecent(ctx context.Context, limit int) ([]*models.RequestRecord, error)
	ListByAlias(ctx context.Context, alias string, limit int) ([]*models.RequestRecord, error)
}

// WriterStatser reports request-log writer counters
type WriterStatser interface {
	Stats() analytics.WriterStats
}

// DashboardHandler serves the analytics JSON API
type DashboardHandler struct {
	collector *analytics.Collector
	store     RequestLogReader // nil when no database is configured
	writer    WriterStatser    // nil when no database is configured
	logger    *zap.Logger
}

// NewDashboardHandler creates a new DashboardHandler
func NewDashboardHandler(collector *analytics.Collector, store RequestLogReader, writer WriterStatser, logger *zap.Logger) *DashboardHandler {
	return &DashboardHandler{
		collector: collector,
		store:     store,
		writer:    writer,
		logger:    logger,
	}
}

// HandleOverview handles GET /dashboard/api/overview
func (h *DashboardHandler) HandleOverview(w http.ResponseWriter, r *http.Request) {
	h.write(w, h.collector.Overview())
}

// HandleProviders handles GET /dashboard/api/providers
func (h *DashboardHandler) HandleProviders(w http.ResponseWriter, r *http.Request) {
	h.write(w, h.collector.Providers())
}

// HandleModels handles GET /dashboard/api/models
func (h *DashboardHandler) HandleModels(w http.ResponseWriter, r *http.Request) {
	h.write(w, h.collector.Models())
}

// HandleFinancial handles GET /dashboard/api/financial
func (h *DashboardHandler) HandleFinancial(w http.ResponseWriter, r *http.Request) {
	h.write(w, h.collector.Financial())
}

// HandleTimeseries handles GET /dashboard/api/timeseries?bucket=5
func (h *DashboardHandler) HandleTimeseries(w http.ResponseWriter, r *http.Request) {
	bucket, err := queryInt(r, "bucket", defaultBucketMins, 1, 24*60)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	h.write(w, h.collector.Timeseries(bucket))
}

// HandleErrors handles GET /dashboard/api/errors
func (h *DashboardHandler) HandleErrors(w http.ResponseWriter, r *http.Request) {
	h.write(w, h.collector.Errors())
}

// HandlePolicies handles GET /dashboard/api/policies
func (h *DashboardHandler) HandlePolicies(w http.ResponseWriter, r *http.Request) {
	h.write(w, h.collector.Policies())
}

// HandleFallbacks handles GET /dashboard/api/fallbacks
func (h *DashboardHandler) HandleFallbacks(w http.ResponseWriter, r *http.Request) {
	h.write(w, h.collector.Fallbacks())
}

// HandleRequestLog handles GET /dashboard/api/request-log?limit=200&alias=&source=db
// The default source is the in-memory collector; source=db reads the
// persisted request log.
func (h *DashboardHandler) HandleRequestLog(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", defaultLogLimit, 1, maxLogLimit)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	alias := r.URL.Query().Get("alias")

	if r.URL.Query().Get("source") == "db" {
		h.requestLogFromStore(w, r, alias, limit)
		return
	}

	var recs []models.RequestRecord
	if alias == "" {
		recs = h.collector.RequestLog(limit)
	} else {
		for _, rec := range h.collector.RequestLog(0) {
			if rec.Alias == alias {
				recs = append(recs, rec)
				if len(recs) == limit {
					break
				}
			}
		}
	}
	if recs == nil {
		recs = []models.RequestRecord{}
	}
	h.write(w, recs)
}

func (h *DashboardHandler) requestLogFromStore(w http.ResponseWriter, r *http.Request, alias string, limit int) {
	if h.store == nil {
		HandleServiceError(w, services.ErrStoreDisabled, h.logger)
		return
	}

	var (
		recs []*models.RequestRecord
		err  error
	)
	if alias == "" {
		recs, err = h.store.ListRecent(r.Context(), limit)
	} else {
		recs, err = h.store.ListByAlias(r.Context(), alias, limit)
	}
	if err != nil {
		HandleServiceError(w, services.ErrDatabaseError.Wrap(err), h.logger)
		return
	}
	if recs == nil {
		recs = []*models.RequestRecord{}
	}
	h.write(w, recs)
}

// HandleStorage handles GET /dashboard/api/storage
func (h *DashboardHandler) HandleStorage(w http.ResponseWriter, r *http.Request) {
	if h.writer == nil {
		h.write(w, map[string]interface{}{"enabled": false})
		return
	}
	h.write(w, map[string]interface{}{
		"enabled": true,
		"writer":  h.writer.Stats(),
	})
}

func (h *DashboardHandler) write(w http.ResponseWriter, data interface{}) {
	if err := utils.WriteJSON(w, http.StatusOK, data); err != nil {
		h.logger.Error("failed to write dashboard response", zap.Error(err))
	}
}

// queryInt parses an integer query parameter, falling back to def when
// absent and rejecting values outside [min, max]
func queryInt(r *http.Request, name string, def, min, max int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < min || v > max {
		return 0, services.ErrInvalidInput.
			WithDetail("parameter", name).
			WithDetail("min", min).
			WithDetail("max", max)
	}
	return v, nil
}
