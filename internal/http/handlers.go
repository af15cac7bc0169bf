package http

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/fuel-price-service/internal/models"
	"github.com/kjstillabower/fuel-price-service/internal/observability"
	"github.com/kjstillabower/fuel-price-service/internal/regions"
	"github.com/kjstillabower/fuel-price-service/internal/traffic"
	"github.com/kjstillabower/fuel-price-service/internal/validation"
)

const (
	ServiceName = "fuel-price-service"
	Version     = "1.0.0"
	apiMessage  = "FAIR DRIVE Gas Price API"
)

// PriceGetter is the service operation the handlers need.
type PriceGetter interface {
	GetPrice(ctx context.Context, region string) (models.PriceQuote, error)
}

// HealthConfig holds the inputs for GET /health.
type HealthConfig struct {
	// CacheAvailable is the startup decision: false means the service runs without a cache.
	CacheAvailable bool
	// CachePing, when set, is called to report live cache reachability.
	CachePing func(ctx context.Context) error
	// Outcomes is the scrape outcome tracker; nil uses the process tracker.
	Outcomes *traffic.Tracker
	// DegradedWindow and DegradedFallbackPct report the upstream as degraded when more
	// than DegradedFallbackPct percent of scrapes in the window used default prices.
	DegradedWindow      time.Duration
	DegradedFallbackPct float64
	DegradedMinSamples  int
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	prices           PriceGetter
	healthConfig     *HealthConfig
	logger           *zap.Logger
	maxRegionLen     int
	healthStatusMu   sync.Mutex
	healthStatusPrev string
	draining         atomic.Bool
}

// NewHandler returns a new Handler. maxRegionLen <= 0 uses validation.DefaultMaxRegionLen.
func NewHandler(prices PriceGetter, healthConfig *HealthConfig, logger *zap.Logger, maxRegionLen int) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if healthConfig == nil {
		healthConfig = &HealthConfig{}
	}
	return &Handler{
		prices:       prices,
		healthConfig: healthConfig,
		logger:       logger,
		maxRegionLen: maxRegionLen,
	}
}

// BeginShutdown switches /health to 503 so load balancers stop routing here
// while in-flight requests drain. There is no way back.
func (h *Handler) BeginShutdown() {
	h.draining.Store(true)
}

// ShuttingDown reports whether BeginShutdown has been called.
func (h *Handler) ShuttingDown() bool {
	return h.draining.Load()
}

// Root handles GET /.
func (h *Handler) Root(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"message": apiMessage,
		"name":    ServiceName,
		"version": Version,
	})
}

// GetGasPrices handles GET /api/gas-prices?region=<name>. The "prefecture"
// parameter is accepted as an alias; a missing or empty region means the
// national average.
func (h *Handler) GetGasPrices(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	raw := q.Get("region")
	if _, ok := q["region"]; !ok {
		raw = q.Get("prefecture")
	}

	region, err := validation.ValidateRegion(raw, h.maxRegionLen)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_REGION", err.Error())
		return
	}
	if region != "" && !regions.Known(region) {
		h.requestLogger(r).Info("region not in prefecture list, forwarding as-is", zap.String("region", region))
	}

	quote, err := h.prices.GetPrice(r.Context(), region)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

func (h *Handler) requestLogger(r *http.Request) *zap.Logger {
	if logger := observability.LoggerFromContext(r.Context()); logger != nil {
		return logger
	}
	return h.logger
}

// GetRegions handles GET /api/regions.
func (h *Handler) GetRegions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"regions": regions.All()})
}

// GetPrefectures handles GET /api/prefectures, the route older clients use.
func (h *Handler) GetPrefectures(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"prefectures": regions.All()})
}

type healthResponse struct {
	Status         string            `json:"status"`
	Service        string            `json:"service"`
	Version        string            `json:"version"`
	CacheAvailable bool              `json:"cache_available"`
	Checks         map[string]string `json:"checks"`
	Timestamp      string            `json:"timestamp"`
}

// GetHealth handles GET /health. It answers 200 while serving, including when
// the cache is unavailable or the upstream is degraded, and 503 once shutdown
// has begun.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	cfg := h.healthConfig
	checks := map[string]string{
		"cache":    h.cacheCheck(r.Context()),
		"upstream": "healthy",
	}

	status, code := "healthy", http.StatusOK
	switch {
	case h.ShuttingDown():
		status, code = "shutting-down", http.StatusServiceUnavailable
	case h.upstreamDegraded():
		status = "degraded"
		checks["upstream"] = "degraded"
	}
	h.logTransition(status)

	writeJSON(w, code, healthResponse{
		Status:         status,
		Service:        ServiceName,
		Version:        Version,
		CacheAvailable: cfg.CacheAvailable,
		Checks:         checks,
		Timestamp:      time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) cacheCheck(ctx context.Context) string {
	cfg := h.healthConfig
	if !cfg.CacheAvailable {
		return "disabled"
	}
	if cfg.CachePing == nil {
		return "healthy"
	}
	pingCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := cfg.CachePing(pingCtx); err != nil {
		h.logger.Warn("cache ping failed", zap.Error(err))
		return "unhealthy"
	}
	return "healthy"
}

func (h *Handler) upstreamDegraded() bool {
	cfg := h.healthConfig
	if cfg.DegradedWindow <= 0 {
		return false
	}
	outcomes := cfg.Outcomes
	if outcomes == nil {
		outcomes = traffic.Default()
	}
	return outcomes.Degraded(cfg.DegradedWindow, cfg.DegradedFallbackPct, cfg.DegradedMinSamples)
}

func (h *Handler) logTransition(status string) {
	h.healthStatusMu.Lock()
	defer h.healthStatusMu.Unlock()
	if prev := h.healthStatusPrev; prev != "" && prev != status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", status))
	}
	h.healthStatusPrev = status
}

// writeJSON writes a JSON response with the specified HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes the standard error envelope with code, message and the
// request's correlation ID.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":      code,
			"message":   message,
			"requestId": observability.CorrelationIDFromContext(r.Context()),
		},
	})
}

// writeServiceError writes a 500 with a generic message; the cause is only logged.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	writeError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "Unable to fetch fuel prices")
	if logger := observability.LoggerFromContext(r.Context()); logger != nil {
		logger.Error("price lookup failed", zap.Error(err))
	}
}
