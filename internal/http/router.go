package http

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kjstillabower/fuel-price-service/internal/observability"
)

// RouterConfig configures NewRouter.
type RouterConfig struct {
	// RequestTimeout bounds /api requests; 0 disables the deadline.
	RequestTimeout time.Duration
	// AllowedOrigins for CORS; empty uses DefaultAllowedOrigins.
	AllowedOrigins []string
}

// NewRouter registers all routes and middleware and returns the root handler.
func NewRouter(h *Handler, logger *zap.Logger, cfg RouterConfig) http.Handler {
	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(logger))
	router.Use(MetricsMiddleware)
	router.Use(RecoveryMiddleware(logger))

	router.HandleFunc("/", h.Root).Methods(http.MethodGet)
	router.HandleFunc("/health", h.GetHealth).Methods(http.MethodGet)
	router.Handle("/metrics", observability.MetricsHandler())

	api := router.PathPrefix("/api").Subrouter()
	api.Use(TimeoutMiddleware(cfg.RequestTimeout))
	api.HandleFunc("/gas-prices", h.GetGasPrices).Methods(http.MethodGet)
	api.HandleFunc("/regions", h.GetRegions).Methods(http.MethodGet)
	api.HandleFunc("/prefectures", h.GetPrefectures).Methods(http.MethodGet)

	return CORS(cfg.AllowedOrigins)(router)
}
