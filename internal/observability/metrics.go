package observability

import (
	"net/http"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry *prometheus.Registry

	// HTTP request rate. Watch for: sudden drops (service down) or spikes (traffic surge).
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTP request latency per request. Watch for: p95 close to the upstream timeout.
	HTTPRequestDuration *prometheus.HistogramVec

	// Concurrent requests in flight. Watch for: saturation while upstream is slow.
	HTTPRequestsInFlight prometheus.Gauge

	// Handler panics converted to 500. Should stay at zero.
	HTTPPanicsTotal prometheus.Counter

	// In-flight requests when shutdown started.
	ShutdownInFlightRequests prometheus.Gauge

	// Upstream page fetches by outcome (success, client_error, server_error, error).
	UpstreamFetchesTotal *prometheus.CounterVec

	// Upstream latency. Watch for: p99 approaching the 10s fetch timeout.
	UpstreamFetchDuration *prometheus.HistogramVec

	// Upstream fetch failures by category (timeout, network, upstream_status, circuit_open, ...).
	UpstreamErrorsTotal *prometheus.CounterVec

	// Extractor fields that fell back to defaults. A jump for every field usually means the page layout changed.
	ExtractorFallbacksTotal *prometheus.CounterVec

	// Cache hits and misses. Hit rate = hits/(hits+misses).
	CacheHitsTotal   *prometheus.CounterVec
	CacheMissesTotal *prometheus.CounterVec

	// Cache backend failures; requests still succeed (treated as miss / skipped write).
	CacheErrorsTotal *prometheus.CounterVec

	// Cache get/set latency by result.
	CacheOperationDurationSeconds *prometheus.HistogramVec

	// Concurrent misses on the same key (duplicate upstream fetches).
	CacheStampedeDetectedTotal *prometheus.CounterVec

	CacheWarmingTotal           prometheus.Counter
	CacheWarmingErrorsTotal     prometheus.Counter
	CacheWarmingDurationSeconds prometheus.Histogram

	CircuitBreakerTransitionsTotal *prometheus.CounterVec
	CircuitBreakerState            *prometheus.GaugeVec

	// Total price lookups. Watch for: traffic volume, rate() for QPS.
	PriceQueriesTotal prometheus.Counter

	// Per-region query count (allow-list; others go to "other").
	PriceQueriesByRegionTotal *prometheus.CounterVec

	// trackedRegions is built from config; used to resolve region labels for metrics.
	trackedRegionsMu sync.RWMutex
	trackedRegions   map[string]struct{}
)

func init() {
	registry = prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpRequestsTotal",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "statusCode"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "httpRequestDurationSeconds",
			Help:    "HTTP request latency in seconds (per request)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	HTTPRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "httpRequestsInFlight",
			Help: "Number of HTTP requests currently being served",
		},
	)
	HTTPPanicsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "httpPanicsTotal",
			Help: "Total number of handler panics recovered into 500 responses",
		},
	)
	UpstreamFetchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upstreamFetchesTotal",
			Help: "Total number of upstream price page fetches",
		},
		[]string{"status"},
	)
	UpstreamFetchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "upstreamFetchDurationSeconds",
			Help:    "Upstream price page latency in seconds (per request)",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"status"},
	)
	UpstreamErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upstreamErrorsTotal",
			Help: "Upstream fetch failures by category; the response falls back to default prices",
		},
		[]string{"category"},
	)
	ExtractorFallbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "extractorFallbacksTotal",
			Help: "Price fields filled with defaults, by field and reason",
		},
		[]string{"field", "reason"},
	)
	CacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheHitsTotal",
			Help: "Total number of cache hits",
		},
		[]string{"cacheType"},
	)
	CacheMissesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheMissesTotal",
			Help: "Total number of cache misses (including cache errors treated as misses)",
		},
		[]string{"cacheType"},
	)
	CacheErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheErrorsTotal",
			Help: "Cache backend errors by operation and category",
		},
		[]string{"operation", "category"},
	)
	CacheOperationDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cacheOperationDurationSeconds",
			Help:    "Cache operation latency in seconds",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5},
		},
		[]string{"operation", "result"},
	)
	CacheStampedeDetectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheStampedeDetectedTotal",
			Help: "Cache misses that overlapped another in-progress miss for the same key",
		},
		[]string{"region"},
	)
	CacheWarmingTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cacheWarmingTotal",
			Help: "Total number of cache warming runs",
		},
	)
	CacheWarmingErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cacheWarmingErrorsTotal",
			Help: "Cache warming runs with at least one failed region",
		},
	)
	CacheWarmingDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cacheWarmingDurationSeconds",
			Help:    "Cache warming run duration in seconds",
			Buckets: []float64{.5, 1, 2.5, 5, 10, 30, 60},
		},
	)
	CircuitBreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuitBreakerTransitionsTotal",
			Help: "Circuit breaker state transitions",
		},
		[]string{"component", "from", "to"},
	)
	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuitBreakerState",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half_open)",
		},
		[]string{"component"},
	)
	ShutdownInFlightRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "shutdownInFlightRequests",
			Help: "Requests still in flight when graceful shutdown began",
		},
	)
	PriceQueriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "priceQueriesTotal",
			Help: "Total number of fuel price lookups",
		},
	)
	PriceQueriesByRegionTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "priceQueriesByRegionTotal",
			Help: "Fuel price queries by region (allow-list; others use region=other)",
		},
		[]string{"region"},
	)

	registry.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight, HTTPPanicsTotal, ShutdownInFlightRequests,
		UpstreamFetchesTotal, UpstreamFetchDuration, UpstreamErrorsTotal,
		ExtractorFallbacksTotal,
		CacheHitsTotal, CacheMissesTotal, CacheErrorsTotal, CacheOperationDurationSeconds,
		CacheStampedeDetectedTotal,
		CacheWarmingTotal, CacheWarmingErrorsTotal, CacheWarmingDurationSeconds,
		CircuitBreakerTransitionsTotal, CircuitBreakerState,
		PriceQueriesTotal, PriceQueriesByRegionTotal,
	)
}

// SetTrackedRegions sets the allow-list for region metrics. Non-tracked regions increment "other".
// The national average is always tracked under "average".
func SetTrackedRegions(regions []string) {
	trackedRegionsMu.Lock()
	defer trackedRegionsMu.Unlock()
	trackedRegions = make(map[string]struct{}, len(regions))
	for _, r := range regions {
		trackedRegions[strings.TrimSpace(r)] = struct{}{}
	}
}

// MetricRegionLabel maps a region to a bounded label value.
func MetricRegionLabel(region string) string {
	region = strings.TrimSpace(region)
	if region == "" {
		return "average"
	}
	trackedRegionsMu.RLock()
	_, ok := trackedRegions[region] // nil map read is safe in Go
	trackedRegionsMu.RUnlock()
	if ok {
		return region
	}
	return "other"
}

// RecordPriceQuery records a price query for the given region ("" for national average).
func RecordPriceQuery(region string) {
	PriceQueriesTotal.Inc()
	PriceQueriesByRegionTotal.WithLabelValues(MetricRegionLabel(region)).Inc()
}

// RecordShutdownInFlight records how many requests were in flight at shutdown.
func RecordShutdownInFlight(n int64) {
	ShutdownInFlightRequests.Set(float64(n))
}

// RecordCircuitBreakerTransition counts a breaker state change for component.
func RecordCircuitBreakerTransition(component, from, to string) {
	CircuitBreakerTransitionsTotal.WithLabelValues(component, from, to).Inc()
}

// SetCircuitBreakerStateGauge sets the current breaker state value for component.
func SetCircuitBreakerStateGauge(component string, value float64) {
	CircuitBreakerState.WithLabelValues(component).Set(value)
}

// CircuitBreakerStateValue converts a breaker state ordinal to the gauge value.
func CircuitBreakerStateValue(state int) float64 {
	return float64(state)
}

// MetricsHandler returns an http.Handler that serves application and runtime metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
