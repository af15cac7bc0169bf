package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/fuel-price-service/internal/cache"
	"github.com/kjstillabower/fuel-price-service/internal/client"
	"github.com/kjstillabower/fuel-price-service/internal/extractor"
	"github.com/kjstillabower/fuel-price-service/internal/models"
	"github.com/kjstillabower/fuel-price-service/internal/observability"
	"github.com/kjstillabower/fuel-price-service/internal/traffic"
)

// DefaultTTL is how long a quote stays in the cache.
const DefaultTTL = 15 * time.Minute

// ErrNotConfigured is returned when the service has no upstream client.
var ErrNotConfigured = errors.New("price service: upstream client not configured")

// PriceService serves quotes cache-aside: cache first, then scrape and extract,
// then store. Scrape failures never surface as errors; they produce default prices.
type PriceService struct {
	client    client.PriceClient
	extractor *extractor.Extractor
	cache     cache.Cache // nil disables caching
	ttl       time.Duration
	scrapes   *scrapeTracker
	outcomes  *traffic.Tracker
}

// Lookup is a quote together with how it was produced. Result is the zero
// value on a cache hit.
type Lookup struct {
	Quote  models.PriceQuote
	Result extractor.Result
	Hit    bool
}

// NewPriceService creates a PriceService. A nil cache means every request
// scrapes; a nil extractor uses the built-in selectors; ttl <= 0 uses DefaultTTL.
func NewPriceService(c client.PriceClient, ext *extractor.Extractor, store cache.Cache, ttl time.Duration) *PriceService {
	if ext == nil {
		ext = extractor.New()
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &PriceService{
		client:    c,
		extractor: ext,
		cache:     store,
		ttl:       ttl,
		scrapes:   newScrapeTracker(),
		outcomes:  traffic.Default(),
	}
}

// SetOutcomeTracker replaces the tracker that records scrape outcomes for health.
func (s *PriceService) SetOutcomeTracker(t *traffic.Tracker) {
	if t != nil {
		s.outcomes = t
	}
}

// CacheEnabled reports whether a cache store is configured.
func (s *PriceService) CacheEnabled() bool {
	return s.cache != nil
}

// GetPrice returns the quote for region ("" for the national average).
func (s *PriceService) GetPrice(ctx context.Context, region string) (models.PriceQuote, error) {
	l, err := s.Lookup(ctx, region)
	if err != nil {
		return models.PriceQuote{}, err
	}
	return l.Quote, nil
}

// Lookup is GetPrice with the extraction details attached.
func (s *PriceService) Lookup(ctx context.Context, region string) (Lookup, error) {
	if s.client == nil {
		return Lookup{}, ErrNotConfigured
	}

	key := cache.Key(region)
	start := time.Now()
	logger := loggerFrom(ctx)
	observability.RecordPriceQuery(region)

	if s.cache != nil {
		if cached, ok := s.cacheGet(ctx, logger, key); ok {
			cached.Cached = true
			logger.Debug("price served",
				zap.String("key", key),
				zap.Bool("cached", true),
				zap.Duration("duration", time.Since(start)),
			)
			return Lookup{Quote: cached, Hit: true}, nil
		}
	}

	logger.Debug("cache miss, scraping upstream", zap.String("key", key))
	res, fetchErr := s.scrape(ctx, logger, region, key)

	quote := res.Quote
	quote.Cached = false
	switch {
	case s.cache == nil:
	case fetchErr != nil && ctx.Err() != nil:
		// The caller went away; the defaults say nothing about the upstream.
		logger.Debug("request cancelled during scrape, not caching defaults", zap.String("key", key), zap.Error(ctx.Err()))
	default:
		s.cacheSet(context.WithoutCancel(ctx), logger, key, quote)
	}

	logger.Debug("price served",
		zap.String("key", key),
		zap.Bool("cached", false),
		zap.Duration("duration", time.Since(start)),
	)
	return Lookup{Quote: quote, Result: res}, nil
}

// Refresh scrapes region and overwrites its cache entry without reading the
// cache first. A failed scrape returns the fetch error and leaves the current
// entry in place, so a live quote is never replaced by defaults.
func (s *PriceService) Refresh(ctx context.Context, region string) (models.PriceQuote, error) {
	if s.client == nil {
		return models.PriceQuote{}, ErrNotConfigured
	}

	key := cache.Key(region)
	logger := loggerFrom(ctx)
	res, fetchErr := s.scrape(ctx, logger, region, key)
	if fetchErr != nil {
		return models.PriceQuote{}, fmt.Errorf("scrape %s: %w", key, fetchErr)
	}
	quote := res.Quote
	quote.Cached = false
	if s.cache != nil {
		s.cacheSet(ctx, logger, key, quote)
	}
	return quote, nil
}

// scrape fetches and extracts region. On a fetch error the result holds the
// default quote and the error is returned alongside it. Scrapes aborted by
// ctx are not counted toward upstream health.
func (s *PriceService) scrape(ctx context.Context, logger *zap.Logger, region, key string) (extractor.Result, error) {
	_, done := s.scrapes.begin(region)
	defer done()

	body, fetchErr := s.client.Fetch(ctx, region)
	if fetchErr != nil {
		res := s.extractor.ExtractFailure(region, fetchErr)
		if ctx.Err() != nil {
			return res, fetchErr
		}
		logger.Warn("upstream fetch failed, using default prices",
			zap.String("key", key),
			zap.String("category", string(client.CategorizeError(fetchErr))),
			zap.Error(fetchErr),
		)
		s.recordOutcome(logger, key, res)
		return res, fetchErr
	}
	res := s.extractor.Extract(body, region)
	s.recordOutcome(logger, key, res)
	return res, nil
}

func loggerFrom(ctx context.Context) *zap.Logger {
	if logger := observability.LoggerFromContext(ctx); logger != nil {
		return logger
	}
	return zap.NewNop()
}

func (s *PriceService) cacheGet(ctx context.Context, logger *zap.Logger, key string) (models.PriceQuote, bool) {
	getStart := time.Now()
	cached, ok, err := s.cache.Get(ctx, key)
	getDuration := time.Since(getStart).Seconds()
	switch {
	case err != nil:
		observability.CacheErrorsTotal.WithLabelValues("get", categorizeCacheError(err)).Inc()
		observability.CacheOperationDurationSeconds.WithLabelValues("get", "error").Observe(getDuration)
		logger.Warn("cache get failed, treating as miss", zap.String("key", key), zap.Error(err))
		return models.PriceQuote{}, false
	case ok:
		observability.CacheOperationDurationSeconds.WithLabelValues("get", "success").Observe(getDuration)
		observability.CacheHitsTotal.WithLabelValues("price").Inc()
		return cached, true
	default:
		observability.CacheOperationDurationSeconds.WithLabelValues("get", "success").Observe(getDuration)
		observability.CacheMissesTotal.WithLabelValues("price").Inc()
		return models.PriceQuote{}, false
	}
}

func (s *PriceService) cacheSet(ctx context.Context, logger *zap.Logger, key string, quote models.PriceQuote) {
	setStart := time.Now()
	if err := s.cache.Set(ctx, key, quote, s.ttl); err != nil {
		observability.CacheErrorsTotal.WithLabelValues("set", categorizeCacheError(err)).Inc()
		observability.CacheOperationDurationSeconds.WithLabelValues("set", "error").Observe(time.Since(setStart).Seconds())
		logger.Warn("cache set failed", zap.String("key", key), zap.Error(err))
		return
	}
	observability.CacheOperationDurationSeconds.WithLabelValues("set", "success").Observe(time.Since(setStart).Seconds())
}

// recordOutcome feeds fallback metrics and the health tracker.
func (s *PriceService) recordOutcome(logger *zap.Logger, key string, res extractor.Result) {
	if res.FullyScraped() {
		s.outcomes.RecordScraped()
		return
	}
	s.outcomes.RecordFallback()

	reason := "fetch_error"
	fallbacks := res.Fallbacks()
	for _, f := range fallbacks {
		if res.FetchErr == nil {
			reason = outcomeReason(res.Fields[f].Err)
		}
		observability.ExtractorFallbacksTotal.WithLabelValues(string(f), reason).Inc()
	}
	if res.FetchErr == nil && len(fallbacks) > 0 {
		names := make([]string, len(fallbacks))
		for i, f := range fallbacks {
			names[i] = string(f)
		}
		logger.Info("default prices used for unparsed fields",
			zap.String("key", key),
			zap.Strings("fields", names),
		)
	}
}

func outcomeReason(err error) string {
	switch {
	case errors.Is(err, extractor.ErrNoMatch):
		return "no_match"
	case errors.Is(err, extractor.ErrNoNumber):
		return "no_number"
	default:
		return "parse_error"
	}
}

// categorizeCacheError returns a stable label for cache error metrics (timeout, connection, unknown).
func categorizeCacheError(err error) string {
	if err == nil {
		return "unknown"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	errStr := err.Error()
	if strings.Contains(errStr, "timeout") {
		return "timeout"
	}
	if strings.Contains(errStr, "connection") || strings.Contains(errStr, "network") || strings.Contains(errStr, "dial") {
		return "connection"
	}
	return "unknown"
}
