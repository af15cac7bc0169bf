package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/fuel-price-service/internal/models"
	"github.com/kjstillabower/fuel-price-service/internal/observability"
)

// PriceRefresher is implemented by the service layer. Refresh must scrape and
// overwrite the cache entry even while it is still live; otherwise a re-warm
// inside the TTL would not extend it. Declared here so the warmer does not
// import the service package.
type PriceRefresher interface {
	Refresh(ctx context.Context, region string) (models.PriceQuote, error)
}

// CacheWarmer keeps quotes for a fixed set of regions in the cache. With a
// re-warm interval shorter than the TTL, requests for those regions never miss.
type CacheWarmer struct {
	refresher   PriceRefresher
	logger      *zap.Logger
	concurrency int
}

// NewCacheWarmer creates a CacheWarmer. concurrency bounds parallel scrapes;
// values below 1 mean one at a time.
func NewCacheWarmer(refresher PriceRefresher, logger *zap.Logger, concurrency int) *CacheWarmer {
	if concurrency < 1 {
		concurrency = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CacheWarmer{refresher: refresher, logger: logger, concurrency: concurrency}
}

// Warm refreshes each region. "" warms the national average.
// Returns the joined per-region errors, if any.
func (w *CacheWarmer) Warm(ctx context.Context, regions []string) error {
	start := time.Now()
	observability.CacheWarmingTotal.Inc()
	w.logger.Info("warming cache", zap.Int("regions", len(regions)))

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	sem := make(chan struct{}, w.concurrency)
	for _, region := range regions {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			mu.Lock()
			errs = append(errs, ctx.Err())
			mu.Unlock()
			wg.Wait()
			return w.finish(start, len(regions), errs)
		}
		wg.Add(1)
		go func(region string) {
			defer wg.Done()
			defer func() { <-sem }()
			if _, err := w.refresher.Refresh(ctx, region); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("warm %q: %w", region, err))
				mu.Unlock()
			}
		}(region)
	}
	wg.Wait()
	return w.finish(start, len(regions), errs)
}

func (w *CacheWarmer) finish(start time.Time, n int, errs []error) error {
	duration := time.Since(start).Seconds()
	observability.CacheWarmingDurationSeconds.Observe(duration)
	w.logger.Info("cache warming complete",
		zap.Int("regions", n),
		zap.Int("errors", len(errs)),
		zap.Float64("duration_seconds", duration),
	)
	if len(errs) > 0 {
		observability.CacheWarmingErrorsTotal.Inc()
		return fmt.Errorf("cache warming: %w", errors.Join(errs...))
	}
	return nil
}

// WarmPeriodic runs an initial Warm, then refreshes at interval until ctx is done.
func (w *CacheWarmer) WarmPeriodic(ctx context.Context, regions []string, interval time.Duration) error {
	if err := w.Warm(ctx, regions); err != nil {
		w.logger.Warn("initial cache warm failed", zap.Error(err))
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.Warm(ctx, regions); err != nil {
				w.logger.Warn("periodic cache warm failed", zap.Error(err))
			}
		}
	}
}
