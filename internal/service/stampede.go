package service

import (
	"sync"

	"github.com/kjstillabower/fuel-price-service/internal/cache"
	"github.com/kjstillabower/fuel-price-service/internal/observability"
)

// scrapeTracker counts scrapes in progress per cache key. Concurrent misses
// on one key are allowed; a second scrape of the same key only bumps
// cacheStampedeDetectedTotal.
type scrapeTracker struct {
	mu       sync.Mutex
	inFlight map[string]int
}

func newScrapeTracker() *scrapeTracker {
	return &scrapeTracker{inFlight: make(map[string]int)}
}

// begin registers a scrape of region and returns the number of scrapes now
// running for its key plus the func that ends this one.
func (st *scrapeTracker) begin(region string) (int, func()) {
	key := cache.Key(region)

	st.mu.Lock()
	st.inFlight[key]++
	n := st.inFlight[key]
	st.mu.Unlock()

	if n > 1 {
		observability.CacheStampedeDetectedTotal.WithLabelValues(observability.MetricRegionLabel(region)).Inc()
	}

	var once sync.Once
	return n, func() { once.Do(func() { st.end(key) }) }
}

func (st *scrapeTracker) end(key string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.inFlight[key] <= 1 {
		delete(st.inFlight, key)
		return
	}
	st.inFlight[key]--
}

// running returns the scrapes in progress for region.
func (st *scrapeTracker) running(region string) int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.inFlight[cache.Key(region)]
}
