package cache

import (
	"context"
	"sync"
	"time"

	"github.com/kjstillabower/fuel-price-service/internal/models"
)

// KeyPrefix namespaces price entries in shared cache servers.
const KeyPrefix = "gas_price:"

// Key returns the cache key for region. The empty region maps to "average".
// Regions are used verbatim (case-sensitive, no trimming).
func Key(region string) string {
	if region == "" {
		return KeyPrefix + "average"
	}
	return KeyPrefix + region
}

// Cache defines the interface for price quote caching implementations.
// Get returns cached data if present and not expired, Set stores data with TTL.
type Cache interface {
	Get(ctx context.Context, key string) (models.PriceQuote, bool, error)
	Set(ctx context.Context, key string, value models.PriceQuote, ttl time.Duration) error
}

// Backend is a Cache with connection management, as constructed in main.
type Backend interface {
	Cache
	// Ping checks reachability. Called once at startup to decide whether caching is enabled.
	Ping(ctx context.Context) error
	Close() error
}

// InMemoryCache implements Cache using a mutex-guarded map with TTL-based expiration.
// Expired entries are removed on access.
type InMemoryCache struct {
	mu   sync.Mutex
	data map[string]cacheEntry
	now  func() time.Time
}

// cacheEntry stores a cached quote with its expiration timestamp.
type cacheEntry struct {
	value     models.PriceQuote
	expiresAt time.Time
}

// NewInMemoryCache creates a new in-memory cache instance.
func NewInMemoryCache() *InMemoryCache {
	return NewInMemoryCacheWithClock(time.Now)
}

// NewInMemoryCacheWithClock creates an in-memory cache that reads time from now.
// Tests use it to expire entries without sleeping.
func NewInMemoryCacheWithClock(now func() time.Time) *InMemoryCache {
	return &InMemoryCache{
		data: make(map[string]cacheEntry),
		now:  now,
	}
}

// Get retrieves the cached quote for key if present and not expired.
// Returns (data, true, nil) on cache hit, (zero, false, nil) on miss or expiration.
func (c *InMemoryCache) Get(ctx context.Context, key string) (models.PriceQuote, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.data[key]
	if !ok {
		return models.PriceQuote{}, false, nil
	}
	if !c.now().Before(entry.expiresAt) {
		delete(c.data, key)
		return models.PriceQuote{}, false, nil
	}
	return entry.value, true, nil
}

// Set stores the quote with the given TTL. The cached flag is never stored.
func (c *InMemoryCache) Set(ctx context.Context, key string, value models.PriceQuote, ttl time.Duration) error {
	value.Cached = false
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = cacheEntry{
		value:     value,
		expiresAt: c.now().Add(ttl),
	}
	return nil
}

// Len returns the number of stored entries, including expired ones not yet evicted.
func (c *InMemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.data)
}

// Ping always succeeds.
func (c *InMemoryCache) Ping(ctx context.Context) error { return nil }

// Close is a no-op.
func (c *InMemoryCache) Close() error { return nil }
