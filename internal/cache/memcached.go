package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bradfitz/gomemcache/memcache"

	"github.com/kjstillabower/fuel-price-service/internal/models"
)

// maxRelativeExp is the largest relative expiration memcached accepts (30 days);
// larger values are read as absolute Unix timestamps.
const maxRelativeExp = 30 * 24 * 60 * 60

// MemcachedCache implements Backend using memcached.
type MemcachedCache struct {
	client *memcache.Client
}

// NewMemcachedCache creates a MemcachedCache. addrs is a comma-separated list
// (e.g. "localhost:11211" or "host1:11211,host2:11211"). timeout and maxIdleConns
// configure the client; both use package defaults if zero.
func NewMemcachedCache(addrs string, timeout time.Duration, maxIdleConns int) (*MemcachedCache, error) {
	servers := parseAddrs(addrs)
	if len(servers) == 0 {
		servers = []string{"localhost:11211"}
	}
	client := memcache.New(servers...)
	if timeout > 0 {
		client.Timeout = timeout
	}
	if maxIdleConns > 0 {
		client.MaxIdleConns = maxIdleConns
	}
	return &MemcachedCache{client: client}, nil
}

func parseAddrs(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		a = strings.TrimSpace(a)
		if a != "" {
			out = append(out, a)
		}
	}
	return out
}

// Get implements Cache.Get. Returns false, nil on cache miss; false, err on error.
func (c *MemcachedCache) Get(ctx context.Context, key string) (models.PriceQuote, bool, error) {
	if err := ctx.Err(); err != nil {
		return models.PriceQuote{}, false, err
	}
	item, err := c.client.Get(memcacheKey(key))
	if err != nil {
		if errors.Is(err, memcache.ErrCacheMiss) {
			return models.PriceQuote{}, false, nil
		}
		return models.PriceQuote{}, false, err
	}
	data, err := decodeQuote(item.Value)
	if err != nil {
		return models.PriceQuote{}, false, err
	}
	return data, true, nil
}

// Set implements Cache.Set.
func (c *MemcachedCache) Set(ctx context.Context, key string, value models.PriceQuote, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := encodeQuote(value)
	if err != nil {
		return err
	}
	return c.client.Set(&memcache.Item{
		Key:        memcacheKey(key),
		Value:      raw,
		Expiration: expirationSeconds(ttl),
	})
}

// memcacheKey percent-escapes the bytes the memcached text protocol forbids in
// keys (space, control bytes) plus '%' itself, so distinct regions keep
// distinct keys. Keys without those bytes are unchanged.
func memcacheKey(key string) string {
	if !strings.ContainsFunc(key, func(r rune) bool { return r <= ' ' || r == 0x7f || r == '%' }) {
		return key
	}
	var b strings.Builder
	for i := 0; i < len(key); i++ {
		c := key[i]
		if c <= ' ' || c == 0x7f || c == '%' {
			fmt.Fprintf(&b, "%%%02X", c)
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

// expirationSeconds converts ttl to memcached's relative expiration, rounding
// sub-second TTLs up so they never mean "no expiry".
func expirationSeconds(ttl time.Duration) int32 {
	sec := int64((ttl + time.Second - 1) / time.Second)
	if sec <= 0 {
		return 1
	}
	if sec > maxRelativeExp {
		return maxRelativeExp
	}
	return int32(sec)
}

// Ping checks if memcached is reachable.
func (c *MemcachedCache) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.client.Ping()
}

// Close closes the memcached client connections. Call during shutdown.
func (c *MemcachedCache) Close() error {
	return c.client.Close()
}
