package cache

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/kjstillabower/fuel-price-service/internal/models"
)

// RedisCache implements Backend with Redis GET and SET EX.
type RedisCache struct {
	client *redis.Client
}

// RedisOptions configures NewRedisCache. Zero timeouts use go-redis defaults.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Timeout  time.Duration
}

// NewRedisCache creates a RedisCache. The connection is lazy; call Ping to probe it.
func NewRedisCache(opts RedisOptions) *RedisCache {
	if opts.Addr == "" {
		opts.Addr = "localhost:6379"
	}
	ro := &redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	}
	if opts.Timeout > 0 {
		ro.DialTimeout = opts.Timeout
		ro.ReadTimeout = opts.Timeout
		ro.WriteTimeout = opts.Timeout
	}
	return &RedisCache{client: redis.NewClient(ro)}
}

// Get implements Cache.Get. Returns false, nil on cache miss; false, err on error.
func (c *RedisCache) Get(ctx context.Context, key string) (models.PriceQuote, bool, error) {
	raw, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return models.PriceQuote{}, false, nil
		}
		return models.PriceQuote{}, false, err
	}
	data, err := decodeQuote(raw)
	if err != nil {
		return models.PriceQuote{}, false, err
	}
	return data, true, nil
}

// Set implements Cache.Set; the key expires after ttl.
func (c *RedisCache) Set(ctx context.Context, key string, value models.PriceQuote, ttl time.Duration) error {
	raw, err := encodeQuote(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, raw, ttl).Err()
}

// Ping checks if Redis is reachable.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the connection pool. Call during shutdown.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
