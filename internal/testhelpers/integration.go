//go:build integration
// +build integration

package testhelpers

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/kjstillabower/fuel-price-service/internal/cache"
	"github.com/kjstillabower/fuel-price-service/internal/client"
	"github.com/kjstillabower/fuel-price-service/internal/service"
)

// IntegrationTestConfig holds configuration for integration tests.
type IntegrationTestConfig struct {
	UpstreamURL   string
	CacheBackend  string // "in_memory", "redis" or "memcached"
	RedisAddr     string
	MemcachedAddr string
}

// GetIntegrationConfig loads integration test configuration from environment.
// Skips the test unless INTEGRATION_LIVE_UPSTREAM is set, since it scrapes a real site.
func GetIntegrationConfig(t *testing.T) IntegrationTestConfig {
	t.Helper()
	if os.Getenv("INTEGRATION_LIVE_UPSTREAM") == "" {
		t.Skip("INTEGRATION_LIVE_UPSTREAM not set, skipping live scrape test")
	}

	cfg := IntegrationTestConfig{
		UpstreamURL:   os.Getenv("UPSTREAM_URL"),
		CacheBackend:  os.Getenv("INTEGRATION_CACHE_BACKEND"),
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		MemcachedAddr: os.Getenv("MEMCACHED_ADDRS"),
	}
	if cfg.UpstreamURL == "" {
		cfg.UpstreamURL = client.DefaultBaseURL
	}
	if cfg.RedisAddr == "" {
		cfg.RedisAddr = "localhost:6379"
	}
	if cfg.MemcachedAddr == "" {
		cfg.MemcachedAddr = "localhost:11211"
	}
	return cfg
}

// SetupIntegrationService builds the full client, cache and service stack.
// The cache falls back to in-memory when the configured backend does not answer Ping.
func SetupIntegrationService(t *testing.T, cfg IntegrationTestConfig) (*service.PriceService, cache.Backend, func()) {
	t.Helper()
	gogo, err := client.NewGogoClient(cfg.UpstreamURL, client.DefaultTimeout)
	if err != nil {
		t.Fatalf("NewGogoClient() error = %v", err)
	}

	var backend cache.Backend
	switch cfg.CacheBackend {
	case "redis":
		backend = cache.NewRedisCache(cache.RedisOptions{Addr: cfg.RedisAddr, Timeout: 500 * time.Millisecond})
	case "memcached":
		backend, err = cache.NewMemcachedCache(cfg.MemcachedAddr, 500*time.Millisecond, 2)
		if err != nil {
			t.Fatalf("NewMemcachedCache() error = %v", err)
		}
	default:
		backend = cache.NewInMemoryCache()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := backend.Ping(ctx); err != nil {
		t.Logf("%s not available (%v), using in-memory cache", cfg.CacheBackend, err)
		_ = backend.Close()
		backend = cache.NewInMemoryCache()
	}

	svc := service.NewPriceService(gogo, nil, backend, service.DefaultTTL)
	return svc, backend, func() { _ = backend.Close() }
}
