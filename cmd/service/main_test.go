package main

import (
	"testing"

	"github.com/kjstillabower/fuel-price-service/internal/cache"
	"github.com/kjstillabower/fuel-price-service/internal/config"
)

// TestNewCacheBackend verifies backend selection without touching the network;
// Redis and memcached clients connect lazily.
func TestNewCacheBackend(t *testing.T) {
	base := config.Config{
		RedisHost:             "localhost",
		RedisPort:             "6379",
		MemcachedAddrs:        "localhost:11211",
		MemcachedMaxIdleConns: 2,
	}

	tests := []struct {
		backend string
		check   func(t *testing.T, b cache.Backend)
	}{
		{config.CacheBackendNone, func(t *testing.T, b cache.Backend) {
			if b != nil {
				t.Errorf("backend = %T, want nil", b)
			}
		}},
		{config.CacheBackendInMemory, func(t *testing.T, b cache.Backend) {
			if _, ok := b.(*cache.InMemoryCache); !ok {
				t.Errorf("backend = %T, want *cache.InMemoryCache", b)
			}
		}},
		{config.CacheBackendRedis, func(t *testing.T, b cache.Backend) {
			if _, ok := b.(*cache.RedisCache); !ok {
				t.Errorf("backend = %T, want *cache.RedisCache", b)
			}
		}},
		{config.CacheBackendMemcached, func(t *testing.T, b cache.Backend) {
			if _, ok := b.(*cache.MemcachedCache); !ok {
				t.Errorf("backend = %T, want *cache.MemcachedCache", b)
			}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.backend, func(t *testing.T) {
			cfg := base
			cfg.CacheBackend = tt.backend
			b, err := newCacheBackend(&cfg)
			if err != nil {
				t.Fatalf("newCacheBackend() error = %v", err)
			}
			tt.check(t, b)
			if b != nil {
				_ = b.Close()
			}
		})
	}
}

func TestNewCacheBackend_Unknown(t *testing.T) {
	cfg := config.Config{CacheBackend: "mongo"}
	if _, err := newCacheBackend(&cfg); err == nil {
		t.Error("newCacheBackend() expected error for unknown backend")
	}
}

// TestCoverageGaps_IntentionallyUntested documents why main itself has no test.
func TestCoverageGaps_IntentionallyUntested(t *testing.T) {
	t.Skip("main is wiring only: it blocks on signals and binds a port. Backend selection is covered above; everything else lives in internal packages with tests")
}
