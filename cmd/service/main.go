package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/fuel-price-service/internal/cache"
	"github.com/kjstillabower/fuel-price-service/internal/circuitbreaker"
	"github.com/kjstillabower/fuel-price-service/internal/client"
	"github.com/kjstillabower/fuel-price-service/internal/config"
	"github.com/kjstillabower/fuel-price-service/internal/extractor"
	httphandler "github.com/kjstillabower/fuel-price-service/internal/http"
	"github.com/kjstillabower/fuel-price-service/internal/observability"
	"github.com/kjstillabower/fuel-price-service/internal/service"
	"github.com/kjstillabower/fuel-price-service/internal/traffic"
)

func main() {
	logger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	ext := extractor.New(
		extractor.WithSelectors(cfg.ExtractorSelectors()),
		extractor.WithObservedAtSelectors(cfg.ObservedAtSelectors),
	)

	priceClient, err := client.NewGogoClient(cfg.UpstreamURL, cfg.UpstreamTimeout, client.WithUserAgent(cfg.UpstreamUserAgent))
	if err != nil {
		logger.Fatal("upstream client", zap.Error(err))
	}

	if cfg.CircuitBreakerEnabled {
		cb := circuitbreaker.New(circuitbreaker.Config{
			FailureThreshold: cfg.CircuitBreakerFailureThreshold,
			SuccessThreshold: cfg.CircuitBreakerSuccessThreshold,
			Timeout:          cfg.CircuitBreakerTimeout,
			Component:        "upstream",
			OnStateChange: func(from, to circuitbreaker.State) {
				observability.RecordCircuitBreakerTransition("upstream", from.String(), to.String())
				observability.SetCircuitBreakerStateGauge("upstream", observability.CircuitBreakerStateValue(int(to)))
			},
		})
		priceClient.SetCircuitBreaker(cb)
		logger.Info("circuit breaker enabled", zap.String("component", cb.Component()), zap.Int("failure_threshold", cfg.CircuitBreakerFailureThreshold), zap.Duration("timeout", cfg.CircuitBreakerTimeout))
	}

	backend, err := newCacheBackend(cfg)
	if err != nil {
		logger.Fatal("cache backend", zap.Error(err))
	}
	var store cache.Cache
	if backend != nil {
		pingCtx, pingCancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := backend.Ping(pingCtx)
		pingCancel()
		if err != nil {
			logger.Warn("cache unavailable, continuing without cache", zap.String("backend", cfg.CacheBackend), zap.Error(err))
			_ = backend.Close()
			backend = nil
		} else {
			store = backend
			logger.Info("cache backend ready", zap.String("backend", cfg.CacheBackend), zap.Duration("ttl", cfg.CacheTTL))
		}
	} else {
		logger.Info("cache disabled")
	}

	prices := service.NewPriceService(priceClient, ext, store, cfg.CacheTTL)

	if len(cfg.TrackedRegions) > 0 {
		observability.SetTrackedRegions(cfg.TrackedRegions)
	}

	healthConfig := &httphandler.HealthConfig{
		CacheAvailable:      backend != nil,
		Outcomes:            traffic.Default(),
		DegradedWindow:      cfg.DegradedWindow,
		DegradedFallbackPct: cfg.DegradedFallbackPct,
		DegradedMinSamples:  cfg.DegradedMinSamples,
	}
	if backend != nil {
		healthConfig.CachePing = backend.Ping
	}
	handler := httphandler.NewHandler(prices, healthConfig, logger, cfg.RegionMaxLength)
	router := httphandler.NewRouter(handler, logger, httphandler.RouterConfig{
		RequestTimeout: cfg.RequestTimeout,
		AllowedOrigins: cfg.CORSAllowedOrigins,
	})

	warmCtx, stopWarming := context.WithCancel(context.Background())
	defer stopWarming()
	if cfg.WarmCache && store != nil && len(cfg.WarmRegions) > 0 {
		warmer := cache.NewCacheWarmer(prices, logger, cfg.WarmConcurrency)
		if cfg.WarmInterval > 0 {
			go func() {
				if err := warmer.WarmPeriodic(warmCtx, cfg.WarmRegions, cfg.WarmInterval); err != nil && !errors.Is(err, context.Canceled) {
					logger.Error("periodic cache warming stopped", zap.Error(err))
				}
			}()
		} else {
			initCtx, initCancel := context.WithTimeout(warmCtx, 30*time.Second)
			if err := warmer.Warm(initCtx, cfg.WarmRegions); err != nil {
				logger.Warn("cache warming failed", zap.Error(err))
			}
			initCancel()
		}
	}

	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      cfg.RequestTimeout + 5*time.Second,
	}

	go func() {
		logger.Info("server starting", zap.String("addr", srv.Addr), zap.String("upstream", cfg.UpstreamURL))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	<-ctx.Done()
	stop()

	logger.Info("graceful shutdown triggered")
	handler.BeginShutdown()
	stopWarming()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	inFlight := httphandler.InFlightCount()
	logger.Info("waiting for in-flight requests", zap.Int64("count", inFlight))
	observability.RecordShutdownInFlight(inFlight)
	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownInFlightTimeout)
	defer waitCancel()
	if err := httphandler.WaitForInFlight(waitCtx, cfg.ShutdownInFlightCheckInterval); err != nil {
		logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", httphandler.InFlightCount()))
	}

	if err := observability.FlushTelemetry(context.Background(), logger); err != nil {
		logger.Error("telemetry flush", zap.Error(err))
	}

	if backend != nil {
		if err := backend.Close(); err != nil {
			logger.Error("cache close", zap.Error(err))
		}
	}
	logger.Info("shutdown complete")
}

// newCacheBackend builds the configured backend. It returns nil for "none".
// Connections are not probed here.
func newCacheBackend(cfg *config.Config) (cache.Backend, error) {
	switch cfg.CacheBackend {
	case config.CacheBackendRedis:
		return cache.NewRedisCache(cache.RedisOptions{
			Addr:     cfg.RedisAddr(),
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Timeout:  cfg.RedisTimeout,
		}), nil
	case config.CacheBackendMemcached:
		mc, err := cache.NewMemcachedCache(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns)
		if err != nil {
			return nil, err
		}
		return mc, nil
	case config.CacheBackendInMemory:
		return cache.NewInMemoryCache(), nil
	case config.CacheBackendNone:
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.CacheBackend)
	}
}
