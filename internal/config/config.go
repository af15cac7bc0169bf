package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kjstillabower/fuel-price-service/internal/extractor"
)

// Cache backends accepted by cache.backend / CACHE_BACKEND.
const (
	CacheBackendRedis     = "redis"
	CacheBackendMemcached = "memcached"
	CacheBackendInMemory  = "in_memory"
	CacheBackendNone      = "none"
)

// Config holds service configuration loaded from YAML and env.
type Config struct {
	ServerPort string

	UpstreamURL       string
	UpstreamTimeout   time.Duration
	UpstreamUserAgent string

	RequestTimeout     time.Duration
	RegionMaxLength    int
	CORSAllowedOrigins []string

	CacheBackend string
	CacheTTL     time.Duration

	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int
	RedisTimeout  time.Duration

	MemcachedAddrs        string
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int

	CircuitBreakerEnabled          bool
	CircuitBreakerFailureThreshold int
	CircuitBreakerSuccessThreshold int
	CircuitBreakerTimeout          time.Duration

	WarmCache       bool
	WarmRegions     []string
	WarmInterval    time.Duration
	WarmConcurrency int

	ShutdownTimeout               time.Duration
	ShutdownInFlightTimeout       time.Duration
	ShutdownInFlightCheckInterval time.Duration

	DegradedWindow      time.Duration
	DegradedFallbackPct float64
	DegradedMinSamples  int

	TrackedRegions []string

	// Selectors overrides the extractor lookup chain per field (regular,
	// high_octane, diesel, kerosene). Fields not listed keep the built-in chain.
	Selectors           map[string][]string
	ObservedAtSelectors []string
}

// RedisAddr returns host:port for the Redis client.
func (c *Config) RedisAddr() string {
	return net.JoinHostPort(c.RedisHost, c.RedisPort)
}

// ExtractorSelectors converts Selectors to the extractor's field keys.
func (c *Config) ExtractorSelectors() map[extractor.Field][]string {
	out := make(map[extractor.Field][]string, len(c.Selectors))
	for k, v := range c.Selectors {
		out[extractor.Field(k)] = v
	}
	return out
}

type fileConfig struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	Upstream struct {
		URL       string `yaml:"url"`
		Timeout   string `yaml:"timeout"`
		UserAgent string `yaml:"user_agent"`
	} `yaml:"upstream"`

	Request struct {
		Timeout         string `yaml:"timeout"`
		RegionMaxLength int    `yaml:"region_max_length"`
	} `yaml:"request"`

	CORS struct {
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"cors"`

	Cache struct {
		Backend string `yaml:"backend"`
		TTL     string `yaml:"ttl"`
		Redis   struct {
			Host     string `yaml:"host"`
			Port     string `yaml:"port"`
			Password string `yaml:"password"`
			DB       int    `yaml:"db"`
			Timeout  string `yaml:"timeout"`
		} `yaml:"redis"`
		Memcached struct {
			Addrs        string `yaml:"addrs"`
			Timeout      string `yaml:"timeout"`
			MaxIdleConns int    `yaml:"max_idle_conns"`
		} `yaml:"memcached"`
		Warm struct {
			Enabled     bool     `yaml:"enabled"`
			Regions     []string `yaml:"regions"`
			Interval    string   `yaml:"interval"`
			Concurrency int      `yaml:"concurrency"`
		} `yaml:"warm"`
	} `yaml:"cache"`

	CircuitBreaker struct {
		Enabled          bool   `yaml:"enabled"`
		FailureThreshold int    `yaml:"failure_threshold"`
		SuccessThreshold int    `yaml:"success_threshold"`
		Timeout          string `yaml:"timeout"`
	} `yaml:"circuit_breaker"`

	Shutdown struct {
		Timeout               string `yaml:"timeout"`
		InFlightTimeout       string `yaml:"in_flight_timeout"`
		InFlightCheckInterval string `yaml:"in_flight_check_interval"`
	} `yaml:"shutdown"`

	Health struct {
		DegradedWindow      string  `yaml:"degraded_window"`
		DegradedFallbackPct float64 `yaml:"degraded_fallback_pct"`
		DegradedMinSamples  int     `yaml:"degraded_min_samples"`
	} `yaml:"health"`

	Metrics struct {
		TrackedRegions []string `yaml:"tracked_regions"`
	} `yaml:"metrics"`

	Extractor struct {
		Selectors           map[string][]string `yaml:"selectors"`
		ObservedAtSelectors []string            `yaml:"observed_at_selectors"`
	} `yaml:"extractor"`
}

// Load reads configuration from config/{ENV_NAME}.yaml (default dev) under the
// working directory. Call from project root.
func Load() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}
	return LoadFrom(cwd)
}

// LoadFrom reads config/{ENV_NAME}.yaml under root and overlays env vars.
// A missing file is not an error: every setting has a default.
func LoadFrom(root string) (*Config, error) {
	env := os.Getenv("ENV_NAME")
	if env == "" {
		env = "dev"
	}

	var fc fileConfig
	configPath := filepath.Join(root, "config", env+".yaml")
	data, err := os.ReadFile(configPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", configPath, err)
		}
	}

	cfg := &Config{}

	cfg.ServerPort = firstNonEmpty(os.Getenv("PORT"), fc.Server.Port, "8000")

	cfg.UpstreamURL = firstNonEmpty(os.Getenv("UPSTREAM_URL"), fc.Upstream.URL, "https://gogo.gs")
	cfg.UpstreamTimeout = parseDurationOrZero(fc.Upstream.Timeout, 10*time.Second)
	cfg.UpstreamUserAgent = strings.TrimSpace(fc.Upstream.UserAgent)

	cfg.RequestTimeout = parseDuration(fc.Request.Timeout, 15*time.Second)
	cfg.RegionMaxLength = fc.Request.RegionMaxLength
	if cfg.RegionMaxLength <= 0 {
		cfg.RegionMaxLength = 32
	}
	if v := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS")); v != "" {
		cfg.CORSAllowedOrigins = splitList(v)
	} else if len(fc.CORS.AllowedOrigins) > 0 {
		cfg.CORSAllowedOrigins = fc.CORS.AllowedOrigins
	} else {
		cfg.CORSAllowedOrigins = []string{"http://localhost:5173", "http://localhost:5174", "https://fairdrive.app"}
	}

	cfg.CacheBackend = strings.ToLower(firstNonEmpty(os.Getenv("CACHE_BACKEND"), fc.Cache.Backend, CacheBackendRedis))
	cfg.CacheTTL = parseDuration(fc.Cache.TTL, 15*time.Minute)

	cfg.RedisHost = firstNonEmpty(os.Getenv("REDIS_HOST"), fc.Cache.Redis.Host, "localhost")
	cfg.RedisPort = firstNonEmpty(os.Getenv("REDIS_PORT"), fc.Cache.Redis.Port, "6379")
	cfg.RedisPassword = firstNonEmpty(os.Getenv("REDIS_PASSWORD"), fc.Cache.Redis.Password)
	cfg.RedisDB = fc.Cache.Redis.DB
	if v := strings.TrimSpace(os.Getenv("REDIS_DB")); v != "" {
		db, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("REDIS_DB must be an integer, got %q", v)
		}
		cfg.RedisDB = db
	}
	cfg.RedisTimeout = parseDuration(fc.Cache.Redis.Timeout, 500*time.Millisecond)

	cfg.MemcachedAddrs = firstNonEmpty(os.Getenv("MEMCACHED_ADDRS"), fc.Cache.Memcached.Addrs, "localhost:11211")
	cfg.MemcachedTimeout = parseDuration(fc.Cache.Memcached.Timeout, 500*time.Millisecond)
	cfg.MemcachedMaxIdleConns = fc.Cache.Memcached.MaxIdleConns
	if cfg.MemcachedMaxIdleConns <= 0 {
		cfg.MemcachedMaxIdleConns = 2
	}

	cfg.WarmCache = fc.Cache.Warm.Enabled
	cfg.WarmRegions = fc.Cache.Warm.Regions
	cfg.WarmInterval = parseDurationOrZero(fc.Cache.Warm.Interval, 0)
	cfg.WarmConcurrency = fc.Cache.Warm.Concurrency
	if cfg.WarmConcurrency <= 0 {
		cfg.WarmConcurrency = 4
	}

	cfg.CircuitBreakerEnabled = fc.CircuitBreaker.Enabled
	cfg.CircuitBreakerFailureThreshold = fc.CircuitBreaker.FailureThreshold
	if cfg.CircuitBreakerFailureThreshold <= 0 {
		cfg.CircuitBreakerFailureThreshold = 5
	}
	cfg.CircuitBreakerSuccessThreshold = fc.CircuitBreaker.SuccessThreshold
	if cfg.CircuitBreakerSuccessThreshold <= 0 {
		cfg.CircuitBreakerSuccessThreshold = 1
	}
	cfg.CircuitBreakerTimeout = parseDuration(fc.CircuitBreaker.Timeout, 30*time.Second)

	cfg.ShutdownTimeout = parseDuration(fc.Shutdown.Timeout, 30*time.Second)
	cfg.ShutdownInFlightTimeout = parseDuration(fc.Shutdown.InFlightTimeout, 10*time.Second)
	cfg.ShutdownInFlightCheckInterval = parseDuration(fc.Shutdown.InFlightCheckInterval, 100*time.Millisecond)

	cfg.DegradedWindow = parseDurationOrZero(fc.Health.DegradedWindow, 5*time.Minute)
	cfg.DegradedFallbackPct = fc.Health.DegradedFallbackPct
	if cfg.DegradedFallbackPct <= 0 {
		cfg.DegradedFallbackPct = 50
	}
	cfg.DegradedMinSamples = fc.Health.DegradedMinSamples
	if cfg.DegradedMinSamples <= 0 {
		cfg.DegradedMinSamples = 5
	}

	cfg.TrackedRegions = fc.Metrics.TrackedRegions
	cfg.Selectors = fc.Extractor.Selectors
	cfg.ObservedAtSelectors = fc.Extractor.ObservedAtSelectors

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// parseDuration parses a duration string and returns defaultVal if parsing fails or result is <= 0.
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	d := parseDurationOrZero(s, defaultVal)
	if d <= 0 {
		return defaultVal
	}
	return d
}

// parseDurationOrZero parses a duration string, returning defaultVal on empty string or parse error.
// Returns zero or negative durations as-is (caller should handle fallback).
func parseDurationOrZero(s string, defaultVal time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// validate performs post-load validation. RequestTimeout is raised above
// UpstreamTimeout so the scrape, not the request deadline, times out first.
func validate(cfg *Config) error {
	if cfg.UpstreamTimeout <= 0 {
		return fmt.Errorf("upstream.timeout must be positive")
	}
	if cfg.RequestTimeout <= cfg.UpstreamTimeout {
		cfg.RequestTimeout = cfg.UpstreamTimeout + time.Second
	}
	switch cfg.CacheBackend {
	case CacheBackendRedis, CacheBackendMemcached, CacheBackendInMemory, CacheBackendNone:
	default:
		return fmt.Errorf("cache.backend must be redis, memcached, in_memory or none, got %q", cfg.CacheBackend)
	}
	if p, err := strconv.Atoi(cfg.RedisPort); err != nil || p <= 0 || p > 65535 {
		return fmt.Errorf("redis port must be 1-65535, got %q", cfg.RedisPort)
	}
	if cfg.WarmCache && cfg.WarmInterval < 0 {
		return fmt.Errorf("cache.warm.interval must not be negative")
	}

	known := make(map[string]bool, len(extractor.Fields))
	for _, f := range extractor.Fields {
		known[string(f)] = true
	}
	for field, sels := range cfg.Selectors {
		if !known[field] {
			return fmt.Errorf("extractor.selectors: unknown field %q", field)
		}
		for _, sel := range sels {
			if err := extractor.ValidateSelector(sel); err != nil {
				return fmt.Errorf("extractor.selectors.%s: %w", field, err)
			}
		}
	}
	for _, sel := range cfg.ObservedAtSelectors {
		if err := extractor.ValidateSelector(sel); err != nil {
			return fmt.Errorf("extractor.observed_at_selectors: %w", err)
		}
	}
	return nil
}
