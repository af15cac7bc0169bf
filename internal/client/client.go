package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html/charset"

	"github.com/kjstillabower/fuel-price-service/internal/circuitbreaker"
	"github.com/kjstillabower/fuel-price-service/internal/observability"
)

//go:generate mockgen -package=client_test -destination=mock_http_client_test.go -source=client.go HTTPClient

// PriceClient fetches the raw price page for a region ("" for the national average).
type PriceClient interface {
	Fetch(ctx context.Context, region string) ([]byte, error)
}

// HTTPClient is the subset of *http.Client the scraper needs.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

const (
	// DefaultBaseURL is the gogo.gs top page; regional pages live under /{region}/.
	DefaultBaseURL = "https://gogo.gs"
	// DefaultUserAgent mimics a desktop browser; the site rejects bare clients.
	DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"
	// DefaultTimeout bounds a single fetch. There are no retries.
	DefaultTimeout = 10 * time.Second

	maxBodyBytes = 5 << 20
)

var (
	ErrUpstreamStatus = errors.New("upstream returned non-2xx status")
	ErrTimeout        = errors.New("upstream timeout")
	ErrCircuitOpen    = circuitbreaker.ErrOpen
)

// GogoClient scrapes price pages from gogo.gs (or any site with the same URL layout).
type GogoClient struct {
	baseURL   *url.URL
	timeout   time.Duration
	userAgent string
	client    HTTPClient
	breaker   *circuitbreaker.CircuitBreaker
}

// Option configures a GogoClient.
type Option func(*GogoClient)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(c HTTPClient) Option {
	return func(g *GogoClient) {
		if c != nil {
			g.client = c
		}
	}
}

// WithUserAgent overrides DefaultUserAgent.
func WithUserAgent(ua string) Option {
	return func(g *GogoClient) {
		if ua != "" {
			g.userAgent = ua
		}
	}
}

// NewGogoClient returns a client for baseURL. A non-positive timeout uses DefaultTimeout.
func NewGogoClient(baseURL string, timeout time.Duration, opts ...Option) (*GogoClient, error) {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultBaseURL
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid upstream URL %q: scheme must be http or https", baseURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid upstream URL %q: missing host", baseURL)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	g := &GogoClient{
		baseURL:   u,
		timeout:   timeout,
		userAgent: DefaultUserAgent,
		client:    &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// SetCircuitBreaker enables the breaker for upstream calls and publishes its
// current state under the breaker's component label. While open, Fetch fails
// fast with ErrCircuitOpen.
func (c *GogoClient) SetCircuitBreaker(cb *circuitbreaker.CircuitBreaker) {
	c.breaker = cb
	if cb != nil {
		observability.SetCircuitBreakerStateGauge(cb.Component(), observability.CircuitBreakerStateValue(int(cb.State())))
	}
}

// Fetch performs one GET for the region page and returns the body decoded to UTF-8.
// Non-2xx responses, timeouts and transport failures are returned as errors;
// there is no retry.
func (c *GogoClient) Fetch(ctx context.Context, region string) ([]byte, error) {
	var body []byte
	call := func() error {
		var err error
		body, err = c.fetchOnce(ctx, region)
		return err
	}

	var err error
	if c.breaker != nil {
		err = c.breaker.Call(ctx, call)
	} else {
		err = call()
	}
	if err != nil {
		observability.UpstreamErrorsTotal.WithLabelValues(string(CategorizeError(err))).Inc()
		return nil, err
	}
	return body, nil
}

func (c *GogoClient) fetchOnce(ctx context.Context, region string) ([]byte, error) {
	start := time.Now()

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := c.buildRequest(reqCtx, region)
	if err != nil {
		observability.UpstreamFetchesTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		observability.UpstreamFetchesTotal.WithLabelValues("error").Inc()
		observability.UpstreamFetchDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
		if isTimeout(err) {
			return nil, fmt.Errorf("%w: %w", ErrTimeout, err)
		}
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	status := statusLabel(resp.StatusCode)
	observability.UpstreamFetchesTotal.WithLabelValues(status).Inc()
	observability.UpstreamFetchDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, fmt.Errorf("%w: HTTP %d", ErrUpstreamStatus, resp.StatusCode)
	}

	reader, err := charset.NewReader(io.LimitReader(resp.Body, maxBodyBytes), resp.Header.Get("Content-Type"))
	if err != nil {
		return nil, fmt.Errorf("decode response charset: %w", err)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("%w: read response body: %w", ErrTimeout, err)
		}
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return body, nil
}

// PageURL returns the page for region: the base page for "" or {base}/{region}/.
// The region is path-escaped, never normalized.
func (c *GogoClient) PageURL(region string) string {
	u := *c.baseURL
	u.RawQuery = ""
	u.Fragment = ""
	u.RawPath = ""
	base := strings.TrimSuffix(u.Path, "/")
	if region == "" {
		u.Path = base + "/"
	} else {
		u.Path = base + "/" + region + "/"
	}
	return u.String()
}

func (c *GogoClient) buildRequest(ctx context.Context, region string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.PageURL(region), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	req.Header.Set("Accept-Language", "ja,en;q=0.8")
	if corrID := observability.CorrelationIDFromContext(ctx); corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}
	return req, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func statusLabel(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return "success"
	case statusCode == http.StatusTooManyRequests:
		return "rate_limited"
	case statusCode >= 400 && statusCode < 500:
		return "client_error"
	case statusCode >= 500:
		return "server_error"
	default:
		return "error"
	}
}
