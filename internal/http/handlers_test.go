package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kjstillabower/fuel-price-service/internal/cache"
	"github.com/kjstillabower/fuel-price-service/internal/extractor"
	"github.com/kjstillabower/fuel-price-service/internal/models"
	"github.com/kjstillabower/fuel-price-service/internal/regions"
	"github.com/kjstillabower/fuel-price-service/internal/service"
	"github.com/kjstillabower/fuel-price-service/internal/traffic"
)

const testPage = `<html><body>
<div id="regular-price">172.3</div>
<div id="highoctane-price">183.1</div>
<div id="diesel-price">152.0</div>
<div id="kerosene-price">115.4</div>
<span class="update-date">2025/06/01</span>
</body></html>`

type mockPriceClient struct {
	mu      sync.Mutex
	body    []byte
	err     error
	block   chan struct{} // if set, Fetch waits for it or ctx.Done()
	regions []string
}

func (m *mockPriceClient) Fetch(ctx context.Context, region string) ([]byte, error) {
	m.mu.Lock()
	m.regions = append(m.regions, region)
	m.mu.Unlock()
	if m.block != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-m.block:
		}
	}
	return m.body, m.err
}

func (m *mockPriceClient) lastRegion() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.regions) == 0 {
		return "<none>"
	}
	return m.regions[len(m.regions)-1]
}

type priceGetterFunc func(ctx context.Context, region string) (models.PriceQuote, error)

func (f priceGetterFunc) GetPrice(ctx context.Context, region string) (models.PriceQuote, error) {
	return f(ctx, region)
}

type errorResponse struct {
	Error struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		RequestID string `json:"requestId"`
	} `json:"error"`
}

func newTestRouter(t *testing.T, pc *mockPriceClient, store cache.Cache, hc *HealthConfig) (http.Handler, *service.PriceService) {
	t.Helper()
	svc := service.NewPriceService(pc, nil, store, 15*time.Minute)
	svc.SetOutcomeTracker(traffic.NewTracker(nil))
	h := NewHandler(svc, hc, zap.NewNop(), 0)
	return NewRouter(h, zap.NewNop(), RouterConfig{RequestTimeout: 5 * time.Second}), svc
}

func doGet(router http.Handler, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHandler_Root(t *testing.T) {
	router, _ := newTestRouter(t, &mockPriceClient{}, nil, nil)

	w := doGet(router, "/")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["message"] != "FAIR DRIVE Gas Price API" || body["version"] != Version || body["name"] != ServiceName {
		t.Errorf("body = %v", body)
	}
}

// TestHandler_GetGasPrices_Success verifies the quote is returned with the
// original wire names and the cached flag flips on the second request.
func TestHandler_GetGasPrices_Success(t *testing.T) {
	pc := &mockPriceClient{body: []byte(testPage)}
	router, _ := newTestRouter(t, pc, cache.NewInMemoryCache(), nil)

	w := doGet(router, "/api/gas-prices?region="+"%E6%9D%B1%E4%BA%AC%E9%83%BD")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200. Body: %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Errorf("Content-Type = %q", ct)
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &raw); err != nil {
		t.Fatalf("decode: %v", err)
	}
	for _, k := range []string{"regular", "high_octane", "diesel", "kerosene", "prefecture", "update_date", "cached"} {
		if _, ok := raw[k]; !ok {
			t.Errorf("response missing %q: %v", k, raw)
		}
	}
	if raw["prefecture"] != "東京都" || raw["regular"] != 172.3 || raw["cached"] != false {
		t.Errorf("response = %v", raw)
	}
	if pc.lastRegion() != "東京都" {
		t.Errorf("fetched region = %q, want 東京都", pc.lastRegion())
	}

	w = doGet(router, "/api/gas-prices?region=%E6%9D%B1%E4%BA%AC%E9%83%BD")
	var second models.PriceQuote
	if err := json.NewDecoder(w.Body).Decode(&second); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !second.Cached {
		t.Error("second response cached = false, want true")
	}
}

func TestHandler_GetGasPrices_NationalAverage(t *testing.T) {
	pc := &mockPriceClient{body: []byte(testPage)}
	router, _ := newTestRouter(t, pc, nil, nil)

	for _, path := range []string{"/api/gas-prices", "/api/gas-prices?region="} {
		w := doGet(router, path)
		if w.Code != http.StatusOK {
			t.Fatalf("%s: status = %d", path, w.Code)
		}
		var q models.PriceQuote
		if err := json.NewDecoder(w.Body).Decode(&q); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if q.Region != models.NationalAverage {
			t.Errorf("%s: prefecture = %q, want %q", path, q.Region, models.NationalAverage)
		}
		if pc.lastRegion() != "" {
			t.Errorf("%s: fetched region = %q, want empty", path, pc.lastRegion())
		}
	}
}

func TestHandler_GetGasPrices_PrefectureAlias(t *testing.T) {
	pc := &mockPriceClient{body: []byte(testPage)}
	router, _ := newTestRouter(t, pc, nil, nil)

	w := doGet(router, "/api/gas-prices?prefecture=Osaka")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if pc.lastRegion() != "Osaka" {
		t.Errorf("fetched region = %q, want Osaka", pc.lastRegion())
	}

	// region wins when both are present, even if empty.
	_ = doGet(router, "/api/gas-prices?region=&prefecture=Osaka")
	if pc.lastRegion() != "" {
		t.Errorf("fetched region = %q, want empty", pc.lastRegion())
	}
}

// TestHandler_GetGasPrices_UpstreamFailure verifies defaults are served with 200.
func TestHandler_GetGasPrices_UpstreamFailure(t *testing.T) {
	pc := &mockPriceClient{err: errors.New("upstream returned non-2xx status: HTTP 503")}
	router, _ := newTestRouter(t, pc, nil, nil)

	w := doGet(router, "/api/gas-prices?region=Hokkaido")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var q models.PriceQuote
	if err := json.NewDecoder(w.Body).Decode(&q); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if q.Regular != extractor.DefaultRegular || q.Kerosene != extractor.DefaultKerosene || q.Region != "Hokkaido" {
		t.Errorf("quote = %+v, want defaults for Hokkaido", q)
	}
	if _, err := time.Parse(time.RFC3339, q.ObservedAt); err != nil {
		t.Errorf("update_date = %q, want RFC3339: %v", q.ObservedAt, err)
	}
}

// TestHandler_GetGasPrices_UnlistedRegionForwarded verifies that regions
// outside the prefecture list, including ones with spaces or '%', reach the
// upstream verbatim and are logged as unlisted.
func TestHandler_GetGasPrices_UnlistedRegionForwarded(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	logger := zap.New(core)
	pc := &mockPriceClient{body: []byte(testPage)}
	svc := service.NewPriceService(pc, nil, nil, 0)
	svc.SetOutcomeTracker(traffic.NewTracker(nil))
	router := NewRouter(NewHandler(svc, nil, logger, 0), logger, RouterConfig{})

	for path, want := range map[string]string{
		"/api/gas-prices?region=New%20York": "New York",
		"/api/gas-prices?region=100%25":     "100%",
	} {
		w := doGet(router, path)
		if w.Code != http.StatusOK {
			t.Errorf("%s: status = %d, want 200", path, w.Code)
			continue
		}
		if got := pc.lastRegion(); got != want {
			t.Errorf("%s: upstream region = %q, want %q", path, got, want)
		}
	}
	if n := logs.FilterMessage("region not in prefecture list, forwarding as-is").Len(); n != 2 {
		t.Errorf("unlisted region logs = %d, want 2", n)
	}

	_ = doGet(router, "/api/gas-prices?region=%E6%9D%B1%E4%BA%AC%E9%83%BD")
	if n := logs.FilterMessage("region not in prefecture list, forwarding as-is").Len(); n != 2 {
		t.Errorf("known prefecture was logged as unlisted")
	}
}

func TestHandler_GetGasPrices_InvalidRegion(t *testing.T) {
	pc := &mockPriceClient{body: []byte(testPage)}
	router, _ := newTestRouter(t, pc, nil, nil)

	paths := []string{
		"/api/gas-prices?region=a%2Fb",
		"/api/gas-prices?region=a%5Cb",
		"/api/gas-prices?region=a%0Ab",
		"/api/gas-prices?region=..",
		"/api/gas-prices?region=" + strings.Repeat("a", 33),
	}
	for _, path := range paths {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.Header.Set("X-Correlation-ID", "corr-400")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", path, w.Code)
			continue
		}
		var resp errorResponse
		if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if resp.Error.Code != "INVALID_REGION" || resp.Error.RequestID != "corr-400" {
			t.Errorf("%s: error = %+v", path, resp.Error)
		}
	}
	if pc.lastRegion() != "<none>" {
		t.Errorf("upstream called for invalid region: %q", pc.lastRegion())
	}
}

// TestHandler_GetGasPrices_ServiceError verifies that service errors become a
// generic 500 and the cause is logged, not returned.
func TestHandler_GetGasPrices_ServiceError(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	logger := zap.New(core)
	getter := priceGetterFunc(func(ctx context.Context, region string) (models.PriceQuote, error) {
		return models.PriceQuote{}, service.ErrNotConfigured
	})
	router := NewRouter(NewHandler(getter, nil, logger, 0), logger, RouterConfig{})

	w := doGet(router, "/api/gas-prices")
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
	var resp errorResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Error.Code != "INTERNAL_ERROR" {
		t.Errorf("code = %q", resp.Error.Code)
	}
	if strings.Contains(resp.Error.Message, "not configured") {
		t.Errorf("message leaks cause: %q", resp.Error.Message)
	}
	if logs.FilterMessage("price lookup failed").Len() != 1 {
		t.Errorf("expected one error log, got %v", logs.All())
	}
}

// TestHandler_GetGasPrices_NoCache verifies the price endpoint works without a cache
// and health reports cache_available=false.
func TestHandler_GetGasPrices_NoCache(t *testing.T) {
	pc := &mockPriceClient{body: []byte(testPage)}
	router, _ := newTestRouter(t, pc, nil, &HealthConfig{CacheAvailable: false})

	for i := 0; i < 2; i++ {
		w := doGet(router, "/api/gas-prices")
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", w.Code)
		}
		var q models.PriceQuote
		_ = json.NewDecoder(w.Body).Decode(&q)
		if q.Cached {
			t.Error("cached = true without a cache")
		}
	}

	w := doGet(router, "/health")
	var h healthResponse
	if err := json.NewDecoder(w.Body).Decode(&h); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if w.Code != http.StatusOK || h.CacheAvailable || h.Checks["cache"] != "disabled" {
		t.Errorf("health = %d %+v", w.Code, h)
	}
}

func TestHandler_GetRegionsAndPrefectures(t *testing.T) {
	router, _ := newTestRouter(t, &mockPriceClient{}, nil, nil)

	for path, key := range map[string]string{"/api/regions": "regions", "/api/prefectures": "prefectures"} {
		w := doGet(router, path)
		if w.Code != http.StatusOK {
			t.Fatalf("%s: status = %d", path, w.Code)
		}
		var body map[string][]string
		if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		list := body[key]
		if len(list) != 47 || list[0] != "北海道" || list[46] != "沖縄県" {
			t.Errorf("%s: %s = %v", path, key, list)
		}
		if strings.Join(list, ",") != strings.Join(regions.All(), ",") {
			t.Errorf("%s: order differs from regions.All()", path)
		}
	}
}

func TestHandler_GetHealth_Healthy(t *testing.T) {
	pinged := false
	hc := &HealthConfig{
		CacheAvailable: true,
		CachePing:      func(ctx context.Context) error { pinged = true; return nil },
	}
	router, _ := newTestRouter(t, &mockPriceClient{}, cache.NewInMemoryCache(), hc)

	w := doGet(router, "/health")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var h healthResponse
	if err := json.NewDecoder(w.Body).Decode(&h); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if h.Status != "healthy" || !h.CacheAvailable || h.Service != ServiceName || h.Version != Version {
		t.Errorf("health = %+v", h)
	}
	if h.Checks["cache"] != "healthy" || h.Checks["upstream"] != "healthy" {
		t.Errorf("checks = %v", h.Checks)
	}
	if _, err := time.Parse(time.RFC3339, h.Timestamp); err != nil {
		t.Errorf("timestamp = %q: %v", h.Timestamp, err)
	}
	if !pinged {
		t.Error("CachePing not called")
	}
}

func TestHandler_GetHealth_CacheUnhealthy(t *testing.T) {
	hc := &HealthConfig{
		CacheAvailable: true,
		CachePing:      func(ctx context.Context) error { return errors.New("connection refused") },
	}
	router, _ := newTestRouter(t, &mockPriceClient{}, nil, hc)

	w := doGet(router, "/health")
	var h healthResponse
	_ = json.NewDecoder(w.Body).Decode(&h)
	if w.Code != http.StatusOK || h.Checks["cache"] != "unhealthy" || !h.CacheAvailable {
		t.Errorf("health = %d %+v", w.Code, h)
	}
}

// TestHandler_GetHealth_UpstreamDegraded verifies that a high fallback rate
// marks the upstream degraded while health stays 200.
func TestHandler_GetHealth_UpstreamDegraded(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	tr := traffic.NewTracker(nil)
	hc := &HealthConfig{
		Outcomes:            tr,
		DegradedWindow:      time.Minute,
		DegradedFallbackPct: 50,
		DegradedMinSamples:  2,
	}
	h := NewHandler(priceGetterFunc(nil), hc, zap.New(core), 0)
	router := NewRouter(h, zap.NewNop(), RouterConfig{})

	_ = doGet(router, "/health")
	tr.RecordFallback()
	tr.RecordFallback()
	tr.RecordScraped()

	w := doGet(router, "/health")
	var resp healthResponse
	_ = json.NewDecoder(w.Body).Decode(&resp)
	if w.Code != http.StatusOK || resp.Status != "degraded" || resp.Checks["upstream"] != "degraded" {
		t.Errorf("health = %d %+v", w.Code, resp)
	}
	if logs.FilterMessage("health status transition").Len() != 1 {
		t.Errorf("expected one transition log, got %v", logs.All())
	}
}

func TestHandler_GetHealth_ShuttingDown(t *testing.T) {
	handler := NewHandler(priceGetterFunc(nil), nil, zap.NewNop(), 0)
	router := NewRouter(handler, zap.NewNop(), RouterConfig{})

	if w := doGet(router, "/health"); w.Code != http.StatusOK {
		t.Fatalf("status before shutdown = %d, want 200", w.Code)
	}
	handler.BeginShutdown()
	if !handler.ShuttingDown() {
		t.Fatal("ShuttingDown() = false after BeginShutdown")
	}

	w := doGet(router, "/health")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	var h healthResponse
	_ = json.NewDecoder(w.Body).Decode(&h)
	if h.Status != "shutting-down" {
		t.Errorf("status = %q, want shutting-down", h.Status)
	}
}

func TestRouter_MetricsEndpoint(t *testing.T) {
	router, _ := newTestRouter(t, &mockPriceClient{body: []byte(testPage)}, nil, nil)
	_ = doGet(router, "/api/gas-prices")

	w := doGet(router, "/metrics")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := w.Body.String()
	for _, name := range []string{"httpRequestsTotal", "priceQueriesTotal"} {
		if !strings.Contains(body, name) {
			t.Errorf("metrics output missing %s", name)
		}
	}
}

func TestRouter_MethodNotAllowed(t *testing.T) {
	router, _ := newTestRouter(t, &mockPriceClient{}, nil, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/gas-prices", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", w.Code)
	}
}
