package middleware

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

func okHandler(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

func serveLimited(t *testing.T, e *echo.Echo, h echo.HandlerFunc, actor string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if actor != "" {
		c.Set("actor_id", actor)
	}
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return rec
}

// fakeNow is a settable clock for the visitor store.
type fakeNow struct{ t time.Time }

func (f *fakeNow) now() time.Time          { return f.t }
func (f *fakeNow) advance(d time.Duration) { f.t = f.t.Add(d) }

func TestRateLimit_RequestsWithinLimit(t *testing.T) {
	e := echo.New()
	h := RateLimit(RateLimitConfig{RequestsPerSecond: 10, BurstSize: 5})(okHandler)

	for i := 0; i < 5; i++ {
		rec := serveLimited(t, e, h, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, rec.Code)
		}
		if got := rec.Header().Get("X-RateLimit-Limit"); got != "10" {
			t.Errorf("request %d: expected X-RateLimit-Limit '10', got %q", i+1, got)
		}
	}
}

func TestRateLimit_ExceedsLimit(t *testing.T) {
	e := echo.New()
	h := RateLimit(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 2})(okHandler)

	for i := 0; i < 2; i++ {
		if rec := serveLimited(t, e, h, ""); rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, rec.Code)
		}
	}

	rec := serveLimited(t, e, h, "")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if got := rec.Header().Get("X-RateLimit-Remaining"); got != "0" {
		t.Errorf("expected X-RateLimit-Remaining '0', got %q", got)
	}
}

func TestRateLimit_RetryAfterHeader(t *testing.T) {
	e := echo.New()
	cfg := RateLimitConfig{RequestsPerSecond: 0.25, BurstSize: 1}
	store := newVisitorStore(cfg)
	clock := &fakeNow{t: time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)}
	store.now = clock.now
	h := rateLimit(cfg, store)(okHandler)

	serveLimited(t, e, h, "patient-a")
	rec := serveLimited(t, e, h, "patient-a")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}

	retry, err := strconv.Atoi(rec.Header().Get("Retry-After"))
	if err != nil {
		t.Fatalf("Retry-After is not an integer: %q", rec.Header().Get("Retry-After"))
	}
	// One token every four seconds.
	if retry != 4 {
		t.Errorf("expected Retry-After 4, got %d", retry)
	}

	clock.advance(4 * time.Second)
	if rec := serveLimited(t, e, h, "patient-a"); rec.Code != http.StatusOK {
		t.Errorf("after waiting Retry-After: expected 200, got %d", rec.Code)
	}
}

func TestRateLimit_PerActorIsolation(t *testing.T) {
	e := echo.New()
	h := RateLimit(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1})(okHandler)

	if rec := serveLimited(t, e, h, "patient-a"); rec.Code != http.StatusOK {
		t.Fatalf("patient-a first request: expected 200, got %d", rec.Code)
	}
	if rec := serveLimited(t, e, h, "patient-a"); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("patient-a second request: expected 429, got %d", rec.Code)
	}
	if rec := serveLimited(t, e, h, "patient-b"); rec.Code != http.StatusOK {
		t.Fatalf("patient-b first request: expected 200, got %d", rec.Code)
	}
	// Anonymous traffic from the same address has its own bucket.
	if rec := serveLimited(t, e, h, ""); rec.Code != http.StatusOK {
		t.Fatalf("anonymous request: expected 200, got %d", rec.Code)
	}
}

func TestRateLimit_SkipBypassesBucket(t *testing.T) {
	cfg := RateLimitConfig{
		RequestsPerSecond: 1,
		BurstSize:         1,
		Skip: func(c echo.Context) bool {
			return c.Request().URL.Path == "/health"
		},
	}

	e := echo.New()
	h := RateLimit(cfg)(okHandler)

	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		rec := httptest.NewRecorder()
		if err := h(e.NewContext(req, rec)); err != nil || rec.Code != http.StatusOK {
			t.Fatalf("health check %d: got %d, %v", i+1, rec.Code, err)
		}
		if rec.Header().Get("X-RateLimit-Limit") != "" {
			t.Errorf("health check %d: skipped requests should carry no limit header", i+1)
		}
	}
}

func TestRateLimit_DefaultConfig(t *testing.T) {
	cfg := DefaultRateLimitConfig()
	if cfg.RequestsPerSecond != 50 || cfg.BurstSize != 100 || cfg.IdleTTL != 10*time.Minute {
		t.Errorf("unexpected defaults %+v", cfg)
	}
	if s := newVisitorStore(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1}); s.idleTTL != defaultIdleTTL {
		t.Errorf("expected zero IdleTTL to fall back to %s, got %s", defaultIdleTTL, s.idleTTL)
	}
}

func TestVisitorStore_EvictsIdleVisitors(t *testing.T) {
	clock := &fakeNow{t: time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)}
	store := newVisitorStore(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1, IdleTTL: 10 * time.Minute})
	store.now = clock.now
	store.lastSweep = clock.t

	for _, key := range []string{"ip:10.0.0.1", "ip:10.0.0.2", "actor:a"} {
		if _, err := store.Allow(key); err != nil {
			t.Fatal(err)
		}
	}
	clock.advance(5 * time.Minute)
	store.Allow("actor:a")
	if store.size() != 3 {
		t.Fatalf("expected 3 visitors before the sweep, got %d", store.size())
	}

	clock.advance(6 * time.Minute)
	store.Allow("actor:b")
	// The two IPs were idle for 11 minutes; actor:a for 6.
	if store.size() != 2 {
		t.Errorf("expected 2 visitors after the sweep, got %d", store.size())
	}

	clock.advance(20 * time.Minute)
	store.Allow("actor:c")
	if store.size() != 1 {
		t.Errorf("expected only the fresh visitor, got %d", store.size())
	}
}

func TestVisitorStore_SweepsAtMostOncePerTTL(t *testing.T) {
	clock := &fakeNow{t: time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)}
	store := newVisitorStore(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1, IdleTTL: time.Minute})
	store.now = clock.now
	store.lastSweep = clock.t

	store.Allow("ip:10.0.0.1")
	clock.advance(90 * time.Second)
	store.Allow("ip:10.0.0.2") // sweeps 10.0.0.1
	clock.advance(30 * time.Second)
	store.Allow("ip:10.0.0.3") // too soon to sweep again

	if store.size() != 2 {
		t.Errorf("expected 2 visitors, got %d", store.size())
	}
}

func TestVisitorStore_ZeroRateRetryAfter(t *testing.T) {
	store := newVisitorStore(RateLimitConfig{RequestsPerSecond: 0, BurstSize: 1})
	if ok, _ := store.Allow("k"); !ok {
		t.Fatal("expected the burst token to be granted")
	}
	if ok, _ := store.Allow("k"); ok {
		t.Fatal("expected a zero-rate bucket to stay empty")
	}
	if ra := store.retryAfter("k"); ra != 1 {
		t.Errorf("expected retryAfter 1 for zero rate, got %d", ra)
	}
}
