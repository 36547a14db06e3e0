package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/platinummonkey/warden/pkg/observability"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newClockedLimiter(config *RateLimitConfig) (*RateLimiter, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	limiter := NewRateLimiter(config)
	limiter.now = clock.Now
	return limiter, clock
}

func TestRateLimiter_Allow(t *testing.T) {
	config := &RateLimitConfig{
		RequestsPerWindow: 10,
		WindowDuration:    time.Second,
		BurstSize:         2,
	}
	limiter, clock := newClockedLimiter(config)

	key := "ip:10.0.0.1"

	// Should allow initial requests up to limit + burst
	allowedCount := 0
	for i := 0; i < config.RequestsPerWindow+config.BurstSize+5; i++ {
		if limiter.Allow(key) {
			allowedCount++
		}
	}

	expected := config.RequestsPerWindow + config.BurstSize
	if allowedCount != expected {
		t.Errorf("Allowed %d requests, want %d", allowedCount, expected)
	}

	clock.Advance(time.Second)
	if !limiter.Allow(key) {
		t.Error("Should allow request after refill")
	}
}

func TestRateLimiter_Remaining(t *testing.T) {
	config := &RateLimitConfig{
		RequestsPerWindow: 10,
		WindowDuration:    time.Second,
		BurstSize:         2,
	}
	limiter := NewRateLimiter(config)

	key := "ip:10.0.0.1"

	initial := limiter.Remaining(key)
	expected := config.RequestsPerWindow + config.BurstSize
	if initial != expected {
		t.Errorf("Initial remaining = %d, want %d", initial, expected)
	}

	limiter.Allow(key)
	remaining := limiter.Remaining(key)
	if remaining != initial-1 {
		t.Errorf("After using 1 token, remaining = %d, want %d", remaining, initial-1)
	}
}

func TestRateLimiter_Cleanup(t *testing.T) {
	config := &RateLimitConfig{
		RequestsPerWindow: 10,
		WindowDuration:    100 * time.Millisecond,
		BurstSize:         2,
	}
	limiter, clock := newClockedLimiter(config)

	keys := []string{"ip:1", "ip:2", "ip:3"}
	for _, key := range keys {
		limiter.Allow(key)
	}

	if len(limiter.buckets) != len(keys) {
		t.Errorf("Expected %d buckets, got %d", len(keys), len(limiter.buckets))
	}

	clock.Advance(300 * time.Millisecond)
	limiter.Cleanup()

	if len(limiter.buckets) != 0 {
		t.Errorf("Expected 0 buckets after cleanup, got %d", len(limiter.buckets))
	}
}

func TestRateLimiter_TokenCapRefill(t *testing.T) {
	config := &RateLimitConfig{
		RequestsPerWindow: 10,
		WindowDuration:    100 * time.Millisecond,
		BurstSize:         5,
	}
	limiter, clock := newClockedLimiter(config)

	key := "cap-test"
	for i := 0; i < 5; i++ {
		limiter.Allow(key)
	}

	clock.Advance(500 * time.Millisecond)

	allowed := 0
	maxAllowed := config.RequestsPerWindow + config.BurstSize
	for i := 0; i < maxAllowed+5; i++ {
		if limiter.Allow(key) {
			allowed++
		}
	}

	if allowed != maxAllowed {
		t.Errorf("Should allow exactly %d requests after full refill, got %d", maxAllowed, allowed)
	}
}

func TestRateLimiter_Concurrency(t *testing.T) {
	config := &RateLimitConfig{
		RequestsPerWindow: 100,
		WindowDuration:    time.Hour,
		BurstSize:         10,
	}
	limiter := NewRateLimiter(config)

	key := "concurrent"
	concurrency := 10
	requestsPerGoroutine := 20

	results := make(chan bool, concurrency*requestsPerGoroutine)
	for i := 0; i < concurrency; i++ {
		go func() {
			for j := 0; j < requestsPerGoroutine; j++ {
				results <- limiter.Allow(key)
			}
		}()
	}

	allowedCount := 0
	for i := 0; i < concurrency*requestsPerGoroutine; i++ {
		if <-results {
			allowedCount++
		}
	}

	maxAllowed := config.RequestsPerWindow + config.BurstSize
	if allowedCount != maxAllowed {
		t.Errorf("Allowed %d requests with concurrency, want %d", allowedCount, maxAllowed)
	}
}

func TestNewRateLimiter_NilConfig(t *testing.T) {
	limiter := NewRateLimiter(nil)
	if limiter.config == nil {
		t.Fatal("NewRateLimiter should have default config")
	}
	if limiter.config.RequestsPerWindow <= 0 || limiter.config.WindowDuration <= 0 {
		t.Errorf("default config should be positive, got %+v", limiter.config)
	}
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name       string
		headers    map[string]string
		remoteAddr string
		expectedIP string
	}{
		{
			name:       "X-Forwarded-For header",
			headers:    map[string]string{"X-Forwarded-For": "192.168.1.1"},
			remoteAddr: "10.0.0.1:12345",
			expectedIP: "192.168.1.1",
		},
		{
			name:       "X-Forwarded-For chain uses first hop",
			headers:    map[string]string{"X-Forwarded-For": "192.168.1.1, 10.0.0.5"},
			remoteAddr: "10.0.0.1:12345",
			expectedIP: "192.168.1.1",
		},
		{
			name:       "X-Real-IP header",
			headers:    map[string]string{"X-Real-IP": "192.168.1.2"},
			remoteAddr: "10.0.0.1:12345",
			expectedIP: "192.168.1.2",
		},
		{
			name:       "RemoteAddr fallback strips port",
			headers:    map[string]string{},
			remoteAddr: "10.0.0.1:12345",
			expectedIP: "10.0.0.1",
		},
		{
			name:       "RemoteAddr without port",
			headers:    map[string]string{},
			remoteAddr: "10.0.0.1",
			expectedIP: "10.0.0.1",
		},
		{
			name:       "X-Forwarded-For takes precedence",
			headers:    map[string]string{"X-Forwarded-For": "192.168.1.1", "X-Real-IP": "192.168.1.2"},
			remoteAddr: "10.0.0.1:12345",
			expectedIP: "192.168.1.1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}

			ip := getClientIP(req)
			if ip != tt.expectedIP {
				t.Errorf("getClientIP() = %v, want %v", ip, tt.expectedIP)
			}
		})
	}
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func hit(handler http.Handler, path, remoteAddr string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, nil)
	req.RemoteAddr = remoteAddr
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestRateLimitMiddleware_Local(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)
	m := NewRateLimitMiddleware(&RateLimitConfig{RequestsPerWindow: 2, WindowDuration: time.Minute}, nil, metrics, nil)
	handler := m.Handler(okHandler())

	for i := 0; i < 2; i++ {
		if rec := hit(handler, "/sso/oauth/login", "192.168.1.1:1000"); rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rec.Code)
		}
	}

	rec := hit(handler, "/sso/oauth/login", "192.168.1.1:1001")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("Expected 429, got %d", rec.Code)
	}
	for _, header := range []string{"Content-Type", "Retry-After", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"} {
		if rec.Header().Get(header) == "" {
			t.Errorf("Header %s should be set", header)
		}
	}
	if rec.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Errorf("expected 0 remaining, got %s", rec.Header().Get("X-RateLimit-Remaining"))
	}

	// Other clients keep their own budget.
	if rec := hit(handler, "/sso/oauth/login", "192.168.1.2:1000"); rec.Code != http.StatusOK {
		t.Errorf("second client: expected 200, got %d", rec.Code)
	}

	if got := testutil.ToFloat64(metrics.RateLimitedTotal.WithLabelValues("/sso/oauth/login")); got != 1 {
		t.Errorf("rate limited counter = %v, want 1", got)
	}
}

func TestRateLimitMiddleware_Redis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	config := &RateLimitConfig{RequestsPerWindow: 3, WindowDuration: time.Minute}
	// Two instances share the Redis window.
	a := NewRateLimitMiddleware(config, client, nil, nil).Handler(okHandler())
	b := NewRateLimitMiddleware(config, client, nil, nil).Handler(okHandler())

	codes := []int{
		hit(a, "/sso/oidc/callback", "10.1.1.1:1").Code,
		hit(b, "/sso/oidc/callback", "10.1.1.1:2").Code,
		hit(a, "/sso/oidc/callback", "10.1.1.1:3").Code,
		hit(b, "/sso/oidc/callback", "10.1.1.1:4").Code,
	}
	want := []int{http.StatusOK, http.StatusOK, http.StatusOK, http.StatusTooManyRequests}
	for i := range want {
		if codes[i] != want[i] {
			t.Errorf("request %d: got %d, want %d", i, codes[i], want[i])
		}
	}

	ttl := mr.TTL("warden:ratelimit:ip:10.1.1.1")
	if ttl <= 0 || ttl > time.Minute {
		t.Errorf("window ttl = %v, want (0, 1m]", ttl)
	}

	// The window resets once the key expires.
	mr.FastForward(time.Minute + time.Second)
	if rec := hit(a, "/sso/oidc/callback", "10.1.1.1:5"); rec.Code != http.StatusOK {
		t.Errorf("after window: expected 200, got %d", rec.Code)
	}
}

func TestRateLimitMiddleware_FallsBackWhenRedisFails(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()

	mr.SetError("LOADING Redis is loading the dataset in memory")

	handler := NewRateLimitMiddleware(&RateLimitConfig{RequestsPerWindow: 1, WindowDuration: time.Minute}, client, nil, nil).Handler(okHandler())
	if rec := hit(handler, "/sso/saml/acs", "10.2.2.2:1"); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from local limiter, got %d", rec.Code)
	}
	if rec := hit(handler, "/sso/saml/acs", "10.2.2.2:2"); rec.Code != http.StatusTooManyRequests {
		t.Errorf("expected local limiter to reject, got %d", rec.Code)
	}
}

func TestDistributedRateLimiter(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	ctx := t.Context()

	limiter := NewDistributedRateLimiter(client, &RateLimitConfig{RequestsPerWindow: 2, WindowDuration: time.Minute}, "")

	remaining, err := limiter.Remaining(ctx, "k")
	if err != nil || remaining != 2 {
		t.Fatalf("Remaining() = %d, %v; want 2, nil", remaining, err)
	}

	for i, want := range []bool{true, true, false} {
		allowed, err := limiter.Allow(ctx, "k")
		if err != nil {
			t.Fatalf("Allow() error: %v", err)
		}
		if allowed != want {
			t.Errorf("Allow() #%d = %v, want %v", i, allowed, want)
		}
	}
	if remaining, _ := limiter.Remaining(ctx, "k"); remaining != 0 {
		t.Errorf("Remaining() = %d, want 0", remaining)
	}

	if err := limiter.Reset(ctx, "k"); err != nil {
		t.Fatalf("Reset() error: %v", err)
	}
	if mr.Exists("ratelimit:k") {
		t.Error("Reset should delete the key")
	}

	down := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1})
	defer down.Close()
	unreachable := NewDistributedRateLimiter(down, nil, "")
	if _, err := unreachable.Allow(ctx, "k"); err == nil || errors.Is(err, redis.Nil) {
		t.Errorf("expected connection error, got %v", err)
	}
}
