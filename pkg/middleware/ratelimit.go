package middleware

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/platinummonkey/warden/pkg/httputil"
	"github.com/platinummonkey/warden/pkg/observability"
)

// RateLimitConfig defines rate limiting configuration
type RateLimitConfig struct {
	// RequestsPerWindow is the max requests allowed in the time window
	RequestsPerWindow int
	// WindowDuration is the time window for rate limiting
	WindowDuration time.Duration
	// BurstSize allows temporary bursts above the rate
	BurstSize int
}

// DefaultRateLimitConfig returns default settings for login and callback routes
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		RequestsPerWindow: 30,
		WindowDuration:    time.Minute,
	}
}

// RateLimiter implements in-process rate limiting using a token bucket
type RateLimiter struct {
	config  *RateLimitConfig
	buckets map[string]*bucket
	mu      sync.RWMutex
	now     func() time.Time
}

type bucket struct {
	tokens     int
	lastUpdate time.Time
	mu         sync.Mutex
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(config *RateLimitConfig) *RateLimiter {
	if config == nil {
		config = DefaultRateLimitConfig()
	}

	return &RateLimiter{
		config:  config,
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

func (rl *RateLimiter) capacity() int {
	return rl.config.RequestsPerWindow + rl.config.BurstSize
}

// Allow checks if a request is allowed for the given key
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	b, exists := rl.buckets[key]
	if !exists {
		b = &bucket{
			tokens:     rl.capacity(),
			lastUpdate: rl.now(),
		}
		rl.buckets[key] = b
	}
	rl.mu.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()

	now := rl.now()
	elapsed := now.Sub(b.lastUpdate)

	// Refill tokens based on elapsed time
	tokensToAdd := int(elapsed.Seconds() * float64(rl.config.RequestsPerWindow) / rl.config.WindowDuration.Seconds())
	if tokensToAdd > 0 {
		b.tokens += tokensToAdd
		if b.tokens > rl.capacity() {
			b.tokens = rl.capacity()
		}
		b.lastUpdate = now
	}

	if b.tokens > 0 {
		b.tokens--
		return true
	}

	return false
}

// Remaining returns the number of remaining tokens for a key
func (rl *RateLimiter) Remaining(key string) int {
	rl.mu.RLock()
	b, exists := rl.buckets[key]
	rl.mu.RUnlock()

	if !exists {
		return rl.capacity()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	return b.tokens
}

// Cleanup removes idle buckets
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for key, b := range rl.buckets {
		b.mu.Lock()
		if now.Sub(b.lastUpdate) > rl.config.WindowDuration*2 {
			delete(rl.buckets, key)
		}
		b.mu.Unlock()
	}
}

// StartCleanup starts a background goroutine to cleanup old buckets
func (rl *RateLimiter) StartCleanup(ctx context.Context) {
	ticker := time.NewTicker(rl.config.WindowDuration)
	go func() {
		for {
			select {
			case <-ticker.C:
				rl.Cleanup()
			case <-ctx.Done():
				ticker.Stop()
				return
			}
		}
	}()
}

// RateLimitMiddleware limits requests per client IP. With a Redis client
// the limit is shared across instances; the in-process limiter takes over
// while Redis is failing.
type RateLimitMiddleware struct {
	config      *RateLimitConfig
	distributed *DistributedRateLimiter
	fallback    *RateLimiter
	metrics     *observability.Metrics
	logger      *observability.Logger
}

// NewRateLimitMiddleware creates a new rate limit middleware. redisClient may be nil.
func NewRateLimitMiddleware(config *RateLimitConfig, redisClient *redis.Client, metrics *observability.Metrics, logger *observability.Logger) *RateLimitMiddleware {
	if config == nil {
		config = DefaultRateLimitConfig()
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	m := &RateLimitMiddleware{
		config:   config,
		fallback: NewRateLimiter(config),
		metrics:  metrics,
		logger:   logger.WithField("component", "rate_limit"),
	}
	if redisClient != nil {
		m.distributed = NewDistributedRateLimiter(redisClient, config, "warden:ratelimit")
	}
	return m
}

// StartCleanup prunes the in-process buckets until ctx is done.
func (m *RateLimitMiddleware) StartCleanup(ctx context.Context) {
	m.fallback.StartCleanup(ctx)
}

// Handler wraps an HTTP handler with rate limiting
func (m *RateLimitMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := "ip:" + getClientIP(r)

		allowed, remaining, reset := m.allow(r.Context(), key)
		w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", m.config.RequestsPerWindow))
		w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", remaining))
		w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", time.Now().Add(reset).Unix()))

		if !allowed {
			m.metrics.RecordRateLimited(routeName(r))
			w.Header().Set("Retry-After", fmt.Sprintf("%.0f", reset.Seconds()))
			httputil.WriteJSON(w, http.StatusTooManyRequests, httputil.ErrorResponse{
				Error:   "rate_limited",
				Message: "rate limit exceeded",
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}

// allow returns the decision, the remaining budget and the time until reset.
func (m *RateLimitMiddleware) allow(ctx context.Context, key string) (bool, int, time.Duration) {
	if m.distributed != nil {
		count, ttl, err := m.distributed.Hit(ctx, key)
		if err == nil {
			remaining := m.config.RequestsPerWindow - int(count)
			if remaining < 0 {
				remaining = 0
			}
			if ttl <= 0 {
				ttl = m.config.WindowDuration
			}
			return count <= int64(m.config.RequestsPerWindow), remaining, ttl
		}
		m.logger.WithError(err).Warn("distributed rate limiter unavailable, using local limiter")
	}
	allowed := m.fallback.Allow(key)
	return allowed, m.fallback.Remaining(key), m.config.WindowDuration
}

func routeName(r *http.Request) string {
	return r.URL.Path
}

// getClientIP prefers the first X-Forwarded-For hop, then X-Real-IP, then
// the connection address without its port.
func getClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}

	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
