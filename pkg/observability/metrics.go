package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records
// nothing, so collaborators can take it as an optional dependency.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// SSO metrics
	LoginsTotal        *prometheus.CounterVec
	HandshakeDuration  *prometheus.HistogramVec
	HandshakeReplays   prometheus.Counter
	DiscoveryFetches   *prometheus.CounterVec
	UsersProvisioned   prometheus.Counter
	SessionsIssued     prometheus.Counter
	RateLimitedTotal   *prometheus.CounterVec

	// RBAC metrics
	PermissionChecks    *prometheus.CounterVec
	CacheHitsTotal      prometheus.Counter
	CacheMissesTotal    prometheus.Counter
	CacheInvalidations  *prometheus.CounterVec
	CacheStaleWrites    prometheus.Counter
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "warden_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		LoginsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_sso_logins_total",
				Help: "SSO login attempts by protocol, stage and outcome",
			},
			[]string{"protocol", "stage", "outcome"},
		),
		HandshakeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "warden_sso_complete_duration_seconds",
				Help:    "Time spent completing an SSO callback",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"protocol"},
		),
		HandshakeReplays: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "warden_sso_handshake_replays_total",
				Help: "Callbacks rejected because their state was unknown, expired or already consumed",
			},
		),
		DiscoveryFetches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_oidc_discovery_total",
				Help: "OIDC discovery lookups by result",
			},
			[]string{"result"},
		),
		UsersProvisioned: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "warden_users_provisioned_total",
				Help: "Local users created on first login",
			},
		),
		SessionsIssued: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "warden_sessions_issued_total",
				Help: "Access/refresh token pairs issued",
			},
		),
		RateLimitedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_rate_limited_total",
				Help: "Requests rejected by the rate limiter",
			},
			[]string{"route"},
		),
		PermissionChecks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_rbac_permission_checks_total",
				Help: "Permission checks by result",
			},
			[]string{"result"},
		),
		CacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "warden_rbac_cache_hits_total",
				Help: "Permission cache hits",
			},
		),
		CacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "warden_rbac_cache_misses_total",
				Help: "Permission cache misses",
			},
		),
		CacheInvalidations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_rbac_cache_invalidations_total",
				Help: "Permission cache invalidations by reason",
			},
			[]string{"reason"},
		),
		CacheStaleWrites: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "warden_rbac_cache_stale_writes_total",
				Help: "Cache upserts dropped because an invalidation happened first",
			},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.LoginsTotal,
		m.HandshakeDuration,
		m.HandshakeReplays,
		m.DiscoveryFetches,
		m.UsersProvisioned,
		m.SessionsIssued,
		m.RateLimitedTotal,
		m.PermissionChecks,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.CacheInvalidations,
		m.CacheStaleWrites,
	)

	return m
}

// RecordLogin counts a login stage ("initiate" or "complete") outcome.
func (m *Metrics) RecordLogin(protocol, stage, outcome string) {
	if m == nil {
		return
	}
	m.LoginsTotal.WithLabelValues(protocol, stage, outcome).Inc()
}

// ObserveHandshake records how long a callback took to complete.
func (m *Metrics) ObserveHandshake(protocol string, d time.Duration) {
	if m == nil {
		return
	}
	m.HandshakeDuration.WithLabelValues(protocol).Observe(d.Seconds())
}

func (m *Metrics) RecordReplay() {
	if m == nil {
		return
	}
	m.HandshakeReplays.Inc()
}

func (m *Metrics) RecordDiscovery(result string) {
	if m == nil {
		return
	}
	m.DiscoveryFetches.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordUserProvisioned() {
	if m == nil {
		return
	}
	m.UsersProvisioned.Inc()
}

func (m *Metrics) RecordSessionIssued() {
	if m == nil {
		return
	}
	m.SessionsIssued.Inc()
}

func (m *Metrics) RecordRateLimited(route string) {
	if m == nil {
		return
	}
	m.RateLimitedTotal.WithLabelValues(route).Inc()
}

// RecordPermissionCheck counts an allow/deny decision.
func (m *Metrics) RecordPermissionCheck(allowed bool) {
	if m == nil {
		return
	}
	result := "deny"
	if allowed {
		result = "allow"
	}
	m.PermissionChecks.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordCacheHit() {
	if m == nil {
		return
	}
	m.CacheHitsTotal.Inc()
}

func (m *Metrics) RecordCacheMiss() {
	if m == nil {
		return
	}
	m.CacheMissesTotal.Inc()
}

// RecordInvalidation adds n invalidated entries under reason.
func (m *Metrics) RecordInvalidation(reason string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.CacheInvalidations.WithLabelValues(reason).Add(float64(n))
}

func (m *Metrics) RecordStaleWrite() {
	if m == nil {
		return
	}
	m.CacheStaleWrites.Inc()
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware instruments requests, labelling them by the matched
// mux route template to keep cardinality bounded.
func HTTPMetricsMiddleware(metrics *Metrics) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if metrics == nil {
				next.ServeHTTP(w, r)
				return
			}
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			route := "unmatched"
			if current := mux.CurrentRoute(r); current != nil {
				if tpl, err := current.GetPathTemplate(); err == nil {
					route = tpl
				}
			}
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

// RegisterMetricsEndpoint registers the /metrics endpoint
func RegisterMetricsEndpoint(router *mux.Router, registry *prometheus.Registry) {
	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
}
