package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the federation engine
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Login pipeline metrics
	LoginAttemptsTotal     *prometheus.CounterVec
	ValidationFailures     *prometheus.CounterVec
	UpstreamRequestsTotal  *prometheus.CounterVec
	UpstreamRequestSeconds *prometheus.HistogramVec

	// JWKS / IdP metadata cache metrics
	JWKSCacheHits      *prometheus.CounterVec
	JWKSCacheMisses    *prometheus.CounterVec
	JWKSRefreshesTotal *prometheus.CounterVec

	// Session metrics
	SessionsCreatedTotal *prometheus.CounterVec
	SessionsEvictedTotal *prometheus.CounterVec
	SessionsRevokedTotal *prometheus.CounterVec
	SessionsActive       prometheus.Gauge

	// Provisioning metrics
	UsersProvisionedTotal *prometheus.CounterVec
	ProvisioningConflicts prometheus.Counter
	RoleResyncFailures    prometheus.Counter

	// SCIM metrics
	SCIMOperationsTotal   *prometheus.CounterVec
	SCIMOperationDuration *prometheus.HistogramVec

	// Certificate metrics
	CertRotationsTotal  prometheus.Counter
	CertPromotionsTotal prometheus.Counter
	CertSweepsTotal     prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	m := &Metrics{
		registry: registry,

		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatehouse_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gatehouse_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		LoginAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatehouse_login_attempts_total",
				Help: "SSO login attempts by protocol and outcome",
			},
			[]string{"protocol", "outcome"},
		),
		ValidationFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatehouse_validation_failures_total",
				Help: "Protocol validation failures by reason",
			},
			[]string{"protocol", "reason"},
		),
		UpstreamRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatehouse_upstream_requests_total",
				Help: "Requests to upstream IdPs (token exchange, JWKS, metadata)",
			},
			[]string{"operation", "status"},
		),
		UpstreamRequestSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gatehouse_upstream_request_duration_seconds",
				Help:    "Upstream IdP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),

		JWKSCacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatehouse_jwks_cache_hits_total",
				Help: "JWKS/IdP metadata cache hits",
			},
			[]string{"org_id"},
		),
		JWKSCacheMisses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatehouse_jwks_cache_misses_total",
				Help: "JWKS/IdP metadata cache misses",
			},
			[]string{"org_id"},
		),
		JWKSRefreshesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatehouse_jwks_refreshes_total",
				Help: "JWKS refresh fetches by status",
			},
			[]string{"status"},
		),

		SessionsCreatedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatehouse_sessions_created_total",
				Help: "Sessions created by provider",
			},
			[]string{"provider"},
		),
		SessionsEvictedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatehouse_sessions_evicted_total",
				Help: "Sessions evicted due to the concurrency limit",
			},
			[]string{"provider"},
		),
		SessionsRevokedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatehouse_sessions_revoked_total",
				Help: "Sessions revoked by logout or admin action",
			},
			[]string{"reason"},
		),
		SessionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "gatehouse_sessions_active",
				Help: "Currently active sessions",
			},
		),

		UsersProvisionedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatehouse_users_provisioned_total",
				Help: "JIT provisioning outcomes by provider and mode",
			},
			[]string{"provider", "mode"},
		),
		ProvisioningConflicts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "gatehouse_provisioning_conflicts_total",
				Help: "Duplicate-identity races resolved by conflict retry",
			},
		),
		RoleResyncFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "gatehouse_role_resync_failures_total",
				Help: "Best-effort group role resyncs that failed at login",
			},
		),

		SCIMOperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatehouse_scim_operations_total",
				Help: "SCIM operations by resource, operation, and status",
			},
			[]string{"resource", "operation", "status"},
		),
		SCIMOperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gatehouse_scim_operation_duration_seconds",
				Help:    "SCIM operation duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"resource", "operation"},
		),

		CertRotationsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "gatehouse_certificate_rotations_total",
				Help: "Certificate rotations performed",
			},
		),
		CertPromotionsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "gatehouse_certificate_promotions_total",
				Help: "Secondary certificates promoted to primary",
			},
		),
		CertSweepsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "gatehouse_certificate_sweeps_total",
				Help: "Demoted certificates removed after the grace window",
			},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.LoginAttemptsTotal,
		m.ValidationFailures,
		m.UpstreamRequestsTotal,
		m.UpstreamRequestSeconds,
		m.JWKSCacheHits,
		m.JWKSCacheMisses,
		m.JWKSRefreshesTotal,
		m.SessionsCreatedTotal,
		m.SessionsEvictedTotal,
		m.SessionsRevokedTotal,
		m.SessionsActive,
		m.UsersProvisionedTotal,
		m.ProvisioningConflicts,
		m.RoleResyncFailures,
		m.SCIMOperationsTotal,
		m.SCIMOperationDuration,
		m.CertRotationsTotal,
		m.CertPromotionsTotal,
		m.CertSweepsTotal,
	)

	return m
}

// Handler returns an HTTP handler that serves the metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// statusRecorder captures the response status code for metrics
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware instruments HTTP handlers with request count and duration
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		m.HTTPRequestsTotal.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(rec.status)).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(time.Since(start).Seconds())
	})
}

// RecordLogin records a login attempt outcome
func (m *Metrics) RecordLogin(protocol, outcome string) {
	m.LoginAttemptsTotal.WithLabelValues(protocol, outcome).Inc()
}

// RecordValidationFailure records a protocol validation failure
func (m *Metrics) RecordValidationFailure(protocol, reason string) {
	m.ValidationFailures.WithLabelValues(protocol, reason).Inc()
}

// RecordUpstream records an upstream IdP request
func (m *Metrics) RecordUpstream(operation, status string, duration time.Duration) {
	m.UpstreamRequestsTotal.WithLabelValues(operation, status).Inc()
	m.UpstreamRequestSeconds.WithLabelValues(operation).Observe(duration.Seconds())
}
