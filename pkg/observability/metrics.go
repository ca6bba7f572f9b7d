package observability

import (
	"database/sql"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the auth core.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Auth operation metrics
	LoginsTotal          *prometheus.CounterVec
	RegistrationsTotal   *prometheus.CounterVec
	TokenRefreshesTotal  *prometheus.CounterVec
	RefreshReuseTotal    prometheus.Counter
	AccountLockoutsTotal prometheus.Counter
	OAuthLoginsTotal     *prometheus.CounterVec
	PasswordResetsTotal  *prometheus.CounterVec

	// Rate limiting
	RateLimitRejectionsTotal *prometheus.CounterVec

	// Database pool
	DBConnectionsActive prometheus.Gauge
	DBConnectionsIdle   prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeep_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gatekeep_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		LoginsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeep_logins_total",
				Help: "Login attempts by outcome",
			},
			[]string{"outcome"},
		),
		RegistrationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeep_registrations_total",
				Help: "Registration attempts by outcome",
			},
			[]string{"outcome"},
		),
		TokenRefreshesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeep_token_refreshes_total",
				Help: "Refresh token rotations by outcome",
			},
			[]string{"outcome"},
		),
		RefreshReuseTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "gatekeep_refresh_reuse_detected_total",
				Help: "Presentations of an already-revoked refresh token",
			},
		),
		AccountLockoutsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "gatekeep_account_lockouts_total",
				Help: "Accounts locked after repeated login failures",
			},
		),
		OAuthLoginsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeep_oauth_logins_total",
				Help: "Federated logins by provider and outcome",
			},
			[]string{"provider", "outcome"},
		),
		PasswordResetsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeep_password_resets_total",
				Help: "Password reset completions by outcome",
			},
			[]string{"outcome"},
		),
		RateLimitRejectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeep_ratelimit_rejections_total",
				Help: "Requests rejected by the rate limiter, per scope",
			},
			[]string{"scope"},
		),
		DBConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "gatekeep_db_connections_active",
				Help: "Open connections currently in use",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "gatekeep_db_connections_idle",
				Help: "Idle connections in the pool",
			},
		),
		registry: registry,
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.LoginsTotal,
		m.RegistrationsTotal,
		m.TokenRefreshesTotal,
		m.RefreshReuseTotal,
		m.AccountLockoutsTotal,
		m.OAuthLoginsTotal,
		m.PasswordResetsTotal,
		m.RateLimitRejectionsTotal,
		m.DBConnectionsActive,
		m.DBConnectionsIdle,
	)

	return m
}

// UpdateDBStats copies sql.DB pool statistics into the gauges.
func (m *Metrics) UpdateDBStats(stats sql.DBStats) {
	m.DBConnectionsActive.Set(float64(stats.InUse))
	m.DBConnectionsIdle.Set(float64(stats.Idle))
}

// Handler returns the /metrics endpoint handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
