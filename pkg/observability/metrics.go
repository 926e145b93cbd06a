package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the identity core
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// SSO metrics
	LoginInitiationsTotal *prometheus.CounterVec
	LoginCallbacksTotal   *prometheus.CounterVec
	IdPRequestDuration    *prometheus.HistogramVec
	IdPErrorsTotal        *prometheus.CounterVec

	// Pending auth state metrics
	StateTokensIssuedTotal   prometheus.Counter
	StateTokensConsumedTotal *prometheus.CounterVec
	StateSweepDeletedTotal   prometheus.Counter

	// MFA metrics
	MFAVerificationsTotal *prometheus.CounterVec
	MFALockoutsTotal      prometheus.Counter
	BackupCodesUsedTotal  prometheus.Counter
	MFAEnrollmentsTotal   prometheus.Counter

	// Database metrics
	DBConnectionsActive prometheus.Gauge
	DBConnectionsIdle   prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "identity_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "identity_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		LoginInitiationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "identity_sso_login_initiations_total",
				Help: "Total number of SSO login initiations",
			},
			[]string{"provider"},
		),
		LoginCallbacksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "identity_sso_login_callbacks_total",
				Help: "Total number of SSO callbacks by outcome",
			},
			[]string{"provider", "outcome"},
		),
		IdPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "identity_idp_request_duration_seconds",
				Help:    "Round-trip duration of requests to external identity providers",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"provider", "operation"},
		),
		IdPErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "identity_idp_errors_total",
				Help: "Total number of identity provider errors by class",
			},
			[]string{"provider", "class"},
		),

		StateTokensIssuedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "identity_state_tokens_issued_total",
				Help: "Total number of pending auth state tokens issued",
			},
		),
		StateTokensConsumedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "identity_state_tokens_consumed_total",
				Help: "Total number of state token consumption attempts by outcome",
			},
			[]string{"outcome"},
		),
		StateSweepDeletedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "identity_state_sweep_deleted_total",
				Help: "Total number of expired or consumed state rows deleted by the sweep",
			},
		),

		MFAVerificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "identity_mfa_verifications_total",
				Help: "Total number of MFA verification attempts by method and outcome",
			},
			[]string{"method", "outcome"},
		),
		MFALockoutsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "identity_mfa_lockouts_total",
				Help: "Total number of MFA lockouts triggered",
			},
		),
		BackupCodesUsedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "identity_mfa_backup_codes_used_total",
				Help: "Total number of backup codes consumed",
			},
		),
		MFAEnrollmentsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "identity_mfa_enrollments_total",
				Help: "Total number of completed MFA enrollments",
			},
		),

		DBConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "identity_db_connections_active",
				Help: "Number of active database connections",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "identity_db_connections_idle",
				Help: "Number of idle database connections",
			},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.LoginInitiationsTotal,
		m.LoginCallbacksTotal,
		m.IdPRequestDuration,
		m.IdPErrorsTotal,
		m.StateTokensIssuedTotal,
		m.StateTokensConsumedTotal,
		m.StateSweepDeletedTotal,
		m.MFAVerificationsTotal,
		m.MFALockoutsTotal,
		m.BackupCodesUsedTotal,
		m.MFAEnrollmentsTotal,
		m.DBConnectionsActive,
		m.DBConnectionsIdle,
	)

	return m
}

// ObserveIdPRequest records the duration of a request to an external IdP
func (m *Metrics) ObserveIdPRequest(provider, operation string, start time.Time) {
	m.IdPRequestDuration.WithLabelValues(provider, operation).Observe(time.Since(start).Seconds())
}

// Handler returns an http.Handler exposing the metrics registry
func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps an HTTP handler with request counting and timing
func (m *Metrics) InstrumentHandler(path string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		m.HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(sw.status)).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// statusWriter captures the response status code
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
