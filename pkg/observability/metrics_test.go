package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetricsRegisters(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)
	require.NotNil(t, m)

	m.LoginInitiationsTotal.WithLabelValues("google").Inc()
	m.LoginCallbacksTotal.WithLabelValues("google", "success").Inc()
	m.MFAVerificationsTotal.WithLabelValues("totp", "failure").Add(3)
	m.MFALockoutsTotal.Inc()
	m.StateTokensIssuedTotal.Inc()

	assert.Equal(t, float64(1), testutil.ToFloat64(m.LoginInitiationsTotal.WithLabelValues("google")))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.MFAVerificationsTotal.WithLabelValues("totp", "failure")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.MFALockoutsTotal))
}

func TestInstrumentHandler(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)

	handler := m.InstrumentHandler("/auth/mfa/verify", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))

	req := httptest.NewRequest(http.MethodPost, "/auth/mfa/verify", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, float64(1), testutil.ToFloat64(
		m.HTTPRequestsTotal.WithLabelValues(http.MethodPost, "/auth/mfa/verify", "401")))
}

func TestMetricsHandlerExposition(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)
	m.BackupCodesUsedTotal.Inc()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	Handler(registry).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "identity_mfa_backup_codes_used_total 1")
}
