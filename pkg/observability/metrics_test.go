package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetricsRegisters(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)
	require.NotNil(t, m)

	m.RecordLogin("saml", "success")
	m.RecordValidationFailure("oidc", "state_mismatch")
	m.SessionsActive.Set(3)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.LoginAttemptsTotal.WithLabelValues("saml", "success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ValidationFailures.WithLabelValues("oidc", "state_mismatch")))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.SessionsActive))
}

func TestNewMetricsNilRegistry(t *testing.T) {
	m := NewMetrics(nil)
	require.NotNil(t, m)
	require.NotNil(t, m.Handler())
}

func TestMetricsMiddleware(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	handler := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodGet, "/sso/saml/login", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, float64(1), testutil.ToFloat64(
		m.HTTPRequestsTotal.WithLabelValues("GET", "/sso/saml/login", "418")))
}

func TestRecordUpstream(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.RecordUpstream("token_exchange", "ok", 120*time.Millisecond)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.UpstreamRequestsTotal.WithLabelValues("token_exchange", "ok")))
}
