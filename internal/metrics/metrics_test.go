package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	m := New()

	m.ObserveRequest("GET", 200, 10*time.Millisecond)
	m.ObserveRequest("GET", 200, 5*time.Millisecond)
	m.ObserveRequest("POST", 0, time.Millisecond)
	m.Refresh(OutcomeSuccess)
	m.CartMutation("add", nil)
	m.CartMutation("add", errors.New("boom"))
	m.OrderPlaced()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.gatewayRequests.WithLabelValues("GET", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.gatewayRequests.WithLabelValues("POST", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.gatewayRefresh.WithLabelValues(OutcomeSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cartMutations.WithLabelValues("add", OutcomeSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cartMutations.WithLabelValues("add", OutcomeFailure)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ordersPlaced))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.ObserveRequest("GET", 200, time.Millisecond)
		m.Refresh(OutcomeFailure)
		m.CartMutation("clear", nil)
		m.OrderPlaced()
	})

	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	assert.NotNil(t, m.Instrument(h))
}

func TestMetrics_HandlerAndInstrument(t *testing.T) {
	m := New()

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	rec := httptest.NewRecorder()
	m.Instrument(inner).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/cart/", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)

	rec = httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `stubapi_http_requests_total{method="GET",status="418"} 1`))
}
