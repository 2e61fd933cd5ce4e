package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome label values
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeShared  = "shared"
)

// Metrics holds the client's collectors on a private registry so several
// clients in one process never collide. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	gatewayRequests *prometheus.CounterVec
	gatewayLatency  *prometheus.HistogramVec
	gatewayRefresh  *prometheus.CounterVec
	cartMutations   *prometheus.CounterVec
	ordersPlaced    prometheus.Counter

	httpRequests *prometheus.CounterVec
	httpInFlight prometheus.Gauge
}

// New creates and registers every collector
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		gatewayRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storefront_gateway_requests_total",
				Help: "Outbound API requests by method and response code.",
			},
			[]string{"method", "code"},
		),
		gatewayLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "storefront_gateway_request_duration_seconds",
				Help:    "Outbound API request latencies in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		gatewayRefresh: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storefront_gateway_refresh_total",
				Help: "Access token refresh attempts by outcome.",
			},
			[]string{"outcome"},
		),
		cartMutations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storefront_cart_mutations_total",
				Help: "Cart operations by kind and outcome.",
			},
			[]string{"op", "outcome"},
		),
		ordersPlaced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "storefront_orders_placed_total",
			Help: "Orders created from the cart.",
		}),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stubapi_http_requests_total",
				Help: "Requests served by the stub API.",
			},
			[]string{"method", "status"},
		),
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stubapi_http_in_flight_requests",
			Help: "In-flight stub API requests.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		m.gatewayRequests,
		m.gatewayLatency,
		m.gatewayRefresh,
		m.cartMutations,
		m.ordersPlaced,
		m.httpRequests,
		m.httpInFlight,
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRequest records one outbound request. code 0 means a transport error.
func (m *Metrics) ObserveRequest(method string, code int, d time.Duration) {
	if m == nil {
		return
	}
	label := "error"
	if code > 0 {
		label = strconv.Itoa(code)
	}
	m.gatewayRequests.WithLabelValues(method, label).Inc()
	m.gatewayLatency.WithLabelValues(method).Observe(d.Seconds())
}

// Refresh records a token refresh outcome
func (m *Metrics) Refresh(outcome string) {
	if m == nil {
		return
	}
	m.gatewayRefresh.WithLabelValues(outcome).Inc()
}

// CartMutation records a cart operation
func (m *Metrics) CartMutation(op string, err error) {
	if m == nil {
		return
	}
	m.cartMutations.WithLabelValues(op, outcomeOf(err)).Inc()
}

// OrderPlaced counts a successful checkout
func (m *Metrics) OrderPlaced() {
	if m == nil {
		return
	}
	m.ordersPlaced.Inc()
}

// Instrument wraps a server handler with request counting
func (m *Metrics) Instrument(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.httpInFlight.Inc()
		defer m.httpInFlight.Dec()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		m.httpRequests.WithLabelValues(r.Method, strconv.Itoa(sw.code)).Inc()
	})
}

func outcomeOf(err error) string {
	if err != nil {
		return OutcomeFailure
	}
	return OutcomeSuccess
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
