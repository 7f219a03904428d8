// Package observability holds the Prometheus registry, the HTTP metrics
// middleware and the engine counters.
package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
)

// Metrics collects the application's Prometheus metrics.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	movementsTotal  *prometheus.CounterVec
	reversalsTotal  prometheus.Counter
	paymentsTotal   prometheus.Counter
	paymentsAmount  prometheus.Counter
	paymentReversed prometheus.Counter
	driftPositions  prometheus.Gauge
}

// NewMetrics initialises the registry and the base metrics.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meridian_http_requests_total",
		Help: "HTTP requests by route and status code.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "meridian_http_request_duration_seconds",
		Help:    "HTTP request duration per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	movements := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meridian_ledger_movements_total",
		Help: "Posted stock movements by transaction type.",
	}, []string{"type"})
	reversals := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "meridian_ledger_reversals_total",
		Help: "Posted compensating stock reversals.",
	})
	paymentsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "meridian_payments_created_total",
		Help: "Payments recorded.",
	})
	paymentsAmount := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "meridian_payments_allocated_amount_total",
		Help: "Sum of allocated payment amounts.",
	})
	paymentReversed := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "meridian_payments_reversed_total",
		Help: "Reversing payments recorded.",
	})
	drift := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "meridian_ledger_drift_positions",
		Help: "Positions whose cached quantity disagrees with the transaction sum, from the last reconciliation run.",
	})
	registry.MustRegister(requests, duration, movements, reversals, paymentsTotal, paymentsAmount, paymentReversed, drift)
	return &Metrics{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:   requests,
		requestDuration: duration,
		movementsTotal:  movements,
		reversalsTotal:  reversals,
		paymentsTotal:   paymentsTotal,
		paymentsAmount:  paymentsAmount,
		paymentReversed: paymentReversed,
		driftPositions:  drift,
	}
}

// Handler returns the http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records request counters and latency for every HTTP request.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// Registerer exposes the registry for custom metric registration.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

// MovementPosted implements the ledger metrics port.
func (m *Metrics) MovementPosted(txType string) {
	if m == nil {
		return
	}
	m.movementsTotal.WithLabelValues(txType).Inc()
}

// ReversalPosted implements the ledger metrics port.
func (m *Metrics) ReversalPosted() {
	if m == nil {
		return
	}
	m.reversalsTotal.Inc()
}

// PaymentCreated implements the payments metrics port.
func (m *Metrics) PaymentCreated(amount decimal.Decimal) {
	if m == nil {
		return
	}
	m.paymentsTotal.Inc()
	f, _ := amount.Float64()
	m.paymentsAmount.Add(f)
}

// PaymentReversed implements the payments metrics port.
func (m *Metrics) PaymentReversed() {
	if m == nil {
		return
	}
	m.paymentReversed.Inc()
}

// DriftObserved records the drift count from a reconciliation run.
func (m *Metrics) DriftObserved(count int) {
	if m == nil {
		return
	}
	m.driftPositions.Set(float64(count))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
