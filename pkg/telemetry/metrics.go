package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for HostForge. A nil *Metrics or
// a disabled configuration is a no-op, so callers never guard their
// recording calls.
type Metrics struct {
	config MetricsConfig

	// Request metrics
	requestsCreated   *prometheus.CounterVec
	requestsCompleted *prometheus.CounterVec
	activeRequests    prometheus.Gauge

	// Machine metrics
	machinesProvisioned *prometheus.CounterVec

	// Backend call metrics
	backendCalls        *prometheus.CounterVec
	backendCallDuration *prometheus.HistogramVec
	circuitOpenTotal    *prometheus.CounterVec

	// Reconciler metrics
	reconcilePasses   prometheus.Counter
	reconcileDuration prometheus.Histogram

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		requestsCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_created_total",
				Help:      "Total number of requests created",
			},
			[]string{"kind"},
		),
		requestsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_completed_total",
				Help:      "Total number of requests that reached a terminal status",
			},
			[]string{"status"},
		),
		activeRequests: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_requests",
				Help:      "Current number of non-terminal requests",
			},
		),

		machinesProvisioned: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "machines_provisioned_total",
				Help:      "Total number of machines first observed from a backend",
			},
			[]string{"price_type"},
		),

		backendCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backend_calls_total",
				Help:      "Total number of backend strategy calls",
			},
			[]string{"strategy", "operation", "outcome"},
		),
		backendCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "backend_call_duration_seconds",
				Help:      "Duration of backend strategy calls in seconds",
				Buckets:   buckets,
			},
			[]string{"strategy", "operation"},
		),
		circuitOpenTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_open_total",
				Help:      "Total number of calls rejected by an open circuit breaker",
			},
			[]string{"strategy"},
		),

		reconcilePasses: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconcile_passes_total",
				Help:      "Total number of reconciliation passes",
			},
		),
		reconcileDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "reconcile_pass_duration_seconds",
				Help:      "Duration of a full reconciliation pass in seconds",
				Buckets:   buckets,
			},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),
	}

	registry.MustRegister(
		m.requestsCreated,
		m.requestsCompleted,
		m.activeRequests,
		m.machinesProvisioned,
		m.backendCalls,
		m.backendCallDuration,
		m.circuitOpenTotal,
		m.reconcilePasses,
		m.reconcileDuration,
		m.errorsByClass,
		m.errorsByCode,
	)

	return m, nil
}

// IncRequestCreated increments the counter for created requests.
func (m *Metrics) IncRequestCreated(kind string) {
	if m == nil || m.requestsCreated == nil {
		return
	}
	m.requestsCreated.WithLabelValues(kind).Inc()
	m.activeRequests.Inc()
}

// IncRequestCompleted records a request reaching a terminal status.
func (m *Metrics) IncRequestCompleted(status string) {
	if m == nil || m.requestsCompleted == nil {
		return
	}
	m.requestsCompleted.WithLabelValues(status).Inc()
	m.activeRequests.Dec()
}

// IncMachineProvisioned records a machine first observed from a backend.
func (m *Metrics) IncMachineProvisioned(priceType string) {
	if m == nil || m.machinesProvisioned == nil {
		return
	}
	if priceType == "" {
		priceType = "unknown"
	}
	m.machinesProvisioned.WithLabelValues(priceType).Inc()
}

// ObserveBackendCall records one wrapped backend call with its outcome
// and duration.
func (m *Metrics) ObserveBackendCall(strategy, operation string, seconds float64, success bool) {
	if m == nil || m.backendCalls == nil {
		return
	}
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.backendCalls.WithLabelValues(strategy, operation, outcome).Inc()
	m.backendCallDuration.WithLabelValues(strategy, operation).Observe(seconds)
}

// IncCircuitOpen records a call rejected by an open breaker.
func (m *Metrics) IncCircuitOpen(strategy string) {
	if m == nil || m.circuitOpenTotal == nil {
		return
	}
	m.circuitOpenTotal.WithLabelValues(strategy).Inc()
}

// ObserveReconcilePass records one full reconciliation pass.
func (m *Metrics) ObserveReconcilePass(seconds float64) {
	if m == nil || m.reconcilePasses == nil {
		return
	}
	m.reconcilePasses.Inc()
	m.reconcileDuration.Observe(seconds)
}

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m == nil || m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" && m.errorsByCode != nil {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration is a helper to time an operation and record it.
func (t *Timer) ObserveDuration(observer prometheus.Observer) {
	observer.Observe(t.Duration().Seconds())
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics.
func (m *Metrics) StartMetricsServer() error {
	if m == nil || !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			// Log error but don't fail the application
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return nil
}
