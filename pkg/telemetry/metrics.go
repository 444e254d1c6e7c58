package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the rangerd agent.
type Metrics struct {
	config MetricsConfig

	// Pass metrics
	passesStarted   *prometheus.CounterVec
	passesCompleted *prometheus.CounterVec
	passDuration    *prometheus.HistogramVec

	// Dependency metrics
	dependencyState       *prometheus.GaugeVec
	dependenciesSatisfied prometheus.Gauge

	// Workload metrics
	applies      *prometheus.CounterVec
	restarts     *prometheus.CounterVec
	healthChecks *prometheus.CounterVec

	// Publication metrics
	publishes *prometheus.CounterVec

	// Error metrics
	errorsByKind *prometheus.CounterVec

	// System metrics
	passInFlight      prometheus.Gauge
	triggersCoalesced prometheus.Counter

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

	// Create a new registry
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		// Pass metrics
		passesStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "passes_started_total",
				Help:      "Total number of reconciliation passes started",
			},
			[]string{"trigger"},
		),
		passesCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "passes_completed_total",
				Help:      "Total number of reconciliation passes completed",
			},
			[]string{"status"},
		),
		passDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "pass_duration_seconds",
				Help:      "Duration of reconciliation passes in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),

		// Dependency metrics
		dependencyState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "dependencies",
				Help:      "Current number of tracked dependencies by kind and state",
			},
			[]string{"kind", "state"},
		),
		dependenciesSatisfied: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "dependencies_satisfied",
				Help:      "Whether every mandatory dependency kind is ready (1=satisfied)",
			},
		),

		// Workload metrics
		applies: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "applies_total",
				Help:      "Total number of bundle apply attempts",
			},
			[]string{"result"},
		),
		restarts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "workload_restarts_total",
				Help:      "Total number of workload restart commands issued",
			},
			[]string{"service"},
		),
		healthChecks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "health_checks_total",
				Help:      "Total number of workload health checks by result",
			},
			[]string{"result"},
		),

		// Publication metrics
		publishes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fact_publishes_total",
				Help:      "Total number of fact publications by consumer and result",
			},
			[]string{"consumer", "result"},
		),

		// Error metrics
		errorsByKind: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total number of reconciliation errors by kind",
			},
			[]string{"kind"},
		),

		// System metrics
		passInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pass_in_flight",
				Help:      "Whether a reconciliation pass is currently executing",
			},
		),
		triggersCoalesced: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "triggers_coalesced_total",
				Help:      "Total number of triggers folded into an already-queued pass",
			},
		),
	}

	// Register all metrics
	registry.MustRegister(
		m.passesStarted,
		m.passesCompleted,
		m.passDuration,
		m.dependencyState,
		m.dependenciesSatisfied,
		m.applies,
		m.restarts,
		m.healthChecks,
		m.publishes,
		m.errorsByKind,
		m.passInFlight,
		m.triggersCoalesced,
	)

	return m, nil
}

// Pass Metrics

// RecordPassStarted increments the counter for started passes.
func (m *Metrics) RecordPassStarted(trigger string) {
	if m.passesStarted == nil {
		return
	}
	m.passesStarted.WithLabelValues(trigger).Inc()
	m.passInFlight.Set(1)
}

// RecordPassCompleted records a completed pass with its status and duration.
func (m *Metrics) RecordPassCompleted(status string, duration time.Duration) {
	if m.passesCompleted == nil {
		return
	}
	m.passesCompleted.WithLabelValues(status).Inc()
	m.passDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.passInFlight.Set(0)
}

// Dependency Metrics

// SetDependencyCount sets the current count of dependencies in a kind/state cell.
func (m *Metrics) SetDependencyCount(kind, state string, count float64) {
	if m.dependencyState == nil {
		return
	}
	m.dependencyState.WithLabelValues(kind, state).Set(count)
}

// SetSatisfied records whether all mandatory dependency kinds are ready.
func (m *Metrics) SetSatisfied(satisfied bool) {
	if m.dependenciesSatisfied == nil {
		return
	}
	value := 0.0
	if satisfied {
		value = 1.0
	}
	m.dependenciesSatisfied.Set(value)
}

// Workload Metrics

// RecordApply records a bundle apply attempt (result: applied, skipped, failed).
func (m *Metrics) RecordApply(result string) {
	if m.applies == nil {
		return
	}
	m.applies.WithLabelValues(result).Inc()
}

// RecordRestart records a workload restart command.
func (m *Metrics) RecordRestart(service string) {
	if m.restarts == nil {
		return
	}
	m.restarts.WithLabelValues(service).Inc()
}

// RecordHealthCheck records a health check result (healthy, unhealthy, unknown).
func (m *Metrics) RecordHealthCheck(result string) {
	if m.healthChecks == nil {
		return
	}
	m.healthChecks.WithLabelValues(result).Inc()
}

// Publication Metrics

// RecordPublish records a fact publication (result: written, unchanged).
func (m *Metrics) RecordPublish(consumer, result string) {
	if m.publishes == nil {
		return
	}
	m.publishes.WithLabelValues(consumer, result).Inc()
}

// Error Metrics

// RecordError records a reconciliation error by kind.
func (m *Metrics) RecordError(kind string) {
	if m.errorsByKind == nil {
		return
	}
	m.errorsByKind.WithLabelValues(kind).Inc()
}

// System Metrics

// RecordTriggerCoalesced records a trigger folded into an already-queued pass.
func (m *Metrics) RecordTriggerCoalesced() {
	if m.triggersCoalesced == nil {
		return
	}
	m.triggersCoalesced.Inc()
}

// Handler returns an HTTP handler for the metrics endpoint. Disabled metrics
// serve 404 rather than an empty exposition.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}
