package telemetry

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Metrics provides Prometheus metrics for the reconciler. A disabled
// instance accepts every call and records nothing.
type Metrics struct {
	config MetricsConfig

	// Pass metrics
	passesStarted   *prometheus.CounterVec
	passesCompleted *prometheus.CounterVec
	passDuration    *prometheus.HistogramVec
	activePasses    prometheus.Gauge

	// Finding metrics
	resourcesObserved *prometheus.GaugeVec
	driftEvents       *prometheus.CounterVec
	violationsRaised  *prometheus.CounterVec
	violationsOpen    *prometheus.GaugeVec
	ruleErrors        *prometheus.CounterVec
	costAnomalies     *prometheus.CounterVec

	// Remediation metrics
	remediations        *prometheus.CounterVec
	remediationAttempts *prometheus.HistogramVec
	killSwitch          prometheus.Gauge

	// Adapter metrics
	adapterCalls    *prometheus.CounterVec
	adapterDuration *prometheus.HistogramVec
	adapterErrors   *prometheus.CounterVec

	// Event metrics
	eventsDropped prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
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

		passesStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "passes_started_total",
				Help:      "Total number of reconciliation passes started",
			},
			[]string{"scope", "trigger"},
		),
		passesCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "passes_completed_total",
				Help:      "Total number of reconciliation passes completed",
			},
			[]string{"scope", "status"},
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
		activePasses: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_passes",
				Help:      "Current number of running passes",
			},
		),

		resourcesObserved: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "resources_observed",
				Help:      "Resources in the last committed snapshot",
			},
			[]string{"scope"},
		),
		driftEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "drift_events_total",
				Help:      "Total number of drift findings",
			},
			[]string{"kind", "severity"},
		),
		violationsRaised: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "violations_raised_total",
				Help:      "Total number of newly raised policy violations",
			},
			[]string{"rule", "severity"},
		),
		violationsOpen: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "violations_open",
				Help:      "Open policy violations after the last pass",
			},
			[]string{"scope"},
		),
		ruleErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rule_errors_total",
				Help:      "Total number of failed rule evaluations",
			},
			[]string{"rule"},
		),
		costAnomalies: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cost_anomalies_total",
				Help:      "Total number of cost anomalies detected",
			},
			[]string{"provider", "severity"},
		),

		remediations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "remediations_total",
				Help:      "Total number of remediation records by final status",
			},
			[]string{"kind", "status"},
		),
		remediationAttempts: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "remediation_attempts",
				Help:      "Adapter attempts per remediation",
				Buckets:   []float64{1, 2, 3, 5, 8},
			},
			[]string{"kind"},
		),
		killSwitch: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "kill_switch_engaged",
				Help:      "1 when automated remediation is disabled",
			},
		),

		adapterCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "adapter_calls_total",
				Help:      "Total number of cloud adapter calls",
			},
			[]string{"provider", "operation"},
		),
		adapterDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "adapter_call_duration_seconds",
				Help:      "Duration of cloud adapter calls in seconds",
				Buckets:   buckets,
			},
			[]string{"provider", "operation"},
		),
		adapterErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "adapter_errors_total",
				Help:      "Total number of cloud adapter errors by category",
			},
			[]string{"provider", "operation", "category"},
		),

		eventsDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_dropped_total",
				Help:      "Events dropped because the publisher buffer was full",
			},
		),
	}

	registry.MustRegister(
		m.passesStarted,
		m.passesCompleted,
		m.passDuration,
		m.activePasses,
		m.resourcesObserved,
		m.driftEvents,
		m.violationsRaised,
		m.violationsOpen,
		m.ruleErrors,
		m.costAnomalies,
		m.remediations,
		m.remediationAttempts,
		m.killSwitch,
		m.adapterCalls,
		m.adapterDuration,
		m.adapterErrors,
		m.eventsDropped,
	)

	return m, nil
}

// Pass Metrics

// RecordPassStarted increments the started counter and the active gauge.
func (m *Metrics) RecordPassStarted(scope, trigger string) {
	if m == nil || m.passesStarted == nil {
		return
	}
	m.passesStarted.WithLabelValues(scope, trigger).Inc()
	m.activePasses.Inc()
}

// RecordPassCompleted records a finished pass with its status and duration.
func (m *Metrics) RecordPassCompleted(scope, status string, duration time.Duration) {
	if m == nil || m.passesCompleted == nil {
		return
	}
	m.passesCompleted.WithLabelValues(scope, status).Inc()
	m.passDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.activePasses.Dec()
}

// Finding Metrics

// SetResourcesObserved sets the snapshot size of a scope.
func (m *Metrics) SetResourcesObserved(scope string, count int) {
	if m == nil || m.resourcesObserved == nil {
		return
	}
	m.resourcesObserved.WithLabelValues(scope).Set(float64(count))
}

// RecordDrift records a drift finding.
func (m *Metrics) RecordDrift(kind, severity string) {
	if m == nil || m.driftEvents == nil {
		return
	}
	m.driftEvents.WithLabelValues(kind, severity).Inc()
}

// RecordViolationRaised records a newly raised violation.
func (m *Metrics) RecordViolationRaised(rule, severity string) {
	if m == nil || m.violationsRaised == nil {
		return
	}
	m.violationsRaised.WithLabelValues(rule, severity).Inc()
}

// SetOpenViolations sets the open violation count of a scope.
func (m *Metrics) SetOpenViolations(scope string, count int) {
	if m == nil || m.violationsOpen == nil {
		return
	}
	m.violationsOpen.WithLabelValues(scope).Set(float64(count))
}

// RecordRuleError records a failed rule evaluation.
func (m *Metrics) RecordRuleError(rule string) {
	if m == nil || m.ruleErrors == nil {
		return
	}
	m.ruleErrors.WithLabelValues(rule).Inc()
}

// RecordCostAnomaly records a detected cost anomaly.
func (m *Metrics) RecordCostAnomaly(provider, severity string) {
	if m == nil || m.costAnomalies == nil {
		return
	}
	m.costAnomalies.WithLabelValues(provider, severity).Inc()
}

// Remediation Metrics

// RecordRemediation records a remediation reaching a terminal status.
func (m *Metrics) RecordRemediation(kind, status string, attempts int) {
	if m == nil || m.remediations == nil {
		return
	}
	m.remediations.WithLabelValues(kind, status).Inc()
	if attempts > 0 {
		m.remediationAttempts.WithLabelValues(kind).Observe(float64(attempts))
	}
}

// SetKillSwitch reports whether automated remediation is disabled.
func (m *Metrics) SetKillSwitch(engaged bool) {
	if m == nil || m.killSwitch == nil {
		return
	}
	value := 0.0
	if engaged {
		value = 1.0
	}
	m.killSwitch.Set(value)
}

// Adapter Metrics

// RecordAdapterCall records an adapter call with its duration.
func (m *Metrics) RecordAdapterCall(provider, operation string, duration time.Duration) {
	if m == nil || m.adapterCalls == nil {
		return
	}
	m.adapterCalls.WithLabelValues(provider, operation).Inc()
	m.adapterDuration.WithLabelValues(provider, operation).Observe(duration.Seconds())
}

// RecordAdapterError records an adapter error by category.
func (m *Metrics) RecordAdapterError(provider, operation, category string) {
	if m == nil || m.adapterErrors == nil {
		return
	}
	m.adapterErrors.WithLabelValues(provider, operation, category).Inc()
}

// RecordEventDropped counts an event dropped by the publisher.
func (m *Metrics) RecordEventDropped() {
	if m == nil || m.eventsDropped == nil {
		return
	}
	m.eventsDropped.Inc()
}

// Registry returns the metrics registry, nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
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

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server exposing metrics. The returned
// server is nil when metrics are disabled.
func (m *Metrics) StartMetricsServer(logger zerolog.Logger) *http.Server {
	if !m.config.Enabled {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Str("address", server.Addr).Msg("Metrics server failed")
		}
	}()

	return server
}
