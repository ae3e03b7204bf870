package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for module runs and cascades.
// A nil *Metrics and a disabled instance are both no-ops.
type Metrics struct {
	config MetricsConfig

	// Module run metrics
	moduleRunsStarted   *prometheus.CounterVec
	moduleRunsCompleted *prometheus.CounterVec
	moduleRunDuration   *prometheus.HistogramVec
	activeModuleRuns    prometheus.Gauge

	// Cascade metrics
	cascadesStarted   *prometheus.CounterVec
	cascadesCompleted *prometheus.CounterVec
	cascadeDuration   *prometheus.HistogramVec
	modulesSkipped    *prometheus.CounterVec

	// Lock metrics
	lockContention *prometheus.CounterVec
	forceUnlocks   prometheus.Counter

	// Policy gate metrics
	policyDecisions *prometheus.CounterVec

	errorsByCode *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DurationBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		moduleRunsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "module_runs_started_total",
				Help:      "Total number of module runs admitted",
			},
			[]string{"operation", "trigger"},
		),
		moduleRunsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "module_runs_completed_total",
				Help:      "Total number of module runs that reached a terminal status",
			},
			[]string{"operation", "status"},
		),
		moduleRunDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "module_run_duration_seconds",
				Help:      "Wall time from admission to terminal status",
				Buckets:   buckets,
			},
			[]string{"operation", "status"},
		),
		activeModuleRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_module_runs",
				Help:      "Current number of non-terminal module runs",
			},
		),

		cascadesStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cascades_started_total",
				Help:      "Total number of environment runs started",
			},
			[]string{"operation"},
		),
		cascadesCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cascades_completed_total",
				Help:      "Total number of environment runs completed",
			},
			[]string{"operation", "status"},
		),
		cascadeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "cascade_duration_seconds",
				Help:      "Duration of environment runs in seconds",
				Buckets:   buckets,
			},
			[]string{"operation"},
		),
		modulesSkipped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "modules_skipped_total",
				Help:      "Modules skipped because an upstream module did not succeed",
			},
			[]string{"operation"},
		),

		lockContention: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lock_contention_total",
				Help:      "Runs rejected because a lock was held",
			},
			[]string{"scope"},
		),
		forceUnlocks: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "force_unlocks_total",
				Help:      "Module locks cleared by force-unlock",
			},
		),

		policyDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "policy_decisions_total",
				Help:      "Auto-confirm policy decisions",
			},
			[]string{"decision"},
		),

		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),
	}

	registry.MustRegister(
		m.moduleRunsStarted,
		m.moduleRunsCompleted,
		m.moduleRunDuration,
		m.activeModuleRuns,
		m.cascadesStarted,
		m.cascadesCompleted,
		m.cascadeDuration,
		m.modulesSkipped,
		m.lockContention,
		m.forceUnlocks,
		m.policyDecisions,
		m.errorsByCode,
	)

	return m, nil
}

// Module run metrics

// RecordModuleRunStarted increments the admitted run counter and the active gauge.
func (m *Metrics) RecordModuleRunStarted(operation, trigger string) {
	if m == nil || m.moduleRunsStarted == nil {
		return
	}
	m.moduleRunsStarted.WithLabelValues(operation, trigger).Inc()
	m.activeModuleRuns.Inc()
}

// RecordModuleRunCompleted records a terminal module run.
func (m *Metrics) RecordModuleRunCompleted(operation, status string, duration time.Duration) {
	if m == nil || m.moduleRunsCompleted == nil {
		return
	}
	m.moduleRunsCompleted.WithLabelValues(operation, status).Inc()
	m.moduleRunDuration.WithLabelValues(operation, status).Observe(duration.Seconds())
	m.activeModuleRuns.Dec()
}

// Cascade metrics

func (m *Metrics) RecordCascadeStarted(operation string) {
	if m == nil || m.cascadesStarted == nil {
		return
	}
	m.cascadesStarted.WithLabelValues(operation).Inc()
}

func (m *Metrics) RecordCascadeCompleted(operation, status string, duration time.Duration) {
	if m == nil || m.cascadesCompleted == nil {
		return
	}
	m.cascadesCompleted.WithLabelValues(operation, status).Inc()
	m.cascadeDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordModuleSkipped counts modules skipped by failure propagation.
func (m *Metrics) RecordModuleSkipped(operation string, count int) {
	if m == nil || m.modulesSkipped == nil || count <= 0 {
		return
	}
	m.modulesSkipped.WithLabelValues(operation).Add(float64(count))
}

// Lock metrics

// RecordLockContention counts a rejected admission. Scope is "environment" or "module".
func (m *Metrics) RecordLockContention(scope string) {
	if m == nil || m.lockContention == nil {
		return
	}
	m.lockContention.WithLabelValues(scope).Inc()
}

func (m *Metrics) RecordForceUnlock() {
	if m == nil || m.forceUnlocks == nil {
		return
	}
	m.forceUnlocks.Inc()
}

// RecordPolicyDecision records an auto-confirm gate outcome ("allow" or "deny").
func (m *Metrics) RecordPolicyDecision(decision string) {
	if m == nil || m.policyDecisions == nil {
		return
	}
	m.policyDecisions.WithLabelValues(decision).Inc()
}

// RecordError records an error by code.
func (m *Metrics) RecordError(code string) {
	if m == nil || m.errorsByCode == nil || code == "" {
		return
	}
	m.errorsByCode.WithLabelValues(code).Inc()
}

// Registry exposes the underlying registry, nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
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
