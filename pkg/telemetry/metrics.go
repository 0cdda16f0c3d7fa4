package telemetry

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics provides Prometheus metrics for provisioning runs. A disabled
// instance accepts every call and records nothing.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	runsStarted   *prometheus.CounterVec
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	lastRun       *prometheus.GaugeVec

	// Step metrics
	stepsExecuted *prometheus.CounterVec
	stepDuration  *prometheus.HistogramVec
	changes       *prometheus.CounterVec
	warnings      *prometheus.CounterVec

	// Remote command metrics
	remoteCommands        *prometheus.CounterVec
	remoteCommandDuration *prometheus.HistogramVec
	uploads               *prometheus.CounterVec

	errorsByKind *prometheus.CounterVec

	activeRuns prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.Buckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		runsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_started_total",
				Help:      "Total number of runs started",
			},
			[]string{"plan"},
		),
		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of runs completed",
			},
			[]string{"plan", "status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of run execution in seconds",
				Buckets:   buckets,
			},
			[]string{"plan", "status"},
		),
		lastRun: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_run_timestamp_seconds",
				Help:      "Unix time the last run of each plan finished",
			},
			[]string{"plan", "status"},
		),

		stepsExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "steps_executed_total",
				Help:      "Total number of steps executed",
			},
			[]string{"step", "status"},
		),
		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "step_duration_seconds",
				Help:      "Duration of step execution in seconds",
				Buckets:   buckets,
			},
			[]string{"step"},
		),
		changes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "changes_total",
				Help:      "Total number of host mutations",
			},
			[]string{"step"},
		),
		warnings: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "warnings_total",
				Help:      "Total number of recorded warnings",
			},
			[]string{"step"},
		),

		remoteCommands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "remote_commands_total",
				Help:      "Total number of remote commands",
			},
			[]string{"program", "outcome"},
		),
		remoteCommandDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "remote_command_duration_seconds",
				Help:      "Duration of remote commands in seconds",
				Buckets:   buckets,
			},
			[]string{"program"},
		),
		uploads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "uploads_total",
				Help:      "Total number of artifact uploads and substitutions",
			},
			[]string{"kind", "outcome"},
		),

		errorsByKind: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total number of step errors by kind",
			},
			[]string{"kind"},
		),

		activeRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_runs",
				Help:      "Current number of active runs",
			},
		),
	}

	registry.MustRegister(
		m.runsStarted,
		m.runsCompleted,
		m.runDuration,
		m.lastRun,
		m.stepsExecuted,
		m.stepDuration,
		m.changes,
		m.warnings,
		m.remoteCommands,
		m.remoteCommandDuration,
		m.uploads,
		m.errorsByKind,
		m.activeRuns,
	)

	return m, nil
}

// Enabled reports whether the instance records anything.
func (m *Metrics) Enabled() bool {
	return m.registry != nil
}

// Registry returns the underlying registry, or nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordRunStarted increments the counter for started runs.
func (m *Metrics) RecordRunStarted(plan string) {
	if m.registry == nil {
		return
	}
	m.runsStarted.WithLabelValues(plan).Inc()
	m.activeRuns.Inc()
}

// RecordRunCompleted records a completed run with its status and duration.
func (m *Metrics) RecordRunCompleted(plan, status string, duration time.Duration) {
	if m.registry == nil {
		return
	}
	m.runsCompleted.WithLabelValues(plan, status).Inc()
	m.runDuration.WithLabelValues(plan, status).Observe(duration.Seconds())
	m.lastRun.WithLabelValues(plan, status).SetToCurrentTime()
	m.activeRuns.Dec()
}

// RecordStep records one executed step and its effects.
func (m *Metrics) RecordStep(step, status string, duration time.Duration, changes, warnings int) {
	if m.registry == nil {
		return
	}
	m.stepsExecuted.WithLabelValues(step, status).Inc()
	m.stepDuration.WithLabelValues(step).Observe(duration.Seconds())
	if changes > 0 {
		m.changes.WithLabelValues(step).Add(float64(changes))
	}
	if warnings > 0 {
		m.warnings.WithLabelValues(step).Add(float64(warnings))
	}
}

// RecordRemoteCommand records a remote command. Outcome is ok, exit or error.
func (m *Metrics) RecordRemoteCommand(program, outcome string, duration time.Duration) {
	if m.registry == nil {
		return
	}
	m.remoteCommands.WithLabelValues(program, outcome).Inc()
	m.remoteCommandDuration.WithLabelValues(program).Observe(duration.Seconds())
}

// RecordUpload records an upload or substitution.
func (m *Metrics) RecordUpload(kind string, err error) {
	if m.registry == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.uploads.WithLabelValues(kind, outcome).Inc()
}

// RecordError records a step error by kind.
func (m *Metrics) RecordError(kind string) {
	if m.registry == nil {
		return
	}
	m.errorsByKind.WithLabelValues(kind).Inc()
}

// WriteTextfile writes every metric to the configured textfile for the
// node_exporter textfile collector. The write goes through a temporary
// file so the collector never reads a partial file.
func (m *Metrics) WriteTextfile() error {
	if m.registry == nil || m.config.Textfile == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(m.config.Textfile), 0o755); err != nil {
		return fmt.Errorf("failed to create textfile directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(m.config.Textfile, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	return nil
}
