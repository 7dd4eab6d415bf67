package telemetry

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "tierctl"

// Metrics holds the Prometheus collectors for provisioning runs.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	operations *prometheus.CounterVec
	opDuration *prometheus.HistogramVec
	retries    *prometheus.CounterVec
	runs       *prometheus.CounterVec
	runSeconds *prometheus.HistogramVec
	drift      prometheus.Gauge
}

// NewMetrics creates collectors on a private registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_total",
				Help:      "Total number of resource operations by direction, kind and outcome",
			},
			[]string{"direction", "kind", "outcome"},
		),
		opDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "operation_duration_seconds",
				Help:      "Duration of resource operations in seconds",
				Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 15, 60, 300, 900},
			},
			[]string{"direction", "kind"},
		),
		retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backend_retries_total",
				Help:      "Total number of backend call retries after transient errors",
			},
			[]string{"kind"},
		),
		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Total number of provisioning runs by direction and status",
			},
			[]string{"direction", "status"},
		),
		runSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of provisioning runs in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.1, 4, 8),
			},
			[]string{"direction"},
		),
		drift: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "drifted_resources",
				Help:      "Number of stored resources no longer declared",
			},
		),
	}

	registry.MustRegister(
		m.operations,
		m.opDuration,
		m.retries,
		m.runs,
		m.runSeconds,
		m.drift,
	)

	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordOperation records a terminal outcome for one resource.
func (m *Metrics) RecordOperation(direction, kind, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(direction, kind, outcome).Inc()
	m.opDuration.WithLabelValues(direction, kind).Observe(d.Seconds())
}

// RecordRetry records one retry of a backend call.
func (m *Metrics) RecordRetry(kind string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(kind).Inc()
}

// RecordRun records a finished run.
func (m *Metrics) RecordRun(direction string, ok bool, d time.Duration) {
	if m == nil {
		return
	}
	status := "success"
	if !ok {
		status = "failure"
	}
	m.runs.WithLabelValues(direction, status).Inc()
	m.runSeconds.WithLabelValues(direction).Observe(d.Seconds())
}

// SetDrift records the number of drifted resources.
func (m *Metrics) SetDrift(n int) {
	if m == nil {
		return
	}
	m.drift.Set(float64(n))
}

// WriteFile writes all metrics in the text exposition format, for
// node_exporter's textfile collector.
func (m *Metrics) WriteFile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics file: %w", err)
	}
	return nil
}
