package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors for provisioning runs. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec

	nodesCompleted *prometheus.CounterVec
	nodeDuration   *prometheus.HistogramVec

	providerCalls   *prometheus.CounterVec
	providerRetries *prometheus.CounterVec
}

// NewMetrics creates and registers the collectors under namespace.
func NewMetrics(namespace string) *Metrics {
	registry := prometheus.NewRegistry()
	buckets := []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300, 900, 1800}

	m := &Metrics{
		registry: registry,
		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of runs completed",
			},
			[]string{"command", "status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of runs in seconds",
				Buckets:   buckets,
			},
			[]string{"command"},
		),
		nodesCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "nodes_completed_total",
				Help:      "Total number of resource nodes reaching a terminal status",
			},
			[]string{"action", "status"},
		),
		nodeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "node_duration_seconds",
				Help:      "Time spent reconciling a single resource",
				Buckets:   buckets,
			},
			[]string{"action"},
		),
		providerCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_calls_total",
				Help:      "Total number of provider adapter calls",
			},
			[]string{"provider", "operation", "outcome"},
		),
		providerRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_retries_total",
				Help:      "Total number of retried provider calls",
			},
			[]string{"provider"},
		),
	}

	registry.MustRegister(
		m.runsCompleted,
		m.runDuration,
		m.nodesCompleted,
		m.nodeDuration,
		m.providerCalls,
		m.providerRetries,
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RunCompleted records the end of a run.
func (m *Metrics) RunCompleted(command, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.runsCompleted.WithLabelValues(command, status).Inc()
	m.runDuration.WithLabelValues(command).Observe(d.Seconds())
}

// NodeCompleted records a resource reaching a terminal status.
func (m *Metrics) NodeCompleted(action, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.nodesCompleted.WithLabelValues(action, status).Inc()
	m.nodeDuration.WithLabelValues(action).Observe(d.Seconds())
}

// ProviderCall records one adapter call and whether it failed.
func (m *Metrics) ProviderCall(provider, operation string, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.providerCalls.WithLabelValues(provider, operation, outcome).Inc()
}

// ProviderRetries records retries beyond the first attempt.
func (m *Metrics) ProviderRetries(provider string, attempts int) {
	if m == nil || attempts <= 1 {
		return
	}
	m.providerRetries.WithLabelValues(provider).Add(float64(attempts - 1))
}

// WriteFile writes the text exposition format to path, for node_exporter's
// textfile collector.
func (m *Metrics) WriteFile(path string) error {
	if m == nil {
		return nil
	}
	return prometheus.WriteToTextfile(path, m.registry)
}
