package flow

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects Prometheus metrics for step execution. All metrics
// are namespaced with "flowmach_".
//
// Metrics exposed:
//
//  1. step_latency_ms (histogram): Duration of one interpreter step,
//     from rehydration to suspension or terminal state.
//     Labels: workflow, status (completed/waiting/faulted).
//
//  2. steps_total (counter): Cumulative interpreter steps.
//     Labels: workflow, status.
//
//  3. retries_total (counter): Retry attempts scheduled by catch
//     retry policies. Labels: workflow.
//
//  4. instances_started_total (counter): New workflow instances.
//     Labels: workflow.
//
// Usage:
//
//	registry := prometheus.NewRegistry()
//	metrics := NewMetrics(registry)
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
//
// Thread-safe: the underlying Prometheus collectors synchronize
// internally.
type Metrics struct {
	stepLatency *prometheus.HistogramVec
	steps       *prometheus.CounterVec
	retries     *prometheus.CounterVec
	started     *prometheus.CounterVec
}

// NewMetrics creates and registers the interpreter metrics with the
// provided registry. A nil registry selects the default registerer.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		stepLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "flowmach",
			Name:      "step_latency_ms",
			Help:      "Interpreter step duration in milliseconds",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000},
		}, []string{"workflow", "status"}),
		steps: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowmach",
			Name:      "steps_total",
			Help:      "Cumulative count of interpreter steps",
		}, []string{"workflow", "status"}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowmach",
			Name:      "retries_total",
			Help:      "Cumulative count of scheduled retry attempts",
		}, []string{"workflow"}),
		started: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowmach",
			Name:      "instances_started_total",
			Help:      "Cumulative count of started workflow instances",
		}, []string{"workflow"}),
	}
}

// RecordStep records one finished interpreter step.
func (m *Metrics) RecordStep(workflow string, latency time.Duration, status Status) {
	if m == nil {
		return
	}
	s := string(status)
	m.stepLatency.WithLabelValues(workflow, s).Observe(float64(latency.Milliseconds()))
	m.steps.WithLabelValues(workflow, s).Inc()
}

// RecordRetry records one scheduled retry attempt.
func (m *Metrics) RecordRetry(workflow string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(workflow).Inc()
}

// RecordInstanceStarted records one new workflow instance.
func (m *Metrics) RecordInstanceStarted(workflow string) {
	if m == nil {
		return
	}
	m.started.WithLabelValues(workflow).Inc()
}
