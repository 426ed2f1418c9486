package outbox

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/flowmach/flowmach/flow/store"
)

// Metrics collects Prometheus metrics for the outbox scheduler, all
// namespaced with "flowmach_outbox_" and labelled by kind.
type Metrics struct {
	published *prometheus.CounterVec
	failures  *prometheus.CounterVec
	cleaned   *prometheus.CounterVec
}

// NewMetrics creates and registers the scheduler metrics. A nil
// registry selects the default registerer.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		published: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowmach",
			Subsystem: "outbox",
			Name:      "published_total",
			Help:      "Outbox rows published to the broker",
		}, []string{"kind"}),
		failures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowmach",
			Subsystem: "outbox",
			Name:      "publish_failures_total",
			Help:      "Outbox publish attempts that failed",
		}, []string{"kind"}),
		cleaned: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowmach",
			Subsystem: "outbox",
			Name:      "cleaned_total",
			Help:      "Sent outbox rows removed by the retention sweep",
		}, []string{"kind"}),
	}
}

func (m *Metrics) recordPublished(kind store.OutboxKind) {
	if m == nil {
		return
	}
	m.published.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) recordFailure(kind store.OutboxKind) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) recordCleaned(kind store.OutboxKind, n int64) {
	if m == nil {
		return
	}
	m.cleaned.WithLabelValues(string(kind)).Add(float64(n))
}
