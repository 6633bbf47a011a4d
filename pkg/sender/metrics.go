package sender

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts delivery outcomes per destination. A nil *Metrics is valid.
type Metrics struct {
	deliveries *prometheus.CounterVec
	overflows  *prometheus.CounterVec
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sender",
			Name:      "deliveries_total",
			Help:      "Outbound deliveries by destination, message kind and outcome.",
		}, []string{"destination", "kind", "outcome"}),
		overflows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sender",
			Name:      "overflows_total",
			Help:      "Messages dropped because a destination outbox was full.",
		}, []string{"destination"}),
	}
}

func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.deliveries, m.overflows}
}

func (m *Metrics) delivered(dest string, kind Kind) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(dest, string(kind), "ok").Inc()
}

func (m *Metrics) failed(dest string, kind Kind) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(dest, string(kind), "error").Inc()
}

func (m *Metrics) overflowed(dest string) {
	if m == nil {
		return
	}
	m.overflows.WithLabelValues(dest).Inc()
}
