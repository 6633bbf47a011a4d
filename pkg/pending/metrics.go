package pending

import "github.com/prometheus/client_golang/prometheus"

// Metrics exports the registry's flow-control state. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	pending      *prometheus.GaugeVec
	total        prometheus.Gauge
	backpressure *prometheus.CounterVec
	frozenDrops  prometheus.Counter
	clears       prometheus.Counter
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		pending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pending",
			Name:      "queue_length",
			Help:      "Number of updates pending per source device.",
		}, []string{"device"}),
		total: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pending",
			Name:      "total",
			Help:      "Number of updates pending across all devices.",
		}),
		backpressure: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pending",
			Name:      "backpressure_total",
			Help:      "Updates rejected by admission control.",
		}, []string{"device"}),
		frozenDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pending",
			Name:      "frozen_drops_total",
			Help:      "Updates dropped while the registry was frozen.",
		}),
		clears: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pending",
			Name:      "clears_total",
			Help:      "Number of leader-driven clears applied.",
		}),
	}
}

func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.pending, m.total, m.backpressure, m.frozenDrops, m.clears}
}

func (m *Metrics) observe(device string, length, total int) {
	if m == nil {
		return
	}
	m.pending.WithLabelValues(device).Set(float64(length))
	m.total.Set(float64(total))
}

func (m *Metrics) rejected(device string) {
	if m == nil {
		return
	}
	m.backpressure.WithLabelValues(device).Inc()
}

func (m *Metrics) dropped() {
	if m == nil {
		return
	}
	m.frozenDrops.Inc()
}

func (m *Metrics) cleared() {
	if m == nil {
		return
	}
	m.clears.Inc()
}
