package bus

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the Prometheus collectors for bus dispatch.
type Metrics struct {
	posted     *prometheus.CounterVec
	delivered  *prometheus.CounterVec
	failed     *prometheus.CounterVec
	dropped    *prometheus.CounterVec
	queueDepth *prometheus.GaugeVec
}

// NewMetrics creates bus collectors and registers them with reg.
// A nil reg leaves the collectors unregistered, which suits tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		posted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devicebus",
			Subsystem: "bus",
			Name:      "posted_total",
			Help:      "Messages posted to the bus.",
		}, []string{"origin"}),
		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devicebus",
			Subsystem: "bus",
			Name:      "delivered_total",
			Help:      "Messages handled successfully, by group.",
		}, []string{"group"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devicebus",
			Subsystem: "bus",
			Name:      "handler_failures_total",
			Help:      "Handler errors and panics, by group.",
		}, []string{"group"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devicebus",
			Subsystem: "bus",
			Name:      "dropped_total",
			Help:      "Messages a group's queue did not accept in time.",
		}, []string{"group"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "devicebus",
			Subsystem: "bus",
			Name:      "queue_depth",
			Help:      "Current queue depth, by subscription.",
		}, []string{"subscription"}),
	}

	if reg != nil {
		reg.MustRegister(m.posted, m.delivered, m.failed, m.dropped, m.queueDepth)
	}
	return m
}
