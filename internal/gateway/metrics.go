package gateway

import "github.com/prometheus/client_golang/prometheus"

const resultOK = "ok"

// Metrics holds the Prometheus collectors for the gateway.
type Metrics struct {
	upstream   *prometheus.CounterVec
	downstream *prometheus.CounterVec
}

// NewMetrics creates gateway collectors and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		upstream: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devicebus",
			Subsystem: "gateway",
			Name:      "uplinks_total",
			Help:      "Device frames handled upstream, by result (ok or failure stage).",
		}, []string{"result"}),
		downstream: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devicebus",
			Subsystem: "gateway",
			Name:      "deliveries_total",
			Help:      "Downstream messages written to devices, by result (ok or failure stage).",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(m.upstream, m.downstream)
	}
	return m
}
