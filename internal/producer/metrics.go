package producer

import "github.com/prometheus/client_golang/prometheus"

const (
	routeUpstream = "upstream"
	routeGateway  = "gateway"
	routeLocal    = "local"
)

// Metrics holds the Prometheus collectors for message routing.
type Metrics struct {
	sent          *prometheus.CounterVec
	failed        *prometheus.CounterVec
	routeFailures *prometheus.CounterVec
}

// NewMetrics creates producer collectors and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devicebus",
			Subsystem: "producer",
			Name:      "sent_total",
			Help:      "Messages handed to the bus or a local gateway, by route.",
		}, []string{"route"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devicebus",
			Subsystem: "producer",
			Name:      "send_failures_total",
			Help:      "Sends the bus or local gateway did not accept, by route and reason.",
		}, []string{"route", "reason"}),
		routeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devicebus",
			Subsystem: "producer",
			Name:      "route_failures_total",
			Help:      "Downstream sends ending in ROUTE_FAILED, by reason.",
		}, []string{"reason"}),
	}
	if reg != nil {
		reg.MustRegister(m.sent, m.failed, m.routeFailures)
	}
	return m
}
