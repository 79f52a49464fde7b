package ingest

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the Prometheus collectors for the ingest path.
type Metrics struct {
	written  *prometheus.CounterVec
	failed   *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewMetrics creates ingest collectors and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		written: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devicebus",
			Subsystem: "ingest",
			Name:      "points_written_total",
			Help:      "Data points accepted by the time-series store, by function type.",
		}, []string{"function_type"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devicebus",
			Subsystem: "ingest",
			Name:      "points_failed_total",
			Help:      "Data points rejected or failed to write, by function type.",
		}, []string{"function_type"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "devicebus",
			Subsystem: "ingest",
			Name:      "write_duration_seconds",
			Help:      "Time spent in one data point write, by backend.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"backend"}),
	}
	if reg != nil {
		reg.MustRegister(m.written, m.failed, m.duration)
	}
	return m
}
