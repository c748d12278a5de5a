package metrics

import "github.com/prometheus/client_golang/prometheus"

// EgressMetrics tracks downstream event publishing.
type EgressMetrics struct {
	Published    *prometheus.CounterVec
	BreakerState prometheus.Gauge
}

func NewEgressMetrics(reg prometheus.Registerer) *EgressMetrics {
	m := &EgressMetrics{
		Published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "egress",
			Name:      "publish_total",
			Help:      "Published stream events by op and result.",
		}, []string{"op", "result"}),
		BreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "egress",
			Name:      "circuit_breaker_state",
			Help:      "Egress circuit breaker state (0=closed, 1=half-open, 2=open).",
		}),
	}

	reg.MustRegister(m.Published, m.BreakerState)
	return m
}
