package metrics

import "github.com/prometheus/client_golang/prometheus"

// FeedMetrics tracks change stream health per collection.
type FeedMetrics struct {
	Events   *prometheus.CounterVec
	Restarts *prometheus.CounterVec
}

func NewFeedMetrics(reg prometheus.Registerer) *FeedMetrics {
	m := &FeedMetrics{
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "events_total",
			Help:      "Change events received by collection and operation.",
		}, []string{"collection", "op"}),
		Restarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "restarts_total",
			Help:      "Change stream reopen attempts by collection and reason.",
		}, []string{"collection", "reason"}),
	}

	reg.MustRegister(m.Events, m.Restarts)
	return m
}
