package metrics

import "github.com/prometheus/client_golang/prometheus"

// APIMetrics tracks outbound Helix traffic.
type APIMetrics struct {
	Requests         *prometheus.CounterVec
	TokenRefreshes   *prometheus.CounterVec
	RateLimitWaits   prometheus.Counter
	RateLimitSeconds prometheus.Counter
	Retries          *prometheus.CounterVec
}

func NewAPIMetrics(reg prometheus.Registerer) *APIMetrics {
	m := &APIMetrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "helix",
			Name:      "requests_total",
			Help:      "Helix requests by endpoint and response status.",
		}, []string{"endpoint", "status"}),
		TokenRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "helix",
			Name:      "token_refreshes_total",
			Help:      "App access token refreshes by result.",
		}, []string{"result"}),
		RateLimitWaits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "helix",
			Name:      "ratelimit_waits_total",
			Help:      "Times the client paused until the rate limit window reset.",
		}),
		RateLimitSeconds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "helix",
			Name:      "ratelimit_wait_seconds_total",
			Help:      "Seconds spent waiting for the rate limit window to reset.",
		}),
		Retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "helix",
			Name:      "retries_total",
			Help:      "Retried Helix calls by endpoint and reason.",
		}, []string{"endpoint", "reason"}),
	}

	reg.MustRegister(m.Requests, m.TokenRefreshes, m.RateLimitWaits, m.RateLimitSeconds, m.Retries)
	return m
}
