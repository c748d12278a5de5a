package metrics

import (
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
)

// Twitch retries a webhook delivery it did not get a 2xx for within a few
// seconds, so the buckets are dense below that point.
var callbackBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2, 3, 5, 10}

// HTTPMetrics tracks the inbound surface, which in practice is the EventSub
// callback plus the reachability check.
type HTTPMetrics struct {
	Requests      *prometheus.CounterVec
	Latency       *prometheus.HistogramVec
	ResponseBytes *prometheus.HistogramVec
	InFlight      prometheus.Gauge
}

func NewHTTPMetrics(reg prometheus.Registerer) *HTTPMetrics {
	m := &HTTPMetrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Inbound requests by method, route and status class.",
		}, []string{"method", "route", "code"}),
		Latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "response_seconds",
			Help:      "Time to answer inbound requests, by route and status class.",
			Buckets:   callbackBuckets,
		}, []string{"route", "code"}),
		ResponseBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "response_bytes",
			Help:      "Size of response bodies. Verification challenges are the only sizeable ones.",
			Buckets:   prometheus.ExponentialBuckets(16, 4, 6),
		}, []string{"route"}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "in_flight_requests",
			Help:      "Inbound requests currently being answered.",
		}),
	}

	reg.MustRegister(m.Requests, m.Latency, m.ResponseBytes, m.InFlight)
	return m
}

// Middleware returns an Echo middleware that records HTTP metrics.
// Scrapes, health checks and the reachability check on / are not recorded.
func (m *HTTPMetrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			route := c.Path()
			if skipRoute(route) {
				return next(c)
			}
			if route == "" {
				route = "unmatched"
			}

			m.InFlight.Inc()
			defer m.InFlight.Dec()

			timer := prometheus.NewTimer(prometheus.ObserverFunc(func(v float64) {
				res := c.Response()
				code := statusClass(res.Status)
				m.Requests.WithLabelValues(c.Request().Method, route, code).Inc()
				m.Latency.WithLabelValues(route, code).Observe(v)
				m.ResponseBytes.WithLabelValues(route).Observe(float64(res.Size))
			}))

			err := next(c)
			timer.ObserveDuration()
			return err
		}
	}
}

// statusClass folds a status into 2xx..5xx.
func statusClass(status int) string {
	if status < 100 || status > 599 {
		return "unknown"
	}
	return strconv.Itoa(status/100) + "xx"
}

func skipRoute(path string) bool {
	return path == "/" || path == "/metrics" || strings.HasPrefix(path, "/health/")
}
