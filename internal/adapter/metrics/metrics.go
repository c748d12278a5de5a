package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/streamcord/spyglass/internal/domain"
	"github.com/streamcord/spyglass/internal/platform/version"
)

const namespace = "spyglass"

// NewRegistry creates a Prometheus registry with Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

// RegisterBuildInfo exports a constant 1 labelled with the build and the
// worker slot, so dashboards can join per-worker series against a release.
func RegisterBuildInfo(reg prometheus.Registerer, info version.Info, worker domain.WorkerInfo) {
	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "build_info",
		Help:      "Build and worker slot of this process.",
		ConstLabels: prometheus.Labels{
			"version":      info.Version,
			"commit":       info.ShortCommit(),
			"go_version":   info.GoVersion,
			"worker_index": strconv.FormatInt(worker.Index, 10),
			"worker_total": strconv.FormatInt(worker.Total, 10),
		},
	})
	g.Set(1)
	reg.MustRegister(g)
}

// HealthMetrics mirrors the last readiness result per dependency.
type HealthMetrics struct {
	Up            *prometheus.GaugeVec
	CheckDuration *prometheus.HistogramVec
}

func NewHealthMetrics(reg prometheus.Registerer) *HealthMetrics {
	m := &HealthMetrics{
		Up: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dependency",
			Name:      "up",
			Help:      "Whether the dependency passed its last readiness check (mongo, redis, amqp).",
		}, []string{"dependency"}),
		CheckDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dependency",
			Name:      "check_duration_seconds",
			Help:      "Duration of dependency readiness checks.",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5},
		}, []string{"dependency"}),
	}

	reg.MustRegister(m.Up, m.CheckDuration)
	return m
}

// Observe records one check outcome.
func (m *HealthMetrics) Observe(dependency string, seconds float64, err error) {
	up := 1.0
	if err != nil {
		up = 0
	}
	m.Up.WithLabelValues(dependency).Set(up)
	m.CheckDuration.WithLabelValues(dependency).Observe(seconds)
}

// Handler returns an http.Handler that serves Prometheus metrics.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
