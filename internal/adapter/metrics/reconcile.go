package metrics

import "github.com/prometheus/client_golang/prometheus"

// ReconcileMetrics tracks reconciliation passes and the remote mutations they cause.
type ReconcileMetrics struct {
	Actions      *prometheus.CounterVec
	Passes       *prometheus.CounterVec
	PassDuration prometheus.Histogram
}

func NewReconcileMetrics(reg prometheus.Registerer) *ReconcileMetrics {
	m := &ReconcileMetrics{
		Actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "actions_total",
			Help:      "Subscription mutations by action (create, remove, delete_local, recreate) and result.",
		}, []string{"action", "result"}),
		Passes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "passes_total",
			Help:      "Full reconciliation passes by trigger.",
		}, []string{"trigger"}),
		PassDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "pass_duration_seconds",
			Help:      "Duration of a full reconciliation pass.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
		}),
	}

	reg.MustRegister(m.Actions, m.Passes, m.PassDuration)
	return m
}

// DispatchMetrics tracks the ordered lanes.
type DispatchMetrics struct {
	LaneDepth *prometheus.GaugeVec
	Tasks     *prometheus.CounterVec
}

func NewDispatchMetrics(reg prometheus.Registerer) *DispatchMetrics {
	m := &DispatchMetrics{
		LaneDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "lane_queue_depth",
			Help:      "Tasks waiting in each lane.",
		}, []string{"lane"}),
		Tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "tasks_total",
			Help:      "Dispatcher tasks by outcome (accepted, rejected, completed, dropped).",
		}, []string{"outcome"}),
	}

	reg.MustRegister(m.LaneDepth, m.Tasks)
	return m
}
