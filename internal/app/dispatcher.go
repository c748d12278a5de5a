package app

import (
	"context"
	"log/slog"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/streamcord/spyglass/internal/adapter/metrics"
	"github.com/streamcord/spyglass/internal/domain"
	"github.com/streamcord/spyglass/internal/platform/correlation"
)

const DefaultLanes = 4

// Task is one unit of per-entity work.
type Task func(ctx context.Context) error

// Submitter accepts per-entity work.
type Submitter interface {
	Submit(entityID int64, name string, task Task) bool
}

type job struct {
	entityID int64
	name     string
	task     Task
}

type lane struct {
	index int
	label string

	mu    sync.Mutex
	queue []job
	wake  chan struct{}
}

func (l *lane) push(j job) int {
	l.mu.Lock()
	l.queue = append(l.queue, j)
	n := len(l.queue)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return n
}

func (l *lane) pop() (job, int, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return job{}, 0, false
	}
	j := l.queue[0]
	l.queue[0] = job{}
	l.queue = l.queue[1:]
	return j, len(l.queue), true
}

func (l *lane) drain() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := len(l.queue)
	l.queue = nil
	return n
}

// Dispatcher runs per-entity work on a fixed set of ordered lanes. Every
// entity maps to exactly one lane, so work for one entity runs in submission
// order while different entities proceed in parallel.
type Dispatcher struct {
	worker  domain.WorkerInfo
	lanes   []*lane
	metrics *metrics.DispatchMetrics
}

var _ Submitter = (*Dispatcher)(nil)

func NewDispatcher(worker domain.WorkerInfo, lanes int, m *metrics.DispatchMetrics) *Dispatcher {
	if lanes <= 0 {
		lanes = DefaultLanes
	}
	if m == nil {
		m = metrics.NewDispatchMetrics(prometheus.NewRegistry())
	}
	d := &Dispatcher{worker: worker, metrics: m}
	for i := range lanes {
		d.lanes = append(d.lanes, &lane{
			index: i,
			label: strconv.Itoa(i),
			wake:  make(chan struct{}, 1),
		})
	}
	return d
}

// Submit enqueues task on the entity's lane without blocking. It returns false
// for entities this worker does not own.
func (d *Dispatcher) Submit(entityID int64, name string, task Task) bool {
	if !d.worker.ShouldHandle(entityID) {
		d.metrics.Tasks.WithLabelValues("rejected").Inc()
		return false
	}
	l := d.lanes[d.worker.Lane(entityID, len(d.lanes))]
	depth := l.push(job{entityID: entityID, name: name, task: task})
	d.metrics.LaneDepth.WithLabelValues(l.label).Set(float64(depth))
	d.metrics.Tasks.WithLabelValues("accepted").Inc()
	return true
}

// Run consumes all lanes until ctx is cancelled. Work still queued at that
// point is dropped; the next reconciliation pass re-derives it.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, l := range d.lanes {
		wg.Go(func() { d.consume(ctx, l) })
	}
	slog.Info("Dispatcher started", "lanes", len(d.lanes))
	wg.Wait()

	dropped := 0
	for _, l := range d.lanes {
		dropped += l.drain()
		d.metrics.LaneDepth.WithLabelValues(l.label).Set(0)
	}
	if dropped > 0 {
		d.metrics.Tasks.WithLabelValues("dropped").Add(float64(dropped))
	}
	slog.Info("Dispatcher stopped", "dropped", dropped)
}

func (d *Dispatcher) consume(ctx context.Context, l *lane) {
	for {
		if ctx.Err() != nil {
			return
		}
		j, depth, ok := l.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-l.wake:
				continue
			}
		}
		d.metrics.LaneDepth.WithLabelValues(l.label).Set(float64(depth))
		d.execute(ctx, l, j)
	}
}

func (d *Dispatcher) execute(ctx context.Context, l *lane, j job) {
	taskCtx := correlation.WithEntity(correlation.WithID(ctx, correlation.NewID()), j.entityID)

	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(taskCtx, "Lane task panicked", "lane", l.index, "task", j.name, "panic", r)
			d.metrics.Tasks.WithLabelValues("panicked").Inc()
		}
	}()

	if err := j.task(taskCtx); err != nil {
		if ctx.Err() != nil {
			d.metrics.Tasks.WithLabelValues("cancelled").Inc()
			return
		}
		slog.ErrorContext(taskCtx, "Lane task failed", "lane", l.index, "task", j.name, "error", err)
		d.metrics.Tasks.WithLabelValues("failed").Inc()
		return
	}
	d.metrics.Tasks.WithLabelValues("completed").Inc()
}
