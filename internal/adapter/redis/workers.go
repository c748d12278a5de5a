package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"

	"github.com/streamcord/spyglass/internal/domain"
)

const (
	workersKey     = "spyglass:workers"
	activityWindow = 90 * time.Second
)

// WorkerRegistry publishes this worker's partition to a shared hash so that
// operators (and the other workers) can see who owns which slice. Workers that
// disagree on the total are logged loudly: the partition is static and a
// mismatch means some entities are owned twice or not at all.
type WorkerRegistry struct {
	rdb        goredis.Cmdable
	instanceID string
	worker     domain.WorkerInfo
	version    string
	heartbeat  time.Duration
	clock      clockwork.Clock
}

// WorkerHeartbeat is the value stored per instance.
type WorkerHeartbeat struct {
	InstanceID string `json:"instance_id"`
	Index      int64  `json:"index"`
	Total      int64  `json:"total"`
	Callback   string `json:"callback"`
	Version    string `json:"version"`
	Timestamp  int64  `json:"timestamp"`
}

func NewWorkerRegistry(rdb goredis.Cmdable, instanceID string, worker domain.WorkerInfo, version string, heartbeat time.Duration, clock clockwork.Clock) *WorkerRegistry {
	return &WorkerRegistry{
		rdb:        rdb,
		instanceID: instanceID,
		worker:     worker,
		version:    version,
		heartbeat:  heartbeat,
		clock:      clock,
	}
}

// Run registers immediately, then heartbeats until ctx is cancelled and
// unregisters on the way out.
func (r *WorkerRegistry) Run(ctx context.Context) {
	r.beat(ctx)

	ticker := r.clock.NewTicker(r.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			r.beat(ctx)
		case <-ctx.Done():
			r.unregister()
			return
		}
	}
}

func (r *WorkerRegistry) beat(ctx context.Context) {
	if err := r.register(ctx); err != nil {
		slog.Warn("Worker heartbeat failed", "error", err)
		return
	}

	peers, err := r.ActiveWorkers(ctx)
	if err != nil {
		slog.Warn("Failed to read worker registry", "error", err)
		return
	}
	for _, p := range CheckPartition(r.worker, peers) {
		slog.Error("Worker partition conflict", "peer", p.InstanceID, "peer_index", p.Index,
			"peer_total", p.Total, "index", r.worker.Index, "total", r.worker.Total)
	}
}

func (r *WorkerRegistry) register(ctx context.Context) error {
	data, err := json.Marshal(WorkerHeartbeat{
		InstanceID: r.instanceID,
		Index:      r.worker.Index,
		Total:      r.worker.Total,
		Callback:   r.worker.Callback,
		Version:    r.version,
		Timestamp:  r.clock.Now().Unix(),
	})
	if err != nil {
		return fmt.Errorf("marshal heartbeat: %w", err)
	}

	if err := r.rdb.HSet(ctx, workersKey, r.instanceID, data).Err(); err != nil {
		return fmt.Errorf("hset %s: %w", workersKey, err)
	}
	return nil
}

func (r *WorkerRegistry) unregister() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.rdb.HDel(ctx, workersKey, r.instanceID).Err(); err != nil {
		slog.Warn("Failed to unregister worker", "error", err)
	}
}

// ActiveWorkers returns heartbeats younger than the activity window, excluding this instance.
func (r *WorkerRegistry) ActiveWorkers(ctx context.Context) ([]WorkerHeartbeat, error) {
	entries, err := r.rdb.HGetAll(ctx, workersKey).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall %s: %w", workersKey, err)
	}

	cutoff := r.clock.Now().Add(-activityWindow).Unix()
	var active []WorkerHeartbeat
	for id, data := range entries {
		if id == r.instanceID {
			continue
		}
		var hb WorkerHeartbeat
		if err := json.Unmarshal([]byte(data), &hb); err != nil {
			continue
		}
		if hb.Timestamp >= cutoff {
			active = append(active, hb)
		}
	}
	return active, nil
}

// CheckPartition returns the peers that conflict with self: a different total,
// or the same index claimed twice.
func CheckPartition(self domain.WorkerInfo, peers []WorkerHeartbeat) []WorkerHeartbeat {
	var conflicts []WorkerHeartbeat
	for _, p := range peers {
		if p.Total != self.Total || p.Index == self.Index {
			conflicts = append(conflicts, p)
		}
	}
	return conflicts
}
