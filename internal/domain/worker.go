package domain

import "fmt"

// WorkerInfo describes this process's slice of the entity space.
type WorkerInfo struct {
	Index    int64
	Total    int64
	Callback string
}

func (w WorkerInfo) Validate() error {
	if w.Total <= 0 {
		return fmt.Errorf("worker total must be positive, got %d", w.Total)
	}
	if w.Index < 0 || w.Index >= w.Total {
		return fmt.Errorf("worker index %d out of range [0, %d)", w.Index, w.Total)
	}
	if w.Callback == "" {
		return fmt.Errorf("worker callback host is required")
	}
	return nil
}

// ShouldHandle reports whether entityID belongs to this worker.
func (w WorkerInfo) ShouldHandle(entityID int64) bool {
	return mod(entityID, w.Total) == w.Index
}

// Lane maps an owned entity onto one of lanes ordered queues. Consecutive
// owned ids land on consecutive lanes.
func (w WorkerInfo) Lane(entityID int64, lanes int) int {
	if lanes <= 1 {
		return 0
	}
	q := (entityID - w.Index) / w.Total
	return int(mod(q, int64(lanes)))
}

// CallbackURL is the webhook endpoint registered with Twitch.
func (w WorkerInfo) CallbackURL() string {
	return "https://" + w.Callback + "/webhooks/callback"
}

func mod(a, b int64) int64 {
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}
