package twitch

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// resetGate pauses every outbound call while the Helix bucket is empty.
// The first caller to see a 429 sleeps until the advertised reset; callers that
// hit 429 meanwhile, and every caller about to send, wait for that same sleep.
type resetGate struct {
	clock clockwork.Clock

	mu   sync.Mutex
	done chan struct{}
}

func newResetGate(clock clockwork.Clock) *resetGate {
	return &resetGate{clock: clock}
}

// Wait blocks while a hold is in progress.
func (g *resetGate) Wait(ctx context.Context) error {
	g.mu.Lock()
	done := g.done
	g.mu.Unlock()

	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Hold sleeps until resetAt unless another caller is already holding, in which
// case it waits for that hold to finish. It reports whether this caller slept.
func (g *resetGate) Hold(ctx context.Context, resetAt time.Time) (bool, error) {
	g.mu.Lock()
	if g.done != nil {
		done := g.done
		g.mu.Unlock()
		select {
		case <-done:
			return false, nil
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	done := make(chan struct{})
	g.done = done
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		g.done = nil
		g.mu.Unlock()
		close(done)
	}()

	wait := resetAt.Sub(g.clock.Now())
	if wait <= 0 {
		return true, nil
	}
	select {
	case <-g.clock.After(wait):
		return true, nil
	case <-ctx.Done():
		return true, ctx.Err()
	}
}

// resetTime turns the RateLimit-Reset value (unix seconds, zero when missing
// or malformed) into an instant. Zero falls back to now+fallback.
func resetTime(reset int, now time.Time, fallback time.Duration) time.Time {
	if reset <= 0 {
		return now.Add(fallback)
	}
	return time.Unix(int64(reset), 0)
}
