package twitch

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/streamcord/spyglass/internal/domain"
)

const (
	callbackCheckAttempts = 3
	callbackCheckInterval = 10 * time.Second
)

// AwaitCallbackAccess checks that the public callback host routes to this
// process by expecting the root route's status. It waits before every attempt
// so the HTTP server has time to come up.
func (c *Client) AwaitCallbackAccess(ctx context.Context, expected int) error {
	target := c.cfg.CallbackCheckURL
	if target == "" {
		target = "https://" + c.cfg.Callback + "/"
	}
	slog.Info("Testing callback reachability", "url", target, "delay", callbackCheckInterval)

	for attempt := 1; attempt <= callbackCheckAttempts; attempt++ {
		select {
		case <-c.clock.After(callbackCheckInterval):
		case <-ctx.Done():
			return ctx.Err()
		}

		status, err := c.ping(ctx, target)
		switch {
		case err != nil:
			slog.Info("Callback not reachable", "attempt", attempt, "url", target, "error", err)
		case status != expected:
			slog.Info("Callback not reachable", "attempt", attempt, "url", target, "expected", expected, "status", status)
		default:
			slog.Info("Verified callback is reachable", "url", target)
			return nil
		}
	}

	return fmt.Errorf("%w: %s after %d attempts", domain.ErrCallbackInaccessible, target, callbackCheckAttempts)
}

func (c *Client) ping(ctx context.Context, target string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	_ = resp.Body.Close()
	return resp.StatusCode, nil
}
