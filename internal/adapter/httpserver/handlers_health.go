package httpserver

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/streamcord/spyglass/internal/platform/version"
)

const readinessTimeout = 5 * time.Second

// HealthCheck is one dependency readiness depends on: mongo always, redis
// when configured, amqp when it is the egress.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

type checkResult struct {
	Status  string  `json:"status"`
	Error   string  `json:"error,omitempty"`
	Seconds float64 `json:"seconds"`
}

type workerSlot struct {
	Index int64 `json:"index"`
	Total int64 `json:"total"`
}

func (s *Server) registerHealthRoutes() {
	s.echo.GET("/health/live", s.handleLiveness)
	s.echo.GET("/health/ready", s.handleReadiness)
	s.echo.GET("/version", s.handleVersion)
}

func (s *Server) handleLiveness(c echo.Context) error {
	response := map[string]any{
		"status": "ok",
		"uptime": s.clock.Since(s.startTime).Seconds(),
		"worker": workerSlot{Index: s.worker.Index, Total: s.worker.Total},
	}
	if err := c.JSON(http.StatusOK, response); err != nil {
		return fmt.Errorf("failed to write liveness response: %w", err)
	}
	return nil
}

// handleReadiness runs every check concurrently and reports each of them.
// failed_check names the first failing check in registration order.
func (s *Server) handleReadiness(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), readinessTimeout)
	defer cancel()

	results := s.runHealthChecks(ctx)

	checks := make(map[string]checkResult, len(results))
	response := map[string]any{"status": "ready", "checks": checks}
	status := http.StatusOK
	for i, hc := range s.healthChecks {
		checks[hc.Name] = results[i]
		if results[i].Status == "ok" || status != http.StatusOK {
			continue
		}
		status = http.StatusServiceUnavailable
		response["status"] = "unhealthy"
		response["failed_check"] = hc.Name
		response["error"] = results[i].Error
	}

	if err := c.JSON(status, response); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func (s *Server) runHealthChecks(ctx context.Context) []checkResult {
	results := make([]checkResult, len(s.healthChecks))
	var wg sync.WaitGroup
	for i, hc := range s.healthChecks {
		wg.Go(func() {
			start := s.clock.Now()
			err := hc.Check(ctx)
			elapsed := s.clock.Since(start).Seconds()
			s.healthMetrics.Observe(hc.Name, elapsed, err)

			results[i] = checkResult{Status: "ok", Seconds: elapsed}
			if err != nil {
				results[i] = checkResult{Status: "failed", Error: err.Error(), Seconds: elapsed}
			}
		})
	}
	wg.Wait()
	return results
}

func (s *Server) handleVersion(c echo.Context) error {
	response := struct {
		version.Info
		Worker workerSlot `json:"worker"`
	}{
		Info:   version.Get(),
		Worker: workerSlot{Index: s.worker.Index, Total: s.worker.Total},
	}
	if err := c.JSON(http.StatusOK, response); err != nil {
		return fmt.Errorf("failed to write version response: %w", err)
	}
	return nil
}
