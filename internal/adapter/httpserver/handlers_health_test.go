package httpserver

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamcord/spyglass/internal/domain"
)

func healthOK(_ context.Context) error { return nil }

func healthErr(msg string) func(context.Context) error {
	return func(_ context.Context) error { return errors.New(msg) }
}

func newTestServer(t *testing.T, checks ...HealthCheck) (*Server, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	srv := NewServer(Config{
		Port:         "0",
		HealthChecks: checks,
		Registry:     prometheus.NewRegistry(),
		Clock:        clock,
		Worker:       domain.WorkerInfo{Index: 1, Total: 3, Callback: "https://spyglass.example.com/webhooks/callback"},
	}, func(c echo.Context) error { return c.NoContent(http.StatusNoContent) })
	return srv, clock
}

func serve(srv *Server, method, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestHandleLiveness(t *testing.T) {
	srv, clock := newTestServer(t)
	clock.Advance(90 * time.Second)

	rec := serve(srv, http.MethodGet, "/health/live")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","uptime":90,"worker":{"index":1,"total":3}}`, rec.Body.String())
}

func TestHandleReadiness_AllHealthy(t *testing.T) {
	srv, _ := newTestServer(t,
		HealthCheck{Name: "mongo", Check: healthOK},
		HealthCheck{Name: "redis", Check: healthOK},
	)

	rec := serve(srv, http.MethodGet, "/health/ready")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{
		"status": "ready",
		"checks": {
			"mongo": {"status": "ok", "seconds": 0},
			"redis": {"status": "ok", "seconds": 0}
		}
	}`, rec.Body.String())
}

func TestHandleReadiness_ReportsEveryDependency(t *testing.T) {
	srv, _ := newTestServer(t,
		HealthCheck{Name: "mongo", Check: healthOK},
		HealthCheck{Name: "redis", Check: healthErr("connection refused")},
		HealthCheck{Name: "amqp", Check: healthErr("amqp connection closed")},
	)

	rec := serve(srv, http.MethodGet, "/health/ready")

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{
		"status": "unhealthy",
		"failed_check": "redis",
		"error": "connection refused",
		"checks": {
			"mongo": {"status": "ok", "seconds": 0},
			"redis": {"status": "failed", "error": "connection refused", "seconds": 0},
			"amqp": {"status": "failed", "error": "amqp connection closed", "seconds": 0}
		}
	}`, rec.Body.String())
	assert.InDelta(t, 1, testutil.ToFloat64(srv.healthMetrics.Up.WithLabelValues("mongo")), 0)
	assert.Zero(t, testutil.ToFloat64(srv.healthMetrics.Up.WithLabelValues("redis")))
	assert.Zero(t, testutil.ToFloat64(srv.healthMetrics.Up.WithLabelValues("amqp")))
}

func TestHandleReadiness_ChecksRunConcurrently(t *testing.T) {
	release := make(chan struct{})
	var started sync.WaitGroup
	started.Add(2)
	blocking := func(ctx context.Context) error {
		started.Done()
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	srv, _ := newTestServer(t,
		HealthCheck{Name: "mongo", Check: blocking},
		HealthCheck{Name: "amqp", Check: blocking},
	)

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() { done <- serve(srv, http.MethodGet, "/health/ready") }()

	started.Wait()
	close(release)

	select {
	case rec := <-done:
		assert.Equal(t, http.StatusOK, rec.Code)
	case <-time.After(time.Second):
		t.Fatal("readiness did not return")
	}
}

func TestHandleReadiness_ReportsFirstFailure(t *testing.T) {
	tests := []struct {
		name       string
		checks     []HealthCheck
		wantFailed string
		wantError  string
	}{
		{
			name: "mongo down",
			checks: []HealthCheck{
				{Name: "mongo", Check: healthErr("server selection timeout")},
				{Name: "redis", Check: healthOK},
			},
			wantFailed: "mongo",
			wantError:  "server selection timeout",
		},
		{
			name: "redis down",
			checks: []HealthCheck{
				{Name: "mongo", Check: healthOK},
				{Name: "redis", Check: healthErr("connection refused")},
			},
			wantFailed: "redis",
			wantError:  "connection refused",
		},
		{
			name: "both down",
			checks: []HealthCheck{
				{Name: "mongo", Check: healthErr("no primary")},
				{Name: "redis", Check: healthErr("connection refused")},
			},
			wantFailed: "mongo",
			wantError:  "no primary",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := newTestServer(t, tt.checks...)

			rec := serve(srv, http.MethodGet, "/health/ready")

			assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
			body := rec.Body.String()
			assert.Contains(t, body, `"status":"unhealthy"`)
			assert.Contains(t, body, `"failed_check":"`+tt.wantFailed+`"`)
			assert.Contains(t, body, `"error":"`+tt.wantError+`"`)
		})
	}
}

func TestHandleReadiness_ChecksGetDeadline(t *testing.T) {
	var hadDeadline bool
	srv, _ := newTestServer(t, HealthCheck{Name: "mongo", Check: func(ctx context.Context) error {
		_, hadDeadline = ctx.Deadline()
		return nil
	}})

	serve(srv, http.MethodGet, "/health/ready")

	assert.True(t, hadDeadline)
}

func TestHandleVersion(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := serve(srv, http.MethodGet, "/version")

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `"version"`)
	assert.Contains(t, body, `"commit"`)
	assert.Contains(t, body, `"build_time"`)
	assert.Contains(t, body, `"go_version"`)
	assert.Contains(t, body, `"service":"spyglass"`)
	assert.Contains(t, body, `"worker":{"index":1,"total":3}`)
}
