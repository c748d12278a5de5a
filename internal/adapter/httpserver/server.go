package httpserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/streamcord/spyglass/internal/adapter/metrics"
	"github.com/streamcord/spyglass/internal/domain"
)

// Config holds what the server needs besides its handlers.
type Config struct {
	Port         string
	HealthChecks []HealthCheck
	Registry     *prometheus.Registry
	Clock        clockwork.Clock
	Worker       domain.WorkerInfo
}

type Server struct {
	echo *echo.Echo
	port string

	callback      echo.HandlerFunc
	healthChecks  []HealthCheck
	registry      *prometheus.Registry
	httpMetrics   *metrics.HTTPMetrics
	healthMetrics *metrics.HealthMetrics
	worker        domain.WorkerInfo
	clock         clockwork.Clock
	startTime     time.Time
}

// NewServer builds the HTTP surface around the webhook callback handler.
func NewServer(cfg Config, callback echo.HandlerFunc) *Server {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Registry == nil {
		cfg.Registry = metrics.NewRegistry()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	srv := &Server{
		echo:          e,
		port:          cfg.Port,
		callback:      callback,
		healthChecks:  cfg.HealthChecks,
		registry:      cfg.Registry,
		httpMetrics:   metrics.NewHTTPMetrics(cfg.Registry),
		healthMetrics: metrics.NewHealthMetrics(cfg.Registry),
		worker:        cfg.Worker,
		clock:         cfg.Clock,
		startTime:     cfg.Clock.Now(),
	}

	srv.registerRoutes()

	return srv
}

// Start blocks serving until Shutdown. A clean shutdown returns nil.
func (s *Server) Start() error {
	slog.Info("Starting server", "port", s.port)
	if err := s.echo.Start(":" + s.port); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}

// ServeHTTP exposes the router, mainly for tests.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}
