package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/streamcord/spyglass/internal/adapter/amqp"
	"github.com/streamcord/spyglass/internal/adapter/eventpublisher"
	"github.com/streamcord/spyglass/internal/adapter/httpserver"
	"github.com/streamcord/spyglass/internal/adapter/metrics"
	"github.com/streamcord/spyglass/internal/adapter/mongo"
	"github.com/streamcord/spyglass/internal/adapter/redis"
	"github.com/streamcord/spyglass/internal/adapter/twitch"
	"github.com/streamcord/spyglass/internal/app"
	"github.com/streamcord/spyglass/internal/domain"
	"github.com/streamcord/spyglass/internal/platform/config"
	"github.com/streamcord/spyglass/internal/platform/logging"
	"github.com/streamcord/spyglass/internal/platform/version"
)

const (
	startupTimeout = 30 * time.Second
	connectTimeout = 10 * time.Second
)

func main() {
	code := 0
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Uncaught panic", "panic", r)
			code = exitUncaught
		}
		os.Exit(code)
	}()

	if err := run(); err != nil {
		code = exitCode(err)
		slog.Error("Spyglass stopped", "error", err, "exit_code", code)
	}
}

func setupConfig() (*config.Config, domain.WorkerInfo, error) {
	cfg, err := config.Load()
	if err != nil {
		if errors.Is(err, config.ErrWorkerEnv) {
			return nil, domain.WorkerInfo{}, err
		}
		return nil, domain.WorkerInfo{}, fmt.Errorf("%w: %w", errInvalidConfig, err)
	}
	worker, err := cfg.Worker()
	if err != nil {
		return nil, domain.WorkerInfo{}, err
	}
	return cfg, worker, nil
}

func setupStore(ctx context.Context, cfg *config.Config) (*mongo.Store, error) {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	store, err := mongo.Connect(ctx, cfg.MongoURL, cfg.MongoDatabase, mongo.Collections{
		Subscriptions: cfg.MongoSubscriptionsCollection,
		Notifications: cfg.MongoNotificationsCollection,
	})
	if errors.Is(err, mongo.ErrInvalidDatabaseName) || errors.Is(err, mongo.ErrInvalidCollectionName) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errDatabaseConnection, err)
	}

	if err := store.EnablePreImages(ctx); err != nil {
		slog.Warn("Change stream pre-images unavailable, deletes fall back to the notification index", "error", err)
	}
	return store, nil
}

// setupRedis connects when REDIS_URL is set. Redis is mandatory only as the
// egress; otherwise it merely backs the worker registry.
func setupRedis(ctx context.Context, cfg *config.Config) (*goredis.Client, error) {
	if cfg.RedisURL == "" {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	rdb, err := redis.NewClient(ctx, cfg.RedisURL)
	if err == nil {
		return rdb, nil
	}
	if cfg.Egress == "redis" {
		return nil, fmt.Errorf("%w: %w", errEgressConnection, err)
	}
	slog.Warn("Redis unavailable, worker registry disabled", "error", err)
	return nil, nil
}

// setupEgress returns the sink stream events are forwarded to, the readiness
// checks the sink adds, and a cleanup func.
func setupEgress(cfg *config.Config, rdb *goredis.Client, reg prometheus.Registerer) (domain.EventSink, []httpserver.HealthCheck, func(), error) {
	egressMetrics := metrics.NewEgressMetrics(reg)

	switch cfg.Egress {
	case "amqp":
		q, err := amqp.Dial(cfg.AMQPURL, cfg.AMQPQueue)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("%w: %w", errEgressConnection, err)
		}
		closeQueue := func() {
			if err := q.Close(); err != nil {
				slog.Warn("Failed to close AMQP connection", "error", err)
			}
		}
		checks := []httpserver.HealthCheck{{Name: "amqp", Check: q.Ping}}
		return eventpublisher.New(q, egressMetrics), checks, closeQueue, nil
	case "redis":
		return eventpublisher.New(redis.NewQueue(rdb, cfg.RedisQueueKey), egressMetrics), nil, func() {}, nil
	default:
		slog.Warn("Egress is log-only, stream events are not forwarded")
		return eventpublisher.LogSink{}, nil, func() {}, nil
	}
}

func healthChecks(store *mongo.Store, rdb *goredis.Client, egress []httpserver.HealthCheck) []httpserver.HealthCheck {
	checks := []httpserver.HealthCheck{{Name: "mongo", Check: store.Ping}}
	if rdb != nil {
		checks = append(checks, httpserver.HealthCheck{Name: "redis", Check: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}})
	}
	return append(checks, egress...)
}

func run() error {
	cfg, worker, err := setupConfig()
	if err != nil {
		return err
	}

	logging.InitLogger(cfg.LogLevel, cfg.LogFormat,
		slog.Int64("worker_index", worker.Index), slog.Int64("worker_total", worker.Total))
	slog.Info("Spyglass starting", "build", version.Get().String(), "env", cfg.AppEnv,
		"callback", worker.CallbackURL(), "egress", cfg.Egress, "lanes", cfg.Lanes)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clock := clockwork.NewRealClock()
	reg := metrics.NewRegistry()
	metrics.RegisterBuildInfo(reg, version.Get(), worker)

	startupCtx, cancelStartup := context.WithTimeout(ctx, startupTimeout)
	client, err := twitch.NewClient(startupCtx, twitch.Config{
		ClientID:          cfg.ClientID(),
		ClientSecret:      domain.ClientSecret(cfg.TwitchClientSecret),
		APIURL:            cfg.TwitchAPIURL,
		AuthURL:           cfg.TwitchAuthURL,
		Callback:          worker.Callback,
		RetryDelay:        cfg.RetryDelay,
		RequestsPerMinute: cfg.TwitchRateLimitPerMinute,
		Clock:             clock,
		Metrics:           metrics.NewAPIMetrics(reg),
	})
	cancelStartup()
	if err != nil {
		return err
	}

	store, err := setupStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), connectTimeout)
		defer cancel()
		if err := store.Close(closeCtx); err != nil {
			slog.Warn("Failed to disconnect from mongo", "error", err)
		}
	}()
	subscriptions := mongo.NewSubscriptionRepo(store, cfg.ClientID())
	notifications := mongo.NewNotificationRepo(store, cfg.ClientID())

	rdb, err := setupRedis(ctx, cfg)
	if err != nil {
		return err
	}
	if rdb != nil {
		defer func() { _ = rdb.Close() }()
	}

	sink, egressChecks, closeEgress, err := setupEgress(cfg, rdb, reg)
	if err != nil {
		return err
	}
	defer closeEgress()

	webhook := twitch.NewWebhookHandler(subscriptions, notifications, sink, clock, metrics.NewWebhookMetrics(reg))
	srv := httpserver.NewServer(httpserver.Config{
		Port:         cfg.Port,
		HealthChecks: healthChecks(store, rdb, egressChecks),
		Registry:     reg,
		Clock:        clock,
		Worker:       worker,
	}, webhook.HandleCallback)

	serverErr := make(chan error, 1)
	go func() { serverErr <- srv.Start() }()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}
	}()

	if cfg.SkipCallbackCheck {
		slog.Warn("Skipping callback reachability check")
	} else if err := client.AwaitCallbackAccess(ctx, http.StatusTeapot); err != nil {
		return err
	}

	dispatcher := app.NewDispatcher(worker, cfg.Lanes, metrics.NewDispatchMetrics(reg))
	reconciler := app.NewReconciler(client, subscriptions, notifications, worker, dispatcher, app.ReconcilerConfig{
		ClientID:   cfg.ClientID(),
		RetryDelay: cfg.RetryDelay,
		Clock:      clock,
		Metrics:    metrics.NewReconcileMetrics(reg),
	})
	feedCfg := mongo.FeedConfig{RetryDelay: cfg.WatchRetryDelay, Clock: clock, Metrics: metrics.NewFeedMetrics(reg)}
	notificationFeedCfg := feedCfg
	notificationFeedCfg.PreImages = store.PreImages()
	watcher := app.NewWatcher(reconciler, dispatcher, notifications,
		notifications.Changes(notificationFeedCfg), subscriptions.Changes(feedCfg),
		cfg.ClientID(), app.InvalidationPolicy(cfg.OnInvalidate))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		dispatcher.Run(gctx)
		return nil
	})
	g.Go(func() error {
		if err := watcher.Run(gctx); err != nil && gctx.Err() == nil {
			return fmt.Errorf("%w: %w", errChangeFeed, err)
		}
		return nil
	})
	g.Go(func() error {
		if err := reconciler.FullPass(gctx, "startup"); err != nil && gctx.Err() == nil {
			return fmt.Errorf("startup reconciliation: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		reconciler.RunPeriodic(gctx, cfg.ResyncInterval)
		return nil
	})
	if rdb != nil {
		registry := redis.NewWorkerRegistry(rdb, instanceID(), worker, version.Version, cfg.HeartbeatInterval, clock)
		g.Go(func() error {
			registry.Run(gctx)
			return nil
		})
	}
	g.Go(func() error {
		select {
		case err := <-serverErr:
			if err != nil {
				return err
			}
			return errors.New("http server stopped unexpectedly")
		case <-gctx.Done():
			return nil
		}
	})

	err = g.Wait()
	if err == nil {
		slog.Info("Shutdown signal received, cleaning up...")
	}
	return err
}

func instanceID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "spyglass"
	}
	return host + "-" + uuid.NewString()[:8]
}
