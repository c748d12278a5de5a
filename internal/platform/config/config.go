package config

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

// ErrWorkerEnv marks a missing or malformed SPYGLASS_WORKER_* variable.
var ErrWorkerEnv = errors.New("worker environment incomplete")

type Config struct {
	AppEnv    string `env:"APP_ENV" default:"development"`
	Port      string `env:"PORT" default:"8080"`
	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`

	WorkerIndex    string `env:"SPYGLASS_WORKER_INDEX"`
	WorkerTotal    string `env:"SPYGLASS_WORKER_TOTAL"`
	WorkerCallback string `env:"SPYGLASS_WORKER_CALLBACK"`

	TwitchClientID           string `env:"TWITCH_CLIENT_ID"`
	TwitchClientSecret       string `env:"TWITCH_CLIENT_SECRET"`
	TwitchAPIURL             string `env:"TWITCH_API_URL" default:"https://api.twitch.tv/helix"`
	TwitchAuthURL            string `env:"TWITCH_AUTH_URL" default:"https://id.twitch.tv"`
	TwitchRateLimitPerMinute int    `env:"TWITCH_RATE_LIMIT_PER_MINUTE" default:"800"`

	MongoURL                     string `env:"MONGO_URL"`
	MongoDatabase                string `env:"MONGO_DATABASE" default:"spyglass"`
	MongoSubscriptionsCollection string `env:"MONGO_SUBSCRIPTIONS_COLLECTION" default:"subscriptions"`
	MongoNotificationsCollection string `env:"MONGO_NOTIFICATIONS_COLLECTION" default:"notifications"`

	Egress        string `env:"SPYGLASS_EGRESS" default:"amqp"`
	AMQPURL       string `env:"AMQP_URL"`
	AMQPQueue     string `env:"AMQP_QUEUE" default:"spyglass"`
	RedisURL      string `env:"REDIS_URL"`
	RedisQueueKey string `env:"REDIS_QUEUE_KEY" default:"spyglass:events"`

	Lanes             int           `env:"SPYGLASS_LANES" default:"4"`
	RetryDelay        time.Duration `env:"SPYGLASS_RETRY_DELAY" default:"30s"`
	WatchRetryDelay   time.Duration `env:"SPYGLASS_WATCH_RETRY_DELAY" default:"5s"`
	ResyncInterval    time.Duration `env:"SPYGLASS_RESYNC_INTERVAL" default:"1h"`
	OnInvalidate      string        `env:"SPYGLASS_ON_INVALIDATE" default:"resync"`
	SkipCallbackCheck bool          `env:"SPYGLASS_SKIP_CALLBACK_CHECK" default:"false"`
	HeartbeatInterval time.Duration `env:"SPYGLASS_HEARTBEAT_INTERVAL" default:"30s"`
	ShutdownGrace     time.Duration `env:"SPYGLASS_SHUTDOWN_GRACE" default:"10s"`
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	worker := map[string]string{
		"SPYGLASS_WORKER_INDEX":    cfg.WorkerIndex,
		"SPYGLASS_WORKER_TOTAL":    cfg.WorkerTotal,
		"SPYGLASS_WORKER_CALLBACK": cfg.WorkerCallback,
	}
	for name, value := range worker {
		if value == "" {
			return fmt.Errorf("%w: %s is required", ErrWorkerEnv, name)
		}
	}
	if _, err := cfg.Worker(); err != nil {
		return err
	}

	required := map[string]string{
		"TWITCH_CLIENT_ID":     cfg.TwitchClientID,
		"TWITCH_CLIENT_SECRET": cfg.TwitchClientSecret,
		"MONGO_URL":            cfg.MongoURL,
	}
	for name, value := range required {
		if value == "" {
			return fmt.Errorf("%s is required", name)
		}
	}

	switch cfg.Egress {
	case "amqp":
		if cfg.AMQPURL == "" {
			return errors.New("AMQP_URL is required when SPYGLASS_EGRESS=amqp")
		}
	case "redis":
		if cfg.RedisURL == "" {
			return errors.New("REDIS_URL is required when SPYGLASS_EGRESS=redis")
		}
	case "log":
	default:
		return fmt.Errorf("SPYGLASS_EGRESS must be one of amqp, redis, log; got %q", cfg.Egress)
	}

	switch cfg.OnInvalidate {
	case "resync", "exit":
	default:
		return fmt.Errorf("SPYGLASS_ON_INVALIDATE must be resync or exit; got %q", cfg.OnInvalidate)
	}

	if cfg.Lanes < 1 {
		return fmt.Errorf("SPYGLASS_LANES must be at least 1, got %d", cfg.Lanes)
	}
	if cfg.RetryDelay <= 0 || cfg.WatchRetryDelay <= 0 {
		return errors.New("retry delays must be positive")
	}
	if cfg.TwitchRateLimitPerMinute <= 0 {
		return errors.New("TWITCH_RATE_LIMIT_PER_MINUTE must be positive")
	}

	return nil
}
