// Package config loads worker and CLI settings from the environment.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/BranchIntl/jobqueue/core"
	"github.com/BranchIntl/jobqueue/errors"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Store backends
const (
	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StoreMongo    = "mongo"
	StorePostgres = "postgres"
)

// Statistics backends
const (
	StatsNoop       = "noop"
	StatsRedis      = "redis"
	StatsPrometheus = "prometheus"
)

// Config holds all jobqueue configuration
type Config struct {
	Store string `env:"JOBQUEUE_STORE" envDefault:"memory"`

	RedisURL       string `env:"REDIS_URL" envDefault:"redis://localhost:6379/"`
	RedisNamespace string `env:"REDIS_NAMESPACE" envDefault:"jobqueue:"`
	MongoURI       string `env:"MONGO_URI" envDefault:"mongodb://localhost:27017"`
	MongoDatabase  string `env:"MONGO_DATABASE" envDefault:"jobqueue"`
	PostgresDSN    string `env:"POSTGRES_DSN"`

	// Worker settings
	Queues          []string      `env:"JOBQUEUE_QUEUES" envSeparator:","`
	Concurrency     int           `env:"JOBQUEUE_CONCURRENCY" envDefault:"4"`
	PollInterval    time.Duration `env:"JOBQUEUE_POLL_INTERVAL" envDefault:"500ms"`
	MaxPollInterval time.Duration `env:"JOBQUEUE_MAX_POLL_INTERVAL" envDefault:"10s"`
	PollJitter      float64       `env:"JOBQUEUE_POLL_JITTER" envDefault:"0.5"`
	LeaseTTL        time.Duration `env:"JOBQUEUE_LEASE_TTL" envDefault:"5m"`
	RenewInterval   time.Duration `env:"JOBQUEUE_RENEW_INTERVAL"`
	MaxAttempts     int           `env:"JOBQUEUE_MAX_ATTEMPTS" envDefault:"3"`
	// ReapSchedule is a cron spec; "off" disables the reaper
	ReapSchedule    string        `env:"JOBQUEUE_REAP_SCHEDULE" envDefault:"@every 30s"`
	ShutdownTimeout time.Duration `env:"JOBQUEUE_SHUTDOWN_TIMEOUT" envDefault:"30s"`

	// ExpiredAttemptCap dead-letters jobs whose final attempt's lease expired
	ExpiredAttemptCap bool `env:"JOBQUEUE_EXPIRED_ATTEMPT_CAP"`

	Stats       string `env:"JOBQUEUE_STATS" envDefault:"noop"`
	MetricsAddr string `env:"METRICS_ADDR"`

	// Dead-letter publishing is enabled when RabbitMQURL is set
	RabbitMQURL        string `env:"RABBITMQ_URL"`
	DeadLetterExchange string `env:"DEADLETTER_EXCHANGE" envDefault:"jobqueue.dead"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`
}

// Load reads the given .env files, if present, then parses the environment.
// With no files it tries ./.env.
func Load(files ...string) (*Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", f, err)
		}
	}

	return parse(env.Options{})
}

// FromMap parses configuration from vars instead of the process environment
func FromMap(vars map[string]string) (*Config, error) {
	return parse(env.Options{Environment: vars})
}

func parse(opts env.Options) (*Config, error) {
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, fmt.Errorf("%w: %w", errors.ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects unknown backends and unusable worker settings
func (c *Config) Validate() error {
	switch c.Store {
	case StoreMemory, StoreRedis, StoreMongo:
	case StorePostgres:
		if c.PostgresDSN == "" {
			return invalid("POSTGRES_DSN is required for the postgres store")
		}
	default:
		return invalid("unknown store %q", c.Store)
	}

	switch c.Stats {
	case StatsNoop, StatsRedis, StatsPrometheus:
	default:
		return invalid("unknown statistics backend %q", c.Stats)
	}

	if c.Concurrency <= 0 {
		return invalid("concurrency must be positive")
	}
	if c.LeaseTTL <= 0 {
		return invalid("lease ttl must be positive")
	}
	if c.RenewInterval < 0 || (c.RenewInterval > 0 && c.RenewInterval >= c.LeaseTTL) {
		return invalid("renew interval must be shorter than the lease ttl")
	}
	if c.MaxAttempts <= 0 {
		return invalid("max attempts must be positive")
	}
	if c.PollInterval <= 0 || c.MaxPollInterval < c.PollInterval {
		return invalid("poll interval must be positive and at most the max poll interval")
	}
	if c.PollJitter < 0 || c.PollJitter > 1 {
		return invalid("poll jitter must be within [0, 1]")
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return invalid("unknown log format %q", c.LogFormat)
	}
	return nil
}

// EngineOptions maps the worker settings onto core engine options
func (c *Config) EngineOptions(logger *slog.Logger) []core.EngineOption {
	opts := []core.EngineOption{
		core.WithQueues(c.Queues...),
		core.WithConcurrency(c.Concurrency),
		core.WithPollInterval(c.PollInterval, c.MaxPollInterval, c.PollJitter),
		core.WithLeaseTTL(c.LeaseTTL),
		core.WithEngineMaxAttempts(c.MaxAttempts),
		core.WithReapSchedule(c.reapSchedule()),
		core.WithShutdownTimeout(c.ShutdownTimeout),
	}
	if c.RenewInterval > 0 {
		opts = append(opts, core.WithRenewInterval(c.RenewInterval))
	}
	if c.ExpiredAttemptCap {
		opts = append(opts, core.WithEngineExpiredAttemptCap())
	}
	if logger != nil {
		opts = append(opts, core.WithEngineLogger(logger))
	}
	return opts
}

func (c *Config) reapSchedule() string {
	if strings.EqualFold(c.ReapSchedule, "off") {
		return ""
	}
	return c.ReapSchedule
}

// NewLogger builds a slog logger writing to w at the configured level
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}

	handlerOpts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, handlerOpts))
	}
	return slog.New(slog.NewTextHandler(w, handlerOpts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return level, invalid("unknown log level %q", s)
	}
	return level, nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errors.ErrInvalidConfig, fmt.Sprintf(format, args...))
}
