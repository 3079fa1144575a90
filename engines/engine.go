// Package engines assembles a ready-to-run engine from a config.Config:
// the configured store, statistics backend and optional dead-letter
// publisher, wired into a core.Engine with a fresh registry.
//
// Example usage:
//
//	cfg, _ := config.Load()
//	engine, err := engines.New(cfg, cfg.NewLogger(os.Stderr))
//	if err != nil {
//		log.Fatal(err)
//	}
//	engine.Register("scrape:airline-a", scrapeHandler)
//	engine.Run(ctx)
package engines

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BranchIntl/jobqueue/config"
	"github.com/BranchIntl/jobqueue/core"
	"github.com/BranchIntl/jobqueue/deadletter/rabbitmq"
	"github.com/BranchIntl/jobqueue/errors"
	"github.com/BranchIntl/jobqueue/registry"
	"github.com/BranchIntl/jobqueue/statistics/noop"
	"github.com/BranchIntl/jobqueue/statistics/prometheus"
	redisstats "github.com/BranchIntl/jobqueue/statistics/redis"
	"github.com/BranchIntl/jobqueue/stores/memory"
	"github.com/BranchIntl/jobqueue/stores/mongo"
	"github.com/BranchIntl/jobqueue/stores/postgres"
	redisstore "github.com/BranchIntl/jobqueue/stores/redis"
)

// Engine is a core.Engine together with the components it was built from
type Engine struct {
	engine     *core.Engine
	store      core.Store
	stats      core.Statistics
	deadLetter *rabbitmq.Notifier
	registry   *registry.Registry
	logger     *slog.Logger
}

// NewStore builds the store selected by cfg.Store
func NewStore(cfg *config.Config) (core.Store, error) {
	switch cfg.Store {
	case config.StoreMemory:
		return memory.NewStore(), nil
	case config.StoreRedis:
		opts := redisstore.DefaultOptions()
		opts.URI = cfg.RedisURL
		opts.Namespace = cfg.RedisNamespace
		return redisstore.NewStore(opts), nil
	case config.StoreMongo:
		opts := mongo.DefaultOptions()
		opts.URI = cfg.MongoURI
		opts.Database = cfg.MongoDatabase
		return mongo.NewStore(opts), nil
	case config.StorePostgres:
		opts := postgres.DefaultOptions()
		opts.DSN = cfg.PostgresDSN
		return postgres.NewStore(opts), nil
	}
	return nil, fmt.Errorf("%w: unknown store %q", errors.ErrInvalidConfig, cfg.Store)
}

// NewStatistics builds the statistics backend selected by cfg.Stats
func NewStatistics(cfg *config.Config) (core.Statistics, error) {
	switch cfg.Stats {
	case config.StatsNoop:
		return noop.NewStatistics(), nil
	case config.StatsRedis:
		opts := redisstats.DefaultOptions()
		opts.URI = cfg.RedisURL
		opts.Namespace = cfg.RedisNamespace + "stats:"
		return redisstats.NewStatistics(opts), nil
	case config.StatsPrometheus:
		return prometheus.NewStatistics(), nil
	}
	return nil, fmt.Errorf("%w: unknown statistics backend %q", errors.ErrInvalidConfig, cfg.Stats)
}

// New builds an engine from cfg. A nil logger means slog.Default.
func New(cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	store, err := NewStore(cfg)
	if err != nil {
		return nil, err
	}
	stats, err := NewStatistics(cfg)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		store:    store,
		stats:    stats,
		registry: registry.NewRegistry(),
		logger:   logger,
	}

	options := cfg.EngineOptions(logger)
	if cfg.RabbitMQURL != "" {
		dlOpts := rabbitmq.DefaultOptions()
		dlOpts.URI = cfg.RabbitMQURL
		dlOpts.Exchange = cfg.DeadLetterExchange
		e.deadLetter = rabbitmq.NewNotifier(dlOpts, logger)
		options = append(options, core.WithDeadLetter(e.deadLetter))
	}

	e.engine = core.NewEngine(store, stats, e.registry, options...)
	return e, nil
}

// Register adds the handler for a queue
func (e *Engine) Register(queue string, handler core.HandlerFunc) error {
	return e.registry.Register(queue, handler)
}

// SetFallback sets the handler used for queues nobody registered
func (e *Engine) SetFallback(handler core.HandlerFunc) {
	e.registry.SetFallback(handler)
}

// Start connects the dead-letter publisher, then starts the core engine
func (e *Engine) Start(ctx context.Context) error {
	if err := e.connectDeadLetter(ctx); err != nil {
		return err
	}
	return e.engine.Start(ctx)
}

// Run starts the engine and blocks until shutdown
func (e *Engine) Run(ctx context.Context) error {
	if err := e.connectDeadLetter(ctx); err != nil {
		return err
	}
	defer e.closeDeadLetter()
	return e.engine.Run(ctx)
}

// Stop gracefully shuts down the engine
func (e *Engine) Stop() error {
	err := e.engine.Stop()
	e.closeDeadLetter()
	return err
}

// MustRun starts the engine and panics on error
func (e *Engine) MustRun(ctx context.Context) {
	if err := e.Run(ctx); err != nil {
		panic(fmt.Sprintf("Engine.Run failed: %v", err))
	}
}

// Health returns the engine health status
func (e *Engine) Health() core.HealthStatus {
	return e.engine.Health()
}

func (e *Engine) connectDeadLetter(ctx context.Context) error {
	if e.deadLetter == nil {
		return nil
	}
	if err := e.deadLetter.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect dead-letter publisher: %w", err)
	}
	return nil
}

func (e *Engine) closeDeadLetter() {
	if e.deadLetter == nil {
		return
	}
	if err := e.deadLetter.Close(); err != nil {
		e.logger.Error("Error closing dead-letter publisher", "error", err)
	}
}

// Component accessors

// Core returns the underlying core engine
func (e *Engine) Core() *core.Engine {
	return e.engine
}

// Queue returns the job queue for producers and maintenance tools
func (e *Engine) Queue() *core.Queue {
	return e.engine.Queue()
}

// GetStore returns the job store
func (e *Engine) GetStore() core.Store {
	return e.store
}

// GetStats returns the statistics backend
func (e *Engine) GetStats() core.Statistics {
	return e.stats
}

// GetRegistry returns the handler registry
func (e *Engine) GetRegistry() *registry.Registry {
	return e.registry
}
