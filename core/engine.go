package core

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/BranchIntl/jobqueue/errors"
)

// Engine is the main orchestration engine
type Engine struct {
	store    Store
	stats    Statistics
	registry Registry
	config   *Config
	logger   *slog.Logger

	queue      *Queue
	workerPool *WorkerPool
	reaper     *Reaper

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine creates a new engine with dependency injection
func NewEngine(
	store Store,
	stats Statistics,
	registry Registry,
	options ...EngineOption,
) *Engine {
	config := defaultConfig()
	for _, opt := range options {
		opt(config)
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	queueOptions := []QueueOption{
		WithClock(config.Clock),
		WithLogger(config.Logger),
		WithDefaultMaxAttempts(config.MaxAttempts),
		WithScanLimit(config.ScanLimit),
	}
	if config.DeadLetter != nil {
		queueOptions = append(queueOptions, WithDeadLetterNotifier(config.DeadLetter))
	}
	if config.CapExpiredAttempts {
		queueOptions = append(queueOptions, WithExpiredAttemptCap())
	}

	return &Engine{
		store:    store,
		stats:    stats,
		registry: registry,
		config:   config,
		logger:   config.Logger,
		queue:    NewQueue(store, queueOptions...),
		ctx:      context.Background(),
	}
}

// Queue returns the engine's queue for producers and maintenance tools
func (e *Engine) Queue() *Queue {
	return e.queue
}

// Start begins processing jobs
func (e *Engine) Start(ctx context.Context) error {
	if len(e.config.Queues) == 0 {
		return errors.ErrNoQueues
	}
	if e.config.Concurrency <= 0 {
		return fmt.Errorf("%w: concurrency must be positive", errors.ErrInvalidConfig)
	}
	if e.config.LeaseTTL <= 0 {
		return fmt.Errorf("%w: lease ttl must be positive", errors.ErrInvalidConfig)
	}

	e.ctx, e.cancel = context.WithCancel(ctx)

	if err := e.store.Connect(e.ctx); err != nil {
		e.cancel()
		return errors.NewConnectionError("",
			fmt.Errorf("failed to connect store: %w", err))
	}

	if err := e.stats.Connect(e.ctx); err != nil {
		e.cancel()
		return errors.NewConnectionError("",
			fmt.Errorf("failed to connect statistics: %w", err))
	}

	e.workerPool = NewWorkerPool(e.queue, e.registry, e.stats, e.config)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.workerPool.Start(e.ctx); err != nil {
			e.logger.Error("Worker pool error", "error", err)
		}
	}()

	if e.config.ReapSchedule != "" {
		e.reaper = NewReaper(e.queue, e.config.ReapSchedule, e.config.ReapLockTTL, e.logger)
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := e.reaper.Start(e.ctx); err != nil {
				e.logger.Error("Reaper error", "error", err)
			}
		}()
	}

	e.logger.Info("Engine started", "queues", e.config.Queues, "concurrency", e.config.Concurrency)
	return nil
}

// Stop gracefully shuts down the engine
func (e *Engine) Stop() error {
	if e.cancel != nil {
		e.cancel()
	}

	// Wait for graceful shutdown
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.logger.Info("Engine stopped gracefully")
	case <-time.After(e.config.ShutdownTimeout):
		e.logger.Warn("Engine shutdown timeout exceeded")
	}

	if err := e.store.Close(); err != nil {
		e.logger.Error("Error closing store", "error", err)
	}

	if err := e.stats.Close(); err != nil {
		e.logger.Error("Error closing statistics", "error", err)
	}

	return nil
}

// Health returns the current health status
func (e *Engine) Health() HealthStatus {
	queuedJobs := make(map[string]int64)
	for _, queue := range e.config.Queues {
		if stats, err := e.store.Stats(e.ctx, queue); err == nil {
			queuedJobs[queue] = stats.Queued
		}
	}

	storeHealth := e.store.Health()
	statsHealth := e.stats.Health()

	active := 0
	if e.workerPool != nil {
		active = e.workerPool.ActiveWorkers()
	}

	return HealthStatus{
		Healthy:       storeHealth == nil && statsHealth == nil,
		StoreHealth:   storeHealth,
		StatsHealth:   statsHealth,
		ActiveWorkers: active,
		QueuedJobs:    queuedJobs,
		LastCheck:     time.Now(),
	}
}

// Enqueue adds a job to a queue and returns its id
func (e *Engine) Enqueue(ctx context.Context, queue string, payload []byte, options ...EnqueueOption) (string, error) {
	return e.queue.Enqueue(ctx, queue, payload, options...)
}

// Register adds the handler for a queue
func (e *Engine) Register(queue string, handler HandlerFunc) error {
	return e.registry.Register(queue, handler)
}

// Run starts the engine and blocks until shutdown signals are received
// This is a convenience method that combines Start() + signal handling + Stop()
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Start(ctx); err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-ctx.Done():
		e.logger.Info("Context cancelled, shutting down...")
	case sig := <-sigChan:
		e.logger.Info("Received signal, shutting down...", "signal", sig)
	}

	return e.Stop()
}
