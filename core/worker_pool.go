package core

import (
	"context"
	"log/slog"
	"strconv"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// WorkerPool manages a pool of workers
type WorkerPool struct {
	queue         *Queue
	registry      Registry
	stats         Statistics
	config        *Config
	logger        *slog.Logger
	activeWorkers int32
	workers       []*Worker
}

// NewWorkerPool creates a new worker pool
func NewWorkerPool(
	queue *Queue,
	registry Registry,
	stats Statistics,
	config *Config,
) *WorkerPool {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	wp := &WorkerPool{
		queue:    queue,
		registry: registry,
		stats:    stats,
		config:   config,
		logger:   logger,
		workers:  make([]*Worker, 0, config.Concurrency),
	}
	for i := 0; i < config.Concurrency; i++ {
		wp.workers = append(wp.workers, NewWorker(strconv.Itoa(i), queue, registry, stats, config))
	}
	return wp
}

// Start runs every worker until ctx is done
func (wp *WorkerPool) Start(ctx context.Context) error {
	wp.logger.Info("Starting worker pool", "workers", len(wp.workers))

	g, gctx := errgroup.WithContext(ctx)
	for _, worker := range wp.workers {
		w := worker
		g.Go(func() error {
			atomic.AddInt32(&wp.activeWorkers, 1)
			defer atomic.AddInt32(&wp.activeWorkers, -1)
			return w.Work(gctx)
		})
	}

	err := g.Wait()
	wp.logger.Info("Worker pool stopped")
	return err
}

// ActiveWorkers returns the number of active workers
func (wp *WorkerPool) ActiveWorkers() int {
	return int(atomic.LoadInt32(&wp.activeWorkers))
}

// GetWorkerStats returns statistics for all workers
func (wp *WorkerPool) GetWorkerStats() []WorkerStats {
	stats := make([]WorkerStats, 0, len(wp.workers))
	for _, worker := range wp.workers {
		stats = append(stats, worker.GetStats())
	}
	return stats
}
