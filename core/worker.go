package core

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BranchIntl/jobqueue/errors"
	"github.com/BranchIntl/jobqueue/job"
)

// reportTimeout bounds complete/fail calls made after the worker context ended.
const reportTimeout = 5 * time.Second

// Worker is one consumer identity running a single-threaded polling loop
// over its queues in strict order.
type Worker struct {
	id       string
	hostname string
	pid      int
	queues   []string
	managers []*Manager
	registry Registry
	stats    Statistics
	config   *Config
	logger   *slog.Logger

	// Statistics
	processed  int64
	failed     int64
	inProgress int64
	lastJob    atomic.Int64
	startTime  time.Time
}

// NewWorker creates a new worker
func NewWorker(
	id string,
	queue *Queue,
	registry Registry,
	stats Statistics,
	config *Config,
) *Worker {
	hostname, _ := os.Hostname()
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	w := &Worker{
		id:        id,
		hostname:  hostname,
		pid:       os.Getpid(),
		queues:    config.Queues,
		registry:  registry,
		stats:     stats,
		config:    config,
		startTime: time.Now(),
	}
	w.logger = logger.With("worker", w.GetID())

	for _, name := range config.Queues {
		w.managers = append(w.managers, NewManager(queue, name, w.GetID(), config.LeaseTTL))
	}
	return w
}

// GetID returns the worker's unique ID, used as its consumer identity
func (w *Worker) GetID() string {
	return fmt.Sprintf("%s:%d-%s", w.hostname, w.pid, w.id)
}

// GetQueues returns the queues this worker polls
func (w *Worker) GetQueues() []string {
	return w.queues
}

func (w *Worker) info() WorkerInfo {
	return WorkerInfo{
		ID:       w.GetID(),
		Hostname: w.hostname,
		Pid:      w.pid,
		Queues:   w.GetQueues(),
		Started:  w.startTime,
	}
}

// Work polls for and processes jobs until ctx is done
func (w *Worker) Work(ctx context.Context) error {
	if err := w.stats.RegisterWorker(ctx, w.info()); err != nil {
		w.logger.Error("Failed to register worker", "error", err)
	}

	defer func() {
		unregisterCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
		defer cancel()
		if err := w.stats.UnregisterWorker(unregisterCtx, w.GetID()); err != nil {
			w.logger.Error("Failed to unregister worker", "error", err)
		}
	}()

	w.logger.Info("Worker started", "queues", w.queues)

	bo := newPollBackoff(w.config.PollInterval, w.config.MaxPollInterval, w.config.PollJitter)
	for {
		if ctx.Err() != nil {
			w.logger.Info("Worker stopping")
			return nil
		}

		found, err := w.pollOnce(ctx)
		if err != nil && ctx.Err() == nil {
			w.logger.Warn("Error polling", "error", err)
		}
		if found {
			bo.Reset()
			continue
		}

		select {
		case <-ctx.Done():
			w.logger.Info("Worker stopping")
			return nil
		case <-time.After(bo.Next()):
		}
	}
}

// pollOnce claims and processes at most one job, trying queues in order
func (w *Worker) pollOnce(ctx context.Context) (bool, error) {
	for _, m := range w.managers {
		j, err := m.GetNextJob(ctx)
		if err != nil {
			return false, err
		}
		if j != nil {
			w.processJob(ctx, m, j)
			return true, nil
		}
	}
	return false, nil
}

// processJob runs the handler for j and reports the outcome
func (w *Worker) processJob(ctx context.Context, m *Manager, j *job.Job) {
	startTime := time.Now()
	atomic.AddInt64(&w.inProgress, 1)
	defer atomic.AddInt64(&w.inProgress, -1)
	w.lastJob.Store(startTime.UnixNano())

	if err := w.stats.RecordJobStarted(ctx, j, w.info()); err != nil {
		w.logger.Error("Failed to record job start", "error", err)
	}

	handler, ok := w.registry.Get(j.Queue)
	if !ok {
		handler = w.config.Fallback
	}
	if handler == nil {
		err := errors.NewWorkerError(j.Queue, j.ID, errors.ErrHandlerNotFound)
		w.handleJobError(ctx, m, j, err, startTime)
		return
	}

	jobCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	var heartbeat sync.WaitGroup
	if w.config.RenewInterval > 0 {
		heartbeat.Add(1)
		go func() {
			defer heartbeat.Done()
			w.heartbeat(jobCtx, cancel, m, j)
		}()
	}

	err := w.executeJob(jobCtx, handler, j)
	cancel(nil)
	heartbeat.Wait()

	switch {
	case err != nil && ctx.Err() != nil:
		// shutdown, not a failure of the job
		w.handleJobInterrupted(ctx, m, j)
	case err != nil:
		w.handleJobError(ctx, m, j, err, startTime)
	default:
		w.handleJobSuccess(ctx, m, j, startTime)
	}
}

// heartbeat extends the lease on j until ctx ends. Losing the lease
// cancels the handler.
func (w *Worker) heartbeat(ctx context.Context, cancel context.CancelCauseFunc, m *Manager, j *job.Job) {
	ticker := time.NewTicker(w.config.RenewInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.ExtendLease(ctx, j); err != nil {
				if errors.Is(err, errors.ErrNotOwner) {
					w.logger.Debug("Lease lost during processing", "queue", j.Queue, "id", j.ID)
					cancel(err)
					return
				}
				if ctx.Err() == nil {
					w.logger.Warn("Failed to extend lease", "queue", j.Queue, "id", j.ID, "error", err)
				}
			}
		}
	}
}

// executeJob runs the handler with panic recovery
func (w *Worker) executeJob(ctx context.Context, handler HandlerFunc, j *job.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.NewWorkerError(j.Queue, j.ID, fmt.Errorf("panic: %v", r))
		}
	}()

	if execErr := handler(ctx, j); execErr != nil {
		return errors.NewWorkerError(j.Queue, j.ID, execErr)
	}

	return nil
}

// handleJobSuccess completes the job and records it
func (w *Worker) handleJobSuccess(ctx context.Context, m *Manager, j *job.Job, startTime time.Time) {
	duration := time.Since(startTime)

	reportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
	defer cancel()

	if err := m.CompleteJob(reportCtx, j); err != nil {
		w.reportError("complete", j, err)
		return
	}

	atomic.AddInt64(&w.processed, 1)

	if err := w.stats.RecordJobCompleted(reportCtx, j, w.info(), duration); err != nil {
		w.logger.Error("Failed to record job completion", "error", err)
	}

	w.logger.Debug("Job completed", "queue", j.Queue, "id", j.ID, "duration", duration)
}

// handleJobError fails the job and records it
func (w *Worker) handleJobError(ctx context.Context, m *Manager, j *job.Job, err error, startTime time.Time) {
	duration := time.Since(startTime)

	atomic.AddInt64(&w.failed, 1)

	reportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
	defer cancel()

	if statsErr := w.stats.RecordJobFailed(reportCtx, j, w.info(), err, duration); statsErr != nil {
		w.logger.Error("Failed to record job failure", "error", statsErr)
	}

	w.logger.Warn("Job failed", "queue", j.Queue, "id", j.ID, "attempt", j.Attempts, "error", err)

	if failErr := m.FailJob(reportCtx, j, err); failErr != nil {
		w.reportError("fail", j, failErr)
	}
}

// handleJobInterrupted hands j back without spending its attempt
func (w *Worker) handleJobInterrupted(ctx context.Context, m *Manager, j *job.Job) {
	reportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
	defer cancel()

	if err := m.AbandonJob(reportCtx, j); err != nil {
		w.reportError("abandon", j, err)
		return
	}
	w.logger.Info("Job interrupted by shutdown, returned to queue", "queue", j.Queue, "id", j.ID)
}

func (w *Worker) reportError(op string, j *job.Job, err error) {
	if errors.Is(err, errors.ErrNotOwner) {
		// lease was reclaimed elsewhere; this result is stale
		w.logger.Debug("Discarding result of reclaimed job", "op", op, "queue", j.Queue, "id", j.ID)
		return
	}
	w.logger.Error("Failed to report job", "op", op, "queue", j.Queue, "id", j.ID, "error", err)
}

// GetStats returns current worker statistics
func (w *Worker) GetStats() WorkerStats {
	var lastJob time.Time
	if ns := w.lastJob.Load(); ns > 0 {
		lastJob = time.Unix(0, ns)
	}
	return WorkerStats{
		ID:         w.GetID(),
		Processed:  atomic.LoadInt64(&w.processed),
		Failed:     atomic.LoadInt64(&w.failed),
		InProgress: atomic.LoadInt64(&w.inProgress),
		StartTime:  w.startTime,
		LastJob:    lastJob,
	}
}
