package core

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// ReaperLockName guards reaping so one process runs it per tick.
const ReaperLockName = "jobqueue:reaper"

// Reaper periodically returns stale leased jobs to their queues.
type Reaper struct {
	queue    *Queue
	schedule string
	lockTTL  time.Duration
	owner    string
	logger   *slog.Logger
	cron     *cron.Cron
}

// NewReaper creates a reaper that runs on a cron schedule such as "@every 30s".
func NewReaper(queue *Queue, schedule string, lockTTL time.Duration, logger *slog.Logger) *Reaper {
	if logger == nil {
		logger = slog.Default()
	}
	hostname, _ := os.Hostname()
	return &Reaper{
		queue:    queue,
		schedule: schedule,
		lockTTL:  lockTTL,
		owner:    fmt.Sprintf("%s:%d-reaper-%s", hostname, os.Getpid(), uuid.NewString()[:8]),
		logger:   logger,
	}
}

// Start schedules reaping until ctx is done.
func (r *Reaper) Start(ctx context.Context) error {
	r.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := r.cron.AddFunc(r.schedule, func() { r.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("invalid reap schedule %q: %w", r.schedule, err)
	}

	r.cron.Start()
	r.logger.Info("Reaper started", "schedule", r.schedule)

	<-ctx.Done()
	<-r.cron.Stop().Done()
	r.logger.Info("Reaper stopped")
	return nil
}

// RunOnce performs a single guarded reap. It reports whether this process
// held the reaper lock.
func (r *Reaper) RunOnce(ctx context.Context) (ReapResult, bool) {
	var result ReapResult
	ran, err := r.queue.Locker().WithLock(ctx, ReaperLockName, r.owner, r.lockTTL, func(ctx context.Context) error {
		var err error
		result, err = r.queue.ReapStale(ctx)
		return err
	})
	if err != nil && ctx.Err() == nil {
		r.logger.Warn("Reap failed", "error", err)
	}
	if !ran {
		r.logger.Debug("Reaper lock held elsewhere")
	}
	return result, ran
}
