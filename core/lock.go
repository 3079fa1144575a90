package core

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// JobLockName returns the lease name protecting one job.
func JobLockName(queue, jobID string) string {
	return fmt.Sprintf("queue:%s:job:%s", queue, jobID)
}

// Locker hands out named leases backed by a LockStore.
type Locker struct {
	store  LockStore
	clock  Clock
	logger *slog.Logger
}

// NewLocker creates a locker. A nil clock means time.Now.
func NewLocker(store LockStore, clock Clock, logger *slog.Logger) *Locker {
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Locker{store: store, clock: clock, logger: logger}
}

// Acquire takes the lease on name for ttl. A false result means another
// consumer holds a live lease.
func (l *Locker) Acquire(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	ok, err := l.store.AcquireLock(ctx, name, owner, l.clock(), ttl)
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", name, err)
	}
	if !ok {
		l.logger.Debug("Lease denied", "lock", name, "owner", owner)
	}
	return ok, nil
}

// Renew extends a live lease held by owner. A false result means the
// lease is lost and the caller must abandon its work.
func (l *Locker) Renew(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	ok, err := l.store.RenewLock(ctx, name, owner, l.clock(), ttl)
	if err != nil {
		return false, fmt.Errorf("failed to renew lock %s: %w", name, err)
	}
	return ok, nil
}

// Release drops the lease if owner holds it. Releasing someone else's
// lease returns false without error.
func (l *Locker) Release(ctx context.Context, name, owner string) (bool, error) {
	ok, err := l.store.ReleaseLock(ctx, name, owner)
	if err != nil {
		return false, fmt.Errorf("failed to release lock %s: %w", name, err)
	}
	return ok, nil
}

// WithLock runs fn while holding name. It reports whether fn ran.
func (l *Locker) WithLock(ctx context.Context, name, owner string, ttl time.Duration, fn func(ctx context.Context) error) (bool, error) {
	ok, err := l.Acquire(ctx, name, owner, ttl)
	if err != nil || !ok {
		return false, err
	}

	defer func() {
		// release on a fresh context so a cancelled caller still frees the lease
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if _, err := l.Release(releaseCtx, name, owner); err != nil {
			l.logger.Warn("Failed to release lock", "lock", name, "error", err)
		}
	}()

	return true, fn(ctx)
}
