package core

import (
	"context"
	"time"

	"github.com/BranchIntl/jobqueue/job"
)

// HandlerFunc processes one claimed job. Returning nil completes the job;
// returning an error fails it, permanently if wrapped with job.Permanent.
type HandlerFunc func(ctx context.Context, j *job.Job) error

// JobStore is what core needs from the persistence layer for jobs.
// Every mutating call is a single atomic operation against the store.
type JobStore interface {
	// Insert stores a new job. It fails with errors.ErrDuplicateID if
	// the id exists and assigns j.Seq on success.
	Insert(ctx context.Context, j *job.Job) error
	Get(ctx context.Context, id string) (*job.Job, error)

	// FindClaimable returns up to limit ids eligible for claim at now,
	// highest priority first, then insertion order.
	FindClaimable(ctx context.Context, queue string, now time.Time, limit int) ([]string, error)
	// FindStale returns up to limit ids of locked jobs whose lease expired before now.
	FindStale(ctx context.Context, queue string, now time.Time, limit int) ([]string, error)

	// ConditionalUpdate applies patch only if the document matches pred.
	// It returns (nil, false, nil) when the predicate did not match.
	ConditionalUpdate(ctx context.Context, id string, pred job.Predicate, patch job.Patch) (*job.Job, bool, error)
	// Update applies patch unconditionally. Callers must hold the job lease.
	Update(ctx context.Context, id string, patch job.Patch) (*job.Job, error)

	Queues(ctx context.Context) ([]string, error)
	Stats(ctx context.Context, queue string) (job.Stats, error)

	Connect(ctx context.Context) error
	Close() error
	Health() error
}

// LockStore is what core needs from the persistence layer for leases.
type LockStore interface {
	// AcquireLock succeeds iff no record exists for name or its lease
	// expired at or before now.
	AcquireLock(ctx context.Context, name, owner string, now time.Time, ttl time.Duration) (bool, error)
	// RenewLock extends a live lease held by owner.
	RenewLock(ctx context.Context, name, owner string, now time.Time, ttl time.Duration) (bool, error)
	// ReleaseLock removes the lease if owner holds it. Otherwise it is a no-op.
	ReleaseLock(ctx context.Context, name, owner string) (bool, error)
}

// Store is a backend serving both jobs and locks.
type Store interface {
	JobStore
	LockStore
}

// Statistics interface defines what core needs from a statistics backend
type Statistics interface {
	// Worker lifecycle
	RegisterWorker(ctx context.Context, worker WorkerInfo) error
	UnregisterWorker(ctx context.Context, workerID string) error

	// Job metrics
	RecordJobStarted(ctx context.Context, j *job.Job, worker WorkerInfo) error
	RecordJobCompleted(ctx context.Context, j *job.Job, worker WorkerInfo, duration time.Duration) error
	RecordJobFailed(ctx context.Context, j *job.Job, worker WorkerInfo, err error, duration time.Duration) error

	// Health and connection
	Connect(ctx context.Context) error
	Close() error
	Health() error
	Type() string
}

// Registry maps a queue name to its handler.
type Registry interface {
	Register(queue string, handler HandlerFunc) error
	Get(queue string) (HandlerFunc, bool)
}

// DeadLetterNotifier is told about every job that reaches the dead state.
type DeadLetterNotifier interface {
	NotifyDead(ctx context.Context, j *job.Job) error
}

// Clock returns the current time. Lease arithmetic always goes through it.
type Clock func() time.Time

// WorkerInfo describes a worker
type WorkerInfo struct {
	ID       string
	Hostname string
	Pid      int
	Queues   []string
	Started  time.Time
}

// WorkerStats contains statistics for a worker
type WorkerStats struct {
	ID         string
	Processed  int64
	Failed     int64
	InProgress int64
	StartTime  time.Time
	LastJob    time.Time
}

// HealthStatus represents the health of the engine
type HealthStatus struct {
	Healthy       bool
	StoreHealth   error
	StatsHealth   error
	ActiveWorkers int
	QueuedJobs    map[string]int64
	LastCheck     time.Time
}
