package core

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BranchIntl/jobqueue/errors"
	"github.com/BranchIntl/jobqueue/job"
	"github.com/google/uuid"
)

const (
	// DefaultMaxAttempts is applied when a producer does not set one.
	DefaultMaxAttempts = 3
	// DefaultScanLimit bounds the candidates one claim call will try.
	DefaultScanLimit = 16

	reapBatchSize = 100

	errLeaseExhausted = "lease expired after final attempt"
)

// QueueOption configures a Queue
type QueueOption func(*Queue)

// WithClock replaces time.Now as the source of lease time.
func WithClock(clock Clock) QueueOption {
	return func(q *Queue) {
		q.clock = clock
	}
}

// WithLogger sets the queue logger.
func WithLogger(logger *slog.Logger) QueueOption {
	return func(q *Queue) {
		q.logger = logger
	}
}

// WithDeadLetterNotifier is told about every job that reaches dead.
func WithDeadLetterNotifier(n DeadLetterNotifier) QueueOption {
	return func(q *Queue) {
		q.deadLetter = n
	}
}

// WithDefaultMaxAttempts overrides DefaultMaxAttempts for this queue.
func WithDefaultMaxAttempts(n int) QueueOption {
	return func(q *Queue) {
		q.maxAttempts = n
	}
}

// WithExpiredAttemptCap sends a job to dead once the lease of its final
// attempt expires, instead of letting it be reclaimed past max attempts.
// Off by default: without it max attempts only bounds explicit failures.
func WithExpiredAttemptCap() QueueOption {
	return func(q *Queue) {
		q.capExpired = true
	}
}

// WithScanLimit overrides DefaultScanLimit.
func WithScanLimit(n int) QueueOption {
	return func(q *Queue) {
		q.scanLimit = n
	}
}

// Queue is the job lifecycle engine. It is safe for concurrent use and
// holds no state of its own beyond configuration: all coordination goes
// through the store.
type Queue struct {
	store       Store
	locker      *Locker
	clock       Clock
	logger      *slog.Logger
	deadLetter  DeadLetterNotifier
	maxAttempts int
	scanLimit   int
	capExpired  bool
}

// NewQueue creates a queue over store.
func NewQueue(store Store, options ...QueueOption) *Queue {
	q := &Queue{
		store:       store,
		clock:       time.Now,
		logger:      slog.Default(),
		maxAttempts: DefaultMaxAttempts,
		scanLimit:   DefaultScanLimit,
	}
	for _, opt := range options {
		opt(q)
	}
	q.locker = NewLocker(store, q.clock, q.logger)
	return q
}

// Locker returns the lease manager sharing the queue's store and clock.
func (q *Queue) Locker() *Locker {
	return q.locker
}

// EnqueueOption customises a single enqueue.
type EnqueueOption func(*enqueueConfig)

type enqueueConfig struct {
	id          string
	priority    int
	maxAttempts int
}

// WithPriority sets the job priority. Higher values are claimed first.
func WithPriority(p int) EnqueueOption {
	return func(c *enqueueConfig) {
		c.priority = p
	}
}

// WithMaxAttempts sets how many failed attempts a job gets before it is dead.
func WithMaxAttempts(n int) EnqueueOption {
	return func(c *enqueueConfig) {
		c.maxAttempts = n
	}
}

// WithID supplies the job id instead of generating one.
func WithID(id string) EnqueueOption {
	return func(c *enqueueConfig) {
		c.id = id
	}
}

// Enqueue inserts a new queued job and returns its id.
func (q *Queue) Enqueue(ctx context.Context, queue string, payload []byte, options ...EnqueueOption) (string, error) {
	if queue == "" {
		return "", errors.ErrEmptyQueueName
	}

	cfg := enqueueConfig{
		priority:    job.DefaultPriority,
		maxAttempts: q.maxAttempts,
	}
	for _, opt := range options {
		opt(&cfg)
	}
	if cfg.id == "" {
		cfg.id = uuid.NewString()
	}
	if cfg.maxAttempts <= 0 {
		return "", fmt.Errorf("%w: max attempts must be positive", errors.ErrInvalidConfig)
	}

	j := job.New(cfg.id, queue, payload, cfg.priority, cfg.maxAttempts, q.clock())
	if err := q.store.Insert(ctx, j); err != nil {
		return "", err
	}

	q.logger.Debug("Job enqueued", "queue", queue, "id", j.ID, "priority", j.Priority)
	return j.ID, nil
}

// Claim locks the highest-priority, oldest eligible job for consumerID.
// It returns nil, nil when nothing is claimable.
func (q *Queue) Claim(ctx context.Context, queue, consumerID string, leaseTTL time.Duration) (*job.Job, error) {
	now := q.clock()
	ids, err := q.store.FindClaimable(ctx, queue, now, q.scanLimit)
	if err != nil {
		return nil, err
	}

	for _, id := range ids {
		j, err := q.tryClaim(ctx, queue, id, consumerID, leaseTTL)
		if err != nil {
			return nil, err
		}
		if j != nil {
			return j, nil
		}
	}

	return nil, nil
}

// tryClaim takes one candidate. A nil job with nil error means the race
// was lost and the caller moves on to the next candidate.
func (q *Queue) tryClaim(ctx context.Context, queue, id, consumerID string, leaseTTL time.Duration) (*job.Job, error) {
	lockName := JobLockName(queue, id)
	ok, err := q.locker.Acquire(ctx, lockName, consumerID, leaseTTL)
	if err != nil || !ok {
		return nil, err
	}

	now := q.clock()
	j, applied, err := q.store.ConditionalUpdate(ctx, id, job.Claimable(now), job.Patch{
		Status:            job.StatusLocked,
		Lease:             job.NewLease(consumerID, now, leaseTTL),
		IncrementAttempts: true,
		UpdatedAt:         now,
	})
	if err != nil || !applied {
		q.releaseLock(ctx, lockName, consumerID)
		if errors.Is(err, errors.ErrJobNotFound) {
			return nil, nil
		}
		return nil, err
	}

	if q.capExpired && j.Attempts > j.MaxAttempts {
		// every allowed attempt's lease ran out without a report
		dead, applied, err := q.store.ConditionalUpdate(ctx, id, job.HeldBy(consumerID), job.Patch{
			Status:     job.StatusDead,
			ClearLease: true,
			LastError:  job.StringPtr(errLeaseExhausted),
			UpdatedAt:  q.clock(),
		})
		q.releaseLock(ctx, lockName, consumerID)
		if err != nil {
			return nil, err
		}
		if applied {
			q.logger.Warn("Job exhausted attempts while leased", "queue", queue, "id", id, "attempts", dead.Attempts)
			q.notifyDead(ctx, dead)
		}
		return nil, nil
	}

	q.logger.Debug("Job claimed", "queue", queue, "id", id, "consumer", consumerID, "attempts", j.Attempts)
	return j, nil
}

// Complete moves a job held by consumerID to complete.
func (q *Queue) Complete(ctx context.Context, jobID, consumerID string) error {
	j, applied, err := q.store.ConditionalUpdate(ctx, jobID, job.HeldBy(consumerID), job.Patch{
		Status:     job.StatusComplete,
		ClearLease: true,
		UpdatedAt:  q.clock(),
	})
	if err != nil {
		return err
	}
	if !applied {
		return fmt.Errorf("complete job %s: %w", jobID, errors.ErrNotOwner)
	}

	q.releaseLock(ctx, JobLockName(j.Queue, jobID), consumerID)
	return nil
}

// Fail reports a failed attempt. The job is requeued unless the error is
// not retryable or its attempts are used up, in which case it is dead.
func (q *Queue) Fail(ctx context.Context, jobID, consumerID, reason string, retryable bool) error {
	current, err := q.store.Get(ctx, jobID)
	if err != nil {
		return err
	}

	next := job.StatusQueued
	if !retryable || current.Exhausted() {
		next = job.StatusDead
	}

	j, applied, err := q.store.ConditionalUpdate(ctx, jobID, job.HeldBy(consumerID), job.Patch{
		Status:     next,
		ClearLease: true,
		LastError:  job.StringPtr(reason),
		UpdatedAt:  q.clock(),
	})
	if err != nil {
		return err
	}
	if !applied {
		return fmt.Errorf("fail job %s: %w", jobID, errors.ErrNotOwner)
	}

	q.releaseLock(ctx, JobLockName(j.Queue, jobID), consumerID)

	if next == job.StatusDead {
		q.logger.Warn("Job moved to dead", "queue", j.Queue, "id", jobID, "attempts", j.Attempts, "error", j.LastError)
		q.notifyDead(ctx, j)
	}
	return nil
}

// Abandon hands a job held by consumerID back to the queue without
// counting the interrupted attempt. Workers use it on shutdown.
func (q *Queue) Abandon(ctx context.Context, jobID, consumerID string) error {
	j, applied, err := q.store.ConditionalUpdate(ctx, jobID, job.HeldBy(consumerID), job.Patch{
		Status:        job.StatusQueued,
		ClearLease:    true,
		RefundAttempt: true,
		UpdatedAt:     q.clock(),
	})
	if err != nil {
		return err
	}
	if !applied {
		return fmt.Errorf("abandon job %s: %w", jobID, errors.ErrNotOwner)
	}

	q.releaseLock(ctx, JobLockName(j.Queue, jobID), consumerID)
	q.logger.Debug("Job abandoned", "queue", j.Queue, "id", jobID, "consumer", consumerID)
	return nil
}

// ExtendLease pushes the lease on j out by ttl. It fails with
// errors.ErrNotOwner when the lease has already been lost, including to
// a reap that ran between renewing the lock and updating the job.
func (q *Queue) ExtendLease(ctx context.Context, j *job.Job, consumerID string, ttl time.Duration) (*job.Job, error) {
	ok, err := q.locker.Renew(ctx, JobLockName(j.Queue, j.ID), consumerID, ttl)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("extend lease on job %s: %w", j.ID, errors.ErrNotOwner)
	}

	now := q.clock()
	lease := &job.Lease{Owner: consumerID, AcquiredAt: j.LockedAt, ExpiresAt: now.Add(ttl)}
	extended, applied, err := q.store.ConditionalUpdate(ctx, j.ID, job.HeldBy(consumerID), job.Patch{Lease: lease, UpdatedAt: now})
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, fmt.Errorf("extend lease on job %s: %w", j.ID, errors.ErrNotOwner)
	}
	return extended, nil
}

// ReapResult summarises one ReapStale pass.
type ReapResult struct {
	Requeued int
	Dead     int
}

// ReapStale returns jobs whose lease expired to the queue. With
// WithExpiredAttemptCap, jobs whose final attempt expired go to dead
// instead. Claim reclaims stale jobs on its own, so this only keeps the
// locked set small.
func (q *Queue) ReapStale(ctx context.Context) (ReapResult, error) {
	var result ReapResult

	queues, err := q.store.Queues(ctx)
	if err != nil {
		return result, err
	}

	for _, queue := range queues {
		now := q.clock()
		ids, err := q.store.FindStale(ctx, queue, now, reapBatchSize)
		if err != nil {
			return result, err
		}

		for _, id := range ids {
			patch := job.Patch{Status: job.StatusQueued, ClearLease: true, UpdatedAt: now}
			if q.capExpired {
				current, err := q.store.Get(ctx, id)
				if errors.Is(err, errors.ErrJobNotFound) {
					continue
				}
				if err != nil {
					return result, err
				}
				if current.Exhausted() {
					patch.Status = job.StatusDead
					patch.LastError = job.StringPtr(errLeaseExhausted)
				}
			}

			j, applied, err := q.store.ConditionalUpdate(ctx, id, job.StaleAt(now), patch)
			if err != nil {
				return result, err
			}
			if !applied {
				continue
			}

			if j.Status == job.StatusDead {
				result.Dead++
				q.notifyDead(ctx, j)
			} else {
				result.Requeued++
			}
		}
	}

	if result.Requeued > 0 || result.Dead > 0 {
		q.logger.Info("Reaped stale jobs", "requeued", result.Requeued, "dead", result.Dead)
	}
	return result, nil
}

// Get returns the stored job.
func (q *Queue) Get(ctx context.Context, id string) (*job.Job, error) {
	return q.store.Get(ctx, id)
}

// Stats returns per-status counts for queue.
func (q *Queue) Stats(ctx context.Context, queue string) (job.Stats, error) {
	return q.store.Stats(ctx, queue)
}

// Queues lists every queue the store has seen a job for.
func (q *Queue) Queues(ctx context.Context) ([]string, error) {
	return q.store.Queues(ctx)
}

func (q *Queue) releaseLock(ctx context.Context, name, owner string) {
	if _, err := q.locker.Release(ctx, name, owner); err != nil {
		// the lease expires on its own
		q.logger.Warn("Failed to release job lock", "lock", name, "error", err)
	}
}

func (q *Queue) notifyDead(ctx context.Context, j *job.Job) {
	if q.deadLetter == nil {
		return
	}
	if err := q.deadLetter.NotifyDead(ctx, j); err != nil {
		q.logger.Error("Failed to publish dead job", "queue", j.Queue, "id", j.ID, "error", err)
	}
}
