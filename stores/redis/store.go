// Package redis stores jobs and locks in Redis. Each job is a hash, and
// per-queue sorted sets index queued jobs by rank and locked jobs by
// lease expiry. Every mutation is a Lua script.
//
// On Redis Cluster the namespace must carry a hash tag ("{jobqueue}:") so
// that all keys share one slot.
package redis

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/BranchIntl/jobqueue/errors"
	redisconn "github.com/BranchIntl/jobqueue/internal/redis"
	"github.com/BranchIntl/jobqueue/job"
	"github.com/gomodule/redigo/redis"
)

// Store implements core.Store on Redis
type Store struct {
	pool      *redis.Pool
	namespace string
	options   Options
}

// NewStore creates a new Redis store
func NewStore(options Options) *Store {
	return &Store{
		namespace: options.Namespace,
		options:   options,
	}
}

// Connect establishes connection to Redis
func (s *Store) Connect(ctx context.Context) error {
	pool, err := redisconn.Connect(ctx, s.options)
	if err != nil {
		return err
	}

	s.pool = pool
	return nil
}

// Close closes the Redis connection pool
func (s *Store) Close() error {
	if s.pool != nil {
		return s.pool.Close()
	}
	return nil
}

// Health checks the Redis connection health
func (s *Store) Health() error {
	if s.pool == nil {
		return errors.ErrNotConnected
	}

	if err := redisconn.Ping(context.Background(), s.pool); err != nil {
		return errors.NewConnectionError(redisconn.RedactURI(s.options.URI),
			fmt.Errorf("health check failed: %w", err))
	}

	return nil
}

// Type returns the store type
func (s *Store) Type() string {
	return "redis"
}

func (s *Store) conn(ctx context.Context, op, queue string) (redis.Conn, error) {
	if s.pool == nil {
		return nil, errors.NewStoreError(op, queue, errors.ErrNotConnected)
	}

	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return nil, errors.NewStoreError(op, queue, err)
	}
	return conn, nil
}

// Insert stores a new queued job and assigns its sequence number
func (s *Store) Insert(ctx context.Context, j *job.Job) error {
	conn, err := s.conn(ctx, "insert", j.Queue)
	if err != nil {
		return err
	}
	defer conn.Close()

	seq, err := redis.Int64(insertScript.DoContext(ctx, conn,
		s.jobKey(j.ID), s.readyKey(j.Queue), s.countsKey(j.Queue), s.queuesKey(), s.seqKey(),
		j.ID, j.Queue, j.Payload, priorityRank(j.Priority), j.Priority, j.MaxAttempts,
		toMillis(j.CreatedAt), toMillis(j.UpdatedAt),
	))
	if err != nil {
		return errors.NewStoreError("insert", j.Queue, err)
	}
	if seq < 0 {
		return errors.NewStoreError("insert", j.Queue, fmt.Errorf("job %s: %w", j.ID, errors.ErrDuplicateID))
	}

	j.Seq = seq
	j.Status = job.StatusQueued
	j.Attempts = 0
	return nil
}

// Get returns the stored job
func (s *Store) Get(ctx context.Context, id string) (*job.Job, error) {
	conn, err := s.conn(ctx, "get", "")
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	fields, err := redis.StringMap(redis.DoContext(conn, ctx, "HGETALL", s.jobKey(id)))
	if err != nil {
		return nil, errors.NewStoreError("get", "", err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("job %s: %w", id, errors.ErrJobNotFound)
	}

	return decodeJob(fields)
}

// FindClaimable merges queued jobs with stale leases and returns the
// first limit ids in claim order
func (s *Store) FindClaimable(ctx context.Context, queue string, now time.Time, limit int) ([]string, error) {
	conn, err := s.conn(ctx, "find_claimable", queue)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	ranks, err := redis.Strings(redis.DoContext(conn, ctx, "ZRANGE", s.readyKey(queue), 0, stop(limit)))
	if err != nil {
		return nil, errors.NewStoreError("find_claimable", queue, err)
	}

	stale, err := s.stale(ctx, conn, queue, now, limit)
	if err != nil {
		return nil, errors.NewStoreError("find_claimable", queue, err)
	}

	for _, id := range stale {
		rank, err := redis.String(redis.DoContext(conn, ctx, "HGET", s.jobKey(id), "rank"))
		if err == redis.ErrNil {
			continue
		}
		if err != nil {
			return nil, errors.NewStoreError("find_claimable", queue, err)
		}
		ranks = append(ranks, rank)
	}

	sort.Strings(ranks)
	if limit > 0 && len(ranks) > limit {
		ranks = ranks[:limit]
	}

	ids := make([]string, len(ranks))
	for i, rank := range ranks {
		ids[i] = idFromRank(rank)
	}
	return ids, nil
}

// FindStale returns ids of locked jobs whose lease expired before now
func (s *Store) FindStale(ctx context.Context, queue string, now time.Time, limit int) ([]string, error) {
	conn, err := s.conn(ctx, "find_stale", queue)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	ids, err := s.stale(ctx, conn, queue, now, limit)
	if err != nil {
		return nil, errors.NewStoreError("find_stale", queue, err)
	}
	return ids, nil
}

func (s *Store) stale(ctx context.Context, conn redis.Conn, queue string, now time.Time, limit int) ([]string, error) {
	args := redis.Args{}.Add(s.leasedKey(queue), "-inf", "("+strconv.FormatInt(toMillis(now), 10))
	if limit > 0 {
		args = args.Add("LIMIT", 0, limit)
	}
	return redis.Strings(redis.DoContext(conn, ctx, "ZRANGEBYSCORE", args...))
}

// ConditionalUpdate applies patch iff the job matches pred
func (s *Store) ConditionalUpdate(ctx context.Context, id string, pred job.Predicate, patch job.Patch) (*job.Job, bool, error) {
	return s.update(ctx, "conditional_update", id, pred, patch)
}

// Update applies patch unconditionally
func (s *Store) Update(ctx context.Context, id string, patch job.Patch) (*job.Job, error) {
	j, _, err := s.update(ctx, "update", id, job.Predicate{}, patch)
	return j, err
}

func (s *Store) update(ctx context.Context, op, id string, pred job.Predicate, patch job.Patch) (*job.Job, bool, error) {
	conn, err := s.conn(ctx, op, "")
	if err != nil {
		return nil, false, err
	}
	defer conn.Close()

	// the queue never changes after insert, so reading it first is safe
	queue, err := redis.String(redis.DoContext(conn, ctx, "HGET", s.jobKey(id), "queue"))
	if err == redis.ErrNil {
		return nil, false, fmt.Errorf("job %s: %w", id, errors.ErrJobNotFound)
	}
	if err != nil {
		return nil, false, errors.NewStoreError(op, "", err)
	}

	args := redis.Args{}.Add(s.jobKey(id), s.readyKey(queue), s.leasedKey(queue), s.countsKey(queue))
	args = append(args, predicateArgs(pred)...)
	args = append(args, patchArgs(patch)...)

	reply, err := redis.Values(updateScript.DoContext(ctx, conn, args...))
	if err != nil {
		return nil, false, errors.NewStoreError(op, "", err)
	}
	if len(reply) == 0 {
		return nil, false, errors.NewStoreError(op, "", fmt.Errorf("empty reply for job %s", id))
	}

	outcome, err := redis.String(reply[0], nil)
	if err != nil {
		return nil, false, errors.NewStoreError(op, "", err)
	}

	switch outcome {
	case "missing":
		return nil, false, fmt.Errorf("job %s: %w", id, errors.ErrJobNotFound)
	case "nomatch":
		return nil, false, nil
	}

	fields, err := redis.StringMap(reply[1:], nil)
	if err != nil {
		return nil, false, errors.NewStoreError(op, "", err)
	}
	j, err := decodeJob(fields)
	if err != nil {
		return nil, false, err
	}
	return j, true, nil
}

// Queues returns every queue that has seen a job
func (s *Store) Queues(ctx context.Context) ([]string, error) {
	conn, err := s.conn(ctx, "queues", "")
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	queues, err := redis.Strings(redis.DoContext(conn, ctx, "SMEMBERS", s.queuesKey()))
	if err != nil {
		return nil, errors.NewStoreError("queues", "", err)
	}
	sort.Strings(queues)
	return queues, nil
}

// Stats reads the per-status counters of a queue
func (s *Store) Stats(ctx context.Context, queue string) (job.Stats, error) {
	stats := job.Stats{Queue: queue}

	conn, err := s.conn(ctx, "stats", queue)
	if err != nil {
		return stats, err
	}
	defer conn.Close()

	counts, err := redis.Int64Map(redis.DoContext(conn, ctx, "HGETALL", s.countsKey(queue)))
	if err != nil {
		return stats, errors.NewStoreError("stats", queue, err)
	}
	for status, n := range counts {
		stats.Add(job.Status(status), n)
	}
	return stats, nil
}

// AcquireLock takes name for owner if it is free at now
func (s *Store) AcquireLock(ctx context.Context, name, owner string, now time.Time, ttl time.Duration) (bool, error) {
	return s.lockScript(ctx, "acquire_lock", acquireLockScript, name, owner, now, ttl)
}

// RenewLock extends a live lease held by owner
func (s *Store) RenewLock(ctx context.Context, name, owner string, now time.Time, ttl time.Duration) (bool, error) {
	return s.lockScript(ctx, "renew_lock", renewLockScript, name, owner, now, ttl)
}

func (s *Store) lockScript(ctx context.Context, op string, script *redis.Script, name, owner string, now time.Time, ttl time.Duration) (bool, error) {
	conn, err := s.conn(ctx, op, "")
	if err != nil {
		return false, err
	}
	defer conn.Close()

	gc := (ttl + s.options.LockGracePeriod).Milliseconds()
	if gc <= 0 {
		gc = 1
	}

	ok, err := redis.Bool(script.DoContext(ctx, conn,
		s.lockKey(name), owner, toMillis(now), toMillis(now.Add(ttl)), gc))
	if err != nil {
		return false, errors.NewStoreError(op, "", err)
	}
	return ok, nil
}

// ReleaseLock removes the lease if owner holds it
func (s *Store) ReleaseLock(ctx context.Context, name, owner string) (bool, error) {
	conn, err := s.conn(ctx, "release_lock", "")
	if err != nil {
		return false, err
	}
	defer conn.Close()

	ok, err := redis.Bool(releaseLockScript.DoContext(ctx, conn, s.lockKey(name), owner))
	if err != nil {
		return false, errors.NewStoreError("release_lock", "", err)
	}
	return ok, nil
}

// Helper methods

func (s *Store) jobKey(id string) string {
	return fmt.Sprintf("%sjob:%s", s.namespace, id)
}

func (s *Store) readyKey(queue string) string {
	return fmt.Sprintf("%squeue:%s:ready", s.namespace, queue)
}

func (s *Store) leasedKey(queue string) string {
	return fmt.Sprintf("%squeue:%s:leased", s.namespace, queue)
}

func (s *Store) countsKey(queue string) string {
	return fmt.Sprintf("%squeue:%s:counts", s.namespace, queue)
}

func (s *Store) queuesKey() string {
	return fmt.Sprintf("%squeues", s.namespace)
}

func (s *Store) seqKey() string {
	return fmt.Sprintf("%sseq", s.namespace)
}

func (s *Store) lockKey(name string) string {
	return fmt.Sprintf("%slock:%s", s.namespace, name)
}

func stop(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit - 1
}
