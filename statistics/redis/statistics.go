// Package redis records worker and job counters in Redis.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/BranchIntl/jobqueue/core"
	"github.com/BranchIntl/jobqueue/errors"
	redisconn "github.com/BranchIntl/jobqueue/internal/redis"
	"github.com/BranchIntl/jobqueue/job"
	"github.com/gomodule/redigo/redis"
)

// Statistics implements core.Statistics on Redis
type Statistics struct {
	pool      *redis.Pool
	namespace string
	options   Options
}

// QueueCounters holds processed and failed totals for one queue
type QueueCounters struct {
	Processed int64 `json:"processed"`
	Failed    int64 `json:"failed"`
}

// GlobalStats summarizes every worker that reported to this namespace
type GlobalStats struct {
	Processed     int64                    `json:"processed"`
	Failed        int64                    `json:"failed"`
	ActiveWorkers int64                    `json:"active_workers"`
	Queues        map[string]QueueCounters `json:"queues"`
}

// Failure is one entry of the recent failures list
type Failure struct {
	JobID    string    `json:"job_id"`
	Queue    string    `json:"queue"`
	Attempts int       `json:"attempts"`
	Error    string    `json:"error"`
	Worker   string    `json:"worker"`
	FailedAt time.Time `json:"failed_at"`
}

// NewStatistics creates a new Redis statistics backend
func NewStatistics(options Options) *Statistics {
	return &Statistics{
		namespace: options.Namespace,
		options:   options,
	}
}

// Connect establishes connection to Redis
func (r *Statistics) Connect(ctx context.Context) error {
	pool, err := redisconn.Connect(ctx, r.options)
	if err != nil {
		return err
	}

	r.pool = pool
	return nil
}

// Close closes the Redis connection pool
func (r *Statistics) Close() error {
	if r.pool != nil {
		return r.pool.Close()
	}
	return nil
}

// Health checks the Redis connection health
func (r *Statistics) Health() error {
	if r.pool == nil {
		return errors.ErrNotConnected
	}

	if err := redisconn.Ping(context.Background(), r.pool); err != nil {
		return errors.NewConnectionError(redisconn.RedactURI(r.options.URI),
			fmt.Errorf("health check failed: %w", err))
	}

	return nil
}

// Type returns the statistics backend type
func (r *Statistics) Type() string {
	return "redis"
}

func (r *Statistics) conn(ctx context.Context) (redis.Conn, error) {
	if r.pool == nil {
		return nil, errors.ErrNotConnected
	}
	return r.pool.GetContext(ctx)
}

// RegisterWorker registers a worker in Redis
func (r *Statistics) RegisterWorker(ctx context.Context, worker core.WorkerInfo) error {
	conn, err := r.conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	workerData, err := json.Marshal(worker)
	if err != nil {
		return fmt.Errorf("failed to marshal worker info: %w", err)
	}

	keys := map[string]interface{}{
		r.workerKey(worker.ID):        workerData,
		r.statProcessedKey(worker.ID): 0,
		r.statFailedKey(worker.ID):    0,
		r.workerStartedKey(worker.ID): worker.Started.UTC().Format(time.RFC3339),
	}

	conn.Send("MULTI")
	conn.Send("SADD", r.workersKey(), worker.ID)
	for key, value := range keys {
		conn.Send("SET", key, value)
		if r.options.WorkerTTL > 0 {
			conn.Send("EXPIRE", key, int64(r.options.WorkerTTL.Seconds()))
		}
	}
	if _, err := redis.DoContext(conn, ctx, "EXEC"); err != nil {
		return fmt.Errorf("failed to register worker %s: %w", worker.ID, err)
	}

	return nil
}

// UnregisterWorker removes a worker from Redis
func (r *Statistics) UnregisterWorker(ctx context.Context, workerID string) error {
	conn, err := r.conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	conn.Send("MULTI")
	conn.Send("SREM", r.workersKey(), workerID)
	conn.Send("DEL",
		r.workerKey(workerID),
		r.statProcessedKey(workerID),
		r.statFailedKey(workerID),
		r.workerStartedKey(workerID),
		r.workerJobKey(workerID),
	)
	if _, err := redis.DoContext(conn, ctx, "EXEC"); err != nil {
		return fmt.Errorf("failed to unregister worker %s: %w", workerID, err)
	}

	return nil
}

// RecordJobStarted records the job a worker is holding
func (r *Statistics) RecordJobStarted(ctx context.Context, j *job.Job, worker core.WorkerInfo) error {
	conn, err := r.conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	workData, err := json.Marshal(map[string]interface{}{
		"id":       j.ID,
		"queue":    j.Queue,
		"attempts": j.Attempts,
		"run_at":   time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal work data: %w", err)
	}

	if _, err := redis.DoContext(conn, ctx, "SET", r.workerJobKey(worker.ID), workData); err != nil {
		return fmt.Errorf("failed to set worker job: %w", err)
	}

	return nil
}

// RecordJobCompleted records successful job completion
func (r *Statistics) RecordJobCompleted(ctx context.Context, j *job.Job, worker core.WorkerInfo, duration time.Duration) error {
	conn, err := r.conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	conn.Send("MULTI")
	conn.Send("INCR", r.statProcessedKey(""))
	conn.Send("INCR", r.statProcessedKey(worker.ID))
	conn.Send("HINCRBY", r.queueStatsKey(j.Queue), "processed", 1)
	conn.Send("SADD", r.queuesKey(), j.Queue)
	conn.Send("DEL", r.workerJobKey(worker.ID))
	if _, err := redis.DoContext(conn, ctx, "EXEC"); err != nil {
		return fmt.Errorf("failed to record completion of job %s: %w", j.ID, err)
	}

	return nil
}

// RecordJobFailed records job failure
func (r *Statistics) RecordJobFailed(ctx context.Context, j *job.Job, worker core.WorkerInfo, cause error, duration time.Duration) error {
	conn, err := r.conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	failureJSON, err := json.Marshal(Failure{
		JobID:    j.ID,
		Queue:    j.Queue,
		Attempts: j.Attempts,
		Error:    job.TruncateError(msg),
		Worker:   worker.ID,
		FailedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal failure data: %w", err)
	}

	conn.Send("MULTI")
	conn.Send("LPUSH", r.failedKey(), failureJSON)
	if r.options.FailureHistory > 0 {
		conn.Send("LTRIM", r.failedKey(), 0, r.options.FailureHistory-1)
	}
	conn.Send("INCR", r.statFailedKey(""))
	conn.Send("INCR", r.statFailedKey(worker.ID))
	conn.Send("HINCRBY", r.queueStatsKey(j.Queue), "failed", 1)
	conn.Send("SADD", r.queuesKey(), j.Queue)
	conn.Send("DEL", r.workerJobKey(worker.ID))
	if _, err := redis.DoContext(conn, ctx, "EXEC"); err != nil {
		return fmt.Errorf("failed to record failure of job %s: %w", j.ID, err)
	}

	return nil
}

// GetWorkerStats returns statistics for a specific worker
func (r *Statistics) GetWorkerStats(ctx context.Context, workerID string) (core.WorkerStats, error) {
	conn, err := r.conn(ctx)
	if err != nil {
		return core.WorkerStats{}, err
	}
	defer conn.Close()

	processed, err := redis.Int64(redis.DoContext(conn, ctx, "GET", r.statProcessedKey(workerID)))
	if err != nil && err != redis.ErrNil {
		return core.WorkerStats{}, fmt.Errorf("failed to get processed count: %w", err)
	}

	failed, err := redis.Int64(redis.DoContext(conn, ctx, "GET", r.statFailedKey(workerID)))
	if err != nil && err != redis.ErrNil {
		return core.WorkerStats{}, fmt.Errorf("failed to get failed count: %w", err)
	}

	var startTime time.Time
	if started, err := redis.String(redis.DoContext(conn, ctx, "GET", r.workerStartedKey(workerID))); err == nil {
		startTime, _ = time.Parse(time.RFC3339, started)
	}

	inProgress := int64(0)
	if exists, err := redis.Bool(redis.DoContext(conn, ctx, "EXISTS", r.workerJobKey(workerID))); err == nil && exists {
		inProgress = 1
	}

	return core.WorkerStats{
		ID:         workerID,
		Processed:  processed,
		Failed:     failed,
		InProgress: inProgress,
		StartTime:  startTime,
	}, nil
}

// GetGlobalStats returns global statistics
func (r *Statistics) GetGlobalStats(ctx context.Context) (GlobalStats, error) {
	conn, err := r.conn(ctx)
	if err != nil {
		return GlobalStats{}, err
	}
	defer conn.Close()

	processed, err := redis.Int64(redis.DoContext(conn, ctx, "GET", r.statProcessedKey("")))
	if err != nil && err != redis.ErrNil {
		return GlobalStats{}, fmt.Errorf("failed to get global processed: %w", err)
	}

	failed, err := redis.Int64(redis.DoContext(conn, ctx, "GET", r.statFailedKey("")))
	if err != nil && err != redis.ErrNil {
		return GlobalStats{}, fmt.Errorf("failed to get global failed: %w", err)
	}

	activeWorkers, err := redis.Int64(redis.DoContext(conn, ctx, "SCARD", r.workersKey()))
	if err != nil {
		return GlobalStats{}, fmt.Errorf("failed to get active workers: %w", err)
	}

	queues, err := redis.Strings(redis.DoContext(conn, ctx, "SMEMBERS", r.queuesKey()))
	if err != nil {
		return GlobalStats{}, fmt.Errorf("failed to list queues: %w", err)
	}

	stats := GlobalStats{
		Processed:     processed,
		Failed:        failed,
		ActiveWorkers: activeWorkers,
		Queues:        make(map[string]QueueCounters, len(queues)),
	}
	for _, queue := range queues {
		counts, err := redis.Int64Map(redis.DoContext(conn, ctx, "HGETALL", r.queueStatsKey(queue)))
		if err != nil {
			return GlobalStats{}, fmt.Errorf("failed to get stats for queue %s: %w", queue, err)
		}
		stats.Queues[queue] = QueueCounters{Processed: counts["processed"], Failed: counts["failed"]}
	}

	return stats, nil
}

// RecentFailures returns up to n of the newest failures
func (r *Statistics) RecentFailures(ctx context.Context, n int64) ([]Failure, error) {
	conn, err := r.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	entries, err := redis.ByteSlices(redis.DoContext(conn, ctx, "LRANGE", r.failedKey(), 0, n-1))
	if err != nil {
		return nil, fmt.Errorf("failed to read failures: %w", err)
	}

	failures := make([]Failure, 0, len(entries))
	for _, entry := range entries {
		var f Failure
		if err := json.Unmarshal(entry, &f); err != nil {
			return nil, errors.NewSerializationError("json", err)
		}
		failures = append(failures, f)
	}
	return failures, nil
}

// Helper methods for Redis keys

func (r *Statistics) workerKey(workerID string) string {
	return fmt.Sprintf("%sworker:%s", r.namespace, workerID)
}

func (r *Statistics) workersKey() string {
	return fmt.Sprintf("%sworkers", r.namespace)
}

func (r *Statistics) statProcessedKey(workerID string) string {
	if workerID == "" {
		return fmt.Sprintf("%sstat:processed", r.namespace)
	}
	return fmt.Sprintf("%sstat:processed:%s", r.namespace, workerID)
}

func (r *Statistics) statFailedKey(workerID string) string {
	if workerID == "" {
		return fmt.Sprintf("%sstat:failed", r.namespace)
	}
	return fmt.Sprintf("%sstat:failed:%s", r.namespace, workerID)
}

func (r *Statistics) workerStartedKey(workerID string) string {
	return fmt.Sprintf("%sworker:%s:started", r.namespace, workerID)
}

func (r *Statistics) workerJobKey(workerID string) string {
	return fmt.Sprintf("%sworker:%s:job", r.namespace, workerID)
}

func (r *Statistics) failedKey() string {
	return fmt.Sprintf("%sfailed", r.namespace)
}

func (r *Statistics) queueStatsKey(queue string) string {
	return fmt.Sprintf("%sstat:queue:%s", r.namespace, queue)
}

func (r *Statistics) queuesKey() string {
	return fmt.Sprintf("%squeues", r.namespace)
}
