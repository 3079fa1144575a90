package redis

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/BranchIntl/jobqueue/core"
	"github.com/BranchIntl/jobqueue/errors"
	"github.com/BranchIntl/jobqueue/job"
	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ core.Statistics = (*Statistics)(nil)

func unreachableOpts(uri string) Options {
	opts := DefaultOptions()
	opts.URI = uri
	opts.ConnectTimeout = 100 * time.Millisecond
	return opts
}

func newTestStatistics(t *testing.T) (*Statistics, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)

	opts := DefaultOptions()
	opts.URI = "redis://" + mr.Addr()
	opts.Namespace = "test:"
	opts.FailureHistory = 2

	stats := NewStatistics(opts)
	require.NoError(t, stats.Connect(context.Background()))
	t.Cleanup(func() { stats.Close() })
	return stats, mr
}

func testWorker() core.WorkerInfo {
	return core.WorkerInfo{
		ID:       "host:42-1",
		Hostname: "host",
		Pid:      42,
		Queues:   []string{"emails"},
		Started:  time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestStatistics_Connect(t *testing.T) {
	tests := []struct {
		name string
		opts Options
	}{
		{"unreachable redis", unreachableOpts("redis://unreachable-host:6379")},
		{"invalid URI", unreachableOpts(":/invalid-uri")},
		{"unsupported scheme", unreachableOpts("http://localhost:6379")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewStatistics(tt.opts).Connect(context.Background())
			require.Error(t, err)
			var connErr *errors.ConnectionError
			assert.ErrorAs(t, err, &connErr)
		})
	}
}

func TestStatistics_NotConnected(t *testing.T) {
	stats := NewStatistics(DefaultOptions())
	ctx := context.Background()

	assert.ErrorIs(t, stats.Health(), errors.ErrNotConnected)
	assert.NoError(t, stats.Close())
	assert.ErrorIs(t, stats.RegisterWorker(ctx, testWorker()), errors.ErrNotConnected)
	assert.ErrorIs(t, stats.RecordJobCompleted(ctx, &job.Job{}, testWorker(), 0), errors.ErrNotConnected)
}

func TestStatistics_WorkerLifecycle(t *testing.T) {
	stats, mr := newTestStatistics(t)
	ctx := context.Background()
	worker := testWorker()

	require.NoError(t, stats.RegisterWorker(ctx, worker))
	assert.True(t, mr.Exists("test:worker:host:42-1"))
	assert.Equal(t, 24*time.Hour, mr.TTL("test:worker:host:42-1"))

	members, err := mr.SMembers("test:workers")
	require.NoError(t, err)
	assert.Equal(t, []string{worker.ID}, members)

	ws, err := stats.GetWorkerStats(ctx, worker.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), ws.Processed)
	assert.True(t, ws.StartTime.Equal(worker.Started))

	require.NoError(t, stats.UnregisterWorker(ctx, worker.ID))
	assert.False(t, mr.Exists("test:worker:host:42-1"))
	assert.False(t, mr.Exists("test:workers"))
}

func TestStatistics_RecordJobs(t *testing.T) {
	stats, mr := newTestStatistics(t)
	ctx := context.Background()
	worker := testWorker()
	require.NoError(t, stats.RegisterWorker(ctx, worker))

	j := &job.Job{ID: "a", Queue: "emails", Attempts: 1}

	require.NoError(t, stats.RecordJobStarted(ctx, j, worker))
	ws, err := stats.GetWorkerStats(ctx, worker.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), ws.InProgress)

	require.NoError(t, stats.RecordJobCompleted(ctx, j, worker, time.Second))
	assert.False(t, mr.Exists("test:worker:host:42-1:job"))

	for i := 0; i < 3; i++ {
		f := &job.Job{ID: fmt.Sprintf("f%d", i), Queue: "scrape", Attempts: i + 1}
		require.NoError(t, stats.RecordJobFailed(ctx, f, worker, fmt.Errorf("boom %d", i), time.Second))
	}

	ws, err = stats.GetWorkerStats(ctx, worker.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), ws.Processed)
	assert.Equal(t, int64(3), ws.Failed)
	assert.Equal(t, int64(0), ws.InProgress)

	global, err := stats.GetGlobalStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), global.Processed)
	assert.Equal(t, int64(3), global.Failed)
	assert.Equal(t, int64(1), global.ActiveWorkers)
	assert.Equal(t, QueueCounters{Processed: 1}, global.Queues["emails"])
	assert.Equal(t, QueueCounters{Failed: 3}, global.Queues["scrape"])

	// history is capped, newest first
	failures, err := stats.RecentFailures(ctx, 10)
	require.NoError(t, err)
	require.Len(t, failures, 2)
	assert.Equal(t, "f2", failures[0].JobID)
	assert.Equal(t, "boom 2", failures[0].Error)
	assert.Equal(t, 3, failures[0].Attempts)
	assert.Equal(t, "f1", failures[1].JobID)
}

func TestStatistics_Health(t *testing.T) {
	stats, mr := newTestStatistics(t)
	assert.NoError(t, stats.Health())
	assert.Equal(t, "redis", stats.Type())

	mr.Close()
	assert.Error(t, stats.Health())
}
