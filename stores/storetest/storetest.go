// Package storetest holds behaviour checks shared by every store backend.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/BranchIntl/jobqueue/core"
	"github.com/BranchIntl/jobqueue/errors"
	"github.com/BranchIntl/jobqueue/job"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Epoch is the base time used by every check. Backends that store
// millisecond timestamps round-trip it exactly.
var Epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// Factory returns a connected, empty store.
type Factory func(t *testing.T) core.Store

// Run executes every check against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("InsertAndGet", func(t *testing.T) { testInsertAndGet(t, newStore(t)) })
	t.Run("DuplicateID", func(t *testing.T) { testDuplicateID(t, newStore(t)) })
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, newStore(t)) })
	t.Run("FindClaimableOrder", func(t *testing.T) { testFindClaimableOrder(t, newStore(t)) })
	t.Run("FindClaimableStale", func(t *testing.T) { testFindClaimableStale(t, newStore(t)) })
	t.Run("ConditionalUpdate", func(t *testing.T) { testConditionalUpdate(t, newStore(t)) })
	t.Run("RefundAttempt", func(t *testing.T) { testRefundAttempt(t, newStore(t)) })
	t.Run("ConditionalUpdateMissing", func(t *testing.T) { testConditionalUpdateMissing(t, newStore(t)) })
	t.Run("Update", func(t *testing.T) { testUpdate(t, newStore(t)) })
	t.Run("QueuesAndStats", func(t *testing.T) { testQueuesAndStats(t, newStore(t)) })
	t.Run("Locks", func(t *testing.T) { testLocks(t, newStore(t)) })
	t.Run("ConcurrentAcquire", func(t *testing.T) { testConcurrentAcquire(t, newStore(t)) })
}

func insert(t *testing.T, s core.Store, id, queue string, priority int) *job.Job {
	t.Helper()
	j := job.New(id, queue, []byte("payload-"+id), priority, 3, Epoch)
	require.NoError(t, s.Insert(context.Background(), j))
	return j
}

func lockJob(t *testing.T, s core.Store, id, owner string, expires time.Time) *job.Job {
	t.Helper()
	j, ok, err := s.ConditionalUpdate(context.Background(), id, job.Claimable(Epoch), job.Patch{
		Status:            job.StatusLocked,
		Lease:             &job.Lease{Owner: owner, AcquiredAt: Epoch, ExpiresAt: expires},
		IncrementAttempts: true,
		UpdatedAt:         Epoch,
	})
	require.NoError(t, err)
	require.True(t, ok)
	return j
}

func testInsertAndGet(t *testing.T, s core.Store) {
	ctx := context.Background()
	j := insert(t, s, "a", "emails", 2)
	assert.Greater(t, j.Seq, int64(0))

	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "a", got.ID)
	assert.Equal(t, "emails", got.Queue)
	assert.Equal(t, []byte("payload-a"), got.Payload)
	assert.Equal(t, job.StatusQueued, got.Status)
	assert.Equal(t, 2, got.Priority)
	assert.Equal(t, 0, got.Attempts)
	assert.Equal(t, 3, got.MaxAttempts)
	assert.Empty(t, got.LockedBy)
	assert.True(t, got.LockExpiresAt.IsZero())
	assert.True(t, got.CreatedAt.Equal(Epoch))
	assert.Equal(t, j.Seq, got.Seq)
}

func testDuplicateID(t *testing.T, s core.Store) {
	insert(t, s, "a", "emails", 0)
	err := s.Insert(context.Background(), job.New("a", "emails", nil, 0, 3, Epoch))
	assert.ErrorIs(t, err, errors.ErrDuplicateID)
	assert.NotErrorIs(t, err, errors.ErrStoreUnavailable)
}

func testGetMissing(t *testing.T, s core.Store) {
	_, err := s.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, errors.ErrJobNotFound)
}

func testFindClaimableOrder(t *testing.T, s core.Store) {
	ctx := context.Background()
	insert(t, s, "low-1", "q", -1)
	insert(t, s, "mid-1", "q", 0)
	insert(t, s, "high-1", "q", 5)
	insert(t, s, "mid-2", "q", 0)
	insert(t, s, "high-2", "q", 5)
	insert(t, s, "other", "elsewhere", 9)

	ids, err := s.FindClaimable(ctx, "q", Epoch, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"high-1", "high-2", "mid-1", "mid-2", "low-1"}, ids)

	ids, err = s.FindClaimable(ctx, "q", Epoch, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"high-1", "high-2"}, ids)

	ids, err = s.FindClaimable(ctx, "empty", Epoch, 10)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func testFindClaimableStale(t *testing.T, s core.Store) {
	ctx := context.Background()
	insert(t, s, "a", "q", 0)
	insert(t, s, "b", "q", 0)
	insert(t, s, "c", "q", 0)
	lockJob(t, s, "a", "w1", Epoch.Add(time.Minute))
	lockJob(t, s, "b", "w1", Epoch.Add(10*time.Second))

	ids, err := s.FindClaimable(ctx, "q", Epoch, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, ids)

	// b's lease is exactly at its expiry: still held
	ids, err = s.FindClaimable(ctx, "q", Epoch.Add(10*time.Second), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, ids)

	ids, err = s.FindClaimable(ctx, "q", Epoch.Add(11*time.Second), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, ids)

	stale, err := s.FindStale(ctx, "q", Epoch.Add(2*time.Minute), 10)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, stale)
}

func testConditionalUpdate(t *testing.T, s core.Store) {
	ctx := context.Background()
	insert(t, s, "a", "q", 0)

	locked := lockJob(t, s, "a", "w1", Epoch.Add(time.Minute))
	assert.Equal(t, job.StatusLocked, locked.Status)
	assert.Equal(t, "w1", locked.LockedBy)
	assert.Equal(t, 1, locked.Attempts)
	assert.True(t, locked.LockExpiresAt.Equal(Epoch.Add(time.Minute)))

	// a live lease cannot be claimed again
	_, ok, err := s.ConditionalUpdate(ctx, "a", job.Claimable(Epoch), job.Patch{Status: job.StatusLocked})
	require.NoError(t, err)
	assert.False(t, ok)

	// wrong owner
	_, ok, err = s.ConditionalUpdate(ctx, "a", job.HeldBy("w2"), job.Patch{Status: job.StatusComplete, ClearLease: true})
	require.NoError(t, err)
	assert.False(t, ok)

	done, ok, err := s.ConditionalUpdate(ctx, "a", job.HeldBy("w1"), job.Patch{
		Status:     job.StatusQueued,
		ClearLease: true,
		LastError:  job.StringPtr("boom"),
		UpdatedAt:  Epoch.Add(time.Second),
	})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, job.StatusQueued, done.Status)
	assert.Empty(t, done.LockedBy)
	assert.True(t, done.LockExpiresAt.IsZero())
	assert.Equal(t, "boom", done.LastError)
	assert.Equal(t, 1, done.Attempts)

	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, job.StatusQueued, got.Status)
	assert.Equal(t, "boom", got.LastError)
	assert.True(t, got.UpdatedAt.Equal(Epoch.Add(time.Second)))
}

func testRefundAttempt(t *testing.T, s core.Store) {
	ctx := context.Background()
	insert(t, s, "a", "q", 0)
	lockJob(t, s, "a", "w1", Epoch.Add(time.Minute))

	back, ok, err := s.ConditionalUpdate(ctx, "a", job.HeldBy("w1"), job.Patch{
		Status:        job.StatusQueued,
		ClearLease:    true,
		RefundAttempt: true,
		UpdatedAt:     Epoch,
	})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 0, back.Attempts)
	assert.Empty(t, back.LockedBy)

	// attempts never go negative
	_, ok, err = s.ConditionalUpdate(ctx, "a", job.Predicate{}, job.Patch{RefundAttempt: true})
	require.NoError(t, err)
	require.True(t, ok)

	relocked := lockJob(t, s, "a", "w2", Epoch.Add(time.Minute))
	assert.Equal(t, 1, relocked.Attempts)
}

func testConditionalUpdateMissing(t *testing.T, s core.Store) {
	_, ok, err := s.ConditionalUpdate(context.Background(), "nope", job.Claimable(Epoch), job.Patch{Status: job.StatusLocked})
	assert.False(t, ok)
	assert.ErrorIs(t, err, errors.ErrJobNotFound)
}

func testUpdate(t *testing.T, s core.Store) {
	insert(t, s, "a", "q", 0)
	lockJob(t, s, "a", "w1", Epoch.Add(time.Minute))

	j, err := s.Update(context.Background(), "a", job.Patch{
		Lease: &job.Lease{Owner: "w1", AcquiredAt: Epoch, ExpiresAt: Epoch.Add(5 * time.Minute)},
	})
	require.NoError(t, err)
	assert.True(t, j.LockExpiresAt.Equal(Epoch.Add(5*time.Minute)))
	assert.Equal(t, job.StatusLocked, j.Status)

	// the lease moved, so the job is not stale at the old expiry
	ids, err := s.FindClaimable(context.Background(), "q", Epoch.Add(2*time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, ids)

	_, err = s.Update(context.Background(), "nope", job.Patch{})
	assert.ErrorIs(t, err, errors.ErrJobNotFound)
}

func testQueuesAndStats(t *testing.T, s core.Store) {
	ctx := context.Background()
	insert(t, s, "a", "q1", 0)
	insert(t, s, "b", "q1", 0)
	insert(t, s, "c", "q2", 0)
	lockJob(t, s, "a", "w1", Epoch.Add(time.Minute))
	_, ok, err := s.ConditionalUpdate(ctx, "a", job.HeldBy("w1"), job.Patch{Status: job.StatusDead, ClearLease: true})
	require.NoError(t, err)
	require.True(t, ok)

	queues, err := s.Queues(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"q1", "q2"}, queues)

	stats, err := s.Stats(ctx, "q1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Queued)
	assert.Equal(t, int64(1), stats.Dead)
	assert.Equal(t, int64(0), stats.Locked)
	assert.Equal(t, int64(2), stats.Total())
}

func testLocks(t *testing.T, s core.Store) {
	ctx := context.Background()
	ttl := 30 * time.Second

	ok, err := s.AcquireLock(ctx, "l", "a", Epoch, ttl)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.AcquireLock(ctx, "l", "b", Epoch.Add(time.Second), ttl)
	require.NoError(t, err)
	assert.False(t, ok, "live lease must not be superseded")

	ok, err = s.RenewLock(ctx, "l", "b", Epoch.Add(time.Second), ttl)
	require.NoError(t, err)
	assert.False(t, ok, "only the holder renews")

	ok, err = s.RenewLock(ctx, "l", "a", Epoch.Add(20*time.Second), ttl)
	require.NoError(t, err)
	assert.True(t, ok)

	// renewed to Epoch+50s, so still held at +40s
	ok, err = s.AcquireLock(ctx, "l", "b", Epoch.Add(40*time.Second), ttl)
	require.NoError(t, err)
	assert.False(t, ok)

	// expired at exactly Epoch+50s: free
	ok, err = s.AcquireLock(ctx, "l", "b", Epoch.Add(50*time.Second), ttl)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.RenewLock(ctx, "l", "a", Epoch.Add(51*time.Second), ttl)
	require.NoError(t, err)
	assert.False(t, ok, "superseded holder cannot renew")

	ok, err = s.ReleaseLock(ctx, "l", "a")
	require.NoError(t, err)
	assert.False(t, ok, "releasing a lease you do not hold is a no-op")

	ok, err = s.AcquireLock(ctx, "l", "c", Epoch.Add(52*time.Second), ttl)
	require.NoError(t, err)
	assert.False(t, ok, "b still holds it")

	ok, err = s.ReleaseLock(ctx, "l", "b")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.ReleaseLock(ctx, "l", "b")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.AcquireLock(ctx, "l", "c", Epoch.Add(52*time.Second), ttl)
	require.NoError(t, err)
	assert.True(t, ok)
}

func testConcurrentAcquire(t *testing.T, s core.Store) {
	const n = 20
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
	)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			owner := fmt.Sprintf("w%d", i)
			ok, err := s.AcquireLock(context.Background(), "contended", owner, Epoch, time.Minute)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				winners = append(winners, owner)
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Len(t, winners, 1)
}
