package memory

import (
	"context"
	"testing"
	"time"

	"github.com/BranchIntl/jobqueue/core"
	"github.com/BranchIntl/jobqueue/errors"
	"github.com/BranchIntl/jobqueue/job"
	"github.com/BranchIntl/jobqueue/stores/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newConnectedStore(t *testing.T) core.Store {
	s := NewStore()
	require.NoError(t, s.Connect(context.Background()))
	return s
}

func TestStore(t *testing.T) {
	storetest.Run(t, newConnectedStore)
}

func TestStore_Connect(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	assert.ErrorIs(t, s.Health(), errors.ErrNotConnected)

	require.NoError(t, s.Connect(ctx))
	assert.NoError(t, s.Health())
	assert.Equal(t, "memory", s.Type())

	require.NoError(t, s.Close())
	assert.Error(t, s.Health())
}

func TestStore_NotConnected(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	err := s.Insert(ctx, job.New("a", "q", nil, 0, 3, time.Now()))
	assert.ErrorIs(t, err, errors.ErrStoreUnavailable)
	assert.ErrorIs(t, err, errors.ErrNotConnected)

	_, err = s.FindClaimable(ctx, "q", time.Now(), 10)
	assert.ErrorIs(t, err, errors.ErrStoreUnavailable)

	_, err = s.AcquireLock(ctx, "l", "o", time.Now(), time.Second)
	assert.ErrorIs(t, err, errors.ErrStoreUnavailable)
}

func TestStore_ReturnsCopies(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	require.NoError(t, s.Connect(ctx))

	j := job.New("a", "q", []byte("x"), 0, 3, time.Now())
	require.NoError(t, s.Insert(ctx, j))

	// mutating the caller's copy does not touch the store
	j.Status = job.StatusDead
	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, job.StatusQueued, got.Status)

	got.Payload[0] = 'z'
	again, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), again.Payload)
}

func TestStore_GetLock(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	require.NoError(t, s.Connect(ctx))

	_, ok := s.GetLock("l")
	assert.False(t, ok)

	now := time.Now()
	_, err := s.AcquireLock(ctx, "l", "me", now, time.Minute)
	require.NoError(t, err)

	l, ok := s.GetLock("l")
	require.True(t, ok)
	assert.Equal(t, "me", l.Owner)
	assert.True(t, l.ExpiresAt.Equal(now.Add(time.Minute)))
}
