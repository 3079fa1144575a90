package core

import (
	"context"
	"errors"
	"testing"
	"time"

	jqerrors "github.com/BranchIntl/jobqueue/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobLockName(t *testing.T) {
	assert.Equal(t, "queue:emails:job:42", JobLockName("emails", "42"))
}

func TestLocker_AcquireRenewRelease(t *testing.T) {
	setup := NewTestSetup(t)
	l := NewLocker(setup.Store, setup.Clock.Now, nil)
	ctx := context.Background()

	ok, err := l.Acquire(ctx, "res", "a", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.Acquire(ctx, "res", "b", time.Second)
	require.NoError(t, err)
	assert.False(t, ok, "lease denied is a result, not an error")

	setup.Clock.Advance(900 * time.Millisecond)
	ok, err = l.Renew(ctx, "res", "a", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	setup.Clock.Advance(900 * time.Millisecond)
	ok, err = l.Acquire(ctx, "res", "b", time.Second)
	require.NoError(t, err)
	assert.False(t, ok, "renewed lease still live")

	setup.Clock.Advance(100 * time.Millisecond)
	ok, err = l.Acquire(ctx, "res", "b", time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "expired lease is superseded")

	ok, err = l.Renew(ctx, "res", "a", time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = l.Release(ctx, "res", "a")
	require.NoError(t, err)
	assert.False(t, ok, "idempotent release")

	ok, err = l.Release(ctx, "res", "b")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLocker_StoreUnavailable(t *testing.T) {
	setup := NewTestSetup(t)
	l := NewLocker(setup.Store, setup.Clock.Now, nil)
	require.NoError(t, setup.Store.Close())

	_, err := l.Acquire(context.Background(), "res", "a", time.Second)
	assert.ErrorIs(t, err, jqerrors.ErrStoreUnavailable)
	assert.Contains(t, err.Error(), "failed to acquire lock res")
}

func TestLocker_WithLock(t *testing.T) {
	setup := NewTestSetup(t)
	l := NewLocker(setup.Store, setup.Clock.Now, nil)
	ctx := context.Background()

	var inside bool
	ran, err := l.WithLock(ctx, "section", "a", time.Minute, func(ctx context.Context) error {
		inside = true
		ok, err := l.Acquire(ctx, "section", "b", time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
	assert.True(t, inside)

	_, held := setup.Store.GetLock("section")
	assert.False(t, held, "released after fn")
}

func TestLocker_WithLockHeldElsewhere(t *testing.T) {
	setup := NewTestSetup(t)
	l := NewLocker(setup.Store, setup.Clock.Now, nil)
	ctx := context.Background()

	_, err := l.Acquire(ctx, "section", "other", time.Minute)
	require.NoError(t, err)

	ran, err := l.WithLock(ctx, "section", "a", time.Minute, func(ctx context.Context) error {
		t.Fatal("fn must not run")
		return nil
	})
	require.NoError(t, err)
	assert.False(t, ran)
}

func TestLocker_WithLockReleasesOnError(t *testing.T) {
	setup := NewTestSetup(t)
	l := NewLocker(setup.Store, setup.Clock.Now, nil)
	boom := errors.New("boom")

	ran, err := l.WithLock(context.Background(), "section", "a", time.Minute, func(ctx context.Context) error {
		return boom
	})
	assert.True(t, ran)
	assert.ErrorIs(t, err, boom)

	_, held := setup.Store.GetLock("section")
	assert.False(t, held)
}
