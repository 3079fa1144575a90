package core

import (
	"context"
	"errors"
	"testing"
	"time"

	jqerrors "github.com/BranchIntl/jobqueue/errors"
	"github.com/BranchIntl/jobqueue/job"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(setup *TestSetup, options ...EngineOption) *Engine {
	options = append([]EngineOption{
		WithQueues("q"),
		WithConcurrency(2),
		WithPollInterval(5*time.Millisecond, 20*time.Millisecond, 0),
		WithShutdownTimeout(time.Second),
	}, options...)
	return NewEngine(setup.Store, setup.Stats, setup.Registry, options...)
}

func TestEngine_Start_Success(t *testing.T) {
	setup := NewTestSetup(t)
	engine := newTestEngine(setup)

	ctx, cancel := ContextWithCustomTimeout(t, 200*time.Millisecond)
	defer cancel()

	err := engine.Start(ctx)
	assert.NoError(t, err)
	assert.NotNil(t, engine.workerPool)
	assert.NotNil(t, engine.reaper)

	err = engine.Stop()
	assert.NoError(t, err)
}

func TestEngine_StartValidation(t *testing.T) {
	tests := []struct {
		name    string
		options []EngineOption
		want    error
	}{
		{"no queues", []EngineOption{WithQueues()}, jqerrors.ErrNoQueues},
		{"zero concurrency", []EngineOption{WithConcurrency(0)}, jqerrors.ErrInvalidConfig},
		{"zero lease", []EngineOption{WithLeaseTTL(0)}, jqerrors.ErrInvalidConfig},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setup := NewTestSetup(t)
			engine := newTestEngine(setup, tt.options...)
			assert.ErrorIs(t, engine.Start(context.Background()), tt.want)
		})
	}
}

func TestEngine_ConnectionErrors(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*TestSetup)
		want  string
	}{
		{
			name:  "store connection error",
			setup: func(s *TestSetup) { s.Store.SetConnectError(errors.New("store connection failed")) },
			want:  "failed to connect store",
		},
		{
			name:  "stats connection error",
			setup: func(s *TestSetup) { s.Stats.SetConnectError(errors.New("stats connection failed")) },
			want:  "failed to connect statistics",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setup := NewTestSetup(t)
			tt.setup(setup)

			err := newTestEngine(setup).Start(context.Background())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
			assert.ErrorIs(t, err, jqerrors.ErrStoreUnavailable)
		})
	}
}

func TestEngine_Stop_BeforeStart(t *testing.T) {
	setup := NewTestSetup(t)
	engine := newTestEngine(setup)

	assert.NoError(t, engine.Stop())
}

func TestEngine_EndToEnd(t *testing.T) {
	setup := NewTestSetup(t)
	dead := NewMockDeadLetter()
	engine := newTestEngine(setup, WithDeadLetter(dead), WithEngineMaxAttempts(2))

	processed := make(chan string, 10)
	require.NoError(t, engine.Register("q", func(ctx context.Context, j *job.Job) error {
		if string(j.Payload) == "poison" {
			return job.Permanent(errors.New("cannot parse"))
		}
		processed <- j.ID
		return nil
	}))

	ctx, cancel := ContextWithCustomTimeout(t, 5*time.Second)
	defer cancel()
	require.NoError(t, engine.Start(ctx))

	good, err := engine.Enqueue(ctx, "q", []byte("ok"))
	require.NoError(t, err)
	poison, err := engine.Enqueue(ctx, "q", []byte("poison"))
	require.NoError(t, err)

	select {
	case id := <-processed:
		assert.Equal(t, good, id)
	case <-ctx.Done():
		t.Fatal("job was not processed")
	}

	require.Eventually(t, func() bool {
		j, err := engine.Queue().Get(ctx, poison)
		return err == nil && j.Status == job.StatusDead
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		j, err := engine.Queue().Get(ctx, good)
		return err == nil && j.Status == job.StatusComplete
	}, 2*time.Second, 10*time.Millisecond)

	j, err := engine.Queue().Get(ctx, good)
	require.NoError(t, err)
	assert.Equal(t, 2, j.MaxAttempts)
	assert.Len(t, dead.GetJobs(), 1)

	health := engine.Health()
	assert.True(t, health.Healthy)
	assert.Equal(t, 2, health.ActiveWorkers)

	require.NoError(t, engine.Stop())
	assert.Error(t, engine.Health().StoreHealth, "store closed on stop")
}

func TestEngine_Health(t *testing.T) {
	setup := NewTestSetup(t)
	engine := newTestEngine(setup)
	setup.Stats.SetHealthError(errors.New("stats down"))

	_, err := engine.Enqueue(context.Background(), "q", []byte("x"))
	require.NoError(t, err)

	health := engine.Health()
	assert.False(t, health.Healthy)
	assert.NoError(t, health.StoreHealth)
	assert.Error(t, health.StatsHealth)
	assert.Equal(t, int64(1), health.QueuedJobs["q"])
	assert.Equal(t, 0, health.ActiveWorkers)
}

func TestEngine_Run_ContextCancel(t *testing.T) {
	setup := NewTestSetup(t)
	engine := newTestEngine(setup)

	ctx, cancel := ContextWithCustomTimeout(t, 50*time.Millisecond)
	defer cancel()

	assert.NoError(t, engine.Run(ctx))
}
