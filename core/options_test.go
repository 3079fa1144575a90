package core

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/BranchIntl/jobqueue/job"
	"github.com/stretchr/testify/assert"
)

func TestDefaultConfig(t *testing.T) {
	config := defaultConfig()

	assert.Equal(t, 4, config.Concurrency)
	assert.Equal(t, DefaultMaxAttempts, config.MaxAttempts)
	assert.Equal(t, DefaultScanLimit, config.ScanLimit)
	assert.Equal(t, "@every 30s", config.ReapSchedule)
	assert.NotNil(t, config.Clock)
	assert.Zero(t, config.RenewInterval)
}

func TestMultipleOptions(t *testing.T) {
	config := defaultConfig()
	clock := newFakeClock()
	logger := slog.Default()
	dead := NewMockDeadLetter()

	options := []EngineOption{
		WithConcurrency(15),
		WithQueues("high", "medium", "low"),
		WithPollInterval(time.Second, 8*time.Second, 0.2),
		WithShutdownTimeout(60 * time.Second),
		WithLeaseTTL(2 * time.Minute),
		WithRenewInterval(30 * time.Second),
		WithEngineMaxAttempts(5),
		WithEngineExpiredAttemptCap(),
		WithReapSchedule(""),
		WithEngineLogger(logger),
		WithEngineClock(clock.Now),
		WithDeadLetter(dead),
		WithFallbackHandler(func(ctx context.Context, j *job.Job) error { return nil }),
	}

	for _, option := range options {
		option(config)
	}

	assert.Equal(t, 15, config.Concurrency)
	assert.Equal(t, []string{"high", "medium", "low"}, config.Queues)
	assert.Equal(t, time.Second, config.PollInterval)
	assert.Equal(t, 8*time.Second, config.MaxPollInterval)
	assert.Equal(t, 0.2, config.PollJitter)
	assert.Equal(t, 60*time.Second, config.ShutdownTimeout)
	assert.Equal(t, 2*time.Minute, config.LeaseTTL)
	assert.Equal(t, 30*time.Second, config.RenewInterval)
	assert.Equal(t, 5, config.MaxAttempts)
	assert.True(t, config.CapExpiredAttempts)
	assert.Empty(t, config.ReapSchedule)
	assert.Same(t, logger, config.Logger)
	assert.Equal(t, testEpoch, config.Clock())
	assert.Same(t, dead, config.DeadLetter)
	assert.NotNil(t, config.Fallback)
}
