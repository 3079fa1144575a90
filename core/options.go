package core

import (
	"log/slog"
	"time"
)

// Config holds engine configuration
type Config struct {
	Queues          []string
	Concurrency     int
	ShutdownTimeout time.Duration

	// Idle polling backoff
	PollInterval    time.Duration
	MaxPollInterval time.Duration
	PollJitter      float64

	LeaseTTL      time.Duration
	RenewInterval time.Duration
	MaxAttempts   int
	ScanLimit     int

	// CapExpiredAttempts dead-letters jobs whose final attempt's lease expired.
	CapExpiredAttempts bool

	// ReapSchedule is a cron spec; empty disables the reaper.
	ReapSchedule string
	ReapLockTTL  time.Duration

	Logger     *slog.Logger
	Clock      Clock
	DeadLetter DeadLetterNotifier
	Fallback   HandlerFunc
}

// EngineOption is a function that modifies engine configuration
type EngineOption func(*Config)

// defaultConfig returns default configuration
func defaultConfig() *Config {
	return &Config{
		Concurrency:     4,
		ShutdownTimeout: 30 * time.Second,
		PollInterval:    500 * time.Millisecond,
		MaxPollInterval: 10 * time.Second,
		PollJitter:      0.5,
		LeaseTTL:        5 * time.Minute,
		MaxAttempts:     DefaultMaxAttempts,
		ScanLimit:       DefaultScanLimit,
		ReapSchedule:    "@every 30s",
		ReapLockTTL:     time.Minute,
		Clock:           time.Now,
	}
}

// WithQueues sets the queues to poll, in strict priority order
func WithQueues(queues ...string) EngineOption {
	return func(c *Config) {
		c.Queues = queues
	}
}

// WithConcurrency sets the number of concurrent workers
func WithConcurrency(n int) EngineOption {
	return func(c *Config) {
		c.Concurrency = n
	}
}

// WithShutdownTimeout sets the graceful shutdown timeout
func WithShutdownTimeout(d time.Duration) EngineOption {
	return func(c *Config) {
		c.ShutdownTimeout = d
	}
}

// WithPollInterval sets the idle backoff bounds and jitter factor
func WithPollInterval(initial, max time.Duration, jitter float64) EngineOption {
	return func(c *Config) {
		c.PollInterval = initial
		c.MaxPollInterval = max
		c.PollJitter = jitter
	}
}

// WithLeaseTTL sets how long a claim holds a job
func WithLeaseTTL(d time.Duration) EngineOption {
	return func(c *Config) {
		c.LeaseTTL = d
	}
}

// WithRenewInterval enables lease heartbeats while a handler runs
func WithRenewInterval(d time.Duration) EngineOption {
	return func(c *Config) {
		c.RenewInterval = d
	}
}

// WithEngineMaxAttempts sets the default attempt ceiling for enqueued jobs
func WithEngineMaxAttempts(n int) EngineOption {
	return func(c *Config) {
		c.MaxAttempts = n
	}
}

// WithEngineExpiredAttemptCap dead-letters jobs whose final attempt's
// lease expired instead of reclaiming them
func WithEngineExpiredAttemptCap() EngineOption {
	return func(c *Config) {
		c.CapExpiredAttempts = true
	}
}

// WithReapSchedule sets the reaper cron spec; empty disables it
func WithReapSchedule(spec string) EngineOption {
	return func(c *Config) {
		c.ReapSchedule = spec
	}
}

// WithEngineLogger sets the logger shared by every engine component
func WithEngineLogger(logger *slog.Logger) EngineOption {
	return func(c *Config) {
		c.Logger = logger
	}
}

// WithEngineClock sets the lease clock
func WithEngineClock(clock Clock) EngineOption {
	return func(c *Config) {
		c.Clock = clock
	}
}

// WithDeadLetter sets the dead job notifier
func WithDeadLetter(n DeadLetterNotifier) EngineOption {
	return func(c *Config) {
		c.DeadLetter = n
	}
}

// WithFallbackHandler handles jobs on queues with no registered handler
func WithFallbackHandler(h HandlerFunc) EngineOption {
	return func(c *Config) {
		c.Fallback = h
	}
}
