package redis

import (
	"time"

	redisconn "github.com/BranchIntl/jobqueue/internal/redis"
)

// Options for Redis statistics
type Options struct {
	redisconn.Options

	// FailureHistory caps the list of recent failures kept in Redis
	FailureHistory int64

	// WorkerTTL expires worker records of processes that died without
	// unregistering
	WorkerTTL time.Duration
}

// DefaultOptions returns default Redis statistics options
func DefaultOptions() Options {
	opts := redisconn.DefaultOptions()
	opts.Namespace = "jobqueue:stats:"
	return Options{
		Options:        opts,
		FailureHistory: 1000,
		WorkerTTL:      24 * time.Hour,
	}
}
