package redis

import (
	"time"

	redisconn "github.com/BranchIntl/jobqueue/internal/redis"
)

// Options for the Redis store
type Options struct {
	redisconn.Options

	// LockGracePeriod is added to a lock's lease as the key's PEXPIRE so
	// abandoned lock records are eventually collected by Redis itself.
	LockGracePeriod time.Duration
}

// DefaultOptions returns default Redis store options
func DefaultOptions() Options {
	return Options{
		Options:         redisconn.DefaultOptions(),
		LockGracePeriod: time.Minute,
	}
}
