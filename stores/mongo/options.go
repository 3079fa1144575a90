package mongo

import "time"

// Options for the MongoDB store
type Options struct {
	// URI is the MongoDB connection string
	URI string

	// Database holds the jobs, locks and counters collections
	Database string

	// ConnectTimeout bounds the initial connection and ping
	ConnectTimeout time.Duration

	// MaxPoolSize bounds the driver connection pool
	MaxPoolSize uint64

	// LockTTLGrace is how long after expiry the TTL index removes a lock
	LockTTLGrace time.Duration

	// EnsureIndexes creates the collection indexes on Connect
	EnsureIndexes bool
}

// DefaultOptions returns default MongoDB store options
func DefaultOptions() Options {
	return Options{
		URI:            "mongodb://localhost:27017",
		Database:       "jobqueue",
		ConnectTimeout: 10 * time.Second,
		MaxPoolSize:    20,
		LockTTLGrace:   time.Minute,
		EnsureIndexes:  true,
	}
}
