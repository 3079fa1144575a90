package postgres

import "time"

// Options for the PostgreSQL store
type Options struct {
	// DSN is the lib/pq connection string
	DSN string

	// MaxOpenConns bounds the connection pool
	MaxOpenConns int

	// MaxIdleConns is the maximum number of idle connections
	MaxIdleConns int

	// ConnMaxLifetime recycles connections older than this
	ConnMaxLifetime time.Duration

	// AutoMigrate applies pending schema migrations on Connect
	AutoMigrate bool
}

// DefaultOptions returns default PostgreSQL store options
func DefaultOptions() Options {
	return Options{
		DSN:             "postgres://localhost:5432/jobqueue?sslmode=disable",
		MaxOpenConns:    10,
		MaxIdleConns:    2,
		ConnMaxLifetime: 30 * time.Minute,
	}
}
