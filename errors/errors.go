// Package errors provides error types and utilities for the jobqueue library.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for common conditions
var (
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrDuplicateID      = errors.New("duplicate job id")
	ErrNotOwner         = errors.New("not the lease owner")
	ErrJobNotFound      = errors.New("job not found")
	ErrNotConnected     = errors.New("not connected")
	ErrTimeout          = errors.New("operation timed out")
	ErrShutdown         = errors.New("shutting down")
	ErrInvalidConfig    = errors.New("invalid configuration")
	ErrNoQueues         = errors.New("no queues configured")
	ErrEmptyQueueName   = errors.New("queue name cannot be empty")
	ErrNilHandler       = errors.New("handler cannot be nil")
	ErrHandlerNotFound  = errors.New("no handler registered")
)

// StoreError represents a failure talking to the job store
type StoreError struct {
	Op    string // operation being performed
	Queue string // queue name (if applicable)
	Err   error  // underlying error
}

func (e *StoreError) Error() string {
	if e.Queue != "" {
		return fmt.Sprintf("store %s on queue %s: %v", e.Op, e.Queue, e.Err)
	}
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// Is makes every StoreError match ErrStoreUnavailable unless it wraps one
// of the logical outcomes a caller is expected to handle.
func (e *StoreError) Is(target error) bool {
	if target != ErrStoreUnavailable {
		return false
	}
	return !errors.Is(e.Err, ErrDuplicateID) &&
		!errors.Is(e.Err, ErrJobNotFound) &&
		!errors.Is(e.Err, ErrNotOwner)
}

// WorkerError represents handler execution errors
type WorkerError struct {
	Queue string // queue name
	JobID string // job id
	Err   error  // underlying error
}

func (e *WorkerError) Error() string {
	return fmt.Sprintf("job %s on queue %s: %v", e.JobID, e.Queue, e.Err)
}

func (e *WorkerError) Unwrap() error {
	return e.Err
}

// SerializationError represents serialization/deserialization errors
type SerializationError struct {
	Format string // serialization format
	Err    error  // underlying error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("serialization (%s): %v", e.Format, e.Err)
}

func (e *SerializationError) Unwrap() error {
	return e.Err
}

// ConnectionError represents connection-related errors
type ConnectionError struct {
	URI string // connection URI (may be redacted)
	Err error  // underlying error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %s: %v", e.URI, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// Is reports connection failures as store unavailability.
func (e *ConnectionError) Is(target error) bool {
	return target == ErrStoreUnavailable
}

func (e *ConnectionError) Temporary() bool {
	if t, ok := e.Err.(interface{ Temporary() bool }); ok {
		return t.Temporary()
	}
	return false
}

func (e *ConnectionError) Timeout() bool {
	if t, ok := e.Err.(interface{ Timeout() bool }); ok {
		return t.Timeout()
	}
	return false
}

// NewStoreError creates a new store error
func NewStoreError(op, queue string, err error) error {
	return &StoreError{Op: op, Queue: queue, Err: err}
}

// NewWorkerError creates a new worker error
func NewWorkerError(queue, jobID string, err error) error {
	return &WorkerError{Queue: queue, JobID: jobID, Err: err}
}

// NewSerializationError creates a new serialization error
func NewSerializationError(format string, err error) error {
	return &SerializationError{Format: format, Err: err}
}

// NewConnectionError creates a new connection error
func NewConnectionError(uri string, err error) error {
	return &ConnectionError{URI: uri, Err: err}
}

// IsTemporary checks if an error is temporary and retryable
func IsTemporary(err error) bool {
	if t, ok := err.(interface{ Temporary() bool }); ok {
		return t.Temporary()
	}
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrStoreUnavailable)
}

// IsTimeout checks if an error is a timeout
func IsTimeout(err error) bool {
	if t, ok := err.(interface{ Timeout() bool }); ok {
		return t.Timeout()
	}
	return errors.Is(err, ErrTimeout)
}

// Is reports whether any error in err's tree matches target
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's tree that matches target
func As(err error, target any) bool {
	return errors.As(err, target)
}
