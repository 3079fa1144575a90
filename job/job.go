// Package job defines the job document, its lifecycle states and the
// predicate/patch pair that every store applies atomically.
package job

import (
	"time"
	"unicode/utf8"
)

// DefaultPriority is used when a producer does not pick one.
const DefaultPriority = 0

// maxErrorLength bounds LastError so a runaway error cannot bloat a document.
const maxErrorLength = 500

// Job is a unit of work stored in a queue.
type Job struct {
	ID            string
	Queue         string
	Payload       []byte
	Status        Status
	Priority      int
	Attempts      int
	MaxAttempts   int
	LockedBy      string
	LockedAt      time.Time
	LockExpiresAt time.Time
	LastError     string
	CreatedAt     time.Time
	UpdatedAt     time.Time

	// Seq is assigned by the store on insert and breaks ties between jobs
	// of equal priority in insertion order.
	Seq int64
}

// New returns a queued job ready for insertion.
func New(id, queue string, payload []byte, priority, maxAttempts int, now time.Time) *Job {
	return &Job{
		ID:          id,
		Queue:       queue,
		Payload:     payload,
		Status:      StatusQueued,
		Priority:    priority,
		MaxAttempts: maxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Clone returns a deep copy of the job.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	if j.Payload != nil {
		c.Payload = append([]byte(nil), j.Payload...)
	}
	return &c
}

// Locked reports whether the job holds a lease that is still live at now.
func (j *Job) Locked(now time.Time) bool {
	return j.Status == StatusLocked && now.Before(j.LockExpiresAt)
}

// Exhausted reports whether the job has used all of its attempts.
func (j *Job) Exhausted() bool {
	return j.MaxAttempts > 0 && j.Attempts >= j.MaxAttempts
}

// Lease is the holder information written into a job when it is claimed.
type Lease struct {
	Owner      string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// NewLease returns a lease for owner that starts at now and lasts ttl.
func NewLease(owner string, now time.Time, ttl time.Duration) *Lease {
	return &Lease{Owner: owner, AcquiredAt: now, ExpiresAt: now.Add(ttl)}
}

// Lock is a named lease document, independent of any job.
type Lock struct {
	Name       string
	Owner      string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// Free reports whether the lock may be taken by anyone at now.
func (l *Lock) Free(now time.Time) bool {
	return l == nil || !l.ExpiresAt.After(now)
}

// Stats holds per-status job counts for a queue.
type Stats struct {
	Queue    string `json:"queue"`
	Queued   int64  `json:"queued"`
	Locked   int64  `json:"locked"`
	Complete int64  `json:"complete"`
	Failed   int64  `json:"failed"`
	Dead     int64  `json:"dead"`
}

// Add increments the counter for status by n.
func (s *Stats) Add(status Status, n int64) {
	switch status {
	case StatusQueued:
		s.Queued += n
	case StatusLocked:
		s.Locked += n
	case StatusComplete:
		s.Complete += n
	case StatusFailed:
		s.Failed += n
	case StatusDead:
		s.Dead += n
	}
}

// Total returns the number of jobs counted.
func (s Stats) Total() int64 {
	return s.Queued + s.Locked + s.Complete + s.Failed + s.Dead
}

// TruncateError bounds an error message to the stored length without
// splitting a multi-byte rune.
func TruncateError(msg string) string {
	if len(msg) <= maxErrorLength {
		return msg
	}
	n := maxErrorLength
	for n > 0 && !utf8.RuneStart(msg[n]) {
		n--
	}
	return msg[:n]
}
