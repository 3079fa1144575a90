// Package memory provides an in-process job and lock store. A single mutex
// stands in for the single-document atomicity of a real document store.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/BranchIntl/jobqueue/errors"
	"github.com/BranchIntl/jobqueue/job"
)

// Store keeps jobs and locks in maps
type Store struct {
	mu        sync.RWMutex
	jobs      map[string]*job.Job
	locks     map[string]*job.Lock
	queues    map[string]struct{}
	seq       int64
	connected bool
}

// NewStore creates a new in-memory store
func NewStore() *Store {
	return &Store{
		jobs:   make(map[string]*job.Job),
		locks:  make(map[string]*job.Lock),
		queues: make(map[string]struct{}),
	}
}

// Connect establishes connection (no-op for memory store)
func (s *Store) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.connected = true
	return nil
}

// Close disconnects the store. Data is kept so a reconnect sees it.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.connected = false
	return nil
}

// Health checks the store health
func (s *Store) Health() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.connected {
		return errors.ErrNotConnected
	}
	return nil
}

// Type returns the store type
func (s *Store) Type() string {
	return "memory"
}

func (s *Store) checkConnected(op, queue string) error {
	if !s.connected {
		return errors.NewStoreError(op, queue, errors.ErrNotConnected)
	}
	return nil
}

// Insert stores a new queued job
func (s *Store) Insert(ctx context.Context, j *job.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkConnected("insert", j.Queue); err != nil {
		return err
	}
	if _, exists := s.jobs[j.ID]; exists {
		return errors.NewStoreError("insert", j.Queue, fmt.Errorf("job %s: %w", j.ID, errors.ErrDuplicateID))
	}

	s.seq++
	j.Seq = s.seq
	j.Status = job.StatusQueued
	j.Attempts = 0

	s.jobs[j.ID] = j.Clone()
	s.queues[j.Queue] = struct{}{}
	return nil
}

// Get returns a copy of the stored job
func (s *Store) Get(ctx context.Context, id string) (*job.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.checkConnected("get", ""); err != nil {
		return nil, err
	}
	j, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, errors.ErrJobNotFound)
	}
	return j.Clone(), nil
}

// FindClaimable returns ids of claimable jobs, highest priority first
func (s *Store) FindClaimable(ctx context.Context, queue string, now time.Time, limit int) ([]string, error) {
	return s.find(queue, job.Claimable(now), limit, "find_claimable")
}

// FindStale returns ids of locked jobs whose lease expired before now
func (s *Store) FindStale(ctx context.Context, queue string, now time.Time, limit int) ([]string, error) {
	return s.find(queue, job.StaleAt(now), limit, "find_stale")
}

func (s *Store) find(queue string, pred job.Predicate, limit int, op string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.checkConnected(op, queue); err != nil {
		return nil, err
	}

	var matches []*job.Job
	for _, j := range s.jobs {
		if j.Queue == queue && pred.Matches(j) {
			matches = append(matches, j)
		}
	}

	sort.Slice(matches, func(a, b int) bool {
		if matches[a].Priority != matches[b].Priority {
			return matches[a].Priority > matches[b].Priority
		}
		return matches[a].Seq < matches[b].Seq
	})

	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}

	ids := make([]string, len(matches))
	for i, j := range matches {
		ids[i] = j.ID
	}
	return ids, nil
}

// ConditionalUpdate applies patch iff the job matches pred
func (s *Store) ConditionalUpdate(ctx context.Context, id string, pred job.Predicate, patch job.Patch) (*job.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkConnected("conditional_update", ""); err != nil {
		return nil, false, err
	}
	j, ok := s.jobs[id]
	if !ok {
		return nil, false, fmt.Errorf("job %s: %w", id, errors.ErrJobNotFound)
	}
	if !pred.Matches(j) {
		return nil, false, nil
	}

	patch.Apply(j)
	return j.Clone(), true, nil
}

// Update applies patch unconditionally
func (s *Store) Update(ctx context.Context, id string, patch job.Patch) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkConnected("update", ""); err != nil {
		return nil, err
	}
	j, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, errors.ErrJobNotFound)
	}

	patch.Apply(j)
	return j.Clone(), nil
}

// Queues returns every queue that has seen a job
func (s *Store) Queues(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.checkConnected("queues", ""); err != nil {
		return nil, err
	}
	queues := make([]string, 0, len(s.queues))
	for q := range s.queues {
		queues = append(queues, q)
	}
	sort.Strings(queues)
	return queues, nil
}

// Stats counts jobs in queue by status
func (s *Store) Stats(ctx context.Context, queue string) (job.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := job.Stats{Queue: queue}
	if err := s.checkConnected("stats", queue); err != nil {
		return stats, err
	}
	for _, j := range s.jobs {
		if j.Queue == queue {
			stats.Add(j.Status, 1)
		}
	}
	return stats, nil
}

// AcquireLock takes name for owner if it is free at now
func (s *Store) AcquireLock(ctx context.Context, name, owner string, now time.Time, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkConnected("acquire_lock", ""); err != nil {
		return false, err
	}
	if !s.locks[name].Free(now) {
		return false, nil
	}

	s.locks[name] = &job.Lock{Name: name, Owner: owner, AcquiredAt: now, ExpiresAt: now.Add(ttl)}
	return true, nil
}

// RenewLock extends a live lease held by owner
func (s *Store) RenewLock(ctx context.Context, name, owner string, now time.Time, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkConnected("renew_lock", ""); err != nil {
		return false, err
	}
	l, ok := s.locks[name]
	if !ok || l.Owner != owner || l.Free(now) {
		return false, nil
	}

	l.ExpiresAt = now.Add(ttl)
	return true, nil
}

// ReleaseLock removes the lease if owner holds it
func (s *Store) ReleaseLock(ctx context.Context, name, owner string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkConnected("release_lock", ""); err != nil {
		return false, err
	}
	l, ok := s.locks[name]
	if !ok || l.Owner != owner {
		return false, nil
	}

	delete(s.locks, name)
	return true, nil
}

// GetLock returns a copy of the lock record, if any
func (s *Store) GetLock(name string) (*job.Lock, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.locks[name]
	if !ok {
		return nil, false
	}
	c := *l
	return &c, true
}
