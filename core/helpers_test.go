package core

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/BranchIntl/jobqueue/job"
	"github.com/BranchIntl/jobqueue/stores/memory"
	"github.com/stretchr/testify/require"
)

var testEpoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeClock is a settable Clock for lease timing tests
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: testEpoch}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// TestSetup provides common test dependencies
type TestSetup struct {
	Store      *faultyStore
	Stats      *MockStatistics
	Registry   *MockRegistry
	DeadLetter *MockDeadLetter
	Clock      *fakeClock
}

// NewTestSetup creates a standard test setup over a connected memory store
func NewTestSetup(t *testing.T) *TestSetup {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError, // Only show errors in tests
	}))
	slog.SetDefault(logger)

	store := newFaultyStore()
	require.NoError(t, store.Connect(context.Background()))

	return &TestSetup{
		Store:      store,
		Stats:      NewMockStatistics(),
		Registry:   NewMockRegistry(),
		DeadLetter: NewMockDeadLetter(),
		Clock:      newFakeClock(),
	}
}

// NewQueue builds a queue on the fake clock
func (s *TestSetup) NewQueue(options ...QueueOption) *Queue {
	options = append([]QueueOption{
		WithClock(s.Clock.Now),
		WithDeadLetterNotifier(s.DeadLetter),
	}, options...)
	return NewQueue(s.Store, options...)
}

// Enqueue adds a job and fails the test on error
func (s *TestSetup) Enqueue(t *testing.T, q *Queue, queue, payload string, options ...EnqueueOption) string {
	t.Helper()
	id, err := q.Enqueue(context.Background(), queue, []byte(payload), options...)
	require.NoError(t, err)
	return id
}

// GetJob reads a job back from the store
func (s *TestSetup) GetJob(t *testing.T, id string) *job.Job {
	t.Helper()
	j, err := s.Store.Get(context.Background(), id)
	require.NoError(t, err)
	return j
}

// testConfig returns a worker config for the given queues
func testConfig(queues ...string) *Config {
	cfg := defaultConfig()
	cfg.Queues = queues
	cfg.PollInterval = 5 * time.Millisecond
	cfg.MaxPollInterval = 20 * time.Millisecond
	cfg.PollJitter = 0
	cfg.LeaseTTL = time.Minute
	return cfg
}

// ContextWithTimeout creates a context with standard timeout for tests
func ContextWithTimeout(t *testing.T) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), time.Second)
}

// ContextWithCustomTimeout creates a context with custom timeout
func ContextWithCustomTimeout(t *testing.T, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}

// faultyStore wraps the memory store with injectable failures
type faultyStore struct {
	*memory.Store

	mu         sync.Mutex
	connectErr error
	findErr    error
	updateErr  error
	candidates []string
}

func newFaultyStore() *faultyStore {
	return &faultyStore{Store: memory.NewStore()}
}

func (f *faultyStore) Connect(ctx context.Context) error {
	f.mu.Lock()
	err := f.connectErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.Store.Connect(ctx)
}

func (f *faultyStore) FindClaimable(ctx context.Context, queue string, now time.Time, limit int) ([]string, error) {
	f.mu.Lock()
	err, candidates := f.findErr, f.candidates
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if candidates != nil {
		return candidates, nil
	}
	return f.Store.FindClaimable(ctx, queue, now, limit)
}

func (f *faultyStore) ConditionalUpdate(ctx context.Context, id string, pred job.Predicate, patch job.Patch) (*job.Job, bool, error) {
	f.mu.Lock()
	err := f.updateErr
	f.mu.Unlock()
	if err != nil {
		return nil, false, err
	}
	return f.Store.ConditionalUpdate(ctx, id, pred, patch)
}

func (f *faultyStore) SetConnectError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectErr = err
}

func (f *faultyStore) SetFindError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.findErr = err
}

func (f *faultyStore) SetUpdateError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updateErr = err
}

// SetCandidates makes FindClaimable return ids verbatim, as a store
// whose index lags behind the documents would.
func (f *faultyStore) SetCandidates(ids []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates = ids
}
