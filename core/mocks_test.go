package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/BranchIntl/jobqueue/job"
)

// Mock implementations for testing

// MockJobCall represents a job call for testing
type MockJobCall struct {
	JobID    string
	Queue    string
	WorkerID string
	Err      error
}

// MockStatistics implements the Statistics interface for testing
type MockStatistics struct {
	mu            sync.RWMutex
	connected     bool
	connectError  error
	healthError   error
	recordError   error
	workers       map[string]WorkerInfo
	registered    []string
	jobsStarted   []MockJobCall
	jobsCompleted []MockJobCall
	jobsFailed    []MockJobCall
}

func NewMockStatistics() *MockStatistics {
	return &MockStatistics{
		workers: make(map[string]WorkerInfo),
	}
}

func (m *MockStatistics) RegisterWorker(ctx context.Context, worker WorkerInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.workers[worker.ID] = worker
	m.registered = append(m.registered, worker.ID)
	return nil
}

func (m *MockStatistics) UnregisterWorker(ctx context.Context, workerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.workers, workerID)
	return nil
}

func (m *MockStatistics) RecordJobStarted(ctx context.Context, j *job.Job, worker WorkerInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.recordError != nil {
		return m.recordError
	}
	m.jobsStarted = append(m.jobsStarted, MockJobCall{JobID: j.ID, Queue: j.Queue, WorkerID: worker.ID})
	return nil
}

func (m *MockStatistics) RecordJobCompleted(ctx context.Context, j *job.Job, worker WorkerInfo, duration time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.recordError != nil {
		return m.recordError
	}
	m.jobsCompleted = append(m.jobsCompleted, MockJobCall{JobID: j.ID, Queue: j.Queue, WorkerID: worker.ID})
	return nil
}

func (m *MockStatistics) RecordJobFailed(ctx context.Context, j *job.Job, worker WorkerInfo, err error, duration time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.recordError != nil {
		return m.recordError
	}
	m.jobsFailed = append(m.jobsFailed, MockJobCall{JobID: j.ID, Queue: j.Queue, WorkerID: worker.ID, Err: err})
	return nil
}

func (m *MockStatistics) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.connectError != nil {
		return m.connectError
	}
	m.connected = true
	return nil
}

func (m *MockStatistics) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.connected = false
	return nil
}

func (m *MockStatistics) Health() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.healthError != nil {
		return m.healthError
	}
	if !m.connected {
		return fmt.Errorf("not connected")
	}
	return nil
}

func (m *MockStatistics) Type() string {
	return "mock"
}

// Test helpers
func (m *MockStatistics) SetConnectError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectError = err
}

func (m *MockStatistics) SetHealthError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.healthError = err
}

func (m *MockStatistics) SetRecordError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recordError = err
}

func (m *MockStatistics) GetJobsStarted() []MockJobCall {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]MockJobCall(nil), m.jobsStarted...)
}

func (m *MockStatistics) GetJobsCompleted() []MockJobCall {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]MockJobCall(nil), m.jobsCompleted...)
}

func (m *MockStatistics) GetJobsFailed() []MockJobCall {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]MockJobCall(nil), m.jobsFailed...)
}

func (m *MockStatistics) GetRegistered() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.registered...)
}

func (m *MockStatistics) ActiveWorkers() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.workers)
}

// MockRegistry implements the Registry interface for testing
type MockRegistry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

func NewMockRegistry() *MockRegistry {
	return &MockRegistry{handlers: make(map[string]HandlerFunc)}
}

func (m *MockRegistry) Register(queue string, handler HandlerFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[queue] = handler
	return nil
}

func (m *MockRegistry) Get(queue string) (HandlerFunc, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.handlers[queue]
	return h, ok
}

// MockDeadLetter records dead jobs
type MockDeadLetter struct {
	mu   sync.Mutex
	jobs []*job.Job
	err  error
}

func NewMockDeadLetter() *MockDeadLetter {
	return &MockDeadLetter{}
}

func (m *MockDeadLetter) NotifyDead(ctx context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs = append(m.jobs, j)
	return m.err
}

func (m *MockDeadLetter) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func (m *MockDeadLetter) GetJobs() []*job.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*job.Job(nil), m.jobs...)
}
