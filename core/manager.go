package core

import (
	"context"
	"time"

	"github.com/BranchIntl/jobqueue/job"
)

// Manager binds a consumer identity to one queue. It never blocks and
// keeps nothing between calls beyond that binding.
type Manager struct {
	queue      *Queue
	queueName  string
	consumerID string
	leaseTTL   time.Duration
}

// NewManager creates a manager for consumerID on queueName.
func NewManager(q *Queue, queueName, consumerID string, leaseTTL time.Duration) *Manager {
	return &Manager{
		queue:      q,
		queueName:  queueName,
		consumerID: consumerID,
		leaseTTL:   leaseTTL,
	}
}

// QueueName returns the bound queue.
func (m *Manager) QueueName() string {
	return m.queueName
}

// ConsumerID returns the bound consumer identity.
func (m *Manager) ConsumerID() string {
	return m.consumerID
}

// GetNextJob claims the next job or returns nil when the queue is empty.
func (m *Manager) GetNextJob(ctx context.Context) (*job.Job, error) {
	return m.queue.Claim(ctx, m.queueName, m.consumerID, m.leaseTTL)
}

// CompleteJob marks j complete.
func (m *Manager) CompleteJob(ctx context.Context, j *job.Job) error {
	return m.queue.Complete(ctx, j.ID, m.consumerID)
}

// FailJob records cause against j. Errors wrapped with job.Permanent send
// the job straight to dead.
func (m *Manager) FailJob(ctx context.Context, j *job.Job, cause error) error {
	reason := "unknown error"
	if cause != nil {
		reason = cause.Error()
	}
	return m.queue.Fail(ctx, j.ID, m.consumerID, reason, !job.IsPermanent(cause))
}

// AbandonJob returns j to the queue without spending the attempt.
func (m *Manager) AbandonJob(ctx context.Context, j *job.Job) error {
	return m.queue.Abandon(ctx, j.ID, m.consumerID)
}

// ExtendLease renews the lease on j for another lease TTL.
func (m *Manager) ExtendLease(ctx context.Context, j *job.Job) (*job.Job, error) {
	return m.queue.ExtendLease(ctx, j, m.consumerID, m.leaseTTL)
}
