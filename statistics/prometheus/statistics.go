// Package prometheus exposes worker and job metrics as Prometheus
// collectors.
package prometheus

import (
	"context"
	"time"

	"github.com/BranchIntl/jobqueue/core"
	"github.com/BranchIntl/jobqueue/job"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Statistics implements core.Statistics with Prometheus collectors
type Statistics struct {
	registry prometheus.Gatherer

	jobsStarted   *prometheus.CounterVec
	jobsCompleted *prometheus.CounterVec
	jobsFailed    *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec
	jobAttempts   *prometheus.HistogramVec
	workers       prometheus.Gauge
}

// Option configures the Prometheus backend
type Option func(*options)

type options struct {
	namespace string
	registry  *prometheus.Registry
	buckets   []float64
}

// WithNamespace prefixes every metric name
func WithNamespace(namespace string) Option {
	return func(o *options) {
		o.namespace = namespace
	}
}

// WithRegistry registers the collectors on reg instead of a fresh registry
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *options) {
		o.registry = reg
	}
}

// WithBuckets sets the job duration histogram buckets in seconds
func WithBuckets(buckets []float64) Option {
	return func(o *options) {
		o.buckets = buckets
	}
}

// NewStatistics creates the collectors and registers them
func NewStatistics(opts ...Option) *Statistics {
	o := &options{
		namespace: "jobqueue",
		buckets:   prometheus.DefBuckets,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.registry == nil {
		o.registry = prometheus.NewRegistry()
	}

	factory := promauto.With(o.registry)
	return &Statistics{
		registry: o.registry,
		jobsStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: o.namespace,
			Name:      "jobs_started_total",
			Help:      "Total number of jobs claimed and started",
		}, []string{"queue"}),
		jobsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: o.namespace,
			Name:      "jobs_completed_total",
			Help:      "Total number of jobs completed successfully",
		}, []string{"queue"}),
		jobsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: o.namespace,
			Name:      "jobs_failed_total",
			Help:      "Total number of failed job attempts",
		}, []string{"queue"}),
		jobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: o.namespace,
			Name:      "job_duration_seconds",
			Help:      "Handler run time per job attempt",
			Buckets:   o.buckets,
		}, []string{"queue", "outcome"}),
		jobAttempts: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: o.namespace,
			Name:      "job_attempts",
			Help:      "Attempt number at which a job was started",
			Buckets:   prometheus.LinearBuckets(1, 1, 10),
		}, []string{"queue"}),
		workers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: o.namespace,
			Name:      "workers",
			Help:      "Number of registered workers",
		}),
	}
}

// Gatherer returns the registry holding the collectors, for promhttp
func (s *Statistics) Gatherer() prometheus.Gatherer {
	return s.registry
}

// Connect is a no-op; collectors live in process
func (s *Statistics) Connect(ctx context.Context) error {
	return nil
}

// Close is a no-op
func (s *Statistics) Close() error {
	return nil
}

// Health always reports healthy
func (s *Statistics) Health() error {
	return nil
}

// Type returns the statistics backend type
func (s *Statistics) Type() string {
	return "prometheus"
}

// RegisterWorker counts a worker in
func (s *Statistics) RegisterWorker(ctx context.Context, worker core.WorkerInfo) error {
	s.workers.Inc()
	return nil
}

// UnregisterWorker counts a worker out
func (s *Statistics) UnregisterWorker(ctx context.Context, workerID string) error {
	s.workers.Dec()
	return nil
}

// RecordJobStarted records that a job has started
func (s *Statistics) RecordJobStarted(ctx context.Context, j *job.Job, worker core.WorkerInfo) error {
	s.jobsStarted.WithLabelValues(j.Queue).Inc()
	s.jobAttempts.WithLabelValues(j.Queue).Observe(float64(j.Attempts))
	return nil
}

// RecordJobCompleted records successful job completion
func (s *Statistics) RecordJobCompleted(ctx context.Context, j *job.Job, worker core.WorkerInfo, duration time.Duration) error {
	s.jobsCompleted.WithLabelValues(j.Queue).Inc()
	s.jobDuration.WithLabelValues(j.Queue, "complete").Observe(duration.Seconds())
	return nil
}

// RecordJobFailed records job failure
func (s *Statistics) RecordJobFailed(ctx context.Context, j *job.Job, worker core.WorkerInfo, err error, duration time.Duration) error {
	s.jobsFailed.WithLabelValues(j.Queue).Inc()
	s.jobDuration.WithLabelValues(j.Queue, "failed").Observe(duration.Seconds())
	return nil
}
