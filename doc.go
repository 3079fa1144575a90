// Package jobqueue is a distributed job queue over a shared document
// store. Workers on any number of hosts claim jobs through time-bounded
// leases, so a job abandoned by a crashed worker is picked up again once
// its lease expires.
//
// jobqueue supports multiple stores:
//   - Memory (single process, tests)
//   - Redis
//   - MongoDB
//   - PostgreSQL
//
// and multiple statistics backends:
//   - No-op
//   - Redis
//   - Prometheus
//
// Jobs that exhaust their attempts can be published to RabbitMQ.
//
// # Example
//
//	package main
//
//	import (
//		"context"
//		"time"
//
//		"github.com/BranchIntl/jobqueue/core"
//		"github.com/BranchIntl/jobqueue/job"
//		"github.com/BranchIntl/jobqueue/registry"
//		"github.com/BranchIntl/jobqueue/statistics/noop"
//		"github.com/BranchIntl/jobqueue/stores/redis"
//	)
//
//	func main() {
//		reg := registry.NewRegistry()
//		reg.Register("scrape:airline-a", func(ctx context.Context, j *job.Job) error {
//			return scrape(ctx, j.Payload)
//		})
//
//		engine := core.NewEngine(
//			redis.NewStore(redis.DefaultOptions()),
//			noop.NewStatistics(),
//			reg,
//			core.WithConcurrency(8),
//			core.WithQueues("scrape:airline-a"),
//			core.WithLeaseTTL(2*time.Minute),
//		)
//
//		if err := engine.Run(context.Background()); err != nil {
//			panic(err)
//		}
//	}
//
// # Lifecycle
//
// A job starts queued. A claim moves it to locked under a lease held by
// one consumer. The holder completes it, or fails it back to queued
// while attempts remain and to dead once they are exhausted. A lease
// that expires without either makes the job claimable again; only
// WithExpiredAttemptCap turns an expired final attempt into dead. A
// worker stopped mid-job hands the job back without spending the attempt.
//
// # Configuration from the environment
//
// Package config reads every setting from environment variables and
// package engines assembles a ready engine from it:
//
//	cfg, _ := config.Load()
//	engine, _ := engines.New(cfg, cfg.NewLogger(os.Stderr))
//	engine.Register("scrape:airline-a", handler)
//	engine.Run(ctx)
//
// Typed payloads go through a serializer:
//
//	handler := serializers.Handler(json.NewSerializer(),
//		func(ctx context.Context, j *job.Job, req ScrapeRequest) error {
//			return scrape(ctx, req)
//		})
package jobqueue
