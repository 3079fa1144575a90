package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/BranchIntl/jobqueue/config"
	"github.com/BranchIntl/jobqueue/core"
	"github.com/BranchIntl/jobqueue/engines"
	"github.com/BranchIntl/jobqueue/job"
	"github.com/BranchIntl/jobqueue/statistics/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

// exitPermanent is the handler exit status that marks a failure as not retryable
const exitPermanent = 65

func newWorkerCommand(a *app) *cobra.Command {
	workerCmd := &cobra.Command{
		Use:   "worker -- COMMAND [ARGS...]",
		Short: "Run workers that hand each job to COMMAND",
		Long: `Run workers for JOBQUEUE_QUEUES. Every claimed job runs COMMAND with
the payload on stdin and JOBQUEUE_JOB_ID, JOBQUEUE_QUEUE and
JOBQUEUE_ATTEMPT in its environment. Exit status 0 completes the job,
65 fails it permanently and anything else fails it for retry.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := engines.New(a.cfg, a.logger)
			if err != nil {
				return err
			}
			engine.SetFallback(execHandler(args))

			if a.cfg.MetricsAddr != "" {
				stats, ok := engine.GetStats().(*prometheus.Statistics)
				if !ok {
					return fmt.Errorf("METRICS_ADDR requires JOBQUEUE_STATS=%s", config.StatsPrometheus)
				}
				srv := serveMetrics(a.cfg.MetricsAddr, stats)
				defer shutdownMetrics(srv)
				a.logger.Info("Serving metrics", "addr", a.cfg.MetricsAddr)
			}

			return engine.Run(cmd.Context())
		},
	}
	return workerCmd
}

// execHandler runs argv once per job
func execHandler(argv []string) core.HandlerFunc {
	return func(ctx context.Context, j *job.Job) error {
		cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
		cmd.Stdin = bytes.NewReader(j.Payload)
		cmd.Stdout = os.Stdout
		cmd.Env = append(os.Environ(),
			"JOBQUEUE_JOB_ID="+j.ID,
			"JOBQUEUE_QUEUE="+j.Queue,
			"JOBQUEUE_ATTEMPT="+strconv.Itoa(j.Attempts),
		)
		var stderr bytes.Buffer
		cmd.Stderr = &stderr

		err := cmd.Run()
		if err == nil {
			return nil
		}

		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			err = fmt.Errorf("%s: %w: %s", argv[0], err, bytes.TrimSpace(stderr.Bytes()))
			if exitErr.ExitCode() == exitPermanent {
				return job.Permanent(err)
			}
		}
		return err
	}
}

func serveMetrics(addr string, stats *prometheus.Statistics) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(stats.Gatherer(), promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server failed", "error", err)
		}
	}()
	return srv
}

func shutdownMetrics(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}
