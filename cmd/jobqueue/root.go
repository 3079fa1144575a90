package main

import (
	"context"
	"log/slog"

	"github.com/BranchIntl/jobqueue/config"
	"github.com/BranchIntl/jobqueue/core"
	"github.com/BranchIntl/jobqueue/engines"
	"github.com/spf13/cobra"
)

// app carries what PersistentPreRunE loaded to the subcommands
type app struct {
	cfg    *config.Config
	logger *slog.Logger
}

func newRootCommand() *cobra.Command {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:          "jobqueue",
		Short:        "Distributed job queue over a shared store",
		SilenceUsage: true,
		Long: `jobqueue runs workers and administers queues.

Job Lifecycle:
  queued → [claim] → locked → [complete] → complete
                        ↓ (fail, attempts left)    ↓ (attempts exhausted)
                      queued                      dead

The store, statistics backend and worker settings are read from the
environment (JOBQUEUE_STORE, REDIS_URL, JOBQUEUE_QUEUES, ...), optionally
seeded from a .env file.`,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			envFile, _ := cmd.Flags().GetString("env-file")

			var files []string
			if envFile != "" {
				files = append(files, envFile)
			}
			cfg, err := config.Load(files...)
			if err != nil {
				return err
			}

			a.cfg = cfg
			a.logger = cfg.NewLogger(cmd.ErrOrStderr())
			slog.SetDefault(a.logger)
			return nil
		},
	}
	rootCmd.PersistentFlags().String("env-file", "", "Load environment from this file (default ./.env)")

	rootCmd.AddCommand(
		newWorkerCommand(a),
		newEnqueueCommand(a),
		newStatsCommand(a),
		newReapCommand(a),
		newMigrateCommand(a),
	)
	return rootCmd
}

// withQueue connects the configured store and hands fn a Queue over it
func (a *app) withQueue(ctx context.Context, fn func(q *core.Queue) error) error {
	store, err := engines.NewStore(a.cfg)
	if err != nil {
		return err
	}
	if err := store.Connect(ctx); err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			a.logger.Warn("Error closing store", "error", err)
		}
	}()

	options := []core.QueueOption{
		core.WithLogger(a.logger),
		core.WithDefaultMaxAttempts(a.cfg.MaxAttempts),
	}
	if a.cfg.ExpiredAttemptCap {
		options = append(options, core.WithExpiredAttemptCap())
	}
	return fn(core.NewQueue(store, options...))
}
