package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/BranchIntl/jobqueue/config"
	"github.com/BranchIntl/jobqueue/core"
	"github.com/BranchIntl/jobqueue/job"
	"github.com/BranchIntl/jobqueue/stores/postgres"
	"github.com/spf13/cobra"
)

func newEnqueueCommand(a *app) *cobra.Command {
	enqueueCmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Add a job to a queue",
		RunE: func(cmd *cobra.Command, _ []string) error {
			queue, _ := cmd.Flags().GetString("queue")
			payload, _ := cmd.Flags().GetString("payload")
			priority, _ := cmd.Flags().GetInt("priority")
			maxAttempts, _ := cmd.Flags().GetInt("max-attempts")
			id, _ := cmd.Flags().GetString("id")

			if payload == "-" {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return err
				}
				payload = string(data)
			}

			opts := []core.EnqueueOption{core.WithPriority(priority)}
			if maxAttempts > 0 {
				opts = append(opts, core.WithMaxAttempts(maxAttempts))
			}
			if id != "" {
				opts = append(opts, core.WithID(id))
			}

			return a.withQueue(cmd.Context(), func(q *core.Queue) error {
				jobID, err := q.Enqueue(cmd.Context(), queue, []byte(payload), opts...)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), jobID)
				return nil
			})
		},
	}
	enqueueCmd.Flags().StringP("queue", "q", "", "Queue name")
	enqueueCmd.Flags().StringP("payload", "p", "", "Job payload, or - to read stdin")
	enqueueCmd.Flags().Int("priority", 0, "Higher priorities are claimed first")
	enqueueCmd.Flags().Int("max-attempts", 0, "Attempt ceiling (default JOBQUEUE_MAX_ATTEMPTS)")
	enqueueCmd.Flags().String("id", "", "Job id (default a random UUID)")
	_ = enqueueCmd.MarkFlagRequired("queue")
	return enqueueCmd
}

func newStatsCommand(a *app) *cobra.Command {
	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Print job counts per status as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			queues, _ := cmd.Flags().GetStringSlice("queue")

			return a.withQueue(cmd.Context(), func(q *core.Queue) error {
				if len(queues) == 0 {
					var err error
					if queues, err = q.Queues(cmd.Context()); err != nil {
						return err
					}
				}

				all := make([]job.Stats, 0, len(queues))
				for _, name := range queues {
					stats, err := q.Stats(cmd.Context(), name)
					if err != nil {
						return err
					}
					all = append(all, stats)
				}

				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(all)
			})
		},
	}
	statsCmd.Flags().StringSliceP("queue", "q", nil, "Queues to report (default all)")
	return statsCmd
}

func newReapCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "reap",
		Short: "Requeue jobs whose lease expired",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withQueue(cmd.Context(), func(q *core.Queue) error {
				reaper := core.NewReaper(q, "", time.Minute, a.logger)
				result, ran := reaper.RunOnce(cmd.Context())
				if !ran {
					_, _ = fmt.Fprintln(cmd.OutOrStdout(), "reaper lock held elsewhere")
					return nil
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "requeued: %d\ndead: %d\n", result.Requeued, result.Dead)
				return nil
			})
		},
	}
}

func newMigrateCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the PostgreSQL schema migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if a.cfg.Store != config.StorePostgres {
				return fmt.Errorf("migrate requires JOBQUEUE_STORE=%s", config.StorePostgres)
			}

			opts := postgres.DefaultOptions()
			opts.DSN = a.cfg.PostgresDSN
			opts.AutoMigrate = true
			store := postgres.NewStore(opts)
			if err := store.Connect(cmd.Context()); err != nil {
				return err
			}
			defer store.Close()

			version, err := postgres.SchemaVersion(cmd.Context(), store.DB())
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "schema version: %d\n", version)
			return nil
		},
	}
}
