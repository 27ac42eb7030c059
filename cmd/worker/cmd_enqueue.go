package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/timmy/triage/internal/domain"
	"github.com/timmy/triage/internal/repository"
)

func init() {
	rootCmd.AddCommand(enqueueCmd, statsCmd)

	enqueueCmd.Flags().String("tenant", "", "tenant id (required)")
	enqueueCmd.Flags().String("type", "", "job type (required)")
	enqueueCmd.Flags().String("payload", "{}", "job payload as JSON")
	enqueueCmd.Flags().Int("priority", 0, "higher runs sooner")
	enqueueCmd.Flags().Duration("delay", 0, "schedule the job this far in the future")
	enqueueCmd.Flags().Int("max-attempts", 0, "retry budget (default queue.max_attempts)")
	_ = enqueueCmd.MarkFlagRequired("tenant")
	_ = enqueueCmd.MarkFlagRequired("type")

	statsCmd.Flags().String("tenant", "", "restrict counts to one tenant")
}

var enqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Add a job to the queue",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		tenant, _ := cmd.Flags().GetString("tenant")
		jobType, _ := cmd.Flags().GetString("type")
		payload, _ := cmd.Flags().GetString("payload")
		priority, _ := cmd.Flags().GetInt("priority")
		delay, _ := cmd.Flags().GetDuration("delay")
		maxAttempts, _ := cmd.Flags().GetInt("max-attempts")

		if !json.Valid([]byte(payload)) {
			return fmt.Errorf("payload is not valid JSON")
		}

		ctx := cmd.Context()
		a, err := loadApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		req := repository.EnqueueRequest{
			TenantID:    tenant,
			Type:        domain.JobType(jobType),
			Payload:     json.RawMessage(payload),
			Priority:    priority,
			MaxAttempts: maxAttempts,
		}
		if delay > 0 {
			req.ScheduledAt = time.Now().UTC().Add(delay)
		}
		job, err := a.Store.Jobs.Enqueue(ctx, req)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Job %s enqueued (%s, scheduled %s).\n", job.ID, job.Type, job.ScheduledAt.Format(time.RFC3339))
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show job counts per status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		tenant, _ := cmd.Flags().GetString("tenant")

		ctx := cmd.Context()
		a, err := loadApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		stats, err := a.Store.Jobs.Stats(ctx, tenant)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "STATUS\tJOBS")
		for _, status := range []domain.JobStatus{
			domain.JobStatusPending,
			domain.JobStatusProcessing,
			domain.JobStatusCompleted,
			domain.JobStatusFailed,
		} {
			fmt.Fprintf(w, "%s\t%d\n", status, stats[status])
		}
		return w.Flush()
	},
}
