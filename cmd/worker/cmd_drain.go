package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/timmy/triage/internal/domain"
	"github.com/timmy/triage/internal/repository"
	"github.com/timmy/triage/internal/worker"
)

func init() {
	rootCmd.AddCommand(drainCmd)
	drainCmd.Flags().Int("limit", 100, "maximum number of jobs to process; 0 drains until nothing is eligible")
	drainCmd.Flags().String("tenant", "", "only claim jobs of this tenant")
	drainCmd.Flags().String("type", "", "only claim jobs of this type")
}

// drainCmd is the discrete invocation used by external schedulers.
var drainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Process up to --limit jobs, then exit",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		tenant, _ := cmd.Flags().GetString("tenant")
		jobType, _ := cmd.Flags().GetString("type")
		if jobType != "" && !domain.JobType(jobType).Valid() {
			return domain.NewConfigurationError("unknown job type %q", jobType)
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := loadApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		w := worker.New(a.Store.Jobs, a.Router, worker.Options{
			Name:       "drain",
			Filter:     repository.ClaimFilter{TenantID: tenant, Type: domain.JobType(jobType)},
			BatchLimit: a.Config.Worker.BatchLimit,
		})
		res, err := w.Drain(ctx, limit)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	},
}
