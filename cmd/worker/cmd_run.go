package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/timmy/triage/internal/logger"
)

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().Bool("cron-only", false, "do not start pull loops; drain the queue from the cron schedule only")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the worker pool and periodic triggers until interrupted",
	Args:  cobra.NoArgs,
	RunE:  runWorker,
}

func runWorker(cmd *cobra.Command, args []string) error {
	cronOnly, _ := cmd.Flags().GetBool("cron-only")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := loadApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	scheduler, err := a.NewScheduler(ctx, cronOnly)
	if err != nil {
		return err
	}
	scheduler.Start()
	defer scheduler.Stop()

	if cronOnly {
		logger.With(logger.Fields{"triggers": scheduler.Triggers()}).Info(ctx, "Worker running in cron-only mode")
		<-ctx.Done()
		return nil
	}

	pool := a.NewWorkerPool()
	logger.With(logger.Fields{
		"workers":  pool.Size(),
		"handlers": a.Router.Types(),
		"triggers": scheduler.Triggers(),
	}).Info(ctx, "Worker pool starting")
	return pool.Run(ctx)
}
