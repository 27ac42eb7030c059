package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"
	"github.com/timmy/triage/internal/app"
	"github.com/timmy/triage/internal/config"
	"github.com/timmy/triage/internal/logger"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "worker",
	Short:         "Run and operate the triage job queue",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	// CONFIG_PATH is used by container deployments
	rootCmd.PersistentFlags().StringVar(&configPath, "config", os.Getenv("CONFIG_PATH"), "path to config file")
}

// loadApp loads configuration and wires the application. The caller closes it.
func loadApp(ctx context.Context) (*app.App, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger.SetDefaultLogger(logger.New(cfg.Log.Options()))
	return app.New(ctx, cfg)
}

func main() {
	logger.SetDefaultLogger(logger.NewDefault())
	defer logger.Sync()

	if err := rootCmd.Execute(); err != nil {
		logger.Error("worker: %v", err)
		logger.Sync()
		os.Exit(1)
	}
}
