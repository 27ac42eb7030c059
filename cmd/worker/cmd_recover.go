package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(recoverCmd)
	recoverCmd.Flags().Duration("older-than", 0, "processing age after which a job is considered stuck (default queue.stuck_after)")
}

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Requeue jobs stuck in processing",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		olderThan, _ := cmd.Flags().GetDuration("older-than")

		ctx := cmd.Context()
		a, err := loadApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		if olderThan <= 0 {
			olderThan = a.Config.Queue.StuckAfter
		}
		res, err := a.Recoverer.RecoverOlderThan(ctx, olderThan)
		if err != nil {
			return err
		}
		return json.NewEncoder(os.Stdout).Encode(res)
	},
}
