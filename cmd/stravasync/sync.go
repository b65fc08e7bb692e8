package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Sync new and edited activities from Strava",
	Long: `Fetches activities started since the last successful sync and stores them
with their splits, best efforts, zones, streams and gear. The first run, or a run
with --full, walks the athlete's whole history. With --interval the command keeps
running and syncs again on every tick until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		full, _ := cmd.Flags().GetBool("full")
		interval, _ := cmd.Flags().GetDuration("interval")

		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		if interval == 0 {
			interval = a.cfg.Sync.Interval
		}

		engine, err := a.engine(ctx)
		if err != nil {
			return err
		}

		if interval > 0 {
			return engine.RunEvery(ctx, interval, full)
		}

		res, err := engine.Run(ctx, full)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s sync %s: %d listed, %d committed, %d unchanged, %d skipped\n",
			res.Mode, res.RunID, res.Listed, res.Committed, res.Unchanged, res.Skipped)
		if !res.LastSyncedAt.IsZero() {
			fmt.Fprintf(cmd.OutOrStdout(), "synced up to %s\n", res.LastSyncedAt.Format(time.RFC3339))
		}
		return nil
	},
}

func init() {
	syncCmd.Flags().Bool("full", false, "Ignore the stored cursor and walk the whole history")
	syncCmd.Flags().Duration("interval", 0, "Keep running and sync every interval (e.g. 15m)")

	rootCmd.AddCommand(syncCmd)
}
