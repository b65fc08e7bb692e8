package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	// Autoloads .env file to supply environment variables
	_ "github.com/joho/godotenv/autoload"

	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "stravasync",
	Short: "stravasync mirrors Strava activities into a local database",
	Long: `stravasync keeps a local copy of an athlete's Strava activities:
1. Refreshes the Strava access token as needed
2. Lists activities started since the last sync, oldest first
3. Fetches detail, splits, best efforts, zones, streams and gear
4. Commits each activity in a single transaction and advances the sync cursor`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file (default $STRAVASYNC_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level, overrides log.level")
}

func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func main() {
	Execute()
}
