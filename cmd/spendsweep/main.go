package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/spendsweep/spendsweep/cmd/spendsweep/commands"
	"github.com/spendsweep/spendsweep/logger"
)

var rootCmd = &cobra.Command{
	Use:   "spendsweep",
	Short: "spendsweep - background financial analysis orchestrator",
	Long: `spendsweep - background financial analysis orchestration.

spendsweep scans for users whose spending period has not been analyzed yet,
claims an analysis run per user and period, and drives review generation
through a durable retryable job queue.

Available commands:
  daemon  - Run the worker pool, sweep schedule, and stale-run reaper
  sweep   - Run one sweep over all users for a period
  jobs    - Inspect the job queue
  runs    - Inspect analysis runs
  version - Show version information

Examples:
  spendsweep daemon                    # Run in foreground until interrupted
  spendsweep sweep                     # Sweep the current month now
  spendsweep sweep --period 2026-07    # Sweep a specific month
  spendsweep jobs ls --status failed   # List failed jobs
  spendsweep runs stale                # List runs stuck in processing`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		if err := logger.Initialize(jsonLogs); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Path to config file (default: ./spendsweep.toml if present)")
	rootCmd.PersistentFlags().Bool("json-logs", false, "Emit logs as JSON instead of console output")

	rootCmd.AddCommand(commands.DaemonCmd)
	rootCmd.AddCommand(commands.SweepCmd)
	rootCmd.AddCommand(commands.JobsCmd)
	rootCmd.AddCommand(commands.RunsCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	defer logger.Sync()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
