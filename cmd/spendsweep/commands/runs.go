package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/spendsweep/spendsweep/ledger"
)

// RunsCmd groups analysis run inspection commands.
var RunsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect analysis runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// RunsStaleCmd lists runs stuck in processing. Recovery is deliberately
// manual: a stale run may be a crashed worker or a very slow generation.
var RunsStaleCmd = &cobra.Command{
	Use:   "stale",
	Short: "List runs stuck in processing",
	RunE: func(cmd *cobra.Command, args []string) error {
		hours, _ := cmd.Flags().GetInt("hours")

		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if hours > 0 {
			cfg.Sweep.StaleAfterHours = hours
		}

		database, err := openDatabase(cfg)
		if err != nil {
			return err
		}
		defer database.Close()

		cutoff := time.Now().UTC().Add(-cfg.Sweep.StaleAfter())
		stale, err := ledger.NewStore(database).FindStale(context.Background(), cutoff)
		if err != nil {
			return err
		}

		if len(stale) == 0 {
			fmt.Printf("No runs in processing for longer than %v\n", cfg.Sweep.StaleAfter())
			return nil
		}

		fmt.Printf("%-36s %-20s %-24s %-9s %s\n", "RUN ID", "USER", "PERIOD", "ATTEMPTS", "LAST UPDATE")
		for _, run := range stale {
			fmt.Printf("%-36s %-20s %-24s %-9d %s (%s ago)\n",
				run.ID,
				truncate(run.UserID, 20),
				run.Period,
				run.AttemptCount,
				run.UpdatedAt.Format("2006-01-02 15:04:05"),
				time.Since(run.UpdatedAt).Round(time.Minute))
		}
		fmt.Printf("\nTotal: %d stale run(s)\n", len(stale))
		return nil
	},
}

func init() {
	RunsStaleCmd.Flags().Int("hours", 0, "Override configured staleness threshold in hours")

	RunsCmd.AddCommand(RunsStaleCmd)
}
