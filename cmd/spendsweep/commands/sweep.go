package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/spendsweep/spendsweep/errors"
	"github.com/spendsweep/spendsweep/ledger"
	"github.com/spendsweep/spendsweep/logger"
	"github.com/spendsweep/spendsweep/queue"
	"github.com/spendsweep/spendsweep/scan"
	"github.com/spendsweep/spendsweep/sweep"
)

// SweepCmd runs one sweep over all users and exits. Enqueued jobs are picked
// up by a running daemon; this command does not process them itself.
var SweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one analysis sweep over all users",
	Long: `Scan all users for the given period, claim unprocessed runs, and
enqueue review generation jobs. The jobs are executed by the daemon's
worker pool, not by this command.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		periodFlag, _ := cmd.Flags().GetString("period")
		batchSize, _ := cmd.Flags().GetInt("batch-size")

		period, err := resolvePeriod(periodFlag)
		if err != nil {
			return err
		}

		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if batchSize > 0 {
			cfg.Sweep.BatchSize = batchSize
		}

		database, err := openDatabase(cfg)
		if err != nil {
			return err
		}
		defer database.Close()

		sweeper := sweep.NewSweeper(
			scan.NewSelector(database),
			ledger.NewStore(database),
			queue.NewQueue(database),
			sweep.Config{BatchSize: cfg.Sweep.BatchSize, MaxPages: cfg.Sweep.MaxPages},
			logger.Logger,
		)

		result, err := sweeper.RunForAllUsers(context.Background(), period)
		if err != nil {
			return err
		}

		fmt.Printf("Sweep complete for %s\n", period)
		fmt.Printf("  Processed: %d\n", result.TotalProcessed)
		fmt.Printf("  Skipped:   %d\n", result.TotalSkipped)
		fmt.Printf("  Failed:    %d\n", result.TotalFailed)
		fmt.Printf("  Pages:     %d\n", result.Pages)
		return nil
	},
}

// resolvePeriod parses a YYYY-MM flag value, defaulting to the current month.
func resolvePeriod(flag string) (ledger.Period, error) {
	if flag == "" {
		return ledger.MonthOf(time.Now().UTC()), nil
	}
	t, err := time.Parse("2006-01", flag)
	if err != nil {
		return ledger.Period{}, errors.Wrapf(err, "invalid period %q, expected YYYY-MM", flag)
	}
	return ledger.MonthOf(t), nil
}

func init() {
	SweepCmd.Flags().String("period", "", "Month to sweep as YYYY-MM (default: current month)")
	SweepCmd.Flags().Int("batch-size", 0, "Override configured candidate batch size")
}
