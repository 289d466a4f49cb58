package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/spendsweep/spendsweep/errors"
	"github.com/spendsweep/spendsweep/queue"
)

// JobsCmd groups job queue inspection commands.
var JobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect the job queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// JobsLsCmd lists jobs.
var JobsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		statusFilter, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		var status *queue.JobStatus
		if statusFilter != "" {
			if !queue.IsValidStatus(statusFilter) {
				return errors.Newf("invalid status %q (valid: queued, running, completed, failed)", statusFilter)
			}
			s := queue.JobStatus(statusFilter)
			status = &s
		}

		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		database, err := openDatabase(cfg)
		if err != nil {
			return err
		}
		defer database.Close()

		q := queue.NewQueue(database)
		jobs, err := q.ListJobs(context.Background(), status, limit)
		if err != nil {
			return err
		}

		if len(jobs) == 0 {
			fmt.Println("No jobs found")
			return nil
		}

		fmt.Printf("%-36s %-10s %-22s %-9s %s\n", "JOB ID", "STATUS", "HANDLER", "ATTEMPTS", "CREATED")
		for _, job := range jobs {
			fmt.Printf("%-36s %-10s %-22s %d/%-7d %s\n",
				job.ID,
				job.Status,
				truncate(job.HandlerName, 22),
				job.Attempts,
				job.MaxAttempts,
				job.CreatedAt.Format("2006-01-02 15:04:05"))
		}
		fmt.Printf("\nTotal: %d job(s)\n", len(jobs))
		return nil
	},
}

// JobsStatsCmd prints queue counters.
var JobsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		database, err := openDatabase(cfg)
		if err != nil {
			return err
		}
		defer database.Close()

		stats, err := queue.NewQueue(database).GetStats(context.Background())
		if err != nil {
			return err
		}

		fmt.Printf("Queued:    %d\n", stats.Queued)
		fmt.Printf("Running:   %d\n", stats.Running)
		fmt.Printf("Completed: %d\n", stats.Completed)
		fmt.Printf("Failed:    %d\n", stats.Failed)
		fmt.Printf("Total:     %d\n", stats.Total)
		return nil
	},
}

// JobsCleanupCmd purges old terminal jobs.
var JobsCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete old completed and failed jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		database, err := openDatabase(cfg)
		if err != nil {
			return err
		}
		defer database.Close()

		olderThan := time.Duration(cfg.Worker.CleanupAfterHours) * time.Hour
		n, err := queue.NewQueue(database).Cleanup(context.Background(), olderThan)
		if err != nil {
			return err
		}
		fmt.Printf("Deleted %d terminal job(s) older than %v\n", n, olderThan)
		return nil
	},
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func init() {
	JobsLsCmd.Flags().String("status", "", "Filter by status (queued, running, completed, failed)")
	JobsLsCmd.Flags().Int("limit", 50, "Maximum number of jobs to list")

	JobsCmd.AddCommand(JobsLsCmd)
	JobsCmd.AddCommand(JobsStatsCmd)
	JobsCmd.AddCommand(JobsCleanupCmd)
}
