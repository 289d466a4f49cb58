package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/spendsweep/spendsweep/ledger"
	"github.com/spendsweep/spendsweep/logger"
	"github.com/spendsweep/spendsweep/mail"
	"github.com/spendsweep/spendsweep/notify"
	"github.com/spendsweep/spendsweep/queue"
	"github.com/spendsweep/spendsweep/review"
	"github.com/spendsweep/spendsweep/scan"
	"github.com/spendsweep/spendsweep/sweep"
)

// DaemonCmd runs the full pipeline in the foreground.
var DaemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the analysis pipeline daemon",
	Long: `Run the analysis pipeline in foreground mode.

The daemon will:
- Start the worker pool for review generation jobs
- Schedule periodic sweeps over all users (cron or fixed interval)
- Watch for runs stuck in processing (stale reaper)
- Run until interrupted (Ctrl+C) with graceful shutdown`,
	RunE: func(cmd *cobra.Command, args []string) error {
		workers, _ := cmd.Flags().GetInt("workers")

		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if workers > 0 {
			cfg.Worker.Workers = workers
		}

		database, err := openDatabase(cfg)
		if err != nil {
			return err
		}
		defer database.Close()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		ledgerStore := ledger.NewStore(database)
		reviewStore := review.NewStore(database)
		notifier := notify.NewStore(database)
		q := queue.NewQueue(database)
		q.SetMaxAttempts(cfg.Worker.MaxAttempts)

		var mailer mail.Mailer
		if cfg.Mail.Enabled {
			mailer = mail.NewSMTPMailer(cfg.Mail.SMTPHost, cfg.Mail.SMTPPort,
				cfg.Mail.SMTPUsername, cfg.Mail.SMTPPassword, logger.Logger)
		} else {
			mailer = mail.NewLogMailer(logger.Logger)
		}
		limiter := review.NewRateLimiter(cfg.Reviews.MaxCallsPerMinute)
		generator := review.NewTemplateGenerator()

		registry := queue.NewRegistry()
		registry.Register(review.NewTransactionHandler(
			ledgerStore, reviewStore, notifier, q, generator, limiter,
			cfg.Reviews.Model, cfg.Reviews.Timeout(), logger.Logger))
		registry.Register(review.NewExpenseHandler(
			ledgerStore, reviewStore, generator, limiter,
			cfg.Reviews.Model, cfg.Reviews.Timeout(), logger.Logger))
		registry.Register(mail.NewHandler(database, notifier, mailer, cfg.Mail.From, logger.Logger))

		pool := queue.NewWorkerPool(ctx, q, registry, queue.WorkerPoolConfig{
			Workers:      cfg.Worker.Workers,
			PollInterval: cfg.Worker.PollInterval(),
			JobTimeout:   cfg.Worker.JobTimeout(),
			BackoffBase:  cfg.Worker.BackoffBase(),
		}, logger.Logger)
		pool.Start()

		selector := scan.NewSelector(database)
		sweeper := sweep.NewSweeper(selector, ledgerStore, q, sweep.Config{
			BatchSize: cfg.Sweep.BatchSize,
			MaxPages:  cfg.Sweep.MaxPages,
		}, logger.Logger)

		// Fixed-interval mode takes precedence over cron when configured.
		var stopSchedule func()
		var scheduleDesc string
		if interval := cfg.Sweep.Interval(); interval > 0 {
			ticker := sweep.NewTicker(sweeper, interval, logger.Logger)
			ticker.Start(ctx)
			stopSchedule = ticker.Stop
			scheduleDesc = fmt.Sprintf("every %s", interval)
		} else {
			trigger := sweep.NewTrigger(sweeper, cfg.Sweep.Cron, logger.Logger)
			if err := trigger.Start(ctx); err != nil {
				pool.Stop()
				return err
			}
			stopSchedule = trigger.Stop
			scheduleDesc = fmt.Sprintf("%s (next %s)", cfg.Sweep.Cron, trigger.Next().Format("2006-01-02 15:04:05 MST"))
		}

		reaper := sweep.NewReaper(ledgerStore, cfg.Sweep.StaleAfter(), cfg.Sweep.ReaperInterval(), logger.Logger)
		go reaper.Run(ctx)

		fmt.Println("spendsweep daemon started")
		fmt.Printf("  Database: %s\n", cfg.Database.Path)
		fmt.Printf("  Workers: %d\n", cfg.Worker.Workers)
		fmt.Printf("  Sweep schedule: %s\n", scheduleDesc)
		fmt.Printf("  Handlers: %v\n", registry.Names())
		fmt.Println("\nPress Ctrl+C for graceful shutdown")

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan

		fmt.Println("\nShutting down...")

		// Reverse order of startup: stop taking new sweeps, then drain workers
		stopSchedule()
		pool.Stop()
		cancel()

		fmt.Println("spendsweep daemon stopped")
		return nil
	},
}

func init() {
	DaemonCmd.Flags().Int("workers", 0, "Override configured worker count")
}
