package sweep

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/spendsweep/spendsweep/ledger"
)

// Ticker runs sweeps on a fixed interval instead of a cron schedule. Useful
// for deployments without a cron expression and for exercising the sweep loop
// in tests.
type Ticker struct {
	sweeper  *Sweeper
	interval time.Duration
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	log      *zap.SugaredLogger
}

// NewTicker creates a ticker that fires s.RunForAllUsers every interval.
func NewTicker(s *Sweeper, interval time.Duration, log *zap.SugaredLogger) *Ticker {
	return &Ticker{
		sweeper:  s,
		interval: interval,
		log:      log.Named("ticker"),
	}
}

// Start begins the tick loop. The first sweep fires after one full interval.
func (t *Ticker) Start(ctx context.Context) {
	tickCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel

	t.wg.Add(1)
	go t.run(tickCtx)
	t.log.Infow("Sweep ticker started", "interval", t.interval)
}

// Stop halts the loop and waits for an in-flight sweep to finish.
func (t *Ticker) Stop() {
	if t.cancel == nil {
		return
	}
	t.cancel()
	t.wg.Wait()
	t.cancel = nil
	t.log.Info("Sweep ticker stopped")
}

func (t *Ticker) run(ctx context.Context) {
	defer t.wg.Done()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			period := ledger.MonthOf(now.UTC())
			result, err := t.sweeper.RunForAllUsers(ctx, period)
			if err != nil {
				t.log.Warnw("Interval sweep failed", "period", period, "error", err)
				continue
			}
			t.log.Infow("Interval sweep completed",
				"period", period,
				"processed", result.TotalProcessed,
				"skipped", result.TotalSkipped,
				"failed", result.TotalFailed)
		}
	}
}
