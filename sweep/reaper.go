package sweep

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/spendsweep/spendsweep/ledger"
)

// Reaper periodically surfaces runs stuck in processing. It only reports;
// deciding whether a stale run is a crashed worker or a very slow job needs
// an operator, so recovery stays manual.
type Reaper struct {
	ledger     *ledger.Store
	staleAfter time.Duration
	interval   time.Duration
	log        *zap.SugaredLogger
}

// NewReaper creates a reaper that checks every interval for runs stuck in
// processing longer than staleAfter.
func NewReaper(ledgerStore *ledger.Store, staleAfter, interval time.Duration, log *zap.SugaredLogger) *Reaper {
	return &Reaper{
		ledger:     ledgerStore,
		staleAfter: staleAfter,
		interval:   interval,
		log:        log.Named("reaper"),
	}
}

// Run blocks until ctx is cancelled, scanning on each tick.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.log.Infow("Stale run reaper started", "stale_after", r.staleAfter, "interval", r.interval)

	for {
		select {
		case <-ctx.Done():
			r.log.Info("Stale run reaper stopped")
			return
		case <-ticker.C:
			r.scan(ctx)
		}
	}
}

// Scan performs a single stale check and returns what it found.
func (r *Reaper) Scan(ctx context.Context) ([]*ledger.Run, error) {
	return r.ledger.FindStale(ctx, time.Now().UTC().Add(-r.staleAfter))
}

func (r *Reaper) scan(ctx context.Context) {
	stale, err := r.Scan(ctx)
	if err != nil {
		r.log.Errorw("Stale run scan failed", "error", err)
		return
	}
	for _, run := range stale {
		r.log.Warnw("Run stuck in processing",
			"run_id", run.ID,
			"user_id", run.UserID,
			"period", run.Period,
			"updated_at", run.UpdatedAt,
			"stale_for", time.Since(run.UpdatedAt).Round(time.Second))
	}
}
