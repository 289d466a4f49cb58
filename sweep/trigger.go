package sweep

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/spendsweep/spendsweep/errors"
	"github.com/spendsweep/spendsweep/ledger"
)

// Trigger runs sweeps on a cron schedule. Each firing sweeps the month
// containing the current time, so a run that fires shortly after midnight on
// the first of a month targets the new month.
type Trigger struct {
	sweeper *Sweeper
	spec    string
	cron    *cron.Cron
	entryID cron.EntryID
	log     *zap.SugaredLogger
}

// NewTrigger creates a trigger that fires s.RunForAllUsers on the given cron
// spec (standard five-field syntax, e.g. "0 6 * * *").
func NewTrigger(s *Sweeper, spec string, log *zap.SugaredLogger) *Trigger {
	return &Trigger{
		sweeper: s,
		spec:    spec,
		log:     log.Named("trigger"),
	}
}

// Start validates the spec and begins scheduling. The provided context bounds
// every triggered sweep; cancelling it does not stop the schedule, call Stop
// for that.
func (t *Trigger) Start(ctx context.Context) error {
	if t.cron != nil {
		return errors.New("trigger already started")
	}

	c := cron.New()
	id, err := c.AddFunc(t.spec, func() {
		t.fire(ctx)
	})
	if err != nil {
		return errors.Wrapf(err, "invalid sweep cron spec %q", t.spec)
	}

	t.cron = c
	t.entryID = id
	c.Start()

	t.log.Infow("Sweep schedule started", "spec", t.spec, "next", c.Entry(id).Next)
	return nil
}

// Stop halts the schedule and waits for an in-flight sweep to finish.
func (t *Trigger) Stop() {
	if t.cron == nil {
		return
	}
	stopCtx := t.cron.Stop()
	<-stopCtx.Done()
	t.cron = nil
	t.log.Info("Sweep schedule stopped")
}

// Next reports when the schedule will fire again. Zero when not started.
func (t *Trigger) Next() time.Time {
	if t.cron == nil {
		return time.Time{}
	}
	return t.cron.Entry(t.entryID).Next
}

func (t *Trigger) fire(ctx context.Context) {
	period := ledger.MonthOf(time.Now().UTC())

	result, err := t.sweeper.RunForAllUsers(ctx, period)
	if err != nil {
		t.log.Errorw("Scheduled sweep failed", "period", period, "error", err)
		return
	}
	t.log.Infow("Scheduled sweep completed",
		"period", period,
		"processed", result.TotalProcessed,
		"skipped", result.TotalSkipped,
		"failed", result.TotalFailed)
}
