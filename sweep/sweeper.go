// Package sweep drives full passes of the analysis pipeline over all users.
package sweep

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/spendsweep/spendsweep/errors"
	"github.com/spendsweep/spendsweep/ledger"
	"github.com/spendsweep/spendsweep/queue"
	"github.com/spendsweep/spendsweep/review"
	"github.com/spendsweep/spendsweep/scan"
)

// CandidateSource yields pages of users that may need a run for the period.
// The sweeper treats the source as advisory: the ledger claim is the only
// authority on whether a candidate actually gets processed. Sources are
// expected to stop reporting a user once that user's run is claimed or
// completed; MaxPages bounds the sweep against sources that don't.
type CandidateSource interface {
	FindUnprocessed(ctx context.Context, period ledger.Period, page scan.Page) ([]*scan.User, error)
}

// Enqueuer is the slice of the queue the sweeper needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, job *queue.Job) (*queue.Job, error)
}

// Result aggregates one sweep's counters.
type Result struct {
	TotalProcessed int `json:"total_processed"` // Claims that turned into enqueued jobs
	TotalSkipped   int `json:"total_skipped"`   // Null claims: already claimed or completed
	TotalFailed    int `json:"total_failed"`    // Claim or enqueue errors
	Pages          int `json:"pages"`           // Candidate pages consumed
}

// Config bounds one sweep.
type Config struct {
	BatchSize int // Candidate page size (default 200)
	MaxPages  int // Iteration guard against runaway pagination (default 500)
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		BatchSize: 200,
		MaxPages:  500,
	}
}

// Sweeper pages through candidate users for a period, claims each one's run,
// and enqueues generation jobs for successful claims.
type Sweeper struct {
	source   CandidateSource
	ledger   *ledger.Store
	enqueuer Enqueuer
	config   Config
	log      *zap.SugaredLogger
}

// NewSweeper creates a sweeper
func NewSweeper(source CandidateSource, ledgerStore *ledger.Store, enqueuer Enqueuer, cfg Config, log *zap.SugaredLogger) *Sweeper {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 500
	}
	return &Sweeper{
		source:   source,
		ledger:   ledgerStore,
		enqueuer: enqueuer,
		config:   cfg,
		log:      log.Named("sweep"),
	}
}

// RunForAllUsers performs one full sweep of the period across all users.
//
// The source's result set shrinks as the sweep claims candidates out of it,
// so the offset only advances past candidates that remain in the set after
// their outcome: failures, whose runs stay claimable and keep appearing at
// the front. Claimed and null-claimed candidates leave the set, and
// re-querying at the same offset lands on the next unseen candidate. The
// sweep ends on an empty page or at MaxPages, which bounds sources that keep
// reporting candidates the ledger refuses.
// Individual claim or enqueue failures are counted and the sweep continues;
// only a source error aborts, since without candidate pages there is
// nothing left to do.
func (s *Sweeper) RunForAllUsers(ctx context.Context, period ledger.Period) (*Result, error) {
	result := &Result{}

	s.log.Infow("Sweep starting", "period", period, "batch_size", s.config.BatchSize)

	skip := 0
	for page := 0; page < s.config.MaxPages; page++ {
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		default:
		}

		candidates, err := s.source.FindUnprocessed(ctx, period, scan.Page{
			Take: s.config.BatchSize,
			Skip: skip,
		})
		if err != nil {
			return result, errors.Wrap(err, "sweep aborted: candidate scan failed")
		}
		if len(candidates) == 0 {
			break
		}
		result.Pages++

		for _, candidate := range candidates {
			claimed, err := s.processCandidate(ctx, candidate, period)
			switch {
			case err != nil:
				result.TotalFailed++
				skip++
				s.log.Warnw("Sweep candidate failed",
					"user_id", candidate.ID,
					"period", period,
					"error", err)
			case claimed:
				result.TotalProcessed++
			default:
				result.TotalSkipped++
			}
		}
	}

	s.log.Infow("Sweep finished",
		"period", period,
		"processed", result.TotalProcessed,
		"skipped", result.TotalSkipped,
		"failed", result.TotalFailed,
		"pages", result.Pages)
	return result, nil
}

// processCandidate claims one user's run and enqueues its generation job.
// Returns (false, nil) when the run was already claimed or completed.
//
// Claiming and dispatch stay separate operations: if enqueueing fails after
// a successful claim, the run is marked failed rather than stranded in
// processing forever, which keeps it visible to the next sweep.
func (s *Sweeper) processCandidate(ctx context.Context, candidate *scan.User, period ledger.Period) (bool, error) {
	run, err := s.ledger.StartOrSkip(ctx, candidate.ID, period)
	if err != nil {
		return false, err
	}
	if run == nil {
		return false, nil // Already claimed - routine, not an error
	}

	payload, err := json.Marshal(review.Payload{
		RunID:       run.ID,
		UserID:      candidate.ID,
		PeriodStart: period.Start,
		PeriodEnd:   period.End,
	})
	if err != nil {
		s.releaseClaim(ctx, run, err)
		return false, errors.Wrap(err, "failed to marshal generation payload")
	}

	job, err := queue.NewJob(review.TransactionHandlerName, candidate.ID+":"+period.Key(), payload)
	if err != nil {
		s.releaseClaim(ctx, run, err)
		return false, err
	}

	if _, err := s.enqueuer.Enqueue(ctx, job); err != nil {
		s.releaseClaim(ctx, run, err)
		return false, errors.Wrapf(err, "failed to enqueue generation job for user %s", candidate.ID)
	}
	return true, nil
}

// releaseClaim marks a freshly claimed run failed so it becomes retryable
// after a dispatch error.
func (s *Sweeper) releaseClaim(ctx context.Context, run *ledger.Run, cause error) {
	if err := s.ledger.MarkFailed(ctx, run.ID, "enqueue failed: "+cause.Error()); err != nil {
		s.log.Errorw("Failed to release claim after enqueue error",
			"run_id", run.ID,
			"error", err)
	}
}
