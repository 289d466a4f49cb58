package ledger

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/spendsweep/spendsweep/errors"
)

// Store handles persistence of analysis runs
type Store struct {
	db *sql.DB
}

// NewStore creates a new analysis run store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const runColumns = `id, user_id, period_start, period_end, status, attempt_count, last_error, created_at, updated_at`

// StartOrSkip atomically claims the run for (userID, period).
//
// Exactly one of three things happens, decided by the storage engine under
// the (user_id, period_start, period_end) unique constraint:
//   - no row exists: a new row is inserted already in processing with
//     attempt_count=1 and returned;
//   - a pending or failed row exists: it is flipped to processing with
//     attempt_count incremented and returned (last_error is retained until
//     the next MarkFailed overwrites it);
//   - a processing or completed row exists: nothing is mutated and
//     (nil, nil) is returned. A nil run is routine control flow meaning
//     "already claimed", not an error.
//
// The conditional upsert is a single statement. A read-then-write would admit
// a race where two orchestrators both observe pending and both claim.
func (s *Store) StartOrSkip(ctx context.Context, userID string, period Period) (*Run, error) {
	now := time.Now().UTC()

	query := `
		INSERT INTO analysis_runs (
			id, user_id, period_start, period_end,
			status, attempt_count, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT (user_id, period_start, period_end) DO UPDATE SET
			status = ?,
			attempt_count = attempt_count + 1,
			updated_at = excluded.updated_at
		WHERE analysis_runs.status IN (?, ?)
		RETURNING ` + runColumns

	row := s.db.QueryRowContext(ctx, query,
		uuid.NewString(), userID, period.Start, period.End,
		StatusProcessing, now, now,
		StatusProcessing,
		StatusPending, StatusFailed,
	)

	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil // Already claimed or completed - skip
	}
	if err != nil {
		err = errors.Wrap(err, "failed to claim analysis run")
		err = errors.WithDetailf(err, "User ID: %s", userID)
		err = errors.WithDetailf(err, "Period: %s", period)
		return nil, err
	}

	return run, nil
}

// MarkCompleted transitions a processing run to completed. Completed is
// terminal; any other current status is rejected with ErrInvalidStateTransition.
func (s *Store) MarkCompleted(ctx context.Context, runID string) error {
	return s.finish(ctx, runID, StatusCompleted, "")
}

// MarkFailed transitions a processing run to failed and records the error
// message, making the run claimable again by a later sweep.
func (s *Store) MarkFailed(ctx context.Context, runID string, errorMessage string) error {
	return s.finish(ctx, runID, StatusFailed, errorMessage)
}

// finish performs the conditional terminal-ward update. The WHERE clause is
// the optimistic check: zero rows affected means the run was not processing.
func (s *Store) finish(ctx context.Context, runID string, target Status, errorMessage string) error {
	var result sql.Result
	var err error

	now := time.Now().UTC()
	if target == StatusFailed {
		result, err = s.db.ExecContext(ctx,
			`UPDATE analysis_runs SET status = ?, last_error = ?, updated_at = ? WHERE id = ? AND status = ?`,
			target, errorMessage, now, runID, StatusProcessing,
		)
	} else {
		result, err = s.db.ExecContext(ctx,
			`UPDATE analysis_runs SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
			target, now, runID, StatusProcessing,
		)
	}
	if err != nil {
		return errors.Wrapf(err, "failed to mark run %s as %s", runID, target)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if affected > 0 {
		return nil
	}

	// The guard rejected the write. Distinguish a missing run from a
	// forbidden transition for the caller's error message.
	current, err := s.Get(ctx, runID)
	if err != nil {
		return err
	}
	return errors.NewInvalidTransitionError(
		"cannot mark run %s as %s: current status is %s", runID, target, current.Status)
}

// Get retrieves a run by ID
func (s *Store) Get(ctx context.Context, runID string) (*Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM analysis_runs WHERE id = ?`, runID)

	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("analysis run not found: %s", runID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get run %s", runID)
	}
	return run, nil
}

// Find retrieves the run for (userID, period), or ErrNotFound.
func (s *Store) Find(ctx context.Context, userID string, period Period) (*Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM analysis_runs WHERE user_id = ? AND period_start = ? AND period_end = ?`,
		userID, period.Start, period.End)

	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("no analysis run for user %s in period %s", userID, period)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to find run for user %s", userID)
	}
	return run, nil
}

// FindStale returns processing runs whose updated_at is older than the
// cutoff. These suggest a worker died mid-job without reporting failure.
// Stale runs are surfaced to operators, not auto-healed: force-failing a run
// whose worker is merely slow would risk double-processing.
func (s *Store) FindStale(ctx context.Context, olderThan time.Time) ([]*Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM analysis_runs
		 WHERE status = ? AND updated_at < ?
		 ORDER BY updated_at ASC`,
		StatusProcessing, olderThan.UTC())
	if err != nil {
		return nil, errors.Wrap(err, "failed to query stale runs")
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan stale run")
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating stale runs")
	}
	return runs, nil
}

// scanner matches both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(sc scanner) (*Run, error) {
	var run Run
	var lastError sql.NullString
	err := sc.Scan(
		&run.ID,
		&run.UserID,
		&run.Period.Start,
		&run.Period.End,
		&run.Status,
		&run.AttemptCount,
		&lastError,
		&run.CreatedAt,
		&run.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if lastError.Valid {
		run.LastError = lastError.String
	}
	return &run, nil
}
