package queue

import (
	"context"
	"database/sql"
	"time"

	"github.com/spendsweep/spendsweep/errors"
)

// Store handles persistence of queue jobs
type Store struct {
	db *sql.DB
}

// NewStore creates a new job store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const jobColumns = `id, handler_name, payload, source, status, attempts, max_attempts,
	next_attempt_at, error, created_at, started_at, completed_at, updated_at`

// CreateJob inserts a new job into the database
func (s *Store) CreateJob(ctx context.Context, job *Job) error {
	query := `
		INSERT INTO jobs (
			id, handler_name, payload, source, status,
			attempts, max_attempts, next_attempt_at,
			error, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	payload := sql.NullString{String: string(job.Payload), Valid: len(job.Payload) > 0}
	errMsg := sql.NullString{String: job.Error, Valid: job.Error != ""}

	_, err := s.db.ExecContext(ctx, query,
		job.ID,
		job.HandlerName,
		payload,
		job.Source,
		job.Status,
		job.Attempts,
		job.MaxAttempts,
		job.NextAttemptAt,
		errMsg,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return errors.Wrap(err, "failed to create job")
	}
	return nil
}

// GetJob retrieves a job by ID
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)

	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("job not found: %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get job")
	}
	return job, nil
}

// UpdateJob updates an existing job in the database
func (s *Store) UpdateJob(ctx context.Context, job *Job) error {
	query := `
		UPDATE jobs
		SET handler_name = ?,
		    payload = ?,
		    source = ?,
		    status = ?,
		    attempts = ?,
		    max_attempts = ?,
		    next_attempt_at = ?,
		    error = ?,
		    started_at = ?,
		    completed_at = ?,
		    updated_at = ?
		WHERE id = ?`

	payload := sql.NullString{String: string(job.Payload), Valid: len(job.Payload) > 0}
	errMsg := sql.NullString{String: job.Error, Valid: job.Error != ""}

	_, err := s.db.ExecContext(ctx, query,
		job.HandlerName,
		payload,
		job.Source,
		job.Status,
		job.Attempts,
		job.MaxAttempts,
		job.NextAttemptAt,
		errMsg,
		job.StartedAt,
		job.CompletedAt,
		job.UpdatedAt,
		job.ID,
	)
	if err != nil {
		return errors.Wrap(err, "failed to update job")
	}
	return nil
}

// ClaimNextDue atomically marks the oldest due queued job as running and
// returns it. Jobs whose next_attempt_at is in the future (backoff) are not
// due. Returns nil when no job is available.
//
// The claim is a single conditional update so that concurrent workers on the
// same database never take the same job.
func (s *Store) ClaimNextDue(ctx context.Context, now time.Time) (*Job, error) {
	query := `
		UPDATE jobs
		SET status = ?,
		    attempts = attempts + 1,
		    started_at = ?,
		    updated_at = ?
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = ? AND next_attempt_at <= ?
			ORDER BY next_attempt_at ASC, created_at ASC
			LIMIT 1
		)
		RETURNING ` + jobColumns

	now = now.UTC()
	row := s.db.QueryRowContext(ctx, query,
		JobStatusRunning, now, now,
		JobStatusQueued, now,
	)

	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil // Nothing due
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to claim next due job")
	}
	return job, nil
}

// ListJobs returns jobs, optionally filtered by status, newest first
func (s *Store) ListJobs(ctx context.Context, status *JobStatus, limit int) ([]*Job, error) {
	var query string
	var args []interface{}

	baseQuery := `SELECT ` + jobColumns + ` FROM jobs`
	if status != nil {
		query = baseQuery + ` WHERE status = ? ORDER BY created_at DESC LIMIT ?`
		args = []interface{}{*status, limit}
	} else {
		query = baseQuery + ` ORDER BY created_at DESC LIMIT ?`
		args = []interface{}{limit}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list jobs")
	}
	defer rows.Close()

	return scanJobs(rows, "jobs")
}

// ListActiveJobs returns all jobs that are currently queued or running
func (s *Store) ListActiveJobs(ctx context.Context, limit int) ([]*Job, error) {
	query := `SELECT ` + jobColumns + `
		FROM jobs
		WHERE status IN (?, ?)
		ORDER BY created_at DESC
		LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, JobStatusQueued, JobStatusRunning, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list active jobs")
	}
	defer rows.Close()

	return scanJobs(rows, "active jobs")
}

// ListRunningJobs returns jobs stuck in running state, oldest first.
// Used on startup to recover jobs orphaned by a crash.
func (s *Store) ListRunningJobs(ctx context.Context, limit int) ([]*Job, error) {
	query := `SELECT ` + jobColumns + `
		FROM jobs
		WHERE status = ?
		ORDER BY started_at ASC
		LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, JobStatusRunning, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list running jobs")
	}
	defer rows.Close()

	return scanJobs(rows, "running jobs")
}

// FindActiveBySourceAndHandler finds an active (queued or running) job for
// the same source and handler. Returns nil if none exists. This powers
// enqueue-time deduplication.
func (s *Store) FindActiveBySourceAndHandler(ctx context.Context, source, handlerName string) (*Job, error) {
	query := `SELECT ` + jobColumns + `
		FROM jobs
		WHERE source = ?
		  AND handler_name = ?
		  AND status IN (?, ?)
		ORDER BY created_at DESC
		LIMIT 1`

	row := s.db.QueryRowContext(ctx, query, source, handlerName, JobStatusQueued, JobStatusRunning)

	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil // No active job - not an error
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to find active job by source and handler")
	}
	return job, nil
}

// CleanupOldJobs removes completed/failed jobs older than the specified duration
func (s *Store) CleanupOldJobs(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)

	result, err := s.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE status IN (?, ?) AND updated_at < ?`,
		JobStatusCompleted, JobStatusFailed, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "failed to cleanup old jobs")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}
	return int(rows), nil
}

// scanJobs is a helper that scans multiple jobs from query rows
func scanJobs(rows *sql.Rows, context string) ([]*Job, error) {
	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan job")
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, "error iterating %s", context)
	}
	return jobs, nil
}

// scanner matches both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(sc scanner) (*Job, error) {
	var job Job
	var payload, errMsg sql.NullString
	var startedAt, completedAt sql.NullTime

	err := sc.Scan(
		&job.ID,
		&job.HandlerName,
		&payload,
		&job.Source,
		&job.Status,
		&job.Attempts,
		&job.MaxAttempts,
		&job.NextAttemptAt,
		&errMsg,
		&job.CreatedAt,
		&startedAt,
		&completedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if payload.Valid {
		job.Payload = []byte(payload.String)
	}
	if errMsg.Valid {
		job.Error = errMsg.String
	}
	if startedAt.Valid {
		job.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		job.CompletedAt = &completedAt.Time
	}
	return &job, nil
}
