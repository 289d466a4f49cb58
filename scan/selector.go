// Package scan finds users whose current period still needs an analysis run.
package scan

import (
	"context"
	"database/sql"

	"github.com/spendsweep/spendsweep/errors"
	"github.com/spendsweep/spendsweep/ledger"
)

// User is the slim projection of a user row the orchestrator needs.
type User struct {
	ID          string
	Email       string
	DisplayName string
}

// Page describes a skip/take window over the candidate set.
type Page struct {
	Take int
	Skip int
}

// Selector produces the paginated set of users that require a run for a
// given period. Pure read; no mutation.
type Selector struct {
	db *sql.DB
}

// NewSelector creates a candidate selector
func NewSelector(db *sql.DB) *Selector {
	return &Selector{db: db}
}

// FindUnprocessed returns users with no run for the period, or a run whose
// status is pending or failed. Users with a completed or currently
// processing run are excluded. Ordering is by user id so that successive
// pages over a slowly-changing user set neither skip nor duplicate users.
func (s *Selector) FindUnprocessed(ctx context.Context, period ledger.Period, page Page) ([]*User, error) {
	if page.Take <= 0 {
		return nil, errors.Newf("page take must be positive, got %d", page.Take)
	}

	query := `
		SELECT u.id, u.email, u.display_name
		FROM users u
		LEFT JOIN analysis_runs r
			ON r.user_id = u.id
			AND r.period_start = ?
			AND r.period_end = ?
		WHERE r.id IS NULL OR r.status IN (?, ?)
		ORDER BY u.id
		LIMIT ? OFFSET ?`

	rows, err := s.db.QueryContext(ctx, query,
		period.Start, period.End,
		ledger.StatusPending, ledger.StatusFailed,
		page.Take, page.Skip,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query unprocessed users")
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Email, &u.DisplayName); err != nil {
			return nil, errors.Wrap(err, "failed to scan user")
		}
		users = append(users, &u)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating unprocessed users")
	}
	return users, nil
}
