package review

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/spendsweep/spendsweep/errors"
	"github.com/spendsweep/spendsweep/ledger"
)

// TransactionReview is a generated per-period review with its derived items.
type TransactionReview struct {
	ID        string
	UserID    string
	Period    ledger.Period
	Summary   string
	Model     string
	Items     []Item
	CreatedAt time.Time
}

// ExpenseReview is the simpler per-period expense summary.
type ExpenseReview struct {
	ID        string
	UserID    string
	Period    ledger.Period
	Summary   string
	Model     string
	CreatedAt time.Time
}

// Store persists generated reviews
type Store struct {
	db *sql.DB
}

// NewStore creates a new review store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// SaveTransactionReview persists a review and its items in one transaction.
// Partial writes from a crashed worker never surface: either the review and
// all its items commit together or nothing does.
func (s *Store) SaveTransactionReview(ctx context.Context, userID string, period ledger.Period, model string, out *Output) (*TransactionReview, error) {
	now := time.Now().UTC()
	rev := &TransactionReview{
		ID:        uuid.NewString(),
		UserID:    userID,
		Period:    period,
		Summary:   out.Summary,
		Model:     model,
		Items:     out.Items,
		CreatedAt: now,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin review transaction")
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO transaction_reviews (id, user_id, period_start, period_end, summary, model, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rev.ID, rev.UserID, period.Start, period.End, rev.Summary, rev.Model, rev.CreatedAt)
	if err != nil {
		return nil, errors.Wrap(err, "failed to insert transaction review")
	}

	for _, item := range rev.Items {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO transaction_review_items (id, review_id, merchant, category, amount_cents, note)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			uuid.NewString(), rev.ID, item.Merchant, item.Category, item.AmountCents, item.Note)
		if err != nil {
			return nil, errors.Wrap(err, "failed to insert transaction review item")
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit transaction review")
	}
	return rev, nil
}

// SaveExpenseReview persists an expense review.
func (s *Store) SaveExpenseReview(ctx context.Context, userID string, period ledger.Period, model string, out *Output) (*ExpenseReview, error) {
	now := time.Now().UTC()
	rev := &ExpenseReview{
		ID:        uuid.NewString(),
		UserID:    userID,
		Period:    period,
		Summary:   out.Summary,
		Model:     model,
		CreatedAt: now,
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO expense_reviews (id, user_id, period_start, period_end, summary, model, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rev.ID, rev.UserID, period.Start, period.End, rev.Summary, rev.Model, rev.CreatedAt)
	if err != nil {
		return nil, errors.Wrap(err, "failed to insert expense review")
	}
	return rev, nil
}

// GetTransactionReview loads a review with its items.
func (s *Store) GetTransactionReview(ctx context.Context, id string) (*TransactionReview, error) {
	var rev TransactionReview
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, period_start, period_end, summary, model, created_at
		 FROM transaction_reviews WHERE id = ?`, id)
	err := row.Scan(&rev.ID, &rev.UserID, &rev.Period.Start, &rev.Period.End, &rev.Summary, &rev.Model, &rev.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("transaction review not found: %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get transaction review %s", id)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT merchant, category, amount_cents, note
		 FROM transaction_review_items WHERE review_id = ? ORDER BY id`, id)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query review items")
	}
	defer rows.Close()

	for rows.Next() {
		var item Item
		if err := rows.Scan(&item.Merchant, &item.Category, &item.AmountCents, &item.Note); err != nil {
			return nil, errors.Wrap(err, "failed to scan review item")
		}
		rev.Items = append(rev.Items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating review items")
	}
	return &rev, nil
}

// FindTransactionReviewForPeriod returns the user's transaction review for
// the period, without its items. Used by handlers to detect work persisted by
// an interrupted earlier delivery.
func (s *Store) FindTransactionReviewForPeriod(ctx context.Context, userID string, period ledger.Period) (*TransactionReview, error) {
	var rev TransactionReview
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, period_start, period_end, summary, model, created_at
		 FROM transaction_reviews WHERE user_id = ? AND period_start = ? AND period_end = ?
		 ORDER BY created_at LIMIT 1`,
		userID, period.Start, period.End)
	err := row.Scan(&rev.ID, &rev.UserID, &rev.Period.Start, &rev.Period.End, &rev.Summary, &rev.Model, &rev.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("no transaction review for user %s in period %s", userID, period)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to find transaction review for user %s", userID)
	}
	return &rev, nil
}

// FindExpenseReviewForPeriod returns the user's expense review for the period.
func (s *Store) FindExpenseReviewForPeriod(ctx context.Context, userID string, period ledger.Period) (*ExpenseReview, error) {
	var rev ExpenseReview
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, period_start, period_end, summary, model, created_at
		 FROM expense_reviews WHERE user_id = ? AND period_start = ? AND period_end = ?
		 ORDER BY created_at LIMIT 1`,
		userID, period.Start, period.End)
	err := row.Scan(&rev.ID, &rev.UserID, &rev.Period.Start, &rev.Period.End, &rev.Summary, &rev.Model, &rev.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("no expense review for user %s in period %s", userID, period)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to find expense review for user %s", userID)
	}
	return &rev, nil
}

// CountForUserPeriod returns how many transaction reviews exist for the user
// and period. Used by tests and operator tooling to verify idempotence.
func (s *Store) CountForUserPeriod(ctx context.Context, userID string, period ledger.Period) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM transaction_reviews WHERE user_id = ? AND period_start = ? AND period_end = ?`,
		userID, period.Start, period.End).Scan(&count)
	if err != nil {
		return 0, errors.Wrap(err, "failed to count reviews")
	}
	return count, nil
}
