package notify

import (
	"context"
	"database/sql"

	"github.com/spendsweep/spendsweep/errors"
)

// Store handles persistence of notifications
type Store struct {
	db *sql.DB
}

// NewStore creates a new notification store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const notificationColumns = `id, dedupe_key, type, severity, resource_type, resource_id, period, title, body, read, created_at`

// CreateIfAbsent inserts the notification unless an unread record with the
// same dedupe key already exists, in which case the existing record is
// returned untouched and created is false.
//
// The insert-or-ignore runs as one statement against the partial unique
// index on (dedupe_key) WHERE read = 0, so concurrent workers racing on the
// same event produce exactly one record - never two reads and one write.
func (s *Store) CreateIfAbsent(ctx context.Context, n *Notification) (created bool, rec *Notification, err error) {
	query := `
		INSERT INTO notifications (` + notificationColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (dedupe_key) WHERE read = 0 DO NOTHING`

	result, err := s.db.ExecContext(ctx, query,
		n.ID, n.DedupeKey, n.Type, n.Severity,
		n.ResourceType, n.ResourceID, n.Period,
		n.Title, n.Body, n.Read, n.CreatedAt,
	)
	if err != nil {
		return false, nil, errors.Wrapf(err, "failed to create notification %s", n.DedupeKey)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, nil, errors.Wrap(err, "failed to get rows affected")
	}

	if affected > 0 {
		return true, n, nil
	}

	existing, err := s.FindUnreadByDedupeKey(ctx, n.DedupeKey)
	if err != nil {
		return false, nil, err
	}
	return false, existing, nil
}

// FindUnreadByDedupeKey returns the unread notification for a dedupe key,
// or ErrNotFound.
func (s *Store) FindUnreadByDedupeKey(ctx context.Context, dedupeKey string) (*Notification, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+notificationColumns+` FROM notifications WHERE dedupe_key = ? AND read = 0`,
		dedupeKey)

	n, err := scanNotification(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("no unread notification for key %s", dedupeKey)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to find notification %s", dedupeKey)
	}
	return n, nil
}

// Get retrieves a notification by ID
func (s *Store) Get(ctx context.Context, id string) (*Notification, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+notificationColumns+` FROM notifications WHERE id = ?`, id)

	n, err := scanNotification(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("notification not found: %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get notification %s", id)
	}
	return n, nil
}

// MarkRead marks a notification as read, releasing its dedupe slot so a
// future trigger of the same event can notify again.
func (s *Store) MarkRead(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET read = 1 WHERE id = ?`, id)
	if err != nil {
		return errors.Wrapf(err, "failed to mark notification %s read", id)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if affected == 0 {
		return errors.NewNotFoundError("notification not found: %s", id)
	}
	return nil
}

// ListUnread returns unread notifications, newest first.
func (s *Store) ListUnread(ctx context.Context, limit int) ([]*Notification, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+notificationColumns+` FROM notifications WHERE read = 0 ORDER BY created_at DESC LIMIT ?`,
		limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list unread notifications")
	}
	defer rows.Close()

	var notifications []*Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan notification")
		}
		notifications = append(notifications, n)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating notifications")
	}
	return notifications, nil
}

// scanner matches both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanNotification(sc scanner) (*Notification, error) {
	var n Notification
	err := sc.Scan(
		&n.ID,
		&n.DedupeKey,
		&n.Type,
		&n.Severity,
		&n.ResourceType,
		&n.ResourceID,
		&n.Period,
		&n.Title,
		&n.Body,
		&n.Read,
		&n.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &n, nil
}
