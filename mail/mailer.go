// Package mail delivers notification email through the outbound job family.
package mail

import (
	"context"
	"database/sql"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/spendsweep/spendsweep/errors"
	"github.com/spendsweep/spendsweep/notify"
	"github.com/spendsweep/spendsweep/queue"
	"github.com/spendsweep/spendsweep/review"
)

// Message is one outbound email.
type Message struct {
	From    string
	To      string
	Subject string
	Body    string
}

// Mailer is the opaque email collaborator (SMTP relay, provider API).
// Send failures are retried per the queue's backoff policy.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// Handler executes mail.send jobs: it loads the notification, resolves the
// recipient, and hands the message to the mailer. Sending the same
// notification twice after a redelivery is accepted; mail providers
// deduplicate poorly and a rare duplicate email is cheaper than losing one.
type Handler struct {
	db       *sql.DB
	notifier *notify.Store
	mailer   Mailer
	from     string
	log      *zap.SugaredLogger
}

// NewHandler wires the outbound mail handler.
func NewHandler(db *sql.DB, notifier *notify.Store, mailer Mailer, from string, log *zap.SugaredLogger) *Handler {
	return &Handler{
		db:       db,
		notifier: notifier,
		mailer:   mailer,
		from:     from,
		log:      log.Named("mail"),
	}
}

// Name implements queue.Handler
func (h *Handler) Name() string { return review.MailHandlerName }

// Execute implements queue.Handler
func (h *Handler) Execute(ctx context.Context, job *queue.Job) error {
	var payload review.MailPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return errors.Wrapf(err, "failed to decode mail payload for job %s", job.ID)
	}
	if payload.NotificationID == "" || payload.UserID == "" {
		return errors.Newf("job %s mail payload missing notification_id or user_id", job.ID)
	}

	notification, err := h.notifier.Get(ctx, payload.NotificationID)
	if err != nil {
		return err
	}

	var email string
	err = h.db.QueryRowContext(ctx,
		`SELECT email FROM users WHERE id = ?`, payload.UserID).Scan(&email)
	if errors.Is(err, sql.ErrNoRows) {
		return errors.NewNotFoundError("user not found for mail job: %s", payload.UserID)
	}
	if err != nil {
		return errors.Wrapf(err, "failed to resolve recipient for user %s", payload.UserID)
	}

	msg := Message{
		From:    h.from,
		To:      email,
		Subject: notification.Title,
		Body:    notification.Body,
	}
	if err := h.mailer.Send(ctx, msg); err != nil {
		return errors.Wrapf(err, "failed to send notification mail %s", notification.ID)
	}

	h.log.Infow("Notification mail sent",
		"notification_id", notification.ID,
		"user_id", payload.UserID)
	return nil
}
