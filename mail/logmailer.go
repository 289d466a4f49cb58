package mail

import (
	"context"

	"go.uber.org/zap"
)

// LogMailer writes messages to the log instead of sending them. Used when
// outbound mail is disabled in config.
type LogMailer struct {
	log *zap.SugaredLogger
}

// NewLogMailer creates a mailer that only logs
func NewLogMailer(log *zap.SugaredLogger) *LogMailer {
	return &LogMailer{log: log.Named("mail")}
}

// Send implements Mailer
func (m *LogMailer) Send(ctx context.Context, msg Message) error {
	m.log.Infow("Mail delivery disabled, logging message instead",
		"to", msg.To,
		"subject", msg.Subject)
	return nil
}
