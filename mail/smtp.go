package mail

import (
	"context"

	"go.uber.org/zap"
	"gopkg.in/gomail.v2"

	"github.com/spendsweep/spendsweep/errors"
)

// SMTPMailer delivers messages through an SMTP relay.
type SMTPMailer struct {
	dialer *gomail.Dialer
	log    *zap.SugaredLogger
}

// NewSMTPMailer creates a mailer that dials the given relay for each send.
// Username and password may be empty for an unauthenticated relay.
func NewSMTPMailer(host string, port int, username, password string, log *zap.SugaredLogger) *SMTPMailer {
	return &SMTPMailer{
		dialer: gomail.NewDialer(host, port, username, password),
		log:    log.Named("mail.smtp"),
	}
}

// Send implements Mailer. The dial itself is not cancellable mid-flight, so
// an expired context is honored before connecting.
func (m *SMTPMailer) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	gm := gomail.NewMessage()
	gm.SetHeader("From", msg.From)
	gm.SetHeader("To", msg.To)
	gm.SetHeader("Subject", msg.Subject)
	gm.SetBody("text/plain", msg.Body)

	if err := m.dialer.DialAndSend(gm); err != nil {
		return errors.Wrapf(err, "smtp delivery to %s failed", msg.To)
	}

	m.log.Debugw("Mail delivered", "to", msg.To, "subject", msg.Subject)
	return nil
}
