// internal/notify/mailer.go
package notify

import (
	"fmt"
	"net/smtp"
	"strings"
)

// Mailer is the notification transport. No retry logic lives here;
// the dispatcher sweeps again on failure.
type Mailer interface {
	Send(recipient, subject, body string) error
}

// SMTPMailer delivers through a plain SMTP relay without auth, the
// usual setup for an institutional mail host on the local network.
type SMTPMailer struct {
	Addr string
	From string
}

func NewSMTPMailer(addr, from string) *SMTPMailer {
	return &SMTPMailer{Addr: addr, From: from}
}

func (m *SMTPMailer) Send(recipient, subject, body string) error {
	msg := strings.Join([]string{
		"From: " + m.From,
		"To: " + recipient,
		"Subject: " + subject,
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=utf-8",
		"",
		body,
	}, "\r\n")

	if err := smtp.SendMail(m.Addr, nil, m.From, []string{recipient}, []byte(msg)); err != nil {
		return fmt.Errorf("failed to send mail to %s: %w", recipient, err)
	}
	return nil
}
