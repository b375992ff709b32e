package notification

import (
	"fmt"
	"net/smtp"
	"strings"

	"NetSentry/internal/config"
	"NetSentry/internal/model"
)

// EmailNotifier implements the Notifier contract over an SMTP relay.
type EmailNotifier struct {
	cfg  config.EmailConfig
	auth smtp.Auth
}

// NewEmailNotifier creates a notifier for the configured relay.
func NewEmailNotifier(cfg config.EmailConfig) model.Notifier {
	// PlainAuth will not send credentials until the server identifies itself as a trusted one.
	auth := smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	return &EmailNotifier{cfg: cfg, auth: auth}
}

// Send delivers one message to the configured recipients.
func (n *EmailNotifier) Send(subject, body string) error {
	addr := fmt.Sprintf("%s:%d", n.cfg.Host, n.cfg.Port)
	recipients := strings.Split(n.cfg.To, ",")

	msg := []byte("To: " + n.cfg.To + "\r\n" +
		"From: " + n.cfg.From + "\r\n" +
		"Subject: " + subject + "\r\n" +
		"Content-Type: text/plain; charset=UTF-8\r\n" +
		"\r\n" +
		body)

	if err := smtp.SendMail(addr, n.auth, n.cfg.From, recipients, msg); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	return nil
}
