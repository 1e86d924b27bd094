package notify

import (
	"fmt"
	"net/smtp"
	"strings"

	"github.com/zonegate/zonegate/internal/config"
)

// SMTPSender delivers messages over plain SMTP with optional AUTH.
type SMTPSender struct {
	cfg config.SMTPConfig
}

// NewSMTPSender builds a sender from the notification transport config.
func NewSMTPSender(cfg config.SMTPConfig) *SMTPSender {
	return &SMTPSender{cfg: cfg}
}

// Send delivers one message. Blocking; called only from queue workers.
func (s *SMTPSender) Send(msg Message) error {
	var auth smtp.Auth
	if s.cfg.Username != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}

	var body strings.Builder
	fmt.Fprintf(&body, "From: %s\r\n", s.cfg.From)
	fmt.Fprintf(&body, "To: %s\r\n", strings.Join(msg.To, ", "))
	fmt.Fprintf(&body, "Subject: %s\r\n", msg.Subject)
	body.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")
	body.WriteString(msg.Body)

	if err := smtp.SendMail(s.cfg.Addr(), auth, s.cfg.From, msg.To, []byte(body.String())); err != nil {
		return fmt.Errorf("smtp send to %s: %w", strings.Join(msg.To, ","), err)
	}
	return nil
}
