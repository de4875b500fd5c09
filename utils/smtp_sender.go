package utils

import (
	"context"
	"fmt"

	"gopkg.in/gomail.v2"
)

// SMTPSender delivers through a plain SMTP relay.
type SMTPSender struct {
	dialer *gomail.Dialer
}

func NewSMTPSender(host string, port int, username, password string) *SMTPSender {
	return &SMTPSender{dialer: gomail.NewDialer(host, port, username, password)}
}

func (s *SMTPSender) Name() string { return "smtp" }

func (s *SMTPSender) Send(ctx context.Context, email OutboundEmail) (*SendResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m := gomail.NewMessage()
	m.SetAddressHeader("From", email.FromEmail, email.FromName)
	if email.ToName != "" {
		m.SetAddressHeader("To", email.To, email.ToName)
	} else {
		m.SetHeader("To", email.To)
	}
	m.SetHeader("Subject", email.Subject)
	for k, v := range threadingHeaders(email) {
		m.SetHeader(k, v)
	}

	if email.TextBody != "" {
		m.SetBody("text/plain", email.TextBody)
		if email.HTMLBody != "" {
			m.AddAlternative("text/html", email.HTMLBody)
		}
	} else {
		m.SetBody("text/html", email.HTMLBody)
	}

	if err := s.dialer.DialAndSend(m); err != nil {
		return nil, fmt.Errorf("smtp send to %s failed: %w", email.To, err)
	}

	// SMTP relays keep our Message-ID, so it doubles as the provider id.
	return &SendResult{
		ProviderMessageID: email.CorrelationID,
		ThreadMessageID:   email.CorrelationID,
	}, nil
}
