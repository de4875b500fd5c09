package utils

import (
	"context"

	"github.com/sirupsen/logrus"
)

// LogSender only logs messages. Used in development when no provider is configured.
type LogSender struct{}

func NewLogSender() *LogSender {
	logrus.Warn("⚠️  Email provider in console-only mode (set EMAIL_PROVIDER for production)")
	return &LogSender{}
}

func (s *LogSender) Name() string { return "log" }

func (s *LogSender) Send(ctx context.Context, email OutboundEmail) (*SendResult, error) {
	logrus.WithFields(logrus.Fields{
		"to":          email.To,
		"from":        email.FromEmail,
		"subject":     email.Subject,
		"message_id":  email.CorrelationID,
		"in_reply_to": email.InReplyTo,
	}).Info("📧 Email NOT sent (development mode)")

	return &SendResult{
		ProviderMessageID: email.CorrelationID,
		ThreadMessageID:   email.CorrelationID,
	}, nil
}
