package utils

import (
	"context"
	"fmt"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

// SendGridSender delivers through the SendGrid v3 mail API.
type SendGridSender struct {
	apiKey string
}

func NewSendGridSender(apiKey string) *SendGridSender {
	return &SendGridSender{apiKey: apiKey}
}

func (s *SendGridSender) Name() string { return "sendgrid" }

func (s *SendGridSender) Send(ctx context.Context, email OutboundEmail) (*SendResult, error) {
	from := mail.NewEmail(email.FromName, email.FromEmail)
	to := mail.NewEmail(email.ToName, email.To)

	message := mail.NewSingleEmail(from, email.Subject, to, email.TextBody, email.HTMLBody)
	for k, v := range threadingHeaders(email) {
		message.SetHeader(k, v)
	}
	// custom_args come back on every event webhook for correlation
	message.SetCustomArg("correlation_id", email.CorrelationID)

	client := sendgrid.NewSendClient(s.apiKey)
	response, err := client.SendWithContext(ctx, message)
	if err != nil {
		return nil, fmt.Errorf("sendgrid send to %s failed: %w", email.To, err)
	}
	if response.StatusCode >= 400 {
		return nil, fmt.Errorf("sendgrid returned error status %d: %s", response.StatusCode, response.Body)
	}

	providerID := email.CorrelationID
	if ids := response.Headers["X-Message-Id"]; len(ids) > 0 && ids[0] != "" {
		providerID = ids[0]
	}
	return &SendResult{
		ProviderMessageID: providerID,
		ThreadMessageID:   email.CorrelationID,
	}, nil
}
