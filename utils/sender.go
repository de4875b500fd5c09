package utils

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// OutboundEmail is everything a provider needs to deliver one message.
type OutboundEmail struct {
	To        string
	ToName    string
	Subject   string
	HTMLBody  string
	TextBody  string
	FromEmail string
	FromName  string

	// CorrelationID is our RFC 5322 Message-ID, without angle brackets.
	CorrelationID string
	InReplyTo     string
	References    []string
}

// SendResult carries the identifiers a provider assigned to a message.
type SendResult struct {
	ProviderMessageID string
	ThreadMessageID   string
}

// Sender is the outbound send capability. Send must not return until the
// provider accepted or rejected the message.
type Sender interface {
	Send(ctx context.Context, email OutboundEmail) (*SendResult, error)
	Name() string
}

// SenderOptions configures NewSender.
type SenderOptions struct {
	Provider       string
	SMTPHost       string
	SMTPPort       int
	SMTPUsername   string
	SMTPPassword   string
	SendGridAPIKey string
	BrevoAPIKey    string
	BrevoBaseURL   string
}

// NewSender builds the provider selected by opts.Provider.
func NewSender(opts SenderOptions) (Sender, error) {
	switch strings.ToLower(opts.Provider) {
	case "smtp":
		if opts.SMTPHost == "" {
			return nil, fmt.Errorf("SMTP_HOST is required for the smtp provider")
		}
		return NewSMTPSender(opts.SMTPHost, opts.SMTPPort, opts.SMTPUsername, opts.SMTPPassword), nil
	case "sendgrid":
		if opts.SendGridAPIKey == "" {
			return nil, fmt.Errorf("SENDGRID_API_KEY is required for the sendgrid provider")
		}
		return NewSendGridSender(opts.SendGridAPIKey), nil
	case "brevo":
		if opts.BrevoAPIKey == "" {
			return nil, fmt.Errorf("BREVO_API_KEY is required for the brevo provider")
		}
		return NewBrevoSender(opts.BrevoAPIKey, opts.BrevoBaseURL), nil
	case "", "log":
		return NewLogSender(), nil
	default:
		return nil, fmt.Errorf("unknown email provider %q", opts.Provider)
	}
}

// NewMessageID returns a globally unique Message-ID local@domain.
func NewMessageID(domain string) string {
	if domain == "" {
		domain = "localhost"
	}
	return uuid.New().String() + "@" + domain
}

// BracketID wraps a message id in angle brackets for mail headers.
func BracketID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" || strings.HasPrefix(id, "<") {
		return id
	}
	return "<" + id + ">"
}

// StripID removes surrounding angle brackets and whitespace from a message id.
func StripID(id string) string {
	return strings.Trim(strings.TrimSpace(id), "<>")
}

func threadingHeaders(email OutboundEmail) map[string]string {
	headers := map[string]string{}
	if email.CorrelationID != "" {
		headers["Message-ID"] = BracketID(email.CorrelationID)
	}
	if email.InReplyTo != "" {
		headers["In-Reply-To"] = BracketID(email.InReplyTo)
	}
	if len(email.References) > 0 {
		refs := make([]string, 0, len(email.References))
		for _, r := range email.References {
			if r != "" {
				refs = append(refs, BracketID(r))
			}
		}
		if len(refs) > 0 {
			headers["References"] = strings.Join(refs, " ")
		}
	}
	return headers
}
