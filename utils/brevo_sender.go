package utils

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/valyala/fasthttp"
)

const defaultBrevoBaseURL = "https://api.brevo.com/v3"

// BrevoSender delivers through the Brevo transactional email API.
type BrevoSender struct {
	apiKey  string
	baseURL string
	client  *fasthttp.Client
	timeout time.Duration
}

func NewBrevoSender(apiKey, baseURL string) *BrevoSender {
	if baseURL == "" {
		baseURL = defaultBrevoBaseURL
	}
	return &BrevoSender{
		apiKey:  apiKey,
		baseURL: baseURL,
		client: &fasthttp.Client{
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		timeout: 30 * time.Second,
	}
}

func (s *BrevoSender) Name() string { return "brevo" }

type brevoAddress struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type brevoRequest struct {
	Sender      brevoAddress      `json:"sender"`
	To          []brevoAddress    `json:"to"`
	Subject     string            `json:"subject"`
	HTMLContent string            `json:"htmlContent,omitempty"`
	TextContent string            `json:"textContent,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
}

type brevoResponse struct {
	MessageID string `json:"messageId"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

func (s *BrevoSender) Send(ctx context.Context, email OutboundEmail) (*SendResult, error) {
	payload, err := json.Marshal(brevoRequest{
		Sender:      brevoAddress{Email: email.FromEmail, Name: email.FromName},
		To:          []brevoAddress{{Email: email.To, Name: email.ToName}},
		Subject:     email.Subject,
		HTMLContent: email.HTMLBody,
		TextContent: email.TextBody,
		Headers:     threadingHeaders(email),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode brevo request: %w", err)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(s.baseURL + "/smtp/email")
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("api-key", s.apiKey)
	req.SetBody(payload)

	timeout := s.timeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	if err := s.client.DoTimeout(req, resp, timeout); err != nil {
		return nil, fmt.Errorf("brevo request failed: %w", err)
	}

	var body brevoResponse
	_ = json.Unmarshal(resp.Body(), &body)

	if resp.StatusCode() >= 400 {
		return nil, fmt.Errorf("brevo returned error status %d: %s %s", resp.StatusCode(), body.Code, body.Message)
	}
	if body.MessageID == "" {
		return nil, fmt.Errorf("brevo response carried no messageId")
	}

	return &SendResult{
		ProviderMessageID: StripID(body.MessageID),
		ThreadMessageID:   email.CorrelationID,
	}, nil
}
