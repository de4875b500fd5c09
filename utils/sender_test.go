package utils

import (
	"context"
	"encoding/json"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"
)

func TestNewSender(t *testing.T) {
	tests := []struct {
		opts    SenderOptions
		name    string
		wantErr bool
	}{
		{SenderOptions{}, "log", false},
		{SenderOptions{Provider: "LOG"}, "log", false},
		{SenderOptions{Provider: "smtp", SMTPHost: "smtp.test", SMTPPort: 587}, "smtp", false},
		{SenderOptions{Provider: "smtp"}, "", true},
		{SenderOptions{Provider: "sendgrid", SendGridAPIKey: "key"}, "sendgrid", false},
		{SenderOptions{Provider: "sendgrid"}, "", true},
		{SenderOptions{Provider: "brevo", BrevoAPIKey: "key"}, "brevo", false},
		{SenderOptions{Provider: "brevo"}, "", true},
		{SenderOptions{Provider: "pigeon"}, "", true},
	}
	for _, tt := range tests {
		sender, err := NewSender(tt.opts)
		if tt.wantErr {
			assert.Error(t, err, tt.opts.Provider)
			continue
		}
		require.NoError(t, err, tt.opts.Provider)
		assert.Equal(t, tt.name, sender.Name())
	}
}

func TestMessageIDs(t *testing.T) {
	id := NewMessageID("mail.test")
	assert.True(t, strings.HasSuffix(id, "@mail.test"))
	assert.NotEqual(t, id, NewMessageID("mail.test"))
	assert.True(t, strings.HasSuffix(NewMessageID(""), "@localhost"))

	assert.Equal(t, "<a@b>", BracketID("a@b"))
	assert.Equal(t, "<a@b>", BracketID("<a@b>"))
	assert.Equal(t, "", BracketID(" "))
	assert.Equal(t, "a@b", StripID(" <a@b> "))
}

func TestThreadingHeaders(t *testing.T) {
	headers := threadingHeaders(OutboundEmail{
		CorrelationID: "c@x",
		InReplyTo:     "b@x",
		References:    []string{"a@x", "", "b@x"},
	})
	assert.Equal(t, map[string]string{
		"Message-ID":  "<c@x>",
		"In-Reply-To": "<b@x>",
		"References":  "<a@x> <b@x>",
	}, headers)

	assert.Empty(t, threadingHeaders(OutboundEmail{}))
}

// newBrevoTestSender points a BrevoSender at an in-memory fasthttp server.
func newBrevoTestSender(t *testing.T, handler fasthttp.RequestHandler) *BrevoSender {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()
	server := &fasthttp.Server{Handler: handler}
	go func() { _ = server.Serve(ln) }()
	t.Cleanup(func() { _ = ln.Close() })

	return &BrevoSender{
		apiKey:  "test-key",
		baseURL: "http://brevo.test/v3",
		client: &fasthttp.Client{
			Dial: func(addr string) (net.Conn, error) { return ln.Dial() },
		},
		timeout: 5 * time.Second,
	}
}

func TestBrevoSender_Send(t *testing.T) {
	var got brevoRequest
	var apiKey, path string
	sender := newBrevoTestSender(t, func(ctx *fasthttp.RequestCtx) {
		apiKey = string(ctx.Request.Header.Peek("api-key"))
		path = string(ctx.Path())
		_ = json.Unmarshal(ctx.PostBody(), &got)
		ctx.SetStatusCode(fasthttp.StatusCreated)
		ctx.SetBodyString(`{"messageId":"<201@smtp-relay.test>"}`)
	})

	res, err := sender.Send(context.Background(), OutboundEmail{
		To:            "alice@x.com",
		ToName:        "Alice",
		Subject:       "Hello",
		HTMLBody:      "<p>Hi</p>",
		FromEmail:     "team@sender.test",
		FromName:      "Team",
		CorrelationID: "c1@sender.test",
		InReplyTo:     "c0@sender.test",
		References:    []string{"c0@sender.test"},
	})
	require.NoError(t, err)
	assert.Equal(t, "201@smtp-relay.test", res.ProviderMessageID)
	assert.Equal(t, "c1@sender.test", res.ThreadMessageID)

	assert.Equal(t, "test-key", apiKey)
	assert.Equal(t, "/v3/smtp/email", path)
	assert.Equal(t, "Hello", got.Subject)
	assert.Equal(t, []brevoAddress{{Email: "alice@x.com", Name: "Alice"}}, got.To)
	assert.Equal(t, "<c0@sender.test>", got.Headers["In-Reply-To"])
	assert.Equal(t, "<c1@sender.test>", got.Headers["Message-ID"])
}

func TestBrevoSender_Errors(t *testing.T) {
	t.Run("error status", func(t *testing.T) {
		sender := newBrevoTestSender(t, func(ctx *fasthttp.RequestCtx) {
			ctx.SetStatusCode(fasthttp.StatusBadRequest)
			ctx.SetBodyString(`{"code":"invalid_parameter","message":"sender not verified"}`)
		})
		_, err := sender.Send(context.Background(), OutboundEmail{To: "a@x.com"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "sender not verified")
	})

	t.Run("missing message id", func(t *testing.T) {
		sender := newBrevoTestSender(t, func(ctx *fasthttp.RequestCtx) {
			ctx.SetStatusCode(fasthttp.StatusCreated)
			ctx.SetBodyString(`{}`)
		})
		_, err := sender.Send(context.Background(), OutboundEmail{To: "a@x.com"})
		assert.Error(t, err)
	})
}

func TestLogSender(t *testing.T) {
	res, err := NewLogSender().Send(context.Background(), OutboundEmail{To: "a@x.com", CorrelationID: "c@x"})
	require.NoError(t, err)
	assert.Equal(t, "c@x", res.ProviderMessageID)
}
