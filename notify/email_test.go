package notify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSMTPConfigValidate(t *testing.T) {
	valid := SMTPConfig{Host: "mail.example.com", Port: 587, From: "conductor@example.com"}
	assert.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*SMTPConfig)
	}{
		{"missing host", func(c *SMTPConfig) { c.Host = "" }},
		{"zero port", func(c *SMTPConfig) { c.Port = 0 }},
		{"port out of range", func(c *SMTPConfig) { c.Port = 70000 }},
		{"missing from", func(c *SMTPConfig) { c.From = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())

			_, err := NewSMTPEmailSender(cfg, zap.NewNop().Sugar())
			assert.Error(t, err)
		})
	}
}

func TestBuildMessageHeaders(t *testing.T) {
	sender, err := NewSMTPEmailSender(SMTPConfig{
		Host: "mail.example.com", Port: 587, From: "conductor@example.com",
	}, zap.NewNop().Sugar())
	require.NoError(t, err)

	msg := string(sender.buildMessage(Email{
		To:      []string{"ops@example.com", "oncall@example.com"},
		Subject: "Stock below threshold",
		Body:    "SKU WIDGET-42 dropped to 3 units.",
	}, "abc-123"))

	assert.Contains(t, msg, "From: conductor@example.com\r\n")
	assert.Contains(t, msg, "To: ops@example.com, oncall@example.com\r\n")
	assert.Contains(t, msg, "Subject: Stock below threshold\r\n")
	assert.Contains(t, msg, "Message-ID: <abc-123@mail.example.com>\r\n")
	assert.Contains(t, msg, "Content-Type: text/plain; charset=utf-8\r\n")
	assert.Contains(t, msg, "\r\n\r\nSKU WIDGET-42 dropped to 3 units.\r\n")
}

func TestSanitizeHeaderStripsInjection(t *testing.T) {
	assert.Equal(t, "subject line", sanitizeHeader("subject line"))
	// Rendered event data cannot smuggle extra headers into the message.
	assert.Equal(t, "subject Bcc: attacker@evil.net", sanitizeHeader("subject\r\nBcc: attacker@evil.net"))
	assert.Equal(t, "a b", sanitizeHeader("a\nb"))
}
