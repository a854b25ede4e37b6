package notify

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SMTPConfig configures the outbound email sender.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	UseTLS   bool // STARTTLS on the standard submission ports
}

// Validate checks the SMTP config has enough to send.
func (c *SMTPConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("smtp host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("smtp port must be between 1 and 65535")
	}
	if c.From == "" {
		return fmt.Errorf("smtp from address is required")
	}
	return nil
}

// SMTPEmailSender delivers email over SMTP with STARTTLS.
type SMTPEmailSender struct {
	config SMTPConfig
	logger *zap.SugaredLogger
}

// NewSMTPEmailSender creates an SMTP sender.
func NewSMTPEmailSender(config SMTPConfig, logger *zap.SugaredLogger) (*SMTPEmailSender, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid smtp config: %w", err)
	}
	return &SMTPEmailSender{config: config, logger: logger}, nil
}

// SendEmail sends one message to all recipients. The context deadline bounds
// the whole SMTP conversation.
func (s *SMTPEmailSender) SendEmail(ctx context.Context, email Email) (DeliveryReceipt, error) {
	if len(email.To) == 0 {
		return DeliveryReceipt{}, fmt.Errorf("email has no recipients")
	}

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return DeliveryReceipt{}, fmt.Errorf("failed to connect to smtp server: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	client, err := smtp.NewClient(conn, s.config.Host)
	if err != nil {
		_ = conn.Close()
		return DeliveryReceipt{}, fmt.Errorf("smtp handshake failed: %w", err)
	}
	defer func() { _ = client.Close() }()

	if s.config.UseTLS {
		tlsConfig := &tls.Config{
			ServerName: s.config.Host,
			MinVersion: tls.VersionTLS12,
		}
		if err := client.StartTLS(tlsConfig); err != nil {
			return DeliveryReceipt{}, fmt.Errorf("starttls failed: %w", err)
		}
	}

	if s.config.Username != "" {
		auth := smtp.PlainAuth("", s.config.Username, s.config.Password, s.config.Host)
		if err := client.Auth(auth); err != nil {
			return DeliveryReceipt{}, fmt.Errorf("smtp auth failed: %w", err)
		}
	}

	if err := client.Mail(s.config.From); err != nil {
		return DeliveryReceipt{}, fmt.Errorf("smtp mail from failed: %w", err)
	}
	for _, rcpt := range email.To {
		if err := client.Rcpt(rcpt); err != nil {
			return DeliveryReceipt{}, fmt.Errorf("smtp rcpt %s failed: %w", rcpt, err)
		}
	}

	wc, err := client.Data()
	if err != nil {
		return DeliveryReceipt{}, fmt.Errorf("smtp data failed: %w", err)
	}
	messageID := uuid.New().String()
	if _, err := wc.Write(s.buildMessage(email, messageID)); err != nil {
		_ = wc.Close()
		return DeliveryReceipt{}, fmt.Errorf("failed to write message body: %w", err)
	}
	if err := wc.Close(); err != nil {
		return DeliveryReceipt{}, fmt.Errorf("failed to finish message: %w", err)
	}
	_ = client.Quit()

	s.logger.Infow("Email sent", "to", email.To, "subject", email.Subject)
	return DeliveryReceipt{MessageID: messageID, DeliveredAt: time.Now().UTC()}, nil
}

func (s *SMTPEmailSender) buildMessage(email Email, messageID string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", s.config.From)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(email.To, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", sanitizeHeader(email.Subject))
	fmt.Fprintf(&b, "Message-ID: <%s@%s>\r\n", messageID, s.config.Host)
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(email.Body)
	b.WriteString("\r\n")
	return []byte(b.String())
}

// sanitizeHeader strips CR/LF so template-rendered subjects cannot inject
// extra headers.
func sanitizeHeader(v string) string {
	v = strings.ReplaceAll(v, "\r", "")
	return strings.ReplaceAll(v, "\n", " ")
}
