package email

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	gomail "gopkg.in/mail.v2"
)

// SMTPConfig holds SMTP relay settings.
type SMTPConfig struct {
	Server   string
	Port     int
	User     string
	Password string
	From     string
	FromName string
	Timeout  time.Duration
}

// SMTPProvider sends emails through an SMTP relay.
type SMTPProvider struct {
	cfg    SMTPConfig
	dialer *gomail.Dialer
	logger *slog.Logger
}

// NewSMTPProvider creates an SMTP provider.
func NewSMTPProvider(cfg SMTPConfig, logger *slog.Logger) *SMTPProvider {
	dialer := gomail.NewDialer(cfg.Server, cfg.Port, cfg.User, cfg.Password)
	dialer.Timeout = cfg.Timeout
	if dialer.Timeout == 0 {
		dialer.Timeout = 10 * time.Second
	}
	return &SMTPProvider{cfg: cfg, dialer: dialer, logger: logger}
}

// Send delivers one message. SMTP is not retried: a relay may have accepted
// the message before the connection failed.
func (s *SMTPProvider) Send(ctx context.Context, to, subject, htmlBody string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m := gomail.NewMessage()
	m.SetAddressHeader("From", s.cfg.From, s.cfg.FromName)
	m.SetHeader("To", sanitizeEmailHeader(to))
	m.SetHeader("Subject", sanitizeEmailHeader(subject))
	m.SetBody("text/html", htmlBody)

	startTime := time.Now()
	if err := s.dialer.DialAndSend(m); err != nil {
		s.logger.Warn("SMTP send failed",
			"server", s.cfg.Server,
			"to", to,
			"duration_ms", time.Since(startTime).Milliseconds(),
			"error", err)
		return fmt.Errorf("smtp send: %w", err)
	}

	s.logger.Info("SMTP send completed",
		"server", s.cfg.Server,
		"to", to,
		"duration_ms", time.Since(startTime).Milliseconds())
	return nil
}
