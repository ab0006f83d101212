package email

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net/mail"
	"strings"

	"rns-notifier/pkg/notifier"
)

// Scheme is the destination prefix routed to email.
const Scheme = "mailto:"

const defaultSubject = "RNS alert"

// Sender delivers notifier messages as HTML email.
type Sender struct {
	provider Provider
	logger   *slog.Logger
}

// New creates a new email sender with the given provider.
func New(provider Provider, logger *slog.Logger) *Sender {
	return &Sender{
		provider: provider,
		logger:   logger,
	}
}

// MaxLength reports that email bodies are not length limited.
func (*Sender) MaxLength() int {
	return 0
}

// Send delivers msg to dest, a "mailto:" destination or a bare address.
func (s *Sender) Send(ctx context.Context, dest string, msg notifier.Message) error {
	to, err := parseAddress(dest)
	if err != nil {
		return err
	}

	subject := msg.Subject
	if subject == "" {
		subject = defaultSubject
	}

	s.logger.Info("Sending notification email", "to", to, "subject", subject)
	if err := s.provider.Send(ctx, to, subject, renderBody(msg)); err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	return nil
}

func parseAddress(dest string) (string, error) {
	raw := strings.TrimSpace(strings.TrimPrefix(dest, Scheme))
	if raw == "" {
		return "", errors.New("empty email destination")
	}
	addr, err := mail.ParseAddress(raw)
	if err != nil {
		return "", fmt.Errorf("invalid email destination %q: %w", raw, err)
	}
	return addr.Address, nil
}

// renderBody wraps a chat-formatted body in a minimal HTML document. HTML
// bodies already carry inline markup; plain bodies are escaped. Newlines
// become line breaks in both cases.
func renderBody(msg notifier.Message) string {
	body := msg.Body
	if msg.Format != notifier.FormatHTML {
		body = html.EscapeString(body)
	}
	body = strings.ReplaceAll(body, "\n", "<br>\n")

	var b strings.Builder
	b.WriteString("<!DOCTYPE html>\n<html lang=\"en\">\n<head>\n")
	b.WriteString("<meta charset=\"utf-8\">\n")
	b.WriteString("<style>\n")
	b.WriteString("body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 640px; margin: 0 auto; padding: 20px; }\n")
	b.WriteString("a { color: #1a5fb4; }\n")
	b.WriteString("</style>\n</head>\n<body>\n")
	b.WriteString(body)
	b.WriteString("\n</body>\n</html>")
	return b.String()
}
