package email

import (
	"context"
	"log/slog"
	"sync"
)

// SentMail is a message captured by MockProvider.
type SentMail struct {
	To      string
	Subject string
	Body    string
}

// MockProvider logs emails instead of sending them, for local development.
// It keeps what it was asked to send.
type MockProvider struct {
	logger *slog.Logger
	sent   []SentMail
	mu     sync.Mutex
}

// NewMockProvider creates a new mock email provider.
func NewMockProvider(logger *slog.Logger) *MockProvider {
	return &MockProvider{
		logger: logger,
	}
}

// Send logs the email instead of sending it.
func (m *MockProvider) Send(_ context.Context, to, subject, htmlBody string) error {
	m.mu.Lock()
	m.sent = append(m.sent, SentMail{To: to, Subject: subject, Body: htmlBody})
	m.mu.Unlock()

	m.logger.Info("MOCK EMAIL",
		"to", to,
		"subject", subject,
		"body_length", len(htmlBody))
	return nil
}

// Sent returns the captured messages.
func (m *MockProvider) Sent() []SentMail {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SentMail, len(m.sent))
	copy(out, m.sent)
	return out
}
