// Package telegram talks to the Telegram Bot API: it delivers notifications
// with sendMessage and reads chat commands with getUpdates.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf16"

	"github.com/codeGROOVE-dev/retry"

	"rns-notifier/pkg/notifier"
)

const (
	defaultBaseURL = "https://api.telegram.org"

	// Scheme is the optional destination prefix routed to Telegram.
	Scheme = "telegram:"

	// MaxMessageLength is the Bot API limit for message text, in UTF-16
	// code units.
	MaxMessageLength = 4096

	defaultSenderName = "User"
	maxResponseBytes  = 4 << 20
)

// APIError is a failed Bot API call.
type APIError struct {
	Description string
	StatusCode  int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram: HTTP %d: %s", e.StatusCode, e.Description)
}

// Config holds configuration for a bot client.
type Config struct {
	// BaseURL defaults to https://api.telegram.org.
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client is a Telegram bot.
type Client struct {
	client  *http.Client
	logger  *slog.Logger
	baseURL string
	token   string
}

// New creates a bot client.
func New(cfg Config) (*Client, error) {
	if cfg.Token == "" {
		return nil, errors.New("telegram: bot token required")
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{client: client, logger: logger, baseURL: baseURL, token: cfg.Token}, nil
}

type apiResponse struct {
	Description string          `json:"description"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	OK          bool            `json:"ok"`
}

type sendMessageRequest struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode,omitempty"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

// MaxLength returns the longest message body Telegram accepts.
func (*Client) MaxLength() int {
	return MaxMessageLength
}

// Measure counts s in UTF-16 code units, the unit Telegram limits text in.
func (*Client) Measure(s string) int {
	n := 0
	for _, r := range s {
		n += utf16.RuneLen(r)
	}
	return n
}

// ChatID extracts the chat id from a "telegram:<id>" or bare destination.
func ChatID(dest string) string {
	return strings.TrimSpace(strings.TrimPrefix(dest, Scheme))
}

// Send delivers msg to the chat named by dest. It makes a single attempt: a
// request that times out may still have been delivered.
func (c *Client) Send(ctx context.Context, dest string, msg notifier.Message) error {
	chatID := ChatID(dest)
	if chatID == "" {
		return errors.New("telegram: empty chat id")
	}

	req := sendMessageRequest{
		ChatID:                chatID,
		Text:                  msg.Body,
		DisableWebPagePreview: !msg.LinkPreview,
	}
	if msg.Format == notifier.FormatHTML {
		req.ParseMode = "HTML"
	}

	if _, err := c.call(ctx, http.MethodPost, "sendMessage", nil, req); err != nil {
		return err
	}
	c.logger.Debug("Telegram message sent", "chat_id", chatID, "length", len(msg.Body))
	return nil
}

type update struct {
	Message     *message `json:"message"`
	ChannelPost *message `json:"channel_post"`
	UpdateID    int64    `json:"update_id"`
}

type message struct {
	From *struct {
		FirstName string `json:"first_name"`
	} `json:"from"`
	Text string `json:"text"`
	Chat struct {
		ID int64 `json:"id"`
	} `json:"chat"`
	Date int64 `json:"date"`
}

// Poll returns up to limit pending updates starting at offset (0 for all).
// Updates that carry no message are returned with an empty SenderID so that
// the caller still acknowledges them.
func (c *Client) Poll(ctx context.Context, limit int, offset int64) ([]notifier.Command, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("timeout", "1")
	if offset > 0 {
		q.Set("offset", strconv.FormatInt(offset, 10))
	}

	var result json.RawMessage
	err := retry.Do(
		func() error {
			var err error
			result, err = c.call(ctx, http.MethodGet, "getUpdates", q, nil)
			var apiErr *APIError
			if errors.As(err, &apiErr) && apiErr.StatusCode < 500 && apiErr.StatusCode != http.StatusTooManyRequests {
				return retry.Unrecoverable(err)
			}
			return err
		},
		retry.Attempts(3),
		retry.Delay(500*time.Millisecond),
		retry.MaxDelay(5*time.Second),
		retry.MaxJitter(500*time.Millisecond),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Info("Retrying getUpdates after error", "attempt", n, "error", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("get updates: %w", err)
	}

	var updates []update
	if err := json.Unmarshal(result, &updates); err != nil {
		return nil, fmt.Errorf("telegram: decode updates: %w", err)
	}

	cmds := make([]notifier.Command, 0, len(updates))
	for _, u := range updates {
		cmds = append(cmds, toCommand(u))
	}
	return cmds, nil
}

func toCommand(u update) notifier.Command {
	cmd := notifier.Command{ID: u.UpdateID}
	m := u.Message
	if m == nil {
		m = u.ChannelPost
	}
	if m == nil {
		return cmd
	}

	cmd.SenderID = strconv.FormatInt(m.Chat.ID, 10)
	cmd.SenderName = defaultSenderName
	if m.From != nil && m.From.FirstName != "" {
		cmd.SenderName = m.From.FirstName
	}
	cmd.Text = strings.TrimSpace(m.Text)
	if m.Date > 0 {
		cmd.ArrivedAt = time.Unix(m.Date, 0).UTC()
	}
	return cmd
}

// Advance confirms every update below offset so it is not returned again.
func (c *Client) Advance(ctx context.Context, offset int64) error {
	q := url.Values{}
	q.Set("offset", strconv.FormatInt(offset, 10))
	q.Set("limit", "1")
	q.Set("timeout", "0")
	if _, err := c.call(ctx, http.MethodGet, "getUpdates", q, nil); err != nil {
		return fmt.Errorf("advance update offset: %w", err)
	}
	return nil
}

// call performs one Bot API request and returns its result field.
func (c *Client) call(ctx context.Context, httpMethod, method string, query url.Values, body any) (json.RawMessage, error) {
	endpoint := c.baseURL + "/bot" + c.token + "/" + method
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader = http.NoBody
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("telegram: encoding request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, httpMethod, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("telegram: creating request: %w", c.redact(err))
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	startTime := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telegram: %s: %w", method, c.redact(err))
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("telegram: reading %s response: %w", method, c.redact(err))
	}

	c.logger.Debug("Telegram API request completed",
		"method", method,
		"status_code", resp.StatusCode,
		"duration_ms", time.Since(startTime).Milliseconds())

	var parsed apiResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		if resp.StatusCode != http.StatusOK {
			return nil, &APIError{StatusCode: resp.StatusCode, Description: http.StatusText(resp.StatusCode)}
		}
		return nil, fmt.Errorf("telegram: decode %s response: %w", method, err)
	}
	if !parsed.OK || resp.StatusCode != http.StatusOK {
		code := parsed.ErrorCode
		if code == 0 {
			code = resp.StatusCode
		}
		return nil, &APIError{StatusCode: code, Description: parsed.Description}
	}
	return parsed.Result, nil
}

// redact removes the bot token from transport errors, which embed the URL.
func (c *Client) redact(err error) error {
	if err == nil || !strings.Contains(err.Error(), c.token) {
		return err
	}
	return errors.New(strings.ReplaceAll(err.Error(), c.token, "<token>"))
}
