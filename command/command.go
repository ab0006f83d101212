// Package command applies watchlist commands received from chat.
//
// Each run fetches pending commands, drops those from senders outside the
// allow-list, applies /add, /remove and /list, and finally acknowledges
// everything it fetched so no command is processed twice.
package command

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"slices"
	"strings"
	"unicode"

	"rns-notifier/dispatch"
	"rns-notifier/pkg/notifier"
	"rns-notifier/storage"
	"rns-notifier/watchlist"
)

const defaultBatchSize = 100

// Inbox is a source of chat commands with offset acknowledgement.
type Inbox interface {
	Poll(ctx context.Context, limit int, offset int64) ([]notifier.Command, error)
	Advance(ctx context.Context, offset int64) error
}

// Watchlist is the mutable ticker set.
type Watchlist interface {
	Load(ctx context.Context) watchlist.Snapshot
	Add(ctx context.Context, tickers []string) (watchlist.AddResult, error)
	Remove(ctx context.Context, ticker string) (bool, error)
}

// Broadcaster delivers replies.
type Broadcaster interface {
	Broadcast(ctx context.Context, msg notifier.Message, dests []string) []dispatch.DeliveryResult
}

// Config holds processor configuration.
type Config struct {
	Inbox     Inbox
	Watchlist Watchlist
	Out       Broadcaster
	Logger    *slog.Logger

	// Allowed lists the sender ids permitted to issue commands. Confirmations
	// are broadcast to all of them.
	Allowed []string

	// BatchSize caps the commands fetched per run.
	BatchSize int
}

// Processor runs command batches.
type Processor struct {
	inbox     Inbox
	list      Watchlist
	out       Broadcaster
	logger    *slog.Logger
	allowed   []string
	batchSize int
}

// Result summarizes one run.
type Result struct {
	Fetched  int
	Applied  int
	Rejected int
	Ignored  int
}

// New creates a processor.
func New(cfg Config) *Processor {
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	return &Processor{
		inbox:     cfg.Inbox,
		list:      cfg.Watchlist,
		out:       cfg.Out,
		logger:    cfg.Logger,
		allowed:   cfg.Allowed,
		batchSize: batch,
	}
}

// Run processes one batch of pending commands. Failing to fetch returns an
// error; failures of individual commands and of the acknowledgement are
// logged.
func (p *Processor) Run(ctx context.Context) (Result, error) {
	cmds, err := p.inbox.Poll(ctx, p.batchSize, 0)
	if err != nil {
		return Result{}, fmt.Errorf("fetch commands: %w", err)
	}

	res := Result{Fetched: len(cmds)}
	var last int64
	for _, cmd := range cmds {
		last = max(last, cmd.ID)

		if cmd.SenderID == "" {
			res.Ignored++
			continue
		}
		if !slices.Contains(p.allowed, cmd.SenderID) {
			p.logger.Warn("Ignored command from unauthorized sender", "sender_id", cmd.SenderID, "command_id", cmd.ID)
			res.Rejected++
			continue
		}

		if p.apply(ctx, cmd) {
			res.Applied++
		} else {
			res.Ignored++
		}
	}

	if len(cmds) > 0 {
		if err := p.inbox.Advance(ctx, last+1); err != nil {
			p.logger.Error("Failed to acknowledge commands, they will be seen again", "offset", last+1, "error", err)
		}
	}

	p.logger.Info("Commands processed",
		"fetched", res.Fetched,
		"applied", res.Applied,
		"rejected", res.Rejected,
		"ignored", res.Ignored)
	return res, nil
}

// Parse splits command text into a lower-case keyword, without any
// "@BotName" suffix, and its argument text.
func Parse(text string) (keyword, args string) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", ""
	}
	head, rest := text, ""
	if i := strings.IndexFunc(text, unicode.IsSpace); i >= 0 {
		head, rest = text[:i], strings.TrimSpace(text[i:])
	}
	head, _, _ = strings.Cut(head, "@")
	return strings.ToLower(head), rest
}

// SplitTickers parses a comma-separated ticker list: entries are trimmed and
// upper-cased, empties dropped and duplicates collapsed.
func SplitTickers(args string) []string {
	var out []string
	for _, part := range strings.Split(args, ",") {
		t := watchlist.Normalize(part)
		if t != "" && !slices.Contains(out, t) {
			out = append(out, t)
		}
	}
	return out
}

// apply executes an authorized command and reports whether it was one.
func (p *Processor) apply(ctx context.Context, cmd notifier.Command) bool {
	keyword, args := Parse(cmd.Text)
	name := html.EscapeString(cmd.SenderName)

	switch keyword {
	case "/add":
		tickers := SplitTickers(args)
		if len(tickers) == 0 {
			p.reply(ctx, cmd, "Usage: /add TICKER[, TICKER...]")
			return true
		}
		res, err := p.list.Add(ctx, tickers)
		if err != nil {
			p.fail(ctx, cmd, err)
			return true
		}
		if len(res.Added) == 0 {
			p.broadcast(ctx, fmt.Sprintf("ℹ️ %s tried adding tickers already in list.", name))
			return true
		}
		p.broadcast(ctx, fmt.Sprintf("✅ <b>%s</b> added: <b>%s</b>", name, html.EscapeString(strings.Join(res.Added, ", "))))

	case "/remove":
		ticker := watchlist.Normalize(args)
		if ticker == "" {
			p.reply(ctx, cmd, "Usage: /remove TICKER")
			return true
		}
		removed, err := p.list.Remove(ctx, ticker)
		if err != nil {
			p.fail(ctx, cmd, err)
			return true
		}
		if removed {
			p.broadcast(ctx, fmt.Sprintf("✅ <b>%s</b> removed: <b>%s</b>", name, html.EscapeString(ticker)))
		} else {
			p.broadcast(ctx, fmt.Sprintf("ℹ️ %s tried removing <b>%s</b> (not found).", name, html.EscapeString(ticker)))
		}

	case "/list":
		entries := slices.Clone(p.list.Load(ctx).Entries)
		if len(entries) == 0 {
			p.broadcast(ctx, fmt.Sprintf("📋 Watchlist is empty (Requested by %s).", name))
			return true
		}
		slices.Sort(entries)
		var b strings.Builder
		fmt.Fprintf(&b, "📋 <b>Watchlist (Requested by %s):</b>\n", name)
		for _, t := range entries {
			b.WriteString("\n• " + html.EscapeString(t))
		}
		p.broadcast(ctx, b.String())

	default:
		p.logger.Debug("Ignored non-command message", "sender_id", cmd.SenderID, "command_id", cmd.ID)
		return false
	}

	p.logger.Info("Command applied", "command", keyword, "sender_id", cmd.SenderID, "sender_name", cmd.SenderName)
	return true
}

func (p *Processor) fail(ctx context.Context, cmd notifier.Command, err error) {
	p.logger.Error("Command failed", "sender_id", cmd.SenderID, "text", cmd.Text, "error", err)
	switch {
	case storage.IsConflict(err):
		p.reply(ctx, cmd, "⚠️ The watchlist was changed by someone else at the same time. Please retry.")
	case errors.Is(err, watchlist.ErrUnavailable):
		p.reply(ctx, cmd, "⚠️ The watchlist store is unavailable. Please try again later.")
	default:
		p.reply(ctx, cmd, "⚠️ The watchlist could not be updated. Please try again later.")
	}
}

func (p *Processor) broadcast(ctx context.Context, text string) {
	p.send(ctx, text, p.allowed)
}

func (p *Processor) reply(ctx context.Context, cmd notifier.Command, text string) {
	p.send(ctx, text, []string{cmd.SenderID})
}

func (p *Processor) send(ctx context.Context, text string, dests []string) {
	msg := notifier.Message{Body: text, Format: notifier.FormatHTML}
	results := p.out.Broadcast(ctx, msg, dests)
	if err := dispatch.Errors(results); err != nil {
		p.logger.Warn("Command reply not delivered everywhere", "error", err)
	}
}
