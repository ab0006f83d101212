package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"rns-notifier/command"
	"rns-notifier/dispatch"
	"rns-notifier/ledger"
	"rns-notifier/pkg/notifier"
	"rns-notifier/poll"
)

// commandRunner applies pending chat commands.
type commandRunner interface {
	Run(ctx context.Context) (command.Result, error)
}

// invocation is one stateless pass: commands, then the scan, then ledger
// compaction. State is reloaded from the stores on every run.
type invocation struct {
	commands  commandRunner // nil when commands are disabled
	backend   ledger.Backend
	scan      poll.Config // Ledger is filled per run
	logger    *slog.Logger
	retention time.Duration
}

// Run executes one invocation. Command failures are logged; a ledger that
// cannot be loaded fails the run because scanning without it would resend
// everything.
func (inv *invocation) Run(ctx context.Context) error {
	startTime := time.Now()

	if inv.commands != nil {
		if _, err := inv.commands.Run(ctx); err != nil {
			inv.logger.Error("Command processing failed, continuing with scan", "error", err)
		}
	}

	l, err := ledger.Open(ctx, inv.backend, inv.logger)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}

	cfg := inv.scan
	cfg.Ledger = l
	report, err := poll.New(cfg).Scan(ctx)
	if err != nil {
		return fmt.Errorf("scan: %w", err)
	}

	if inv.retention > 0 {
		if _, err := l.Compact(ctx, inv.retention); err != nil {
			inv.logger.Warn("Ledger compaction failed", "error", err)
		}
	}

	inv.logger.Info("Invocation completed",
		"notified", report.Notified,
		"failed", report.Failed,
		"source_failed", report.SourceFailed,
		"ledger_keys", l.Len(),
		"duration_ms", time.Since(startTime).Milliseconds())
	return nil
}

// healthPing tells every alert destination the bot is alive.
func healthPing(ctx context.Context, out poll.Broadcaster, dests []string, botName string) error {
	msg := notifier.Message{
		Subject: botName + " health check",
		Body:    fmt.Sprintf("🟢 <b>Health Check:</b> %s is active and scanning.", botName),
		Format:  notifier.FormatHTML,
	}
	results := out.Broadcast(ctx, msg, dests)
	if dispatch.Delivered(results) == 0 {
		return fmt.Errorf("health ping not delivered: %w", dispatch.Errors(results))
	}
	return nil
}
