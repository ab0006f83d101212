// Package poll scans the announcement source for watched tickers and
// notifies each new match once.
package poll

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"rns-notifier/dispatch"
	"rns-notifier/pkg/notifier"
	"rns-notifier/watchlist"
)

// Source fetches the day's announcements.
type Source interface {
	Fetch(ctx context.Context) ([]*notifier.Announcement, error)
}

// Watchlist provides the tickers to scan for.
type Watchlist interface {
	Load(ctx context.Context) watchlist.Snapshot
}

// Matcher finds watched tickers in an announcement.
type Matcher interface {
	Match(ann *notifier.Announcement, tickers []string) []notifier.Match
}

// Ledger remembers notified announcements.
type Ledger interface {
	Has(key string) bool
	Admit(ctx context.Context, key string) (bool, error)
}

// Broadcaster delivers notifications.
type Broadcaster interface {
	Broadcast(ctx context.Context, msg notifier.Message, dests []string) []dispatch.DeliveryResult
}

// AdmitPolicy decides when a match is recorded in the ledger.
type AdmitPolicy string

const (
	// AdmitAfterDelivery records a match once at least one destination
	// accepted it. A match no destination accepted is retried next scan.
	AdmitAfterDelivery AdmitPolicy = "after-delivery"

	// AdmitBeforeSend records a match before sending. A match whose
	// delivery fails everywhere is never retried.
	AdmitBeforeSend AdmitPolicy = "before-send"
)

// ParseAdmitPolicy parses a policy name. Empty means AdmitAfterDelivery.
func ParseAdmitPolicy(s string) (AdmitPolicy, error) {
	switch AdmitPolicy(s) {
	case "", AdmitAfterDelivery:
		return AdmitAfterDelivery, nil
	case AdmitBeforeSend:
		return AdmitBeforeSend, nil
	default:
		return "", fmt.Errorf("unknown admit policy %q", s)
	}
}

// Config holds monitor dependencies.
type Config struct {
	Source       Source
	Watchlist    Watchlist
	Matcher      Matcher
	Ledger       Ledger
	Out          Broadcaster
	Logger       *slog.Logger
	Policy       AdmitPolicy
	Destinations []string
}

// Monitor runs scans.
type Monitor struct {
	source  Source
	list    Watchlist
	matcher Matcher
	ledger  Ledger
	out     Broadcaster
	logger  *slog.Logger
	policy  AdmitPolicy
	dests   []string
}

// Report summarizes one scan.
type Report struct {
	Rows         int
	Matches      int
	Notified     int
	Skipped      int // Already in the ledger or notified earlier in this scan
	Failed       int
	SourceFailed bool
}

// New creates a new poll monitor.
func New(cfg Config) *Monitor {
	policy := cfg.Policy
	if policy == "" {
		policy = AdmitAfterDelivery
	}
	return &Monitor{
		source:  cfg.Source,
		list:    cfg.Watchlist,
		matcher: cfg.Matcher,
		ledger:  cfg.Ledger,
		out:     cfg.Out,
		logger:  cfg.Logger,
		policy:  policy,
		dests:   cfg.Destinations,
	}
}

// Scan fetches the source once and notifies every new match. Failures of
// the source or of single rows are logged and do not fail the scan; only
// context cancellation is returned.
func (m *Monitor) Scan(ctx context.Context) (Report, error) {
	var report Report

	snap := m.list.Load(ctx)
	if len(snap.Entries) == 0 {
		m.logger.Info("Watchlist is empty, skipping scan")
		return report, nil
	}

	startTime := time.Now()
	anns, err := m.source.Fetch(ctx)
	if err != nil {
		m.logger.Error("Announcement source failed, no matches this scan", "error", err)
		report.SourceFailed = true
		return report, nil
	}
	report.Rows = len(anns)

	m.logger.Info("Scanning announcements",
		"rows", len(anns),
		"tickers", len(snap.Entries),
		"policy", string(m.policy))

	// Guards against the same key appearing twice in one page.
	notified := make(map[string]bool)

	for i, ann := range anns {
		select {
		case <-ctx.Done():
			m.logger.Info("Context cancelled, stopping scan", "row", i, "error", ctx.Err())
			return report, ctx.Err()
		default:
		}

		m.scanRow(ctx, i, ann, snap.Entries, notified, &report)
	}

	m.logger.Info("Scan completed",
		"rows", report.Rows,
		"matches", report.Matches,
		"notified", report.Notified,
		"skipped", report.Skipped,
		"failed", report.Failed,
		"duration_ms", time.Since(startTime).Milliseconds())
	return report, nil
}

// scanRow handles one announcement. A panic is contained to the row.
func (m *Monitor) scanRow(ctx context.Context, row int, ann *notifier.Announcement, tickers []string, notified map[string]bool, report *Report) {
	defer func() {
		if r := recover(); r != nil {
			report.Failed++
			m.logger.Error("Row processing panicked",
				"row", row,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()))
		}
	}()

	for _, match := range m.matcher.Match(ann, tickers) {
		report.Matches++

		if notified[match.DedupKey] || m.ledger.Has(match.DedupKey) {
			report.Skipped++
			continue
		}

		if err := m.notify(ctx, match); err != nil {
			report.Failed++
			m.logger.Warn("Match not notified",
				"ticker", match.Ticker,
				"title", ann.Title,
				"dedup_key", match.DedupKey,
				"error", err)
			continue
		}
		notified[match.DedupKey] = true
		report.Notified++
	}
}

func (m *Monitor) notify(ctx context.Context, match notifier.Match) error {
	msg := Render(match)

	if m.policy == AdmitBeforeSend {
		added, err := m.ledger.Admit(ctx, match.DedupKey)
		if err != nil {
			return fmt.Errorf("admit: %w", err)
		}
		if !added {
			return nil
		}
		results := m.out.Broadcast(ctx, msg, m.dests)
		if dispatch.Delivered(results) == 0 {
			m.logger.Error("Notification lost, no destination accepted it", "dedup_key", match.DedupKey, "error", dispatch.Errors(results))
		}
		m.logResult(match, results)
		return nil
	}

	results := m.out.Broadcast(ctx, msg, m.dests)
	if dispatch.Delivered(results) == 0 {
		return fmt.Errorf("no destination accepted the notification: %w", dispatch.Errors(results))
	}
	m.logResult(match, results)

	if _, err := m.ledger.Admit(ctx, match.DedupKey); err != nil {
		// Delivered but unrecorded: the next scan will send it again.
		m.logger.Error("Failed to record notified match", "dedup_key", match.DedupKey, "error", err)
	}
	return nil
}

func (m *Monitor) logResult(match notifier.Match, results []dispatch.DeliveryResult) {
	m.logger.Info("Match notified",
		"ticker", match.Ticker,
		"company", match.CleanCompany,
		"time", match.Announcement.Time,
		"dedup_key", match.DedupKey,
		"delivered", dispatch.Delivered(results),
		"destinations", len(results))
}
