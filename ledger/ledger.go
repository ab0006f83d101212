// Package ledger records which announcements have already been notified.
//
// The ledger is append-only: a key is written once, the first time it is
// admitted, and never changed. Repeated keys in the backing data are no-ops.
// Entries leave the ledger only through Compact when a retention horizon is
// configured.
package ledger

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"
)

// Entry is one admitted dedup key.
type Entry struct {
	FirstSeen time.Time // Zero for keys written without a timestamp
	Key       string
}

// Backend persists ledger entries.
type Backend interface {
	// Load returns every stored entry in write order.
	Load(ctx context.Context) ([]Entry, error)
	// Append durably adds one entry. It must not report success unless
	// the entry will be returned by the next Load.
	Append(ctx context.Context, e Entry) error
	// Rewrite atomically replaces the stored entries.
	Rewrite(ctx context.Context, entries []Entry) error
}

// Ledger is the in-memory view of a backend.
type Ledger struct {
	backend Backend
	logger  *slog.Logger
	seen    map[string]time.Time
	now     func() time.Time
}

// Open loads the ledger from backend.
func Open(ctx context.Context, backend Backend, logger *slog.Logger) (*Ledger, error) {
	entries, err := backend.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load ledger: %w", err)
	}

	l := &Ledger{
		backend: backend,
		logger:  logger,
		seen:    make(map[string]time.Time, len(entries)),
		now:     time.Now,
	}
	for _, e := range entries {
		if _, ok := l.seen[e.Key]; !ok {
			l.seen[e.Key] = e.FirstSeen
		}
	}

	logger.Info("Ledger loaded", "entries", len(entries), "distinct_keys", len(l.seen))
	return l, nil
}

// Has reports whether key was previously admitted.
func (l *Ledger) Has(key string) bool {
	_, ok := l.seen[key]
	return ok
}

// Len returns the number of distinct admitted keys.
func (l *Ledger) Len() int {
	return len(l.seen)
}

// Admit records key if it is new and reports whether it was. When the
// backend write fails the key is not marked seen and the error is returned,
// so the announcement is retried on the next scan.
func (l *Ledger) Admit(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, fmt.Errorf("empty ledger key")
	}
	if l.Has(key) {
		return false, nil
	}

	e := Entry{Key: key, FirstSeen: l.now().UTC()}
	if err := l.backend.Append(ctx, e); err != nil {
		return false, fmt.Errorf("append ledger entry: %w", err)
	}
	l.seen[key] = e.FirstSeen
	return true, nil
}

// Compact drops entries first seen before now-horizon. Entries without a
// timestamp are kept. It returns the number of keys removed.
func (l *Ledger) Compact(ctx context.Context, horizon time.Duration) (int, error) {
	if horizon <= 0 {
		return 0, nil
	}
	cutoff := l.now().Add(-horizon)

	kept := make([]Entry, 0, len(l.seen))
	removed := 0
	for key, firstSeen := range l.seen {
		if !firstSeen.IsZero() && firstSeen.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, Entry{Key: key, FirstSeen: firstSeen})
	}
	if removed == 0 {
		return 0, nil
	}

	sortEntries(kept)
	if err := l.backend.Rewrite(ctx, kept); err != nil {
		return 0, fmt.Errorf("rewrite ledger: %w", err)
	}
	for key, firstSeen := range l.seen {
		if !firstSeen.IsZero() && firstSeen.Before(cutoff) {
			delete(l.seen, key)
		}
	}

	l.logger.Info("Ledger compacted", "removed", removed, "kept", len(kept), "cutoff", cutoff.Format(time.RFC3339))
	return removed, nil
}

// sortEntries orders entries by first-seen time (untimestamped first),
// then key, so rewrites are deterministic.
func sortEntries(entries []Entry) {
	slices.SortFunc(entries, func(a, b Entry) int {
		if c := a.FirstSeen.Compare(b.FirstSeen); c != 0 {
			return c
		}
		return strings.Compare(a.Key, b.Key)
	})
}

// formatEntry renders one ledger line including the trailing newline.
func formatEntry(e Entry) string {
	if e.FirstSeen.IsZero() {
		return e.Key + "\n"
	}
	return e.Key + "\t" + e.FirstSeen.UTC().Format(time.RFC3339) + "\n"
}

func formatEntries(entries []Entry) []byte {
	var b bytes.Buffer
	for _, e := range entries {
		b.WriteString(formatEntry(e))
	}
	return b.Bytes()
}

// parseEntries reads "key" or "key<TAB>RFC3339" lines. Blank lines are
// skipped; an unparsable timestamp leaves FirstSeen zero.
func parseEntries(data []byte) []Entry {
	var entries []Entry
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		key, stamp, _ := strings.Cut(line, "\t")
		e := Entry{Key: strings.TrimSpace(key)}
		if stamp != "" {
			if ts, err := time.Parse(time.RFC3339, strings.TrimSpace(stamp)); err == nil {
				e.FirstSeen = ts
			}
		}
		entries = append(entries, e)
	}
	return entries
}
