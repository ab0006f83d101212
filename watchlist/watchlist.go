// Package watchlist manages the shared set of watched ticker symbols.
//
// The list lives in a versioned config store so that independent scan
// invocations see the same symbols. Mutations are read-modify-write with the
// version observed on read; a stale version is retried once against a fresh
// read so a concurrent writer's entries are merged rather than lost.
package watchlist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"

	"rns-notifier/storage"
)

// ErrUnavailable is returned by mutations when the config store cannot be read.
var ErrUnavailable = errors.New("watchlist: config store unavailable")

// Snapshot is the watchlist at a version of the config store.
type Snapshot struct {
	Version string // Empty when the file does not exist or the snapshot came from cache
	Entries []string
}

// AddResult lists the tickers an Add actually introduced.
type AddResult struct {
	Added []string
}

// Store reads and mutates the watchlist file.
type Store struct {
	store     storage.Store
	logger    *slog.Logger
	name      string
	cachePath string

	// held is the last snapshot read live from the store.
	held *Snapshot
}

// New creates a watchlist over the object name in store. cachePath may be
// empty to disable the local fallback snapshot.
func New(store storage.Store, name, cachePath string, logger *slog.Logger) *Store {
	return &Store{
		store:     store,
		name:      name,
		cachePath: cachePath,
		logger:    logger,
	}
}

// Normalize trims and upper-cases a ticker.
func Normalize(ticker string) string {
	return strings.ToUpper(strings.TrimSpace(ticker))
}

// Parse reads a newline-delimited watchlist. Blank lines and duplicates are
// dropped; order of first appearance is kept.
func Parse(data []byte) []string {
	var entries []string
	seen := make(map[string]bool)
	for _, line := range strings.Split(string(data), "\n") {
		t := Normalize(line)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		entries = append(entries, t)
	}
	return entries
}

// Format serializes entries one per line with a trailing newline.
func Format(entries []string) []byte {
	if len(entries) == 0 {
		return nil
	}
	return []byte(strings.Join(entries, "\n") + "\n")
}

// Load returns the current watchlist. It never fails: when the store is
// unreachable the cached snapshot is returned, or an empty one.
func (w *Store) Load(ctx context.Context) Snapshot {
	snap, err := w.fetch(ctx)
	if err == nil {
		return snap
	}

	w.logger.Warn("Watchlist store unavailable, using cached snapshot", "name", w.name, "error", err)
	if cached, ok := w.readCache(); ok {
		return cached
	}
	w.logger.Warn("No cached watchlist, continuing with empty list", "cache", w.cachePath)
	return Snapshot{}
}

// fetch reads the live list, records it as held and refreshes the cache.
func (w *Store) fetch(ctx context.Context) (Snapshot, error) {
	data, version, err := w.store.Read(ctx, w.name)
	if storage.IsNotFound(err) {
		snap := Snapshot{}
		w.held = &snap
		w.writeCache(snap)
		return snap, nil
	}
	if err != nil {
		return Snapshot{}, err
	}

	snap := Snapshot{Entries: Parse(data), Version: version}
	w.held = &snap
	w.writeCache(snap)
	w.logger.Debug("Watchlist loaded", "name", w.name, "entries", len(snap.Entries), "version", version)
	return snap, nil
}

func (w *Store) readCache() (Snapshot, bool) {
	if w.cachePath == "" {
		return Snapshot{}, false
	}
	data, err := os.ReadFile(w.cachePath)
	if err != nil {
		if !os.IsNotExist(err) {
			w.logger.Warn("Failed to read watchlist cache", "path", w.cachePath, "error", err)
		}
		return Snapshot{}, false
	}
	return Snapshot{Entries: Parse(data)}, true
}

func (w *Store) writeCache(snap Snapshot) {
	if w.cachePath == "" {
		return
	}
	if err := storage.WriteFileAtomic(w.cachePath, Format(snap.Entries)); err != nil {
		w.logger.Warn("Failed to refresh watchlist cache", "path", w.cachePath, "error", err)
	}
}

// current returns the held snapshot, reading the store when none is held.
func (w *Store) current(ctx context.Context) (Snapshot, error) {
	if w.held != nil {
		return *w.held, nil
	}
	snap, err := w.fetch(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return snap, nil
}

// mutate applies change to the current list and writes it back with the
// held version. On a conflict the list is re-read and change applied again,
// once. change reports whether anything changed.
func (w *Store) mutate(ctx context.Context, change func([]string) ([]string, bool)) (bool, error) {
	for attempt := 0; attempt < 2; attempt++ {
		snap, err := w.current(ctx)
		if err != nil {
			return false, err
		}

		next, changed := change(slices.Clone(snap.Entries))
		if !changed {
			return false, nil
		}

		version, err := w.store.Write(ctx, w.name, Format(next), snap.Version)
		if err == nil {
			updated := Snapshot{Entries: next, Version: version}
			w.held = &updated
			w.writeCache(updated)
			return true, nil
		}
		if !storage.IsConflict(err) {
			return false, fmt.Errorf("write watchlist: %w", err)
		}

		w.logger.Warn("Watchlist changed concurrently, re-reading", "name", w.name, "attempt", attempt+1)
		w.held = nil
	}
	return false, storage.ErrConflict
}

// Add adds tickers not already watched and returns those actually added.
func (w *Store) Add(ctx context.Context, tickers []string) (AddResult, error) {
	var wanted []string
	for _, t := range tickers {
		t = Normalize(t)
		if t != "" && !slices.Contains(wanted, t) {
			wanted = append(wanted, t)
		}
	}

	var added []string
	_, err := w.mutate(ctx, func(entries []string) ([]string, bool) {
		added = added[:0]
		for _, t := range wanted {
			if !slices.Contains(entries, t) {
				entries = append(entries, t)
				added = append(added, t)
			}
		}
		return entries, len(added) > 0
	})
	if err != nil {
		return AddResult{}, err
	}

	if len(added) > 0 {
		w.logger.Info("Tickers added to watchlist", "tickers", added)
	}
	return AddResult{Added: added}, nil
}

// Remove removes ticker and reports whether it was present.
func (w *Store) Remove(ctx context.Context, ticker string) (bool, error) {
	ticker = Normalize(ticker)
	if ticker == "" {
		return false, nil
	}

	removed, err := w.mutate(ctx, func(entries []string) ([]string, bool) {
		i := slices.Index(entries, ticker)
		if i < 0 {
			return entries, false
		}
		return slices.Delete(entries, i, i+1), true
	})
	if err != nil {
		return false, err
	}

	if removed {
		w.logger.Info("Ticker removed from watchlist", "ticker", ticker)
	}
	return removed, nil
}
