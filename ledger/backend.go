package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"rns-notifier/storage"
)

// FileBackend keeps the ledger in a flat, append-only text file.
type FileBackend struct {
	path string
	// needsNewline is set when the file on disk does not end in a newline,
	// e.g. after a hand edit, so the next append cannot join two keys.
	needsNewline bool
}

// NewFileBackend creates a file backend at path.
func NewFileBackend(path string) *FileBackend {
	return &FileBackend{path: path}
}

// Load reads all entries. A missing file is an empty ledger.
func (f *FileBackend) Load(_ context.Context) ([]Entry, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read ledger file: %w", err)
	}
	f.needsNewline = len(data) > 0 && data[len(data)-1] != '\n'
	return parseEntries(data), nil
}

// Append writes one line and syncs it to disk.
func (f *FileBackend) Append(_ context.Context, e Entry) error {
	file, err := os.OpenFile(f.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open ledger file: %w", err)
	}

	line := formatEntry(e)
	if f.needsNewline {
		line = "\n" + line
	}
	if _, err := file.WriteString(line); err != nil {
		_ = file.Close()
		return fmt.Errorf("write ledger file: %w", err)
	}
	if err := file.Sync(); err != nil {
		_ = file.Close()
		return fmt.Errorf("sync ledger file: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close ledger file: %w", err)
	}
	f.needsNewline = false
	return nil
}

// Rewrite replaces the file atomically.
func (f *FileBackend) Rewrite(_ context.Context, entries []Entry) error {
	if err := storage.WriteFileAtomic(f.path, formatEntries(entries)); err != nil {
		return fmt.Errorf("rewrite ledger file: %w", err)
	}
	f.needsNewline = false
	return nil
}

// ObjectBackend keeps the ledger as one object in a versioned store, for
// deployments where invocations share no filesystem. Appends are
// read-modify-write with the object's version as precondition.
type ObjectBackend struct {
	store   storage.Store
	logger  *slog.Logger
	name    string
	data    []byte
	version string
}

// NewObjectBackend creates a backend storing the ledger under name.
func NewObjectBackend(store storage.Store, name string, logger *slog.Logger) *ObjectBackend {
	return &ObjectBackend{store: store, name: name, logger: logger}
}

// Load reads the ledger object. A missing object is an empty ledger.
func (o *ObjectBackend) Load(ctx context.Context) ([]Entry, error) {
	if err := o.refresh(ctx); err != nil {
		return nil, err
	}
	return parseEntries(o.data), nil
}

func (o *ObjectBackend) refresh(ctx context.Context) error {
	data, version, err := o.store.Read(ctx, o.name)
	if storage.IsNotFound(err) {
		o.data, o.version = nil, ""
		return nil
	}
	if err != nil {
		return fmt.Errorf("read ledger object: %w", err)
	}
	o.data, o.version = data, version
	return nil
}

// Append adds one line. On a version conflict the object is re-read and
// the append retried once.
func (o *ObjectBackend) Append(ctx context.Context, e Entry) error {
	return o.update(ctx, func(current []byte) []byte {
		next := make([]byte, 0, len(current)+len(e.Key)+32)
		next = append(next, current...)
		if len(next) > 0 && next[len(next)-1] != '\n' {
			next = append(next, '\n')
		}
		return append(next, formatEntry(e)...)
	})
}

// Rewrite replaces the ledger object.
func (o *ObjectBackend) Rewrite(ctx context.Context, entries []Entry) error {
	data := formatEntries(entries)
	return o.update(ctx, func([]byte) []byte { return data })
}

func (o *ObjectBackend) update(ctx context.Context, mutate func([]byte) []byte) error {
	for attempt := 0; attempt < 2; attempt++ {
		next := mutate(o.data)
		version, err := o.store.Write(ctx, o.name, next, o.version)
		if err == nil {
			o.data, o.version = next, version
			return nil
		}
		if !storage.IsConflict(err) {
			return fmt.Errorf("write ledger object: %w", err)
		}
		o.logger.Warn("Ledger object changed concurrently, re-reading", "name", o.name, "attempt", attempt+1)
		if err := o.refresh(ctx); err != nil {
			return err
		}
	}
	return fmt.Errorf("write ledger object: %w", storage.ErrConflict)
}
