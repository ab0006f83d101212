// Package storage provides versioned blob stores used for the shared
// watchlist file and, optionally, the notification ledger.
//
// Every write carries the version observed on the preceding read. A write
// whose version no longer matches the stored object fails with ErrConflict,
// which is the only concurrency control protecting the shared files.
package storage

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/zeebo/blake3"
)

var (
	// ErrNotExist is returned by Read when the object has never been written.
	ErrNotExist = errors.New("storage: object doesn't exist")

	// ErrConflict is returned by Write when the supplied version is stale.
	ErrConflict = errors.New("storage: version conflict")
)

// Store is a blob store with optimistic concurrency.
//
// Read returns the content and an opaque version token. Write stores content
// only if the object is still at version; an empty version means the object
// must not exist yet. Write returns the new version.
type Store interface {
	Read(ctx context.Context, name string) (data []byte, version string, err error)
	Write(ctx context.Context, name string, data []byte, version string) (string, error)
}

// IsNotFound reports whether err means the object does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotExist)
}

// IsConflict reports whether err is a stale-version write.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// Local stores objects as files in a directory. The version of an object
// is the BLAKE3 digest of its content.
type Local struct {
	logger *slog.Logger
	dir    string
	mu     sync.Mutex
}

// NewLocal creates a local store rooted at dir, creating it if needed.
func NewLocal(dir string, logger *slog.Logger) (*Local, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create local storage directory: %w", err)
	}
	return &Local{dir: dir, logger: logger}, nil
}

func (l *Local) path(name string) (string, error) {
	if !filepath.IsLocal(name) {
		return "", fmt.Errorf("invalid object name %q", name)
	}
	return filepath.Join(l.dir, name), nil
}

// Read reads an object.
func (l *Local) Read(_ context.Context, name string) ([]byte, string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.read(name)
}

func (l *Local) read(name string) ([]byte, string, error) {
	p, err := l.path(name)
	if err != nil {
		return nil, "", err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", ErrNotExist
		}
		return nil, "", fmt.Errorf("read from local storage: %w", err)
	}
	return data, contentVersion(data), nil
}

// Write replaces an object if it is still at version.
func (l *Local) Write(_ context.Context, name string, data []byte, version string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, current, err := l.read(name)
	if err != nil && !errors.Is(err, ErrNotExist) {
		return "", err
	}
	if current != version {
		l.logger.Info("Local write rejected, stale version", "name", name, "have", current, "want", version)
		return "", ErrConflict
	}

	p, err := l.path(name)
	if err != nil {
		return "", err
	}
	if err := writeFileAtomic(p, data); err != nil {
		return "", fmt.Errorf("write to local storage: %w", err)
	}

	l.logger.Debug("Object saved to local storage", "path", p, "bytes", len(data))
	return contentVersion(data), nil
}

func contentVersion(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:16])
}

// writeFileAtomic writes data to a sibling temp file and renames it over path.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

// WriteFileAtomic replaces path with data so readers never observe a partial file.
func WriteFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return writeFileAtomic(path, data)
}
