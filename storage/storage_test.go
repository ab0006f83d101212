package storage

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func newTestLocal(t *testing.T) *Local {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	l, err := NewLocal(t.TempDir(), logger)
	if err != nil {
		t.Fatalf("NewLocal() error = %v", err)
	}
	return l
}

func TestLocalReadMissing(t *testing.T) {
	l := newTestLocal(t)

	_, _, err := l.Read(context.Background(), "tickers.txt")
	if !IsNotFound(err) {
		t.Fatalf("Read() error = %v, want ErrNotExist", err)
	}
}

func TestLocalVersionedWrites(t *testing.T) {
	ctx := context.Background()
	l := newTestLocal(t)

	v1, err := l.Write(ctx, "tickers.txt", []byte("VOD\n"), "")
	if err != nil {
		t.Fatalf("create Write() error = %v", err)
	}

	// Creating again must fail: the object exists now.
	if _, err := l.Write(ctx, "tickers.txt", []byte("BP\n"), ""); !IsConflict(err) {
		t.Fatalf("second create error = %v, want ErrConflict", err)
	}

	data, version, err := l.Read(ctx, "tickers.txt")
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if string(data) != "VOD\n" || version != v1 {
		t.Fatalf("Read() = %q@%s, want %q@%s", data, version, "VOD\n", v1)
	}

	v2, err := l.Write(ctx, "tickers.txt", []byte("VOD\nBP\n"), v1)
	if err != nil {
		t.Fatalf("update Write() error = %v", err)
	}
	if v2 == v1 {
		t.Error("version should change when content changes")
	}

	if _, err := l.Write(ctx, "tickers.txt", []byte("LLOY\n"), v1); !errors.Is(err, ErrConflict) {
		t.Fatalf("stale Write() error = %v, want ErrConflict", err)
	}

	data, _, _ = l.Read(ctx, "tickers.txt")
	if string(data) != "VOD\nBP\n" {
		t.Errorf("stale write must leave content unchanged, got %q", data)
	}
}

func TestLocalRejectsTraversal(t *testing.T) {
	l := newTestLocal(t)

	for _, name := range []string{"../escape.txt", "/etc/passwd", ""} {
		if _, err := l.Write(context.Background(), name, []byte("x"), ""); err == nil {
			t.Errorf("Write(%q) should fail", name)
		}
	}
}

func TestWriteFileAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "cache.txt")

	if err := WriteFileAtomic(path, []byte("one")); err != nil {
		t.Fatalf("WriteFileAtomic() error = %v", err)
	}
	if err := WriteFileAtomic(path, []byte("two")); err != nil {
		t.Fatalf("WriteFileAtomic() overwrite error = %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(data) != "two" {
		t.Errorf("content = %q, want %q", data, "two")
	}

	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Errorf("temp files left behind: %d entries", len(entries))
	}
}

func TestAlreadyWritten(t *testing.T) {
	ctx := context.Background()
	l := newTestLocal(t)

	if _, ok := alreadyWritten(ctx, l.Read, "tickers.txt", []byte("VOD\n")); ok {
		t.Error("missing object reported as written")
	}

	version, err := l.Write(ctx, "tickers.txt", []byte("VOD\nBP\n"), "")
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	// Our own earlier attempt committed: same content, so not a conflict.
	got, ok := alreadyWritten(ctx, l.Read, "tickers.txt", []byte("VOD\nBP\n"))
	if !ok || got != version {
		t.Errorf("alreadyWritten() = %q, %v; want %q, true", got, ok, version)
	}

	// Someone else changed it: a real conflict.
	if _, ok := alreadyWritten(ctx, l.Read, "tickers.txt", []byte("VOD\nTSCO\n")); ok {
		t.Error("different content reported as written")
	}
}
