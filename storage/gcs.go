package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/googleapi"
)

// GCS stores objects in a Cloud Storage bucket. The version of an object
// is its generation number.
type GCS struct {
	client  *storage.Client
	logger  *slog.Logger
	bucket  string
	timeout time.Duration
}

// NewGCS creates a Cloud Storage backed store. timeout bounds each request.
func NewGCS(client *storage.Client, bucket string, timeout time.Duration, logger *slog.Logger) *GCS {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &GCS{
		client:  client,
		bucket:  bucket,
		timeout: timeout,
		logger:  logger,
	}
}

// Read reads an object and its generation.
func (g *GCS) Read(ctx context.Context, name string) ([]byte, string, error) {
	var data []byte
	var generation int64
	missing := false

	err := retry.Do(
		func() error {
			ctx, cancel := context.WithTimeout(ctx, g.timeout)
			defer cancel()

			r, err := g.client.Bucket(g.bucket).Object(name).NewReader(ctx)
			if err != nil {
				// Don't retry on "not found" errors
				if errors.Is(err, storage.ErrObjectNotExist) {
					missing = true
					return retry.Unrecoverable(err)
				}
				return fmt.Errorf("open storage reader: %w", err)
			}
			defer func() {
				if closeErr := r.Close(); closeErr != nil {
					g.logger.Warn("Failed to close storage reader", "error", closeErr)
				}
			}()

			data, err = io.ReadAll(r)
			if err != nil {
				return fmt.Errorf("read from storage: %w", err)
			}
			generation = r.Attrs.Generation
			return nil
		},
		retry.Attempts(3),
		retry.Delay(500*time.Millisecond),
		retry.MaxDelay(5*time.Second),
		retry.MaxJitter(500*time.Millisecond),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			g.logger.Info("Retrying storage read after error", "attempt", n, "name", name, "error", err)
		}),
	)
	if missing {
		return nil, "", ErrNotExist
	}
	if err != nil {
		return nil, "", fmt.Errorf("read after retries: %w", err)
	}

	return data, strconv.FormatInt(generation, 10), nil
}

// Write replaces an object if its generation still equals version.
func (g *GCS) Write(ctx context.Context, name string, data []byte, version string) (string, error) {
	cond := storage.Conditions{DoesNotExist: true}
	if version != "" {
		gen, err := strconv.ParseInt(version, 10, 64)
		if err != nil {
			return "", fmt.Errorf("invalid generation %q: %w", version, err)
		}
		cond = storage.Conditions{GenerationMatch: gen}
	}

	var generation int64
	conflict := false
	attempts := 0

	err := retry.Do(
		func() error {
			attempts++
			ctx, cancel := context.WithTimeout(ctx, g.timeout)
			defer cancel()

			w := g.client.Bucket(g.bucket).Object(name).If(cond).NewWriter(ctx)
			w.ContentType = "text/plain; charset=utf-8"
			if _, err := w.Write(data); err != nil {
				if closeErr := w.Close(); closeErr != nil {
					g.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write to storage: %w", err)
			}
			if err := w.Close(); err != nil {
				if isPreconditionFailed(err) {
					conflict = true
					return retry.Unrecoverable(err)
				}
				return fmt.Errorf("close storage writer: %w", err)
			}
			generation = w.Attrs().Generation
			return nil
		},
		retry.Attempts(3),
		retry.Delay(500*time.Millisecond),
		retry.MaxDelay(5*time.Second),
		retry.MaxJitter(500*time.Millisecond),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			g.logger.Info("Retrying storage write after error", "attempt", n, "name", name, "error", err)
		}),
	)
	if conflict && attempts > 1 {
		// An earlier attempt may have committed before its response was lost.
		if gen, ok := alreadyWritten(ctx, g.Read, name, data); ok {
			g.logger.Info("Storage write already applied by earlier attempt", "name", name, "generation", gen)
			return gen, nil
		}
	}
	if conflict {
		g.logger.Info("Storage write rejected, stale generation", "name", name, "generation", version)
		return "", ErrConflict
	}
	if err != nil {
		return "", fmt.Errorf("write after retries: %w", err)
	}

	g.logger.Info("Object saved", "bucket", g.bucket, "name", name, "generation", generation, "bytes", len(data))
	return strconv.FormatInt(generation, 10), nil
}

// alreadyWritten reports whether the object now holds exactly data, and its
// version if so.
func alreadyWritten(ctx context.Context, read func(context.Context, string) ([]byte, string, error), name string, data []byte) (string, bool) {
	current, version, err := read(ctx, name)
	if err != nil || !bytes.Equal(current, data) {
		return "", false
	}
	return version, true
}

func isPreconditionFailed(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed
}
