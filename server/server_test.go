package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
)

type fakePoller struct {
	err     error
	started chan struct{}
	block   chan struct{}
	runs    int
}

func (f *fakePoller) Run(context.Context) error {
	f.runs++
	if f.block != nil {
		close(f.started)
		<-f.block
	}
	return f.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestHandlers(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		path       string
		pollErr    error
		wantStatus int
		wantBody   string
		wantRuns   int
	}{
		{name: "health", method: http.MethodGet, path: "/health", wantStatus: http.StatusOK, wantBody: "healthy"},
		{name: "health wrong method", method: http.MethodPost, path: "/health", wantStatus: http.StatusMethodNotAllowed},
		{name: "poll", method: http.MethodPost, path: "/pollz", wantStatus: http.StatusOK, wantBody: "completed", wantRuns: 1},
		{name: "poll failure", method: http.MethodPost, path: "/pollz", pollErr: errors.New("ledger unreadable"), wantStatus: http.StatusInternalServerError, wantBody: "failed", wantRuns: 1},
		{name: "poll wrong method", method: http.MethodGet, path: "/pollz", wantStatus: http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &fakePoller{err: tt.pollErr}
			h := New(p, testLogger()).Handler()

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, http.NoBody))

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantBody != "" && !strings.Contains(rec.Body.String(), tt.wantBody) {
				t.Errorf("body = %q, want it to contain %q", rec.Body.String(), tt.wantBody)
			}
			if p.runs != tt.wantRuns {
				t.Errorf("runs = %d, want %d", p.runs, tt.wantRuns)
			}
		})
	}
}

func TestPollRejectsConcurrentRun(t *testing.T) {
	p := &fakePoller{started: make(chan struct{}), block: make(chan struct{})}
	h := New(p, testLogger()).Handler()

	done := make(chan struct{})
	go func() {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/pollz", http.NoBody))
		close(done)
	}()

	<-p.started

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/pollz", http.NoBody))
	if rec.Code != http.StatusConflict {
		t.Errorf("concurrent poll status = %d, want %d", rec.Code, http.StatusConflict)
	}

	close(p.block)
	<-done
}
