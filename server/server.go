// Package server exposes the HTTP trigger surface: a health check and an
// endpoint that runs one scan invocation, for schedulers that call URLs.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Poller runs one invocation.
type Poller interface {
	Run(ctx context.Context) error
}

// Server handles HTTP requests.
type Server struct {
	poller Poller
	logger *slog.Logger
	// running serializes invocations: the ledger has a single writer.
	running sync.Mutex
}

// New creates a new HTTP server handler.
func New(poller Poller, logger *slog.Logger) *Server {
	return &Server{poller: poller, logger: logger}
}

// Handler returns the routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/pollz", s.handlePoll)
	return mux
}

// ListenAndServe serves on port until ctx is cancelled, then shuts down.
func (s *Server) ListenAndServe(ctx context.Context, port string) error {
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      5 * time.Minute, // A scan runs inside the request
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", "port", port)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info("Shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !s.running.TryLock() {
		s.logger.Warn("Poll already running, rejecting trigger")
		s.writeJSON(w, http.StatusConflict, map[string]string{"status": "busy"})
		return
	}
	defer s.running.Unlock()

	s.logger.Info("Poll endpoint triggered")
	if err := s.poller.Run(r.Context()); err != nil {
		s.logger.Error("Poll run failed", "error", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"status": "failed"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "completed"})
}
