// Package server exposes the status sink over HTTP: a WebSocket stream of
// sync updates, the latest destination statuses as JSON, and an endpoint
// that triggers a sync for a user.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ridafkih/keeper.sh-sub000/internal/broadcast"
	"github.com/ridafkih/keeper.sh-sub000/internal/trigger"
)

// Triggerer starts an asynchronous sync for a user.
// Implemented by [trigger.Scheduler].
type Triggerer interface {
	Trigger(userID string) error
}

// Server routes requests to the hub and the trigger.
type Server struct {
	hub  *broadcast.Hub
	trig Triggerer
	log  *slog.Logger
}

// New creates a Server.
func New(hub *broadcast.Hub, trig Triggerer, logger *slog.Logger) *Server {
	return &Server{hub: hub, trig: trig, log: logger}
}

// Router returns the HTTP handler.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.healthHandler)
	mux.HandleFunc("GET /ws", broadcast.HandleWebSocket(s.hub, s.log))
	mux.HandleFunc("GET /users/{id}/status", s.statusHandler)
	mux.HandleFunc("POST /users/{id}/sync", s.syncHandler)
	return mux
}

// ListenAndServe serves on addr until ctx ends, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	httpServer := &http.Server{
		Addr:        addr,
		Handler:     s.Router(),
		ReadTimeout: 5 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}
	return nil
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.hub.Statuses(r.PathValue("id")))
}

func (s *Server) syncHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("id")
	err := s.trig.Trigger(userID)
	switch {
	case errors.Is(err, trigger.ErrUnknownUser):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown user"})
	case errors.Is(err, trigger.ErrStopped):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "shutting down"})
	case err != nil:
		s.log.Error("triggering sync", "user_id", userID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	default:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "sync started"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
