// Package api implements the HTTP API server for p4review.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sprite-ai/p4review/internal/review"
)

// Server is the p4review HTTP API server.
type Server struct {
	addr   string
	engine *review.Engine
	log    *slog.Logger
	mux    *http.ServeMux
	server *http.Server
}

// New creates a new API server backed by engine.
func New(addr string, engine *review.Engine, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{addr: addr, engine: engine, log: log.With("component", "api")}
	s.mux = http.NewServeMux()
	s.registerRoutes()
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.Handle("GET /metrics", promhttp.Handler())

	s.mux.HandleFunc("GET /api/reviews", s.handleSearch)
	s.mux.HandleFunc("POST /api/reviews", s.handleCreate)
	s.mux.HandleFunc("GET /api/reviews/{id}", s.handleGet)
	s.mux.HandleFunc("DELETE /api/reviews/{id}", s.handleDelete)
	s.mux.HandleFunc("POST /api/reviews/{id}/changes", s.handleUpdate)
	s.mux.HandleFunc("POST /api/reviews/{id}/participants", s.handleParticipants)
	s.mux.HandleFunc("POST /api/reviews/{id}/votes", s.handleVote)
	s.mux.HandleFunc("DELETE /api/reviews/{id}/votes/{user}", s.handleClearVote)
	s.mux.HandleFunc("POST /api/reviews/{id}/state", s.handleState)
	s.mux.HandleFunc("POST /api/reviews/{id}/status", s.handleStatus)
	s.mux.HandleFunc("POST /api/reviews/{id}/commit", s.handleCommit)
	s.mux.HandleFunc("GET /api/reviews/{id}/diff", s.handleDiff)
	s.mux.HandleFunc("GET /api/ws", s.handleWebSocket)
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	s.log.Info("p4review API server listening", "addr", s.addr)
	return s.server.ListenAndServe()
}

// Shutdown stops accepting connections and waits for active requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Handler returns the HTTP handler for testing.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// writeJSON writes a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		s.log.Warn("json encode error", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// fail maps an engine error onto an HTTP status.
func (s *Server) fail(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", "error", err)
	}
	s.writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, review.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, review.ErrInvalidVote),
		errors.Is(err, review.ErrInvalidState),
		errors.Is(err, review.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, review.ErrConcurrencyConflict),
		errors.Is(err, review.ErrCommitFailed):
		return http.StatusConflict
	case errors.Is(err, review.ErrBackendUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// readJSON decodes a JSON request body into v.
func readJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return fmt.Errorf("empty request body")
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	return dec.Decode(v)
}
