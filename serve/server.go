// Package serve exposes the control plane over HTTP: starting and
// stopping runs, the live run event stream, trigger management and the
// trigger webhook ingress.
package serve

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/everydev1618/relay/buffer"
	"github.com/everydev1618/relay/store"
	"github.com/everydev1618/relay/trigger"
	"github.com/everydev1618/relay/worker"
)

// Config holds server settings.
type Config struct {
	Addr string
}

// Server is the HTTP surface.
type Server struct {
	cfg      Config
	store    store.Store
	broker   buffer.Broker
	worker   *worker.Worker
	triggers *trigger.Service
	executor *trigger.Executor

	httpServer *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithTriggers wires the trigger service and execution bridge.
func WithTriggers(svc *trigger.Service, exec *trigger.Executor) Option {
	return func(s *Server) {
		s.triggers = svc
		s.executor = exec
	}
}

// New creates a Server.
func New(cfg Config, st store.Store, broker buffer.Broker, w *worker.Worker, opts ...Option) *Server {
	s := &Server{
		cfg:    cfg,
		store:  st,
		broker: broker,
		worker: w,
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/runs/{run_id}", s.handleGetRun)
	mux.HandleFunc("GET /api/runs/{run_id}/stream", s.handleStreamRun)
	mux.HandleFunc("POST /api/runs/{run_id}/stop", s.handleStopRun)
	mux.HandleFunc("POST /api/threads/{thread_id}/runs", s.handleStartRun)
	if s.triggers != nil {
		mux.HandleFunc("POST /api/agents/{agent_id}/triggers", s.handleCreateTrigger)
		mux.HandleFunc("GET /api/agents/{agent_id}/triggers", s.handleListTriggers)
		mux.HandleFunc("GET /api/triggers/{trigger_id}", s.handleGetTrigger)
		mux.HandleFunc("PATCH /api/triggers/{trigger_id}", s.handleUpdateTrigger)
		mux.HandleFunc("DELETE /api/triggers/{trigger_id}", s.handleDeleteTrigger)
		mux.HandleFunc("GET /api/triggers/{trigger_id}/events", s.handleTriggerEvents)
		mux.HandleFunc("POST /api/triggers/{trigger_id}/webhook", s.handleTriggerWebhook)
	}

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the route table; tests drive it directly.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	slog.Info("serve: listening", "addr", s.cfg.Addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the HTTP server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("serve: write response", "error", err)
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
