// Package server exposes the local status API: queue projections and the
// retry/discard/sync controls the host UI and CLI drive.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/user/refsync/internal/connectivity"
	"github.com/user/refsync/internal/engine"
	"github.com/user/refsync/internal/queue"
)

// Server is the HTTP server for the refsync agent.
type Server struct {
	store      *queue.Store
	engine     *engine.Engine
	monitor    *connectivity.Monitor
	httpServer *http.Server
	router     chi.Router
}

// New creates a new Server.
func New(store *queue.Store, eng *engine.Engine, monitor *connectivity.Monitor, bindAddr string) *Server {
	srv := &Server{store: store, engine: eng, monitor: monitor}
	srv.router = srv.buildRouter()
	srv.httpServer = &http.Server{
		Addr:    bindAddr,
		Handler: srv.router,
	}
	return srv
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(structuredLogger)
	r.Use(middleware.Recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		// Queue projections
		r.Get("/queue", s.handleQueue)
		r.Get("/queue/stats", s.handleQueueStats)
		r.Get("/queue/pending", s.handleQueuePending)
		r.Get("/queue/watch", s.handleQueueWatch)

		// Queue control
		r.Post("/actions", s.handleEnqueue)
		r.Post("/queue/{id}/retry", s.handleRetry)
		r.Post("/queue/retry-all", s.handleRetryAll)
		r.Delete("/queue/{id}", s.handleDiscard)
		r.Post("/queue/clear", s.handleClear)

		// Engine and connectivity
		r.Post("/sync", s.handleSync)
		r.Post("/connectivity", s.handleConnectivity)
	})

	r.Get("/healthz", s.handleHealthz)

	return r
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	slog.Info("status API listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("status API shutting down")
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// JSON response helpers

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string, code string) {
	writeJSON(w, status, map[string]string{"error": msg, "code": code})
}

func decodeJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// Middleware

func structuredLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}
