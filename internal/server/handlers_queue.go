package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/user/refsync/internal/action"
	"github.com/user/refsync/internal/queue"
)

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.Snapshot())
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	snap := s.store.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"total":         len(snap.Actions),
		"pending_count": snap.PendingCount,
		"failed_count":  snap.FailedCount,
		"syncing":       snap.Syncing,
		"online":        s.monitor.Online(),
	})
}

func (s *Server) handleQueuePending(w http.ResponseWriter, r *http.Request) {
	entity := r.URL.Query().Get("entity")
	if entity == "" {
		writeError(w, http.StatusBadRequest, "entity query parameter is required", "MISSING_ENTITY")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entity":  entity,
		"pending": s.store.Snapshot().HasPendingFor(entity),
	})
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Kind    string          `json:"kind"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body", "BAD_JSON")
		return
	}

	a, err := action.New(req.Kind, req.Payload)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "INVALID_ACTION")
		return
	}
	if err := s.store.Enqueue(r.Context(), a); err != nil {
		writeError(w, http.StatusConflict, err.Error(), "DUPLICATE_ID")
		return
	}
	s.engine.Kick()
	writeJSON(w, http.StatusCreated, map[string]string{
		"id":     a.ID,
		"status": a.Status,
	})
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.store.Retry(r.Context(), id); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, queue.ErrNotFound) {
			status = http.StatusNotFound
		}
		writeError(w, status, err.Error(), "RETRY_FAILED")
		return
	}
	s.engine.Kick()
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": action.StatusPending})
}

func (s *Server) handleRetryAll(w http.ResponseWriter, r *http.Request) {
	count := s.store.RetryAll(r.Context())
	if count > 0 {
		s.engine.Kick()
	}
	writeJSON(w, http.StatusOK, map[string]int{"retried": count})
}

func (s *Server) handleDiscard(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.store.Discard(r.Context(), id); err != nil {
		writeError(w, http.StatusNotFound, err.Error(), "NOT_FOUND")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "discarded"})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	s.store.Clear(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}
