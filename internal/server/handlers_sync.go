package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/user/refsync/internal/queue"
)

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	s.engine.Kick()
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status": "sync requested",
		"online": s.monitor.Online(),
	})
}

func (s *Server) handleConnectivity(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Online *bool `json:"online"` // null clears the override
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body", "BAD_JSON")
		return
	}
	if req.Online == nil {
		s.monitor.Unforce()
	} else {
		s.monitor.Force(*req.Online)
	}
	if s.monitor.Online() {
		s.engine.Kick()
	}
	writeJSON(w, http.StatusOK, map[string]bool{"online": s.monitor.Online()})
}

// handleQueueWatch streams queue snapshots as Server-Sent Events: one event
// per mutation, plus an initial snapshot and periodic keepalives.
func (s *Server) handleQueueWatch(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported", "SSE_UNSUPPORTED")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// Coalescing buffer: a slow consumer sees the latest snapshot, not a
	// backlog of intermediate ones.
	updates := make(chan queue.Snapshot, 1)
	cancel := s.store.Subscribe(func(snap queue.Snapshot) {
		select {
		case updates <- snap:
		default:
			select {
			case <-updates:
			default:
			}
			select {
			case updates <- snap:
			default:
			}
		}
	})
	defer cancel()

	writeSSE(w, "snapshot", s.store.Snapshot())
	flusher.Flush()

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			_, _ = fmt.Fprintf(w, ":keepalive\n\n")
			flusher.Flush()
		case snap := <-updates:
			writeSSE(w, "snapshot", snap)
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, event string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}
