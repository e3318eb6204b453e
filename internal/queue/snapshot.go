package queue

import (
	"github.com/user/refsync/internal/action"
)

// Snapshot is an immutable view of the queue published to subscribers.
// Actions are clones; holders cannot reach queue-internal state.
type Snapshot struct {
	Actions      []*action.Action `json:"actions"`
	PendingCount int              `json:"pending_count"`
	FailedCount  int              `json:"failed_count"`
	Syncing      bool             `json:"syncing"`
}

func (s *Store) snapshotLocked() Snapshot {
	snap := Snapshot{Actions: make([]*action.Action, 0, len(s.items))}
	for _, a := range s.items {
		snap.Actions = append(snap.Actions, a.Clone())
		switch a.Status {
		case action.StatusPending:
			snap.PendingCount++
		case action.StatusSyncing:
			snap.Syncing = true
		case action.StatusFailed:
			snap.FailedCount++
		}
	}
	return snap
}

// Snapshot returns the current queue state.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// HasPendingFor reports whether any not-yet-delivered action (pending or
// syncing) targets the given entity key.
func (s Snapshot) HasPendingFor(entityKey string) bool {
	for _, a := range s.Actions {
		if a.Status == action.StatusFailed {
			continue
		}
		for _, k := range a.EntityKeys() {
			if k == entityKey {
				return true
			}
		}
	}
	return false
}

// Get returns the queued action with the given id, or nil.
func (s Snapshot) Get(id string) *action.Action {
	for _, a := range s.Actions {
		if a.ID == id {
			return a
		}
	}
	return nil
}
