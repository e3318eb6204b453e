// Package queue owns the ordered action queue: all status transitions go
// through the Store, which is the only writer to the storage adapter.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/user/refsync/internal/action"
	"github.com/user/refsync/internal/storage"
)

// MaxRetries bounds transient retries per action. The attempt that would
// push retry_count past this bound turns the action terminally failed.
const MaxRetries = 3

var (
	// ErrDuplicateID rejects enqueueing an action whose id is already queued.
	ErrDuplicateID = errors.New("duplicate action id")
	// ErrNotFound reports an action id that is not in the queue.
	ErrNotFound = errors.New("action not found")
)

// Store is the ordered, reactive action queue. Insertion order is the causal
// order of user intent and is preserved across persistence round-trips.
type Store struct {
	mu      sync.Mutex
	items   []*action.Action
	adapter storage.Adapter
	subs    map[int]func(Snapshot)
	nextSub int
}

// Open creates a Store on top of adapter and loads the persisted queue.
// Actions persisted mid-sync come back as pending (the adapter normalizes).
func Open(ctx context.Context, adapter storage.Adapter) *Store {
	s := &Store{
		adapter: adapter,
		subs:    make(map[int]func(Snapshot)),
	}
	s.items = adapter.Load(ctx)
	slog.Info("queue loaded", "actions", len(s.items))
	return s
}

// Subscribe registers fn to receive a snapshot after every mutation.
// The returned cancel func unregisters it. fn must not call back into the
// Store.
func (s *Store) Subscribe(fn func(Snapshot)) (cancel func()) {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// commit persists the current queue and builds the snapshot to publish.
// Called with mu held.
func (s *Store) commit(ctx context.Context) (Snapshot, []func(Snapshot)) {
	s.adapter.Save(ctx, s.items)
	snap := s.snapshotLocked()
	subs := make([]func(Snapshot), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	return snap, subs
}

func publish(snap Snapshot, subs []func(Snapshot)) {
	for _, fn := range subs {
		fn(snap)
	}
}

// Enqueue appends a at the tail of the queue.
func (s *Store) Enqueue(ctx context.Context, a *action.Action) error {
	s.mu.Lock()
	for _, existing := range s.items {
		if existing.ID == a.ID {
			s.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrDuplicateID, a.ID)
		}
	}
	s.items = append(s.items, a)
	snap, subs := s.commit(ctx)
	s.mu.Unlock()

	slog.Debug("action enqueued", "id", a.ID, "kind", a.Kind)
	publish(snap, subs)
	return nil
}

func (s *Store) find(id string) (*action.Action, int) {
	for i, a := range s.items {
		if a.ID == id {
			return a, i
		}
	}
	return nil, -1
}

// MarkSyncing transitions a pending action to syncing.
func (s *Store) MarkSyncing(ctx context.Context, id string) error {
	s.mu.Lock()
	a, _ := s.find(id)
	if a == nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if a.Status != action.StatusPending {
		status := a.Status
		s.mu.Unlock()
		return fmt.Errorf("action %s is %s, not pending", id, status)
	}
	a.Status = action.StatusSyncing
	snap, subs := s.commit(ctx)
	s.mu.Unlock()

	publish(snap, subs)
	return nil
}

// MarkSucceeded removes a confirmed-delivered action from the queue.
func (s *Store) MarkSucceeded(ctx context.Context, id string) error {
	s.mu.Lock()
	a, i := s.find(id)
	if a == nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s.items = append(s.items[:i], s.items[i+1:]...)
	snap, subs := s.commit(ctx)
	s.mu.Unlock()

	slog.Debug("action succeeded", "id", id, "kind", a.Kind)
	publish(snap, subs)
	return nil
}

// RequeueTransient records a transient failure: retry_count is incremented
// and the action returns to pending, not eligible again before delay has
// elapsed. At the retry bound the action turns terminally failed instead.
// Returns true when the failure was terminal.
func (s *Store) RequeueTransient(ctx context.Context, id, errMsg string, delay time.Duration) (bool, error) {
	s.mu.Lock()
	a, _ := s.find(id)
	if a == nil {
		s.mu.Unlock()
		return false, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	a.RetryCount++
	terminal := a.RetryCount >= MaxRetries
	if terminal {
		a.Status = action.StatusFailed
		a.Error = fmt.Sprintf("max retries (%d) exceeded: %s", MaxRetries, errMsg)
	} else {
		a.Status = action.StatusPending
		a.Error = errMsg
		a.NotBefore = time.Now().Add(delay)
	}
	retryCount := a.RetryCount
	snap, subs := s.commit(ctx)
	s.mu.Unlock()

	if terminal {
		slog.Warn("action failed permanently", "id", id, "retries", retryCount, "error", errMsg)
	} else {
		slog.Debug("action requeued", "id", id, "retry", retryCount, "delay", delay, "error", errMsg)
	}
	publish(snap, subs)
	return terminal, nil
}

// FailTerminal marks an action terminally failed. conflict tags failures
// caused by the target entity changing server-side, so the UI can offer
// entity-specific resolution instead of a blind retry.
func (s *Store) FailTerminal(ctx context.Context, id, errMsg string, conflict bool) error {
	s.mu.Lock()
	a, _ := s.find(id)
	if a == nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	a.Status = action.StatusFailed
	a.Error = errMsg
	a.Conflict = conflict
	snap, subs := s.commit(ctx)
	s.mu.Unlock()

	slog.Warn("action failed permanently", "id", id, "conflict", conflict, "error", errMsg)
	publish(snap, subs)
	return nil
}

// Retry re-arms a failed action: back to pending at retry_count 0 with its
// error cleared.
func (s *Store) Retry(ctx context.Context, id string) error {
	s.mu.Lock()
	a, _ := s.find(id)
	if a == nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if a.Status != action.StatusFailed {
		status := a.Status
		s.mu.Unlock()
		return fmt.Errorf("action %s is %s, not failed", id, status)
	}
	s.rearmLocked(a)
	snap, subs := s.commit(ctx)
	s.mu.Unlock()

	publish(snap, subs)
	return nil
}

// RetryAll re-arms every failed action and returns how many were re-armed.
func (s *Store) RetryAll(ctx context.Context) int {
	s.mu.Lock()
	count := 0
	for _, a := range s.items {
		if a.Status == action.StatusFailed {
			s.rearmLocked(a)
			count++
		}
	}
	if count == 0 {
		s.mu.Unlock()
		return 0
	}
	snap, subs := s.commit(ctx)
	s.mu.Unlock()

	slog.Info("failed actions re-armed", "count", count)
	publish(snap, subs)
	return count
}

func (s *Store) rearmLocked(a *action.Action) {
	a.Status = action.StatusPending
	a.RetryCount = 0
	a.Error = ""
	a.Conflict = false
	a.NotBefore = time.Time{}
}

// Discard removes an action regardless of status.
func (s *Store) Discard(ctx context.Context, id string) error {
	s.mu.Lock()
	a, i := s.find(id)
	if a == nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s.items = append(s.items[:i], s.items[i+1:]...)
	snap, subs := s.commit(ctx)
	s.mu.Unlock()

	slog.Info("action discarded", "id", id, "kind", a.Kind)
	publish(snap, subs)
	return nil
}

// Clear empties the queue and removes the persisted snapshot.
func (s *Store) Clear(ctx context.Context) {
	s.mu.Lock()
	s.items = nil
	s.adapter.Clear(ctx)
	snap := s.snapshotLocked()
	subs := make([]func(Snapshot), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	slog.Info("queue cleared")
	publish(snap, subs)
}
