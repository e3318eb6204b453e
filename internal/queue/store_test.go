package queue_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/user/refsync/internal/action"
	"github.com/user/refsync/internal/queue"
	"github.com/user/refsync/internal/storage"
)

func testStore(t *testing.T) (*queue.Store, *storage.Memory) {
	t.Helper()
	adapter := storage.NewMemory()
	return queue.Open(context.Background(), adapter), adapter
}

func enqueue(t *testing.T, s *queue.Store, build func() (*action.Action, error)) *action.Action {
	t.Helper()
	a, err := build()
	if err != nil {
		t.Fatalf("build action: %v", err)
	}
	if err := s.Enqueue(context.Background(), a); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return a
}

func TestEnqueueRejectsDuplicateID(t *testing.T) {
	s, _ := testStore(t)
	a := enqueue(t, s, func() (*action.Action, error) {
		return action.NewApplyForExchange("ex-1", "")
	})

	dup := a.Clone()
	if err := s.Enqueue(context.Background(), dup); !errors.Is(err, queue.ErrDuplicateID) {
		t.Fatalf("Enqueue(duplicate) error = %v, want ErrDuplicateID", err)
	}
	if got := len(s.Snapshot().Actions); got != 1 {
		t.Errorf("queue length = %d, want 1", got)
	}
}

func TestMutationsPersistThroughAdapter(t *testing.T) {
	s, adapter := testStore(t)
	ctx := context.Background()

	a := enqueue(t, s, func() (*action.Action, error) {
		return action.NewUpdateCompensation("comp-1", action.CompensationData{}, "")
	})

	// A fresh store on the same adapter must see the enqueued action.
	reopened := queue.Open(ctx, adapter)
	if got := reopened.Snapshot().Get(a.ID); got == nil {
		t.Fatal("enqueued action not persisted")
	}

	if err := s.MarkSyncing(ctx, a.ID); err != nil {
		t.Fatalf("MarkSyncing: %v", err)
	}
	// Persisted syncing state comes back as pending after a restart.
	reopened = queue.Open(ctx, adapter)
	if got := reopened.Snapshot().Get(a.ID); got == nil || got.Status != action.StatusPending {
		t.Fatalf("reloaded status = %v, want pending", got)
	}

	if err := s.MarkSucceeded(ctx, a.ID); err != nil {
		t.Fatalf("MarkSucceeded: %v", err)
	}
	reopened = queue.Open(ctx, adapter)
	if got := len(reopened.Snapshot().Actions); got != 0 {
		t.Errorf("queue length after success = %d, want 0", got)
	}
}

func TestMarkSyncingRequiresPending(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()
	a := enqueue(t, s, func() (*action.Action, error) {
		return action.NewRemoveOwnExchange("ex-1")
	})

	if err := s.MarkSyncing(ctx, a.ID); err != nil {
		t.Fatalf("MarkSyncing: %v", err)
	}
	if err := s.MarkSyncing(ctx, a.ID); err == nil {
		t.Fatal("MarkSyncing on a syncing action succeeded, want error")
	}
	if err := s.MarkSyncing(ctx, "act_missing"); !errors.Is(err, queue.ErrNotFound) {
		t.Errorf("MarkSyncing(missing) error = %v, want ErrNotFound", err)
	}
}

func TestRequeueTransientBoundsRetries(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()
	a := enqueue(t, s, func() (*action.Action, error) {
		return action.NewUpdateCompensation("comp-1", action.CompensationData{}, "G-9")
	})

	for attempt := 1; attempt < queue.MaxRetries; attempt++ {
		terminal, err := s.RequeueTransient(ctx, a.ID, "connection refused", time.Minute)
		if err != nil {
			t.Fatalf("RequeueTransient(attempt %d): %v", attempt, err)
		}
		if terminal {
			t.Fatalf("attempt %d reported terminal", attempt)
		}
		got := s.Snapshot().Get(a.ID)
		if got.Status != action.StatusPending {
			t.Fatalf("attempt %d status = %q, want pending", attempt, got.Status)
		}
		if got.RetryCount != attempt {
			t.Fatalf("attempt %d retry count = %d", attempt, got.RetryCount)
		}
	}

	terminal, err := s.RequeueTransient(ctx, a.ID, "connection refused", time.Minute)
	if err != nil {
		t.Fatalf("RequeueTransient(final): %v", err)
	}
	if !terminal {
		t.Fatal("final attempt not reported terminal")
	}
	got := s.Snapshot().Get(a.ID)
	if got.Status != action.StatusFailed {
		t.Errorf("status = %q, want failed", got.Status)
	}
	if got.RetryCount != queue.MaxRetries {
		t.Errorf("retry count = %d, want %d", got.RetryCount, queue.MaxRetries)
	}
	if got.Error == "" {
		t.Error("terminal failure has no error message")
	}
	if got.Conflict {
		t.Error("transient exhaustion must not be flagged as conflict")
	}
}

func TestFailTerminalSetsConflict(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()
	a := enqueue(t, s, func() (*action.Action, error) {
		return action.NewApplyForExchange("ex-1", "G-3")
	})

	if err := s.FailTerminal(ctx, a.ID, "game G-3: exchange already taken", true); err != nil {
		t.Fatalf("FailTerminal: %v", err)
	}
	got := s.Snapshot().Get(a.ID)
	if got.Status != action.StatusFailed {
		t.Errorf("status = %q, want failed", got.Status)
	}
	if !got.Conflict {
		t.Error("conflict flag not set")
	}
	if got.RetryCount != 0 {
		t.Errorf("retry count = %d, conflict must not consume retries", got.RetryCount)
	}
}

func TestRetryRearmsFailedAction(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()
	a := enqueue(t, s, func() (*action.Action, error) {
		return action.NewRemoveOwnExchange("ex-2")
	})

	if err := s.Retry(ctx, a.ID); err == nil {
		t.Fatal("Retry on a pending action succeeded, want error")
	}

	if err := s.FailTerminal(ctx, a.ID, "boom", true); err != nil {
		t.Fatalf("FailTerminal: %v", err)
	}
	if err := s.Retry(ctx, a.ID); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	got := s.Snapshot().Get(a.ID)
	if got.Status != action.StatusPending {
		t.Errorf("status = %q, want pending", got.Status)
	}
	if got.RetryCount != 0 || got.Error != "" || got.Conflict {
		t.Errorf("retry left residue: count=%d error=%q conflict=%v", got.RetryCount, got.Error, got.Conflict)
	}
}

func TestRetryAll(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	failed1 := enqueue(t, s, func() (*action.Action, error) {
		return action.NewUpdateCompensation("c1", action.CompensationData{}, "")
	})
	pending := enqueue(t, s, func() (*action.Action, error) {
		return action.NewUpdateCompensation("c2", action.CompensationData{}, "")
	})
	failed2 := enqueue(t, s, func() (*action.Action, error) {
		return action.NewUpdateCompensation("c3", action.CompensationData{}, "")
	})
	s.FailTerminal(ctx, failed1.ID, "x", false)
	s.FailTerminal(ctx, failed2.ID, "y", true)

	if got := s.RetryAll(ctx); got != 2 {
		t.Fatalf("RetryAll = %d, want 2", got)
	}
	snap := s.Snapshot()
	if snap.FailedCount != 0 {
		t.Errorf("failed count = %d, want 0", snap.FailedCount)
	}
	if snap.PendingCount != 3 {
		t.Errorf("pending count = %d, want 3", snap.PendingCount)
	}
	_ = pending

	if got := s.RetryAll(ctx); got != 0 {
		t.Errorf("second RetryAll = %d, want 0", got)
	}
}

func TestDiscardAndClear(t *testing.T) {
	s, adapter := testStore(t)
	ctx := context.Background()

	a := enqueue(t, s, func() (*action.Action, error) {
		return action.NewApplyForExchange("ex-1", "")
	})
	b := enqueue(t, s, func() (*action.Action, error) {
		return action.NewApplyForExchange("ex-2", "")
	})

	if err := s.Discard(ctx, a.ID); err != nil {
		t.Fatalf("Discard: %v", err)
	}
	if err := s.Discard(ctx, a.ID); !errors.Is(err, queue.ErrNotFound) {
		t.Errorf("second Discard error = %v, want ErrNotFound", err)
	}
	if s.Snapshot().Get(b.ID) == nil {
		t.Error("discard removed the wrong action")
	}

	s.Clear(ctx)
	if got := len(s.Snapshot().Actions); got != 0 {
		t.Errorf("queue length after clear = %d", got)
	}
	if adapter.HasRecord() {
		t.Error("persisted record remains after clear")
	}
}

func TestSubscribersSeeEveryMutation(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	var seen []queue.Snapshot
	cancel := s.Subscribe(func(snap queue.Snapshot) {
		seen = append(seen, snap)
	})

	a := enqueue(t, s, func() (*action.Action, error) {
		return action.NewRemoveOwnExchange("ex-1")
	})
	s.MarkSyncing(ctx, a.ID)
	s.MarkSucceeded(ctx, a.ID)

	if len(seen) != 3 {
		t.Fatalf("subscriber saw %d snapshots, want 3", len(seen))
	}
	if seen[0].PendingCount != 1 {
		t.Errorf("first snapshot pending = %d, want 1", seen[0].PendingCount)
	}
	if !seen[1].Syncing {
		t.Error("second snapshot not marked syncing")
	}
	if len(seen[2].Actions) != 0 {
		t.Errorf("third snapshot has %d actions, want 0", len(seen[2].Actions))
	}

	cancel()
	enqueue(t, s, func() (*action.Action, error) {
		return action.NewRemoveOwnExchange("ex-2")
	})
	if len(seen) != 3 {
		t.Errorf("cancelled subscriber still notified (%d snapshots)", len(seen))
	}
}

func TestHasPendingFor(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	a := enqueue(t, s, func() (*action.Action, error) {
		return action.NewUpdateCompensation("c1", action.CompensationData{}, "")
	})
	snap := s.Snapshot()
	if !snap.HasPendingFor("compensation/c1") {
		t.Error("pending action not reported for its entity")
	}
	if snap.HasPendingFor("compensation/other") {
		t.Error("unrelated entity reported pending")
	}

	s.MarkSyncing(ctx, a.ID)
	if !s.Snapshot().HasPendingFor("compensation/c1") {
		t.Error("syncing action must still count as not-yet-delivered")
	}

	s.FailTerminal(ctx, a.ID, "x", false)
	if s.Snapshot().HasPendingFor("compensation/c1") {
		t.Error("terminally failed action must not count as pending")
	}
}
