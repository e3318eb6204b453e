// Package storage persists the action queue snapshot behind a uniform
// load/save/clear contract with one implementation per platform store.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/user/refsync/internal/action"
)

// StorageKey is the single fixed key the queue snapshot lives under,
// regardless of backend.
const StorageKey = "refsync.queue.v1"

// ErrCorruptSnapshot marks persisted data that failed to decode or validate.
// The loader responds by discarding the whole record: replaying
// partially-corrupt intent is worse than losing the queue.
var ErrCorruptSnapshot = errors.New("corrupt queue snapshot")

// Adapter is the persistence contract for the action queue.
//
// Storage failures are caught and logged inside the adapter; they never
// escape to the caller. Load returns an empty queue on missing or corrupt
// data (clearing the corrupt record), and Save/Clear are best-effort: the
// in-memory queue stays authoritative if the backend write fails.
type Adapter interface {
	Load(ctx context.Context) []*action.Action
	Save(ctx context.Context, items []*action.Action)
	Clear(ctx context.Context)
	Close() error
}

// EncodeSnapshot serializes the queue as a JSON array of action records,
// preserving order.
func EncodeSnapshot(items []*action.Action) ([]byte, error) {
	if items == nil {
		items = []*action.Action{}
	}
	data, err := json.Marshal(items)
	if err != nil {
		return nil, fmt.Errorf("encode queue snapshot: %w", err)
	}
	return data, nil
}

// DecodeSnapshot parses a persisted snapshot. Every record is validated
// against the action record schema; any parse, shape or validation failure,
// including a duplicate action id, yields ErrCorruptSnapshot.
//
// Actions persisted in syncing status come back as pending: a persisted
// "syncing" is never authoritative, since the process may have died without
// knowing whether the in-flight call committed.
func DecodeSnapshot(data []byte) ([]*action.Action, error) {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}
	items := make([]*action.Action, 0, len(raws))
	seen := make(map[string]struct{}, len(raws))
	for _, raw := range raws {
		if err := action.ValidateRecord(raw); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
		}
		var a action.Action
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
		}
		if _, dup := seen[a.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate action id %s", ErrCorruptSnapshot, a.ID)
		}
		seen[a.ID] = struct{}{}
		if a.Status == action.StatusSyncing {
			a.Status = action.StatusPending
		}
		items = append(items, &a)
	}
	return items, nil
}
