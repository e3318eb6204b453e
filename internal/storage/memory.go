package storage

import (
	"context"
	"log/slog"
	"sync"

	"github.com/user/refsync/internal/action"
)

// Memory keeps the snapshot in process memory behind the same contract as the
// durable adapters. Used by tests and by hosts that manage their own
// persistence.
type Memory struct {
	mu   sync.Mutex
	data []byte
}

// NewMemory returns an empty in-memory adapter.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Load(ctx context.Context) []*action.Action {
	m.mu.Lock()
	data := m.data
	m.mu.Unlock()
	if data == nil {
		return []*action.Action{}
	}
	items, err := DecodeSnapshot(data)
	if err != nil {
		slog.Warn("discarding corrupt queue snapshot", "backend", "memory", "error", err)
		m.Clear(ctx)
		return []*action.Action{}
	}
	return items
}

func (m *Memory) Save(_ context.Context, items []*action.Action) {
	data, err := EncodeSnapshot(items)
	if err != nil {
		slog.Warn("encode queue snapshot", "backend", "memory", "error", err)
		return
	}
	m.mu.Lock()
	m.data = data
	m.mu.Unlock()
}

func (m *Memory) Clear(_ context.Context) {
	m.mu.Lock()
	m.data = nil
	m.mu.Unlock()
}

func (m *Memory) Close() error { return nil }

// SetRaw replaces the stored bytes, bypassing the codec.
func (m *Memory) SetRaw(data []byte) {
	m.mu.Lock()
	m.data = data
	m.mu.Unlock()
}

// HasRecord reports whether anything is stored.
func (m *Memory) HasRecord() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data != nil
}
