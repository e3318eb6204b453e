package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/dgraph-io/badger/v4"
	"github.com/user/refsync/internal/action"
)

// Badger is the key-value adapter: the queue snapshot lives under StorageKey
// in an embedded Badger store.
type Badger struct {
	db *badger.DB
}

// OpenBadger creates or opens the queue store at dataDir/badger.
func OpenBadger(dataDir string) (*Badger, error) {
	opts := badger.DefaultOptions(filepath.Join(dataDir, "badger"))
	opts.Logger = nil
	opts.SyncWrites = true
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger queue store: %w", err)
	}
	slog.Info("queue storage opened", "backend", "badger", "dir", opts.Dir)
	return &Badger{db: db}, nil
}

// Load returns the persisted queue, or an empty queue on missing or corrupt
// data. A corrupt value is deleted so the queue self-heals.
func (b *Badger) Load(ctx context.Context) []*action.Action {
	var data []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(StorageKey))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return []*action.Action{}
	}
	if err != nil {
		slog.Warn("load queue snapshot", "backend", "badger", "error", err)
		return []*action.Action{}
	}

	items, err := DecodeSnapshot(data)
	if err != nil {
		slog.Warn("discarding corrupt queue snapshot", "backend", "badger", "error", err)
		b.Clear(ctx)
		return []*action.Action{}
	}
	return items
}

// Save replaces the persisted snapshot with items.
func (b *Badger) Save(_ context.Context, items []*action.Action) {
	data, err := EncodeSnapshot(items)
	if err != nil {
		slog.Warn("encode queue snapshot", "backend", "badger", "error", err)
		return
	}
	err = b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(StorageKey), data)
	})
	if err != nil {
		slog.Warn("save queue snapshot", "backend", "badger", "error", err)
	}
}

// Clear removes the persisted snapshot.
func (b *Badger) Clear(_ context.Context) {
	err := b.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete([]byte(StorageKey))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		slog.Warn("clear queue snapshot", "backend", "badger", "error", err)
	}
}

// Close closes the store.
func (b *Badger) Close() error {
	return b.db.Close()
}

// SetRaw writes raw bytes under the storage key, bypassing the codec.
// Exposed for corruption-recovery tests.
func (b *Badger) SetRaw(data []byte) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(StorageKey), data)
	})
}

// HasRecord reports whether anything is persisted under the storage key.
func (b *Badger) HasRecord() bool {
	err := b.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(StorageKey))
		return err
	})
	return err == nil
}
