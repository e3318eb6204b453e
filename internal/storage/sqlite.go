package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/user/refsync/internal/action"
	_ "modernc.org/sqlite"
)

// SQLite is the structured-storage adapter: the queue snapshot lives in a
// single document row keyed by StorageKey.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite creates or opens the queue database at dataDir/refsync.db.
// It configures WAL mode, synchronous=NORMAL and a busy timeout, and creates
// the snapshot table if needed.
func OpenSQLite(dataDir string) (*SQLite, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, "refsync.db")
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open queue db: %w", err)
	}
	// One writer; the snapshot is a single row, reads go through it too.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping queue db: %w", err)
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS queue_snapshot (
		storage_key TEXT PRIMARY KEY,
		data        BLOB NOT NULL,
		updated_at  TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%f', 'now'))
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create queue_snapshot table: %w", err)
	}

	slog.Info("queue storage opened", "backend", "sqlite", "path", dbPath)
	return &SQLite{db: db}, nil
}

// Load returns the persisted queue, or an empty queue on missing or corrupt
// data. A corrupt row is deleted so the queue self-heals.
func (s *SQLite) Load(ctx context.Context) []*action.Action {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT data FROM queue_snapshot WHERE storage_key = ?", StorageKey).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return []*action.Action{}
	}
	if err != nil {
		slog.Warn("load queue snapshot", "backend", "sqlite", "error", err)
		return []*action.Action{}
	}

	items, err := DecodeSnapshot(data)
	if err != nil {
		slog.Warn("discarding corrupt queue snapshot", "backend", "sqlite", "error", err)
		s.Clear(ctx)
		return []*action.Action{}
	}
	return items
}

// Save replaces the persisted snapshot with items.
func (s *SQLite) Save(ctx context.Context, items []*action.Action) {
	data, err := EncodeSnapshot(items)
	if err != nil {
		slog.Warn("encode queue snapshot", "backend", "sqlite", "error", err)
		return
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO queue_snapshot (storage_key, data, updated_at)
		VALUES (?, ?, strftime('%Y-%m-%dT%H:%M:%f', 'now'))
		ON CONFLICT(storage_key) DO UPDATE SET
			data = excluded.data,
			updated_at = excluded.updated_at
	`, StorageKey, data)
	if err != nil {
		slog.Warn("save queue snapshot", "backend", "sqlite", "error", err)
	}
}

// Clear removes the persisted snapshot.
func (s *SQLite) Clear(ctx context.Context) {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM queue_snapshot WHERE storage_key = ?", StorageKey)
	if err != nil {
		slog.Warn("clear queue snapshot", "backend", "sqlite", "error", err)
	}
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// SetRaw writes raw bytes under the storage key, bypassing the codec.
// Exposed for corruption-recovery tests.
func (s *SQLite) SetRaw(data []byte) error {
	_, err := s.db.Exec(`
		INSERT INTO queue_snapshot (storage_key, data)
		VALUES (?, ?)
		ON CONFLICT(storage_key) DO UPDATE SET data = excluded.data
	`, StorageKey, data)
	return err
}

// HasRecord reports whether anything is persisted under the storage key.
func (s *SQLite) HasRecord() bool {
	var n int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM queue_snapshot WHERE storage_key = ?", StorageKey).Scan(&n)
	return err == nil && n > 0
}
