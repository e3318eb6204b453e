// Package readcache persists a snapshot of cached query results for offline
// viewing. Its lifecycle is independent of the mutation queue; the sync
// engine only invalidates entries here after a successful mutation.
package readcache

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/cockroachdb/pebble"
)

// DefaultMaxAge is how long a persisted entry stays servable. Stale offline
// data is worse than no data once it is this old.
const DefaultMaxAge = 24 * time.Hour

// Entry is one persisted query result.
type Entry struct {
	Key       string          `json:"key"`
	EntityKey string          `json:"entity_key,omitempty"`
	Data      json.RawMessage `json:"data"`
	Error     string          `json:"error,omitempty"`
	FetchedAt time.Time       `json:"fetched_at"`
}

// Persister stores cache entries in an embedded Pebble DB.
type Persister struct {
	db     *pebble.DB
	maxAge time.Duration
}

// Open creates or opens the cache store at dataDir/readcache. maxAge <= 0
// selects DefaultMaxAge.
func Open(dataDir string, maxAge time.Duration) (*Persister, error) {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	db, err := pebble.Open(filepath.Join(dataDir, "readcache"), &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open read cache store: %w", err)
	}
	return &Persister{db: db, maxAge: maxAge}, nil
}

// Close closes the store.
func (p *Persister) Close() error {
	return p.db.Close()
}

// Put persists one entry. Entries in an error state are never persisted:
// serving a cached error offline helps nobody.
func (p *Persister) Put(e Entry) error {
	if e.Error != "" {
		slog.Debug("skipping errored cache entry", "key", e.Key)
		return nil
	}
	if e.Key == "" {
		return fmt.Errorf("cache entry key is empty")
	}
	if e.FetchedAt.IsZero() {
		e.FetchedAt = time.Now()
	}
	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}

	batch := p.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(entryKey(e.Key), value, nil); err != nil {
		return err
	}
	if e.EntityKey != "" {
		if err := batch.Set(entityIndexKey(e.EntityKey, e.Key), nil, nil); err != nil {
			return err
		}
	}
	// The cache is a lossy convenience copy; no need to fsync every write.
	return batch.Commit(pebble.NoSync)
}

// Get returns the entry for key. Entries older than the maximum age are
// discarded on read and reported as a miss.
func (p *Persister) Get(key string) (*Entry, bool, error) {
	value, closer, err := p.db.Get(entryKey(key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	var e Entry
	uerr := json.Unmarshal(value, &e)
	_ = closer.Close()
	if uerr != nil {
		// Unreadable entry: drop it rather than fail every lookup.
		slog.Warn("discarding unreadable cache entry", "key", key, "error", uerr)
		_ = p.delete(key, "")
		return nil, false, nil
	}
	if time.Since(e.FetchedAt) > p.maxAge {
		if err := p.delete(e.Key, e.EntityKey); err != nil {
			return nil, false, err
		}
		return nil, false, nil
	}
	return &e, true, nil
}

func (p *Persister) delete(cacheKey, entityKey string) error {
	batch := p.db.NewBatch()
	defer batch.Close()
	if err := batch.Delete(entryKey(cacheKey), nil); err != nil {
		return err
	}
	if entityKey != "" {
		if err := batch.Delete(entityIndexKey(entityKey, cacheKey), nil); err != nil {
			return err
		}
	}
	return batch.Commit(pebble.NoSync)
}

// InvalidateEntity removes every entry indexed under entityKey.
func (p *Persister) InvalidateEntity(entityKey string) error {
	prefix := entityIndexPrefix(entityKey)
	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}

	var cacheKeys []string
	for iter.First(); iter.Valid(); iter.Next() {
		cacheKeys = append(cacheKeys, cacheKeyFromIndex(iter.Key(), prefix))
	}
	if err := iter.Close(); err != nil {
		return err
	}
	if len(cacheKeys) == 0 {
		return nil
	}

	batch := p.db.NewBatch()
	defer batch.Close()
	for _, key := range cacheKeys {
		if err := batch.Delete(entryKey(key), nil); err != nil {
			return err
		}
		if err := batch.Delete(entityIndexKey(entityKey, key), nil); err != nil {
			return err
		}
	}
	if err := batch.Commit(pebble.NoSync); err != nil {
		return err
	}
	slog.Debug("read cache invalidated", "entity", entityKey, "entries", len(cacheKeys))
	return nil
}

// Sweep removes every entry older than the maximum age. Called once at agent
// startup.
func (p *Persister) Sweep() (int, error) {
	lower := []byte(prefixEntry)
	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: prefixUpperBound(lower),
	})
	if err != nil {
		return 0, err
	}

	var expired []Entry
	for iter.First(); iter.Valid(); iter.Next() {
		var e Entry
		if err := json.Unmarshal(iter.Value(), &e); err != nil {
			expired = append(expired, Entry{Key: string(iter.Key()[len(prefixEntry):])})
			continue
		}
		if time.Since(e.FetchedAt) > p.maxAge {
			expired = append(expired, e)
		}
	}
	if err := iter.Close(); err != nil {
		return 0, err
	}

	for _, e := range expired {
		if err := p.delete(e.Key, e.EntityKey); err != nil {
			return 0, err
		}
	}
	if len(expired) > 0 {
		slog.Info("read cache swept", "expired", len(expired))
	}
	return len(expired), nil
}
