package readcache

// Key prefixes. Each prefix ends with '|' as a separator.
const (
	prefixEntry  = "c|" // c|{cache_key}
	prefixEntity = "e|" // e|{entity_key}\x00{cache_key}
)

const sep = '\x00'

// entryKey returns the Pebble key for a cache entry: c|{cache_key}
func entryKey(cacheKey string) []byte {
	return append([]byte(prefixEntry), cacheKey...)
}

// entityIndexKey returns the Pebble key indexing a cache entry under the
// entity it was derived from: e|{entity_key}\x00{cache_key}
func entityIndexKey(entityKey, cacheKey string) []byte {
	k := append([]byte(prefixEntity), entityKey...)
	k = append(k, sep)
	return append(k, cacheKey...)
}

// entityIndexPrefix returns the scan prefix for an entity's cache entries:
// e|{entity_key}\x00
func entityIndexPrefix(entityKey string) []byte {
	k := append([]byte(prefixEntity), entityKey...)
	return append(k, sep)
}

// cacheKeyFromIndex extracts the cache key from an entity index key.
func cacheKeyFromIndex(indexKey, prefix []byte) string {
	return string(indexKey[len(prefix):])
}

// prefixUpperBound returns the smallest key greater than every key with the
// given prefix, for bounded Pebble iteration.
func prefixUpperBound(prefix []byte) []byte {
	upper := append([]byte(nil), prefix...)
	for i := len(upper) - 1; i >= 0; i-- {
		upper[i]++
		if upper[i] != 0 {
			return upper[:i+1]
		}
	}
	return nil // prefix is all 0xFF: no upper bound
}
