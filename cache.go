package zoesync

import (
	"sync"
	"time"
)

// ============================================================================
// Read Cache
// ============================================================================

// CacheKey identifies a memoized query result: a table plus whatever
// discriminates the query (user id, chapter reference, ...).
type CacheKey struct {
	Table string
	Scope string
}

type cacheEntry struct {
	value    any
	storedAt time.Time
	ttl      time.Duration // 0 means no expiry
}

func (e cacheEntry) fresh(now time.Time) bool {
	return e.ttl == 0 || now.Sub(e.storedAt) < e.ttl
}

// QueryCache memoizes query results with a per-table staleness policy.
// Immutable reference content (bible text, hymns) is cached indefinitely;
// user-mutable tables get a short window and are invalidated on every
// relevant mutation. Invalidation only ever narrows or clears entries, so
// interleaving with a drain pass is safe.
type QueryCache struct {
	mu      sync.RWMutex
	entries map[CacheKey]cacheEntry
	ttls    map[string]time.Duration
	now     func() time.Time
}

// NewQueryCache creates an empty cache with no expiry policies.
func NewQueryCache() *QueryCache {
	return &QueryCache{
		entries: make(map[CacheKey]cacheEntry),
		ttls:    make(map[string]time.Duration),
		now:     time.Now,
	}
}

// SetTTL sets the staleness window for a table. Zero means cache forever.
func (c *QueryCache) SetTTL(table string, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ttls[table] = ttl
}

// Get returns the cached value for key, or false on a miss or stale entry.
func (c *QueryCache) Get(key CacheKey) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok || !e.fresh(c.now()) {
		return nil, false
	}
	return e.value, true
}

// Set stores a query result under key with the table's staleness policy.
func (c *QueryCache) Set(key CacheKey, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{value: value, storedAt: c.now(), ttl: c.ttls[key.Table]}
}

// Snapshot captures the state of one cache entry before an optimistic write,
// so a failed enqueue can restore it exactly.
type Snapshot struct {
	key     CacheKey
	value   any
	present bool
}

// SetOptimistic applies updater to the current value under key (nil if
// absent) and stores the result, returning a snapshot of the previous state.
func (c *QueryCache) SetOptimistic(key CacheKey, updater func(current any) any) Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev, had := c.entries[key]
	snap := Snapshot{key: key, present: had}
	var current any
	if had {
		snap.value = prev.value
		current = prev.value
	}
	c.entries[key] = cacheEntry{value: updater(current), storedAt: c.now(), ttl: c.ttls[key.Table]}
	return snap
}

// Rollback restores the exact pre-write state captured by SetOptimistic.
func (c *QueryCache) Rollback(snap Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if snap.present {
		c.entries[snap.key] = cacheEntry{value: snap.value, storedAt: c.now(), ttl: c.ttls[snap.key.Table]}
		return
	}
	delete(c.entries, snap.key)
}

// Invalidate evicts a single entry. Idempotent.
func (c *QueryCache) Invalidate(key CacheKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// InvalidateTable evicts every entry for one table.
func (c *QueryCache) InvalidateTable(table string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.entries {
		if key.Table == table {
			delete(c.entries, key)
		}
	}
}

// InvalidateAll evicts everything.
func (c *QueryCache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[CacheKey]cacheEntry)
}

// Len reports the number of stored entries, including stale ones.
func (c *QueryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
