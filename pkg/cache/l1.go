package cache

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"encore.app/pkg/models"
)

// L1Cache is the per-instance in-memory tier: LRU eviction at capacity plus
// lazy TTL expiration on read.
//
// Trade-offs:
//   - RWMutex over sync.Map for control over eviction ordering; sync.Map
//     has no ordered iteration for LRU.
//   - Global write lock is fine at gateway request rates; shard if this
//     tier ever becomes the bottleneck.
type L1Cache struct {
	mu         sync.RWMutex
	entries    map[string]*list.Element // key -> element holding *models.CacheEntry
	lru        *list.List
	maxEntries int
	sizeBytes  int64

	evictions   atomic.Uint64
	expirations atomic.Uint64
}

// NewL1Cache creates the in-memory tier with the given entry capacity.
func NewL1Cache(maxEntries int) *L1Cache {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	return &L1Cache{
		entries:    make(map[string]*list.Element, maxEntries),
		lru:        list.New(),
		maxEntries: maxEntries,
	}
}

func (c *L1Cache) Name() string { return "l1" }

// Get returns a clone of the entry and promotes it to the front of the LRU
// list. Expired entries are removed on the spot.
// Complexity: O(1) average.
func (c *L1Cache) Get(_ context.Context, key string) (*models.CacheEntry, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, exists := c.entries[key]
	if !exists {
		return nil, false, nil
	}

	entry := elem.Value.(*models.CacheEntry)
	if entry.IsExpired(time.Now()) {
		c.removeLocked(key, elem)
		c.expirations.Add(1)
		return nil, false, nil
	}

	c.lru.MoveToFront(elem)
	entry.Touch()
	return entry.Clone(), true, nil
}

// Set stores an independent copy of the entry, evicting the least recently
// used entry when at capacity.
// Complexity: O(1).
func (c *L1Cache) Set(_ context.Context, entry *models.CacheEntry) error {
	owned := entry.Clone()

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, exists := c.entries[owned.Key]; exists {
		old := elem.Value.(*models.CacheEntry)
		c.sizeBytes += int64(owned.SizeBytes - old.SizeBytes)
		elem.Value = owned
		c.lru.MoveToFront(elem)
		return nil
	}

	if c.lru.Len() >= c.maxEntries {
		c.evictOldestLocked()
	}

	c.entries[owned.Key] = c.lru.PushFront(owned)
	c.sizeBytes += int64(owned.SizeBytes)
	return nil
}

// Delete removes a key. Returns true if it existed.
func (c *L1Cache) Delete(_ context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, exists := c.entries[key]
	if !exists {
		return false, nil
	}
	c.removeLocked(key, elem)
	return true, nil
}

// Clear removes all entries matching the filter. A match-all filter resets
// the tier in one step instead of iterating.
func (c *L1Cache) Clear(_ context.Context, filter Filter) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if filter.All() {
		n := len(c.entries)
		c.entries = make(map[string]*list.Element, c.maxEntries)
		c.lru = list.New()
		c.sizeBytes = 0
		return n, nil
	}

	// Collect first to avoid mutating the map mid-iteration.
	type victim struct {
		key  string
		elem *list.Element
	}
	var victims []victim
	for key, elem := range c.entries {
		if filter.Matches(elem.Value.(*models.CacheEntry)) {
			victims = append(victims, victim{key, elem})
		}
	}
	for _, v := range victims {
		c.removeLocked(v.key, v.elem)
	}
	return len(victims), nil
}

// Sweep removes every expired entry.
func (c *L1Cache) Sweep(_ context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	type victim struct {
		key  string
		elem *list.Element
	}
	var victims []victim
	for key, elem := range c.entries {
		if elem.Value.(*models.CacheEntry).IsExpired(now) {
			victims = append(victims, victim{key, elem})
		}
	}
	for _, v := range victims {
		c.removeLocked(v.key, v.elem)
	}
	c.expirations.Add(uint64(len(victims)))
	return len(victims), nil
}

// Stats returns the tier's bookkeeping counters.
func (c *L1Cache) Stats() LayerStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return LayerStats{
		Layer:       "l1",
		Entries:     len(c.entries),
		Capacity:    c.maxEntries,
		SizeBytes:   c.sizeBytes,
		Evictions:   c.evictions.Load(),
		Expirations: c.expirations.Load(),
	}
}

// Contains reports whether a live (unexpired) entry exists without touching
// LRU ordering or the hit counter.
func (c *L1Cache) Contains(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	elem, exists := c.entries[key]
	if !exists {
		return false
	}
	return !elem.Value.(*models.CacheEntry).IsExpired(time.Now())
}

// LanguageCounts returns entry counts keyed by output language.
func (c *L1Cache) LanguageCounts() map[string]int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	counts := make(map[string]int)
	for _, elem := range c.entries {
		counts[elem.Value.(*models.CacheEntry).Language]++
	}
	return counts
}

// removeLocked unlinks one entry. Caller holds the write lock.
func (c *L1Cache) removeLocked(key string, elem *list.Element) {
	entry := elem.Value.(*models.CacheEntry)
	c.lru.Remove(elem)
	delete(c.entries, key)
	c.sizeBytes -= int64(entry.SizeBytes)
}

// evictOldestLocked drops the least recently used entry. Caller holds the
// write lock.
func (c *L1Cache) evictOldestLocked() {
	oldest := c.lru.Back()
	if oldest == nil {
		return
	}
	entry := oldest.Value.(*models.CacheEntry)
	c.removeLocked(entry.Key, oldest)
	c.evictions.Add(1)
}
