package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"encore.app/pkg/models"
)

// DefaultGracePeriod is how long past expiry an L3 entry may still be served
// while a background refresh replaces it.
const DefaultGracePeriod = 10 * time.Minute

// RefreshFunc regenerates a stale entry in the background. The orchestrator
// wires this to the origin; the fresh result is written back through the
// normal store path.
type RefreshFunc func(ctx context.Context, stale *models.CacheEntry)

// L3Cache is the warm tier: entries partitioned into zones by consistent
// hashing over language and market, with stale-while-revalidate reads. An
// expired entry inside the grace window is served as-is while one background
// refresh regenerates it; past the grace window it is a plain miss.
type L3Cache struct {
	ring    *Ring
	grace   time.Duration
	refresh RefreshFunc

	mu    sync.RWMutex
	zones map[string]*zone

	keysMu sync.RWMutex
	keys   map[string]string // key -> zone ID, written on Set

	refreshMu  sync.Mutex
	refreshing map[string]struct{} // keys with an in-flight refresh

	expirations atomic.Uint64
	staleServed atomic.Uint64
}

type zone struct {
	mu      sync.RWMutex
	entries map[string]*models.CacheEntry
}

// NewL3Cache creates the warm tier over the given zone IDs. grace <= 0
// selects DefaultGracePeriod. refresh may be nil (stale entries are still
// served inside the grace window, just never refreshed).
func NewL3Cache(zoneIDs []string, grace time.Duration, refresh RefreshFunc) *L3Cache {
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	if len(zoneIDs) == 0 {
		zoneIDs = []string{"zone-a", "zone-b", "zone-c"}
	}

	c := &L3Cache{
		ring:       NewRing(0),
		grace:      grace,
		refresh:    refresh,
		zones:      make(map[string]*zone, len(zoneIDs)),
		keys:       make(map[string]string),
		refreshing: make(map[string]struct{}),
	}
	for _, id := range zoneIDs {
		c.zones[id] = &zone{entries: make(map[string]*models.CacheEntry)}
		_ = c.ring.AddZone(id)
	}
	return c
}

func (c *L3Cache) Name() string { return "l3" }

// SetRefresh installs the background refresh hook. Called once during
// service wiring, before traffic.
func (c *L3Cache) SetRefresh(fn RefreshFunc) { c.refresh = fn }

func (c *L3Cache) Get(_ context.Context, key string) (*models.CacheEntry, bool, error) {
	z := c.zoneOf(key)
	if z == nil {
		return nil, false, nil
	}

	// Touch and Clone mutate the entry, so the whole read happens under the
	// zone write lock.
	z.mu.Lock()
	entry, exists := z.entries[key]
	if !exists {
		z.mu.Unlock()
		return nil, false, nil
	}

	now := time.Now()
	switch {
	case !entry.IsExpired(now):
		entry.Touch()
		cp := entry.Clone()
		z.mu.Unlock()
		return cp, true, nil

	case entry.InGrace(now, c.grace):
		// Serve stale, refresh once in the background.
		entry.Touch()
		cp := entry.Clone()
		stale := entry.Clone()
		z.mu.Unlock()
		c.staleServed.Add(1)
		c.triggerRefresh(stale)
		return cp, true, nil

	default:
		delete(z.entries, key)
		z.mu.Unlock()
		c.forget(key)
		c.expirations.Add(1)
		return nil, false, nil
	}
}

// Set places the entry in the zone owned by its language and market, and
// records the key's zone so reads and deletes can find it by key alone.
func (c *L3Cache) Set(_ context.Context, entry *models.CacheEntry) error {
	id := c.ring.Locate(zoneKey(entry))
	if id == "" {
		return nil
	}
	z := c.zoneByID(id)
	if z == nil {
		return nil
	}

	owned := entry.Clone()
	z.mu.Lock()
	z.entries[owned.Key] = owned
	z.mu.Unlock()

	c.keysMu.Lock()
	prev, moved := c.keys[owned.Key]
	c.keys[owned.Key] = id
	c.keysMu.Unlock()

	// A rewrite with a different market lands in a new zone; drop the old
	// copy so it cannot be served after an update.
	if moved && prev != id {
		if old := c.zoneByID(prev); old != nil {
			old.mu.Lock()
			delete(old.entries, owned.Key)
			old.mu.Unlock()
		}
	}
	return nil
}

func (c *L3Cache) Delete(_ context.Context, key string) (bool, error) {
	z := c.zoneOf(key)
	if z == nil {
		return false, nil
	}
	z.mu.Lock()
	_, exists := z.entries[key]
	delete(z.entries, key)
	z.mu.Unlock()
	c.forget(key)
	return exists, nil
}

func (c *L3Cache) Clear(_ context.Context, filter Filter) (int, error) {
	var removed []string
	c.eachZone(func(z *zone) {
		z.mu.Lock()
		defer z.mu.Unlock()
		for key, entry := range z.entries {
			if filter.All() || filter.Matches(entry) {
				delete(z.entries, key)
				removed = append(removed, key)
			}
		}
	})
	c.forgetAll(removed)
	return len(removed), nil
}

// Sweep removes entries past expiry plus grace. Entries still inside the
// grace window stay, since they remain servable.
func (c *L3Cache) Sweep(_ context.Context) (int, error) {
	now := time.Now()
	var removed []string
	c.eachZone(func(z *zone) {
		z.mu.Lock()
		defer z.mu.Unlock()
		for key, entry := range z.entries {
			if entry.IsExpired(now) && !entry.InGrace(now, c.grace) {
				delete(z.entries, key)
				removed = append(removed, key)
			}
		}
	})
	c.forgetAll(removed)
	c.expirations.Add(uint64(len(removed)))
	return len(removed), nil
}

func (c *L3Cache) Stats() LayerStats {
	stats := LayerStats{Layer: "l3", Expirations: c.expirations.Load()}
	c.eachZone(func(z *zone) {
		z.mu.RLock()
		defer z.mu.RUnlock()
		stats.Entries += len(z.entries)
		for _, entry := range z.entries {
			stats.SizeBytes += int64(entry.SizeBytes)
		}
	})
	return stats
}

// LanguageCounts returns entry counts keyed by output language.
func (c *L3Cache) LanguageCounts() map[string]int {
	counts := make(map[string]int)
	c.eachZone(func(z *zone) {
		z.mu.RLock()
		defer z.mu.RUnlock()
		for _, entry := range z.entries {
			counts[entry.Language]++
		}
	})
	return counts
}

// StaleServed returns how many reads were answered with a stale entry.
func (c *L3Cache) StaleServed() uint64 { return c.staleServed.Load() }

// ZoneSizes returns per-zone entry counts for the stats endpoint.
func (c *L3Cache) ZoneSizes() map[string]int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	sizes := make(map[string]int, len(c.zones))
	for id, z := range c.zones {
		z.mu.RLock()
		sizes[id] = len(z.entries)
		z.mu.RUnlock()
	}
	return sizes
}

// zoneKey is what the ring hashes to place an entry: requests for the same
// language and market cluster in the same zone regardless of topic.
func zoneKey(entry *models.CacheEntry) string {
	market := ""
	if entry.Request != nil && entry.Request.Cultural != nil {
		market = entry.Request.Cultural.Market
	}
	return entry.Language + "|" + market
}

// zoneOf resolves a key to its zone through the key index. Unknown keys
// (never stored, or already swept) resolve to nil.
func (c *L3Cache) zoneOf(key string) *zone {
	c.keysMu.RLock()
	id, ok := c.keys[key]
	c.keysMu.RUnlock()
	if !ok {
		return nil
	}
	return c.zoneByID(id)
}

func (c *L3Cache) zoneByID(id string) *zone {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.zones[id]
}

func (c *L3Cache) forget(key string) {
	c.keysMu.Lock()
	delete(c.keys, key)
	c.keysMu.Unlock()
}

func (c *L3Cache) forgetAll(keys []string) {
	if len(keys) == 0 {
		return
	}
	c.keysMu.Lock()
	for _, key := range keys {
		delete(c.keys, key)
	}
	c.keysMu.Unlock()
}

func (c *L3Cache) eachZone(fn func(*zone)) {
	c.mu.RLock()
	zones := make([]*zone, 0, len(c.zones))
	for _, z := range c.zones {
		zones = append(zones, z)
	}
	c.mu.RUnlock()
	for _, z := range zones {
		fn(z)
	}
}

// triggerRefresh starts at most one background refresh per key. The hook
// runs detached from the request context so a fast client response does not
// cancel the regeneration. stale must be a private copy.
func (c *L3Cache) triggerRefresh(stale *models.CacheEntry) {
	if c.refresh == nil {
		return
	}

	c.refreshMu.Lock()
	if _, busy := c.refreshing[stale.Key]; busy {
		c.refreshMu.Unlock()
		return
	}
	c.refreshing[stale.Key] = struct{}{}
	c.refreshMu.Unlock()

	go func() {
		defer func() {
			c.refreshMu.Lock()
			delete(c.refreshing, stale.Key)
			c.refreshMu.Unlock()
		}()
		c.refresh(context.Background(), stale)
	}()
}
