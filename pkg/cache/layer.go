// Package cache implements the gateway's three-tier content cache: an
// in-memory LRU (L1), a remote shared store (L2), and a zone-partitioned
// warm tier with stale-while-revalidate semantics (L3), coordinated by an
// Orchestrator that owns lookup order, write policy, and invalidation.
package cache

import (
	"context"
	"time"

	"encore.app/pkg/models"
)

// Layer is the contract every cache tier satisfies. Implementations own
// independent copies of entries; Get returns a clone the caller may mutate.
//
// Thread Safety: all methods are safe for concurrent use.
type Layer interface {
	// Name returns the tier label ("l1", "l2", "l3") used in metrics.
	Name() string
	// Get returns (entry, true, nil) on a hit. A layer-internal failure is
	// reported as (nil, false, err); the orchestrator treats it as a miss.
	Get(ctx context.Context, key string) (*models.CacheEntry, bool, error)
	Set(ctx context.Context, entry *models.CacheEntry) error
	// Delete removes a key. Returns true if the key existed.
	Delete(ctx context.Context, key string) (bool, error)
	// Clear removes all entries matching the filter and returns the count.
	Clear(ctx context.Context, filter Filter) (int, error)
	// Sweep drops expired entries and returns the count removed.
	Sweep(ctx context.Context) (int, error)
	Stats() LayerStats
}

// Filter selects entries for Clear. The zero value matches everything.
type Filter struct {
	Language    string // match entry language, "" = any
	ContentType string // match "type:<ct>" tag, "" = any
	Tag         string // match an arbitrary tag, "" = any
}

// All reports whether the filter matches every entry.
func (f Filter) All() bool {
	return f.Language == "" && f.ContentType == "" && f.Tag == ""
}

// Matches reports whether the entry satisfies every set field.
func (f Filter) Matches(e *models.CacheEntry) bool {
	if f.Language != "" && e.Language != f.Language {
		return false
	}
	if f.ContentType != "" && !e.HasTag("type:"+f.ContentType) {
		return false
	}
	if f.Tag != "" && !e.HasTag(f.Tag) {
		return false
	}
	return true
}

// LayerStats is a point-in-time view of one tier's bookkeeping counters.
type LayerStats struct {
	Layer       string `json:"layer"`
	Entries     int    `json:"entries"`
	Capacity    int    `json:"capacity,omitempty"` // 0 = unbounded
	SizeBytes   int64  `json:"size_bytes"`
	Evictions   uint64 `json:"evictions"`
	Expirations uint64 `json:"expirations"`
	Degraded    bool   `json:"degraded,omitempty"` // tier running without its backing store
}

// Observer receives per-lookup signals from the orchestrator. The metrics
// recorder implements this; a nil observer is replaced with a no-op.
type Observer interface {
	// Lookup records one tier probe with its outcome and duration.
	Lookup(layer, language string, hit bool, elapsed time.Duration)
	// Fault records a tier-internal failure that was degraded to a miss.
	Fault(layer, language string)
}

type nopObserver struct{}

func (nopObserver) Lookup(string, string, bool, time.Duration) {}
func (nopObserver) Fault(string, string)                       {}
