package models

import (
	"sync/atomic"
	"time"
)

// DefaultTTL is the default time-to-live for cache entries.
const DefaultTTL = 1 * time.Hour

// CacheEntry is one cached generation result. Each cache layer owns an
// independent copy (promotion clones, never aliases), so layers can evict
// without leaving dangling references in their neighbours.
//
// Thread Safety: HitCount uses atomic operations; other fields are written
// only by the owning layer under its own lock.
type CacheEntry struct {
	Key        string           `json:"key"`
	Request    *ContentRequest  `json:"request"`
	Response   *ContentResponse `json:"response"`
	CreatedAt  time.Time        `json:"created_at"`
	ExpiresAt  time.Time        `json:"expires_at"`
	LastAccess time.Time        `json:"last_access"`
	HitCount   uint64           `json:"hit_count"` // atomic
	Language   string           `json:"language"`
	Tags       []string         `json:"tags,omitempty"`
	SizeBytes  int              `json:"size_bytes"`
}

// NewCacheEntry builds an entry from a request/response pair, cloning both
// so the entry is immune to later mutation by the caller.
func NewCacheEntry(key string, req *ContentRequest, resp *ContentResponse, ttl time.Duration, tags []string) *CacheEntry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := time.Now()
	e := &CacheEntry{
		Key:        key,
		Request:    req.Clone(),
		Response:   resp.Clone(),
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
		LastAccess: now,
		Language:   req.OutputLanguage,
		Tags:       append([]string(nil), tags...),
	}
	e.SizeBytes = e.estimateSize()
	return e
}

// IsExpired reports whether the entry's TTL has elapsed at the given time.
func (e *CacheEntry) IsExpired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// InGrace reports whether the entry is past its TTL but still within the
// stale-while-revalidate grace window.
func (e *CacheEntry) InGrace(now time.Time, grace time.Duration) bool {
	return e.IsExpired(now) && now.Before(e.ExpiresAt.Add(grace))
}

// Touch records a read hit.
func (e *CacheEntry) Touch() {
	e.LastAccess = time.Now()
	atomic.AddUint64(&e.HitCount, 1)
}

// Hits returns the hit counter (thread-safe).
func (e *CacheEntry) Hits() uint64 {
	return atomic.LoadUint64(&e.HitCount)
}

// HasTag reports whether the entry carries the given invalidation tag.
func (e *CacheEntry) HasTag(tag string) bool {
	for _, t := range e.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Clone returns an independent copy of the entry. Used when promoting an
// entry between layers.
func (e *CacheEntry) Clone() *CacheEntry {
	cp := *e
	cp.Request = e.Request.Clone()
	cp.Response = e.Response.Clone()
	cp.Tags = append([]string(nil), e.Tags...)
	cp.HitCount = atomic.LoadUint64(&e.HitCount)
	return &cp
}

// estimateSize approximates the entry's memory footprint in bytes. Used by
// stats reporting, not for eviction decisions.
func (e *CacheEntry) estimateSize() int {
	size := len(e.Key) + 128 // struct overhead, timestamps, counters
	if e.Response != nil {
		size += len(e.Response.Text) + len(e.Response.BackendID)
	}
	if e.Request != nil {
		size += len(e.Request.Topic)
		for _, k := range e.Request.Keywords {
			size += len(k)
		}
	}
	for _, t := range e.Tags {
		size += len(t)
	}
	return size
}

// PatternPriority is the optimizer's tier for a recurring request shape.
type PatternPriority string

const (
	PriorityCritical PatternPriority = "critical"
	PriorityHigh     PatternPriority = "high"
	PriorityMedium   PatternPriority = "medium"
	PriorityLow      PatternPriority = "low"
)

// CachePattern is a generalized request shape (type + language + tone +
// audience) tracked for cache warming. Frequency and priority are
// recomputed on every match; the table prunes lowest-frequency patterns
// past its cardinality cap.
type CachePattern struct {
	Shape           string          `json:"shape"` // derived identity, see optimizer
	ContentType     string          `json:"content_type"`
	Language        string          `json:"language"`
	Tone            string          `json:"tone,omitempty"`
	Audience        string          `json:"audience,omitempty"`
	Frequency       int64           `json:"frequency"`
	LastUsed        time.Time       `json:"last_used"`
	AvgGenerationMs float64         `json:"avg_generation_ms"`
	Priority        PatternPriority `json:"priority"`
}
