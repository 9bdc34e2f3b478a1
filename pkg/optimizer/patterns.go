// Package optimizer tracks recurring request shapes, warms the cache for
// the hottest ones ahead of demand, and escalates its own aggressiveness
// when hit rates stay below target.
package optimizer

import (
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"sync"
	"time"

	"encore.app/pkg/models"
)

// Frequency thresholds mapping a pattern's observed use onto a priority
// tier. Tiers decide which cache layers get warmed and with what TTL.
const (
	criticalFrequency = 50
	highFrequency     = 20
	mediumFrequency   = 5
)

// DefaultMaxPatterns caps the table's cardinality; the least frequent
// patterns are pruned past it.
const DefaultMaxPatterns = 500

// ShapeOf generalizes a request into its pattern identity: content type,
// output language, tone, and a hash of the audience. Topic and keywords are
// deliberately excluded so one pattern covers a family of requests.
func ShapeOf(req *models.ContentRequest) string {
	h := fnv.New64a()
	h.Write([]byte(strings.ToLower(strings.TrimSpace(req.Audience))))
	return fmt.Sprintf("%s|%s|%s|%x",
		strings.ToLower(req.ContentType),
		req.OutputLanguage,
		strings.ToLower(req.Tone),
		h.Sum64(),
	)
}

// Table is the pattern registry. Every processed request lands here; the
// warmer reads the top slice each cycle.
type Table struct {
	mu          sync.Mutex
	patterns    map[string]*models.CachePattern
	maxPatterns int
}

// NewTable creates a pattern table. maxPatterns <= 0 selects the default.
func NewTable(maxPatterns int) *Table {
	if maxPatterns <= 0 {
		maxPatterns = DefaultMaxPatterns
	}
	return &Table{
		patterns:    make(map[string]*models.CachePattern),
		maxPatterns: maxPatterns,
	}
}

// Record folds one request into its pattern: frequency increments, the
// generation-time average updates, and the priority is recomputed.
// generationMs is 0 for cache hits.
func (t *Table) Record(req *models.ContentRequest, generationMs float64) {
	shape := ShapeOf(req)

	t.mu.Lock()
	defer t.mu.Unlock()

	p, exists := t.patterns[shape]
	if !exists {
		if len(t.patterns) >= t.maxPatterns {
			t.pruneLocked()
		}
		p = &models.CachePattern{
			Shape:       shape,
			ContentType: strings.ToLower(req.ContentType),
			Language:    req.OutputLanguage,
			Tone:        strings.ToLower(req.Tone),
			Audience:    req.Audience,
		}
		t.patterns[shape] = p
	}

	p.Frequency++
	p.LastUsed = time.Now()
	if generationMs > 0 {
		if p.AvgGenerationMs == 0 {
			p.AvgGenerationMs = generationMs
		} else {
			// Exponential moving average, recent generations weigh more.
			p.AvgGenerationMs = p.AvgGenerationMs*0.8 + generationMs*0.2
		}
	}
	p.Priority = priorityFor(p.Frequency)
}

// PriorityOf returns the tracked priority for the request's shape. Shapes
// not seen often enough to rank report low.
func (t *Table) PriorityOf(req *models.ContentRequest) models.PatternPriority {
	shape := ShapeOf(req)
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.patterns[shape]; ok && p.Priority != "" {
		return p.Priority
	}
	return models.PriorityLow
}

// priorityFor maps a frequency onto its tier.
func priorityFor(frequency int64) models.PatternPriority {
	switch {
	case frequency >= criticalFrequency:
		return models.PriorityCritical
	case frequency >= highFrequency:
		return models.PriorityHigh
	case frequency >= mediumFrequency:
		return models.PriorityMedium
	default:
		return models.PriorityLow
	}
}

// Top returns up to n warmable patterns (low priority excluded), ordered by
// priority tier then frequency. Returned values are copies.
func (t *Table) Top(n int) []models.CachePattern {
	t.mu.Lock()
	candidates := make([]models.CachePattern, 0, len(t.patterns))
	for _, p := range t.patterns {
		if p.Priority == models.PriorityLow || p.Priority == "" {
			continue
		}
		candidates = append(candidates, *p)
	}
	t.mu.Unlock()

	sort.Slice(candidates, func(i, j int) bool {
		ri, rj := priorityRank(candidates[i].Priority), priorityRank(candidates[j].Priority)
		if ri != rj {
			return ri < rj
		}
		return candidates[i].Frequency > candidates[j].Frequency
	})

	if n > 0 && n < len(candidates) {
		candidates = candidates[:n]
	}
	return candidates
}

func priorityRank(p models.PatternPriority) int {
	switch p {
	case models.PriorityCritical:
		return 0
	case models.PriorityHigh:
		return 1
	case models.PriorityMedium:
		return 2
	default:
		return 3
	}
}

// Len returns the number of tracked patterns.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.patterns)
}

// Capacity returns the current cardinality cap.
func (t *Table) Capacity() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.maxPatterns
}

// SetCapacity resizes the cap. Shrinking prunes immediately.
func (t *Table) SetCapacity(n int) {
	if n <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.maxPatterns = n
	for len(t.patterns) > t.maxPatterns {
		t.pruneLocked()
	}
}

// pruneLocked evicts the least frequent pattern, breaking ties on the
// longest-idle one. Caller holds the lock.
func (t *Table) pruneLocked() {
	var victim string
	var victimFreq int64 = -1
	var victimUsed time.Time
	for shape, p := range t.patterns {
		if victimFreq == -1 || p.Frequency < victimFreq ||
			(p.Frequency == victimFreq && p.LastUsed.Before(victimUsed)) {
			victim = shape
			victimFreq = p.Frequency
			victimUsed = p.LastUsed
		}
	}
	if victim != "" {
		delete(t.patterns, victim)
	}
}
