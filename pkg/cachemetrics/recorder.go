// Package cachemetrics records per-tier, per-language cache performance and
// evaluates alert rules over it. Counters are atomic; latency percentiles
// come from bounded sample windows, so memory stays constant under load.
package cachemetrics

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"encore.app/pkg/models"
)

const (
	// maxSamples bounds each series' latency window.
	maxSamples = 4096
	// DefaultRollingWindow is the span of the time-bucketed counters used
	// for rolling hit rates and alert evaluation.
	DefaultRollingWindow = time.Hour
)

// GenerationLayer labels origin (backend) calls in the recorder, so
// generation latency shares the same machinery as tier lookups.
const GenerationLayer = "origin"

// Recorder aggregates lookup outcomes. It implements cache.Observer.
//
// Thread Safety: safe for concurrent use; the hot path touches one atomic
// add plus a short per-series lock for the sample window.
type Recorder struct {
	window time.Duration

	mu     sync.RWMutex
	series map[seriesKey]*series
}

type seriesKey struct {
	layer    string
	language string
}

type series struct {
	hits   atomic.Uint64
	misses atomic.Uint64
	errors atomic.Uint64

	mu      sync.Mutex
	samples []time.Duration // ring, capped at maxSamples
	next    int             // ring write position
	full    bool
	buckets map[int64]*bucket // unix minute -> counts, pruned to window
}

// bucket holds one minute of outcomes for rolling-window queries.
type bucket struct {
	hits   uint64
	misses uint64
	errors uint64
}

// NewRecorder creates a recorder. window <= 0 selects DefaultRollingWindow.
func NewRecorder(window time.Duration) *Recorder {
	if window <= 0 {
		window = DefaultRollingWindow
	}
	return &Recorder{
		window: window,
		series: make(map[seriesKey]*series),
	}
}

// Lookup records one tier probe. Implements cache.Observer.
func (r *Recorder) Lookup(layer, language string, hit bool, elapsed time.Duration) {
	s := r.seriesFor(layer, language)
	if hit {
		s.hits.Add(1)
	} else {
		s.misses.Add(1)
	}
	s.record(elapsed, hit, false)
}

// Fault records a tier failure that was degraded to a miss. Implements
// cache.Observer.
func (r *Recorder) Fault(layer, language string) {
	s := r.seriesFor(layer, language)
	s.errors.Add(1)
	s.record(0, false, true)
}

// Generation records one origin call under the synthetic "origin" layer.
func (r *Recorder) Generation(language string, elapsed time.Duration, failed bool) {
	s := r.seriesFor(GenerationLayer, language)
	if failed {
		s.errors.Add(1)
		s.record(elapsed, false, true)
		return
	}
	s.hits.Add(1)
	s.record(elapsed, true, false)
}

// Snapshot aggregates all series matching the given layer and language
// ("" matches any). Counters are lifetime totals; latency reflects the
// bounded sample windows.
func (r *Recorder) Snapshot(layer, language string) models.MetricSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var hits, misses, errors uint64
	var samples []time.Duration
	for key, s := range r.series {
		if layer != "" && key.layer != layer {
			continue
		}
		if language != "" && key.language != language {
			continue
		}
		hits += s.hits.Load()
		misses += s.misses.Load()
		errors += s.errors.Load()
		samples = append(samples, s.sampleView()...)
	}
	return models.NewMetricSnapshot(layer, language, hits, misses, errors, models.CalculateLatencySummary(samples))
}

// Snapshots returns one snapshot per recorded series, ordered by layer then
// language for stable output.
func (r *Recorder) Snapshots() []models.MetricSnapshot {
	r.mu.RLock()
	keys := make([]seriesKey, 0, len(r.series))
	for key := range r.series {
		keys = append(keys, key)
	}
	r.mu.RUnlock()

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].layer != keys[j].layer {
			return keys[i].layer < keys[j].layer
		}
		return keys[i].language < keys[j].language
	})

	out := make([]models.MetricSnapshot, 0, len(keys))
	for _, key := range keys {
		out = append(out, r.Snapshot(key.layer, key.language))
	}
	return out
}

// RollingStats aggregates the time-bucketed counters across all series over
// the recorder's window. This is what the alert rules evaluate.
type RollingStats struct {
	Hits    uint64
	Misses  uint64
	Errors  uint64
	HitRate float64
	// AvgLatencyMs is the mean of the current sample windows, which skew
	// recent by construction.
	AvgLatencyMs float64
}

// Rolling computes windowed stats for one layer ("" = all layers combined).
func (r *Recorder) Rolling(layer string) RollingStats {
	cutoff := time.Now().Add(-r.window).Unix() / 60

	r.mu.RLock()
	defer r.mu.RUnlock()

	var stats RollingStats
	var samples []time.Duration
	for key, s := range r.series {
		if layer != "" && key.layer != layer {
			continue
		}
		s.mu.Lock()
		for minute, b := range s.buckets {
			if minute < cutoff {
				continue
			}
			stats.Hits += b.hits
			stats.Misses += b.misses
			stats.Errors += b.errors
		}
		s.mu.Unlock()
		samples = append(samples, s.sampleView()...)
	}

	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	if len(samples) > 0 {
		var sum time.Duration
		for _, d := range samples {
			sum += d
		}
		stats.AvgLatencyMs = float64(sum.Milliseconds()) / float64(len(samples))
	}
	return stats
}

// Languages returns every language seen so far.
func (r *Recorder) Languages() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{})
	for key := range r.series {
		if key.language != "" {
			seen[key.language] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for lang := range seen {
		out = append(out, lang)
	}
	sort.Strings(out)
	return out
}

func (r *Recorder) seriesFor(layer, language string) *series {
	key := seriesKey{layer: layer, language: language}

	r.mu.RLock()
	s, exists := r.series[key]
	r.mu.RUnlock()
	if exists {
		return s
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, exists = r.series[key]; exists {
		return s
	}
	s = &series{
		samples: make([]time.Duration, 0, 256),
		buckets: make(map[int64]*bucket),
	}
	r.series[key] = s
	return s
}

func (s *series) record(elapsed time.Duration, hit, failed bool) {
	minute := time.Now().Unix() / 60

	s.mu.Lock()
	defer s.mu.Unlock()

	if elapsed > 0 {
		if s.full {
			s.samples[s.next] = elapsed
			s.next = (s.next + 1) % maxSamples
		} else {
			s.samples = append(s.samples, elapsed)
			if len(s.samples) == maxSamples {
				s.full = true
			}
		}
	}

	b, exists := s.buckets[minute]
	if !exists {
		b = &bucket{}
		s.buckets[minute] = b
		// Opportunistic prune keeps the map bounded without a sweeper.
		cutoff := minute - 2*60
		for m := range s.buckets {
			if m < cutoff {
				delete(s.buckets, m)
			}
		}
	}
	switch {
	case failed:
		b.errors++
	case hit:
		b.hits++
	default:
		b.misses++
	}
}

func (s *series) sampleView() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.samples...)
}
