package models

import (
	"math"
	"sort"
	"time"
)

// LatencySummary is a statistical summary of latency samples.
type LatencySummary struct {
	Count uint64        `json:"count"`
	Sum   time.Duration `json:"sum"`
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
	P50   time.Duration `json:"p50"`
	P90   time.Duration `json:"p90"`
	P95   time.Duration `json:"p95"`
	P99   time.Duration `json:"p99"`
}

// Avg returns the mean latency.
func (ls *LatencySummary) Avg() time.Duration {
	if ls.Count == 0 {
		return 0
	}
	return ls.Sum / time.Duration(ls.Count)
}

// CalculateLatencySummary computes an accurate summary from raw samples.
// Complexity: O(n log n) due to sorting for percentiles.
func CalculateLatencySummary(samples []time.Duration) LatencySummary {
	if len(samples) == 0 {
		return LatencySummary{}
	}

	sorted := make([]time.Duration, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, s := range sorted {
		sum += s
	}

	return LatencySummary{
		Count: uint64(len(sorted)),
		Sum:   sum,
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
		P50:   percentileDuration(sorted, 0.50),
		P90:   percentileDuration(sorted, 0.90),
		P95:   percentileDuration(sorted, 0.95),
		P99:   percentileDuration(sorted, 0.99),
	}
}

// percentileDuration returns the p-th percentile of pre-sorted samples,
// linearly interpolated between neighbours.
func percentileDuration(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	index := p * float64(len(sorted)-1)
	lower := int(math.Floor(index))
	upper := int(math.Ceil(index))
	if lower == upper {
		return sorted[lower]
	}
	weight := index - float64(lower)
	return time.Duration(float64(sorted[lower])*(1-weight) + float64(sorted[upper])*weight)
}

// MetricSnapshot is a point-in-time view of one layer/language combination,
// recomputed from rolling counters and a bounded sample window.
type MetricSnapshot struct {
	Timestamp time.Time      `json:"timestamp"`
	Layer     string         `json:"layer"`    // "l1", "l2", "l3", or "" for all
	Language  string         `json:"language"` // "" for all
	Hits      uint64         `json:"hits"`
	Misses    uint64         `json:"misses"`
	Errors    uint64         `json:"errors"`
	HitRate   float64        `json:"hit_rate"` // hits / (hits + misses), in [0,1]
	Latency   LatencySummary `json:"latency"`
}

// NewMetricSnapshot builds a snapshot with the derived hit rate filled in.
func NewMetricSnapshot(layer, language string, hits, misses, errors uint64, latency LatencySummary) MetricSnapshot {
	snap := MetricSnapshot{
		Timestamp: time.Now(),
		Layer:     layer,
		Language:  language,
		Hits:      hits,
		Misses:    misses,
		Errors:    errors,
		Latency:   latency,
	}
	if total := hits + misses; total > 0 {
		snap.HitRate = float64(hits) / float64(total)
	}
	return snap
}

// TotalRequests returns hits + misses.
func (m *MetricSnapshot) TotalRequests() uint64 {
	return m.Hits + m.Misses
}

// MergeSnapshots combines two snapshots, summing counters and merging
// latency summaries (percentiles weighted by sample count).
func MergeSnapshots(a, b MetricSnapshot) MetricSnapshot {
	merged := NewMetricSnapshot(
		mergeLabel(a.Layer, b.Layer),
		mergeLabel(a.Language, b.Language),
		a.Hits+b.Hits,
		a.Misses+b.Misses,
		a.Errors+b.Errors,
		mergeLatency(a.Latency, b.Latency),
	)
	return merged
}

func mergeLabel(a, b string) string {
	if a == b {
		return a
	}
	return ""
}

func mergeLatency(a, b LatencySummary) LatencySummary {
	if a.Count == 0 {
		return b
	}
	if b.Count == 0 {
		return a
	}
	total := a.Count + b.Count
	wa := float64(a.Count) / float64(total)
	wb := float64(b.Count) / float64(total)
	min := a.Min
	if b.Min < min {
		min = b.Min
	}
	max := a.Max
	if b.Max > max {
		max = b.Max
	}
	return LatencySummary{
		Count: total,
		Sum:   a.Sum + b.Sum,
		Min:   min,
		Max:   max,
		P50:   time.Duration(float64(a.P50)*wa + float64(b.P50)*wb),
		P90:   time.Duration(float64(a.P90)*wa + float64(b.P90)*wb),
		P95:   time.Duration(float64(a.P95)*wa + float64(b.P95)*wb),
		P99:   time.Duration(float64(a.P99)*wa + float64(b.P99)*wb),
	}
}
