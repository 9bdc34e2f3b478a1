package optimizer

import (
	"context"
	"sync"
	"time"

	"encore.app/pkg/cache"
	"encore.app/pkg/cachemetrics"
	"encore.app/pkg/models"
)

// Config tunes the optimization loop.
type Config struct {
	HitRateTarget float64       // rolling hit rate the loop defends (default 0.70)
	WarmTopN      int           // patterns warmed per cycle (default 20)
	BaseInterval  time.Duration // warming cadence when healthy (default 10m)
	MinInterval   time.Duration // escalation floor (default 2m)
	EscalateAfter int           // consecutive low cycles before escalating (default 2)
	MaxCapacity   int           // pattern table growth ceiling (default 2000)
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.HitRateTarget <= 0 || out.HitRateTarget > 1 {
		out.HitRateTarget = 0.70
	}
	if out.WarmTopN <= 0 {
		out.WarmTopN = 20
	}
	if out.BaseInterval <= 0 {
		out.BaseInterval = 10 * time.Minute
	}
	if out.MinInterval <= 0 {
		out.MinInterval = 2 * time.Minute
	}
	if out.EscalateAfter <= 0 {
		out.EscalateAfter = 2
	}
	if out.MaxCapacity <= 0 {
		out.MaxCapacity = 2000
	}
	return out
}

// Status is the optimizer's self-report for the queue-status endpoint.
type Status struct {
	Interval        time.Duration `json:"interval"`
	LowStreak       int           `json:"low_streak"`
	Escalations     uint64        `json:"escalations"`
	PatternCount    int           `json:"pattern_count"`
	PatternCapacity int           `json:"pattern_capacity"`
	ParallelLookups bool          `json:"parallel_lookups"`
	Warmer          WarmerStats   `json:"warmer"`
}

// Optimizer closes the loop between observed hit rates and warming
// aggressiveness. When the rolling hit rate stays under target it widens
// the pattern table, shortens the warming interval toward its floor, and
// finally switches the orchestrator to parallel lookups. When the rate
// recovers it steps back toward the calm configuration.
type Optimizer struct {
	table    *Table
	warmer   *Warmer
	recorder *cachemetrics.Recorder
	orch     *cache.Orchestrator
	cfg      Config

	mu          sync.Mutex
	interval    time.Duration
	lowStreak   int
	escalations uint64
}

// New wires the optimization loop together.
func New(table *Table, warmer *Warmer, recorder *cachemetrics.Recorder, orch *cache.Orchestrator, cfg Config) *Optimizer {
	cfg = cfg.withDefaults()
	return &Optimizer{
		table:    table,
		warmer:   warmer,
		recorder: recorder,
		orch:     orch,
		cfg:      cfg,
		interval: cfg.BaseInterval,
	}
}

// Observe folds one processed request into the pattern table.
// generationMs is 0 when the request was served from cache.
func (o *Optimizer) Observe(req *models.ContentRequest, generationMs float64) {
	o.table.Record(req, generationMs)
}

// WarmCycle enqueues the current top patterns for warming. Returns how many
// were queued. Cron-driven.
func (o *Optimizer) WarmCycle(ctx context.Context) int {
	return o.warmer.Enqueue(ctx, o.table.Top(o.cfg.WarmTopN))
}

// Reoptimize evaluates the rolling hit rate and adjusts aggressiveness.
// Cron-driven, independently of warming cycles.
func (o *Optimizer) Reoptimize() {
	stats := o.recorder.Rolling("")
	if stats.Hits+stats.Misses < 50 {
		return // not enough traffic to judge
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if stats.HitRate >= o.cfg.HitRateTarget {
		o.lowStreak = 0
		o.deescalateLocked()
		return
	}

	o.lowStreak++
	if o.lowStreak < o.cfg.EscalateAfter {
		return
	}
	o.escalateLocked()
}

// Interval returns the current warming cadence. The cron handler checks it
// against the time of the last cycle.
func (o *Optimizer) Interval() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.interval
}

// Status reports the loop's current posture.
func (o *Optimizer) Status() Status {
	o.mu.Lock()
	interval := o.interval
	streak := o.lowStreak
	escalations := o.escalations
	o.mu.Unlock()

	return Status{
		Interval:        interval,
		LowStreak:       streak,
		Escalations:     escalations,
		PatternCount:    o.table.Len(),
		PatternCapacity: o.table.Capacity(),
		ParallelLookups: o.orch.ParallelLookups(),
		Warmer:          o.warmer.Stats(),
	}
}

// escalateLocked applies the next escalation step. Caller holds o.mu.
func (o *Optimizer) escalateLocked() {
	o.escalations++

	// Step 1: track more patterns.
	if capacity := o.table.Capacity(); capacity < o.cfg.MaxCapacity {
		next := capacity * 2
		if next > o.cfg.MaxCapacity {
			next = o.cfg.MaxCapacity
		}
		o.table.SetCapacity(next)
	}

	// Step 2: warm more often, down to the floor.
	if o.interval > o.cfg.MinInterval {
		o.interval /= 2
		if o.interval < o.cfg.MinInterval {
			o.interval = o.cfg.MinInterval
		}
		return
	}

	// Step 3: already at the floor; race the tiers instead of walking them.
	o.orch.SetParallel(true)
}

// deescalateLocked relaxes one step per healthy evaluation. Caller holds o.mu.
func (o *Optimizer) deescalateLocked() {
	if o.orch.ParallelLookups() {
		o.orch.SetParallel(false)
		return
	}
	if o.interval < o.cfg.BaseInterval {
		o.interval *= 2
		if o.interval > o.cfg.BaseInterval {
			o.interval = o.cfg.BaseInterval
		}
	}
}
