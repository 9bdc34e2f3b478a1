package optimizer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"encore.app/pkg/cache"
	"encore.app/pkg/models"
)

// Warming TTLs per priority tier. Hotter shapes stay warm longer.
const (
	criticalTTL = 2 * time.Hour
	highTTL     = 1 * time.Hour
	mediumTTL   = 30 * time.Minute
)

// warmTimeout bounds one warming generation.
const warmTimeout = 30 * time.Second

// Generator produces content for a pattern ahead of real demand. The
// gateway implements this by synthesizing a representative request and
// running it through the normal generation path.
type Generator interface {
	// Key returns the cache key the pattern's representative request
	// would derive, so the warmer can skip already-cached shapes.
	Key(pattern models.CachePattern) string
	// Warm generates content for the pattern and returns the entry to
	// store. The entry's TTL is overridden per priority tier.
	Warm(ctx context.Context, pattern models.CachePattern, ttl time.Duration) (*models.CacheEntry, error)
}

// WarmerConfig tunes the warming worker pool.
type WarmerConfig struct {
	Workers    int           // pool size (default 4)
	QueueSize  int           // task buffer (default 100)
	RatePerSec float64       // origin protection (default 5/sec)
	Retries    int           // extra attempts after the first failure
	Backoff    time.Duration // base backoff between retries (default 500ms)
}

func (c *WarmerConfig) withDefaults() WarmerConfig {
	out := *c
	if out.Workers <= 0 {
		out.Workers = 4
	}
	if out.QueueSize <= 0 {
		out.QueueSize = 100
	}
	if out.RatePerSec <= 0 {
		out.RatePerSec = 5
	}
	if out.Retries < 0 {
		out.Retries = 2
	}
	if out.Backoff <= 0 {
		out.Backoff = 500 * time.Millisecond
	}
	return out
}

// WarmerStats counts warming outcomes.
type WarmerStats struct {
	Warmed    uint64 `json:"warmed"`
	Skipped   uint64 `json:"skipped"`
	Failed    uint64 `json:"failed"`
	QueueSize int    `json:"queue_size"`
	Active    int    `json:"active_workers"`
}

// Warmer regenerates the hottest patterns into the cache tiers their
// priority places them in: critical and high shapes land in every tier,
// medium in L2+L3. Low-priority patterns are never selected for warming.
//
// Origin calls are rate limited so warming never competes with live
// traffic for backend capacity.
type Warmer struct {
	generator Generator
	layers    []cache.Layer // lookup order, l1 first
	limiter   *rate.Limiter
	cfg       WarmerConfig

	tasks   chan models.CachePattern
	wg      sync.WaitGroup
	stopCh  chan struct{}
	stopped sync.Once

	warmed  atomic.Uint64
	skipped atomic.Uint64
	failed  atomic.Uint64
	active  atomic.Int32
}

// NewWarmer starts the worker pool. layers must be in lookup order.
func NewWarmer(generator Generator, layers []cache.Layer, cfg WarmerConfig) *Warmer {
	cfg = cfg.withDefaults()
	w := &Warmer{
		generator: generator,
		layers:    layers,
		limiter:   rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1),
		cfg:       cfg,
		tasks:     make(chan models.CachePattern, cfg.QueueSize),
		stopCh:    make(chan struct{}),
	}
	for i := 0; i < cfg.Workers; i++ {
		w.wg.Add(1)
		go w.run()
	}
	return w
}

// Enqueue queues patterns for warming, skipping those whose representative
// key is already cached. Returns the number actually queued.
func (w *Warmer) Enqueue(ctx context.Context, patterns []models.CachePattern) int {
	queued := 0
	for _, p := range patterns {
		if w.alreadyCached(ctx, p) {
			w.skipped.Add(1)
			continue
		}
		select {
		case w.tasks <- p:
			queued++
		default:
			// Queue full; the next cycle picks the pattern up again.
			w.skipped.Add(1)
		}
	}
	return queued
}

// Stats returns warming counters.
func (w *Warmer) Stats() WarmerStats {
	return WarmerStats{
		Warmed:    w.warmed.Load(),
		Skipped:   w.skipped.Load(),
		Failed:    w.failed.Load(),
		QueueSize: len(w.tasks),
		Active:    int(w.active.Load()),
	}
}

// Shutdown stops the workers. Queued tasks are dropped.
func (w *Warmer) Shutdown() {
	w.stopped.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

func (w *Warmer) run() {
	defer w.wg.Done()
	for {
		select {
		case <-w.stopCh:
			return
		case pattern := <-w.tasks:
			w.active.Add(1)
			w.warmOne(pattern)
			w.active.Add(-1)
		}
	}
}

func (w *Warmer) warmOne(pattern models.CachePattern) {
	ttl := ttlFor(pattern.Priority)

	for attempt := 0; attempt <= w.cfg.Retries; attempt++ {
		if attempt > 0 {
			// Exponential backoff between attempts.
			select {
			case <-w.stopCh:
				return
			case <-time.After(w.cfg.Backoff * time.Duration(1<<uint(attempt-1))):
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), warmTimeout)
		err := w.limiter.Wait(ctx)
		if err != nil {
			cancel()
			continue
		}

		entry, err := w.generator.Warm(ctx, pattern, ttl)
		if err == nil {
			for _, layer := range w.targetLayers(pattern.Priority) {
				_ = layer.Set(ctx, entry)
			}
			cancel()
			w.warmed.Add(1)
			return
		}
		cancel()
	}
	w.failed.Add(1)
}

// targetLayers selects the tiers a priority warms into, following the same
// placement the live write path uses.
func (w *Warmer) targetLayers(p models.PatternPriority) []cache.Layer {
	from := PlacementFor(p).FromTier
	if from >= len(w.layers) {
		return nil
	}
	return w.layers[from:]
}

func ttlFor(p models.PatternPriority) time.Duration {
	if ttl := PlacementFor(p).TTL; ttl > 0 {
		return ttl
	}
	return mediumTTL
}

// alreadyCached probes the pattern's first target tier for its
// representative key.
func (w *Warmer) alreadyCached(ctx context.Context, pattern models.CachePattern) bool {
	targets := w.targetLayers(pattern.Priority)
	if len(targets) == 0 {
		return false
	}
	_, ok, err := targets[0].Get(ctx, w.generator.Key(pattern))
	return err == nil && ok
}
