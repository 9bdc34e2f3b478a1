package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"encore.app/pkg/models"
)

// WritePolicy selects how Store propagates an entry beyond L1.
type WritePolicy string

const (
	// WriteThrough writes every tier synchronously before returning.
	WriteThrough WritePolicy = "write-through"
	// WriteBehind writes L1 synchronously and queues L2/L3 for background
	// workers. Falls back to a synchronous write when the queue is full.
	WriteBehind WritePolicy = "write-behind"
)

// backfillTimeout bounds the detached writes that promote a lower-tier hit
// into the tiers above it.
const backfillTimeout = 2 * time.Second

// Options configures an Orchestrator.
type Options struct {
	Layers    []Layer  // lookup order, fastest first
	Observer  Observer // nil = no-op
	Policy    WritePolicy
	Parallel  bool // query all tiers concurrently instead of in order
	QueueSize int  // write-behind queue capacity (default 256)
	Workers   int  // write-behind worker count (default 2)
}

// Orchestrator coordinates the cache tiers: ordered or parallel lookup with
// promotion of lower-tier hits, write-through or write-behind stores,
// singleflight coalescing of concurrent misses, and fan-out invalidation.
type Orchestrator struct {
	layers   []Layer
	observer Observer
	policy   WritePolicy
	parallel atomic.Bool

	group singleflight.Group

	queue    chan writeTask
	workerWG sync.WaitGroup
	stopOnce sync.Once
}

// lookupResult carries one tier's answer during a parallel lookup.
type lookupResult struct {
	entry *models.CacheEntry
	ok    bool
}

// writeTask is one queued write-behind propagation: the entry plus the index
// of the first tier it still needs to reach.
type writeTask struct {
	entry *models.CacheEntry
	from  int
}

// NewOrchestrator wires the tiers together and, under write-behind, starts
// the background writer pool.
func NewOrchestrator(opts Options) *Orchestrator {
	o := &Orchestrator{
		layers:   opts.Layers,
		observer: opts.Observer,
		policy:   opts.Policy,
	}
	if o.observer == nil {
		o.observer = nopObserver{}
	}
	if o.policy == "" {
		o.policy = WriteThrough
	}
	o.parallel.Store(opts.Parallel)

	if o.policy == WriteBehind {
		size := opts.QueueSize
		if size <= 0 {
			size = 256
		}
		workers := opts.Workers
		if workers <= 0 {
			workers = 2
		}
		o.queue = make(chan writeTask, size)
		for i := 0; i < workers; i++ {
			o.workerWG.Add(1)
			go o.writer()
		}
	}
	return o
}

// Lookup probes the tiers for a key. On a hit in a lower tier, the entry is
// promoted into the tiers above it asynchronously. The returned layer name
// is where the hit landed ("" on miss).
func (o *Orchestrator) Lookup(ctx context.Context, key, language string) (*models.CacheEntry, string, bool) {
	if o.parallel.Load() {
		return o.lookupParallel(ctx, key, language)
	}
	return o.lookupWaterfall(ctx, key, language)
}

func (o *Orchestrator) lookupWaterfall(ctx context.Context, key, language string) (*models.CacheEntry, string, bool) {
	for i, layer := range o.layers {
		start := time.Now()
		entry, ok, err := layer.Get(ctx, key)
		if err != nil {
			// A failing tier is a miss, never an error for the caller.
			o.observer.Fault(layer.Name(), language)
			ok = false
		}
		o.observer.Lookup(layer.Name(), language, ok, time.Since(start))
		if ok {
			o.backfill(entry, i)
			return entry, layer.Name(), true
		}
	}
	return nil, "", false
}

// lookupParallel probes every tier at once and answers with the hit from
// the highest-priority tier (lowest index). All probes still complete so
// each tier's metrics stay accurate.
func (o *Orchestrator) lookupParallel(ctx context.Context, key, language string) (*models.CacheEntry, string, bool) {
	results := make([]lookupResult, len(o.layers))
	var wg sync.WaitGroup
	for i, layer := range o.layers {
		wg.Add(1)
		go func(i int, layer Layer) {
			defer wg.Done()
			start := time.Now()
			entry, ok, err := layer.Get(ctx, key)
			if err != nil {
				o.observer.Fault(layer.Name(), language)
				ok = false
			}
			o.observer.Lookup(layer.Name(), language, ok, time.Since(start))
			results[i] = lookupResult{entry: entry, ok: ok}
		}(i, layer)
	}
	wg.Wait()

	for i, res := range results {
		if res.ok {
			o.backfill(res.entry, i)
			return res.entry, o.layers[i].Name(), true
		}
	}
	return nil, "", false
}

// GetOrFill returns the cached entry for key, or coalesces concurrent
// misses into a single fill call whose result is stored and shared. The
// bool reports whether the answer came from cache.
func (o *Orchestrator) GetOrFill(ctx context.Context, key, language string, fill func(ctx context.Context) (*models.CacheEntry, error)) (*models.CacheEntry, bool, error) {
	if entry, _, ok := o.Lookup(ctx, key, language); ok {
		return entry, true, nil
	}
	entry, _, err := o.Fill(ctx, key, 0, fill)
	return entry, false, err
}

// Fill coalesces concurrent fills of one key: a single caller runs fill and
// stores the result from the given tier down; the rest share the outcome.
// shared reports whether this caller piggybacked on another caller's fill.
func (o *Orchestrator) Fill(ctx context.Context, key string, from int, fill func(ctx context.Context) (*models.CacheEntry, error)) (*models.CacheEntry, bool, error) {
	v, err, shared := o.group.Do(key, func() (interface{}, error) {
		entry, err := fill(ctx)
		if err != nil {
			return nil, err
		}
		if err := o.StoreFrom(ctx, entry, from); err != nil {
			return entry, nil // serve the result even if the store failed
		}
		return entry, nil
	})
	if err != nil {
		return nil, shared, err
	}

	entry := v.(*models.CacheEntry)
	if shared {
		// Duplicate callers get their own copy; a coalesced result is
		// still a generation, not a cache hit.
		entry = entry.Clone()
	}
	return entry, shared, nil
}

// Store writes an entry to every tier according to the write policy.
func (o *Orchestrator) Store(ctx context.Context, entry *models.CacheEntry) error {
	return o.StoreFrom(ctx, entry, 0)
}

// StoreFrom writes an entry to the tiers at index from and below. The
// optimizer maps pattern priority to a starting tier, so low-value shapes
// skip the hot tiers entirely. The first targeted tier is written
// synchronously; under write-behind the rest ride the queue.
func (o *Orchestrator) StoreFrom(ctx context.Context, entry *models.CacheEntry, from int) error {
	if len(o.layers) == 0 {
		return nil
	}
	if from < 0 {
		from = 0
	}
	if from >= len(o.layers) {
		from = len(o.layers) - 1
	}

	if err := o.layers[from].Set(ctx, entry); err != nil {
		return err
	}
	if from == len(o.layers)-1 {
		return nil
	}

	if o.policy == WriteBehind && o.queue != nil {
		select {
		case o.queue <- writeTask{entry: entry.Clone(), from: from + 1}:
			return nil
		default:
			// Queue saturated; degrade to a synchronous write rather
			// than dropping the entry.
		}
	}

	var firstErr error
	for _, layer := range o.layers[from+1:] {
		if err := layer.Set(ctx, entry); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Invalidate clears matching entries in every tier concurrently and forgets
// in-flight fills so post-clear requests regenerate.
func (o *Orchestrator) Invalidate(ctx context.Context, filter Filter) (int, error) {
	var total atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	for _, layer := range o.layers {
		layer := layer
		g.Go(func() error {
			n, err := layer.Clear(gctx, filter)
			total.Add(int64(n))
			return err
		})
	}
	err := g.Wait()
	return int(total.Load()), err
}

// Delete removes one key from every tier. Returns true if any tier held it.
func (o *Orchestrator) Delete(ctx context.Context, key string) bool {
	o.group.Forget(key)
	existed := false
	for _, layer := range o.layers {
		if ok, _ := layer.Delete(ctx, key); ok {
			existed = true
		}
	}
	return existed
}

// Sweep drops expired entries in every tier. Cron-driven.
func (o *Orchestrator) Sweep(ctx context.Context) int {
	total := 0
	for _, layer := range o.layers {
		n, _ := layer.Sweep(ctx)
		total += n
	}
	return total
}

// Stats returns per-tier bookkeeping, ordered by lookup priority.
func (o *Orchestrator) Stats() []LayerStats {
	stats := make([]LayerStats, 0, len(o.layers))
	for _, layer := range o.layers {
		stats = append(stats, layer.Stats())
	}
	return stats
}

// SetParallel switches the lookup strategy at runtime. The optimizer
// escalates to parallel lookups when hit rates stay low.
func (o *Orchestrator) SetParallel(parallel bool) { o.parallel.Store(parallel) }

// ParallelLookups reports the current lookup strategy.
func (o *Orchestrator) ParallelLookups() bool { return o.parallel.Load() }

// QueueDepth returns the number of pending write-behind entries.
func (o *Orchestrator) QueueDepth() int {
	if o.queue == nil {
		return 0
	}
	return len(o.queue)
}

// Stop shuts down the write-behind workers after draining the queue.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() {
		if o.queue != nil {
			close(o.queue)
		}
		o.workerWG.Wait()
	})
}

// backfill promotes a hit into the tiers above hitIndex, detached from the
// request so a canceled caller cannot abort the promotion.
func (o *Orchestrator) backfill(entry *models.CacheEntry, hitIndex int) {
	if hitIndex == 0 {
		return
	}
	upper := o.layers[:hitIndex]
	promoted := entry.Clone()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), backfillTimeout)
		defer cancel()
		for _, layer := range upper {
			_ = layer.Set(ctx, promoted)
		}
	}()
}

// writer drains the write-behind queue into each task's remaining tiers.
func (o *Orchestrator) writer() {
	defer o.workerWG.Done()
	for task := range o.queue {
		ctx, cancel := context.WithTimeout(context.Background(), backfillTimeout)
		for _, layer := range o.layers[task.from:] {
			_ = layer.Set(ctx, task.entry)
		}
		cancel()
	}
}
