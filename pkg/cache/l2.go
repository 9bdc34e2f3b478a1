package cache

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"encore.app/pkg/models"
)

// DefaultRemoteTimeout bounds every driver call so a slow remote store
// degrades to a miss instead of stalling the request path.
const DefaultRemoteTimeout = 250 * time.Millisecond

// clearConcurrency caps parallel driver deletes during a Clear.
const clearConcurrency = 8

// L2Cache is the shared remote tier. It delegates storage to a RemoteStore
// driver and keeps a local membership index of tags per key, so selective
// clears (by language, content type, market) never scan the remote store.
//
// A nil driver puts the tier in degraded mode: every read misses and every
// write is dropped, and the gateway keeps serving from L1/L3 and the origin.
type L2Cache struct {
	driver  RemoteStore
	timeout time.Duration

	mu    sync.RWMutex
	byTag map[string]map[string]struct{} // tag -> set of keys
	tags  map[string][]string            // key -> its tags

	expirations atomic.Uint64
}

// NewL2Cache creates the remote tier. driver may be nil (degraded mode);
// timeout <= 0 selects DefaultRemoteTimeout.
func NewL2Cache(driver RemoteStore, timeout time.Duration) *L2Cache {
	if timeout <= 0 {
		timeout = DefaultRemoteTimeout
	}
	return &L2Cache{
		driver:  driver,
		timeout: timeout,
		byTag:   make(map[string]map[string]struct{}),
		tags:    make(map[string][]string),
	}
}

func (c *L2Cache) Name() string { return "l2" }

// Degraded reports whether the tier is running without a backing store.
func (c *L2Cache) Degraded() bool { return c.driver == nil }

func (c *L2Cache) Get(ctx context.Context, key string) (*models.CacheEntry, bool, error) {
	if c.driver == nil {
		return nil, false, nil
	}
	opCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	entry, exists, err := c.driver.Get(opCtx, key)
	if err != nil {
		return nil, false, err
	}
	if !exists {
		return nil, false, nil
	}
	if entry.IsExpired(time.Now()) {
		c.expirations.Add(1)
		_, _ = c.deleteOne(ctx, key)
		return nil, false, nil
	}
	entry.Touch()
	return entry, true, nil
}

func (c *L2Cache) Set(ctx context.Context, entry *models.CacheEntry) error {
	if c.driver == nil {
		return nil
	}
	opCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	ttl := time.Until(entry.ExpiresAt)
	if err := c.driver.Set(opCtx, entry, ttl); err != nil {
		return err
	}
	c.indexAdd(entry.Key, entry.Tags, entry.Language)
	return nil
}

func (c *L2Cache) Delete(ctx context.Context, key string) (bool, error) {
	return c.deleteOne(ctx, key)
}

// Clear removes matching entries through the membership index. It covers
// keys written by this instance; a shared driver may hold entries written
// by peers, which expire via their own TTLs.
func (c *L2Cache) Clear(ctx context.Context, filter Filter) (int, error) {
	if c.driver == nil {
		return 0, nil
	}

	keys := c.selectKeys(filter)
	if len(keys) == 0 {
		return 0, nil
	}

	var cleared atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(clearConcurrency)
	for _, key := range keys {
		key := key
		g.Go(func() error {
			ok, err := c.deleteOne(gctx, key)
			if err != nil {
				return err
			}
			if ok {
				cleared.Add(1)
			}
			return nil
		})
	}
	err := g.Wait()
	return int(cleared.Load()), err
}

// Sweep prunes index rows for keys the driver no longer holds. The driver
// enforces TTLs itself, so there is nothing else to expire here.
func (c *L2Cache) Sweep(ctx context.Context) (int, error) {
	if c.driver == nil {
		return 0, nil
	}

	c.mu.RLock()
	keys := make([]string, 0, len(c.tags))
	for key := range c.tags {
		keys = append(keys, key)
	}
	c.mu.RUnlock()

	pruned := 0
	for _, key := range keys {
		opCtx, cancel := context.WithTimeout(ctx, c.timeout)
		entry, exists, err := c.driver.Get(opCtx, key)
		cancel()
		if err != nil {
			continue
		}
		if !exists || entry.IsExpired(time.Now()) {
			if exists {
				_, _ = c.deleteOne(ctx, key)
			} else {
				c.indexRemove(key)
			}
			pruned++
		}
	}
	c.expirations.Add(uint64(pruned))
	return pruned, nil
}

func (c *L2Cache) Stats() LayerStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return LayerStats{
		Layer:       "l2",
		Entries:     len(c.tags),
		Expirations: c.expirations.Load(),
		Degraded:    c.driver == nil,
	}
}

// LanguageCounts returns indexed entry counts keyed by output language. It
// reads the local membership index, so it only covers keys written by this
// instance.
func (c *L2Cache) LanguageCounts() map[string]int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	counts := make(map[string]int)
	for tag, keys := range c.byTag {
		if strings.HasPrefix(tag, "lang:") {
			counts[strings.TrimPrefix(tag, "lang:")] = len(keys)
		}
	}
	return counts
}

func (c *L2Cache) deleteOne(ctx context.Context, key string) (bool, error) {
	if c.driver == nil {
		return false, nil
	}
	opCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	existed, err := c.driver.Delete(opCtx, key)
	c.indexRemove(key)
	return existed, err
}

// selectKeys resolves a filter to concrete keys via the membership index.
func (c *L2Cache) selectKeys(filter Filter) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if filter.All() {
		keys := make([]string, 0, len(c.tags))
		for key := range c.tags {
			keys = append(keys, key)
		}
		return keys
	}

	// Intersect the tag sets for every set filter field.
	var wanted []string
	if filter.Language != "" {
		wanted = append(wanted, "lang:"+filter.Language)
	}
	if filter.ContentType != "" {
		wanted = append(wanted, "type:"+filter.ContentType)
	}
	if filter.Tag != "" {
		wanted = append(wanted, filter.Tag)
	}

	var keys []string
	for key := range c.byTag[wanted[0]] {
		match := true
		for _, tag := range wanted[1:] {
			if _, ok := c.byTag[tag][key]; !ok {
				match = false
				break
			}
		}
		if match {
			keys = append(keys, key)
		}
	}
	return keys
}

func (c *L2Cache) indexAdd(key string, tags []string, language string) {
	all := append([]string{"lang:" + language}, tags...)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.indexRemoveLocked(key)
	seen := make([]string, 0, len(all))
	for _, tag := range all {
		set, ok := c.byTag[tag]
		if !ok {
			set = make(map[string]struct{})
			c.byTag[tag] = set
		}
		if _, dup := set[key]; dup {
			continue
		}
		set[key] = struct{}{}
		seen = append(seen, tag)
	}
	c.tags[key] = seen
}

func (c *L2Cache) indexRemove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.indexRemoveLocked(key)
}

func (c *L2Cache) indexRemoveLocked(key string) {
	for _, tag := range c.tags[key] {
		delete(c.byTag[tag], key)
		if len(c.byTag[tag]) == 0 {
			delete(c.byTag, tag)
		}
	}
	delete(c.tags, key)
}
