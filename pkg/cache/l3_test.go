package cache

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"encore.app/pkg/models"
)

func TestL3RoundTrip(t *testing.T) {
	ctx := context.Background()
	c := NewL3Cache(nil, time.Minute, nil)

	c.Set(ctx, testEntry("k1", "en", time.Minute))
	entry, ok, _ := c.Get(ctx, "k1")
	if !ok {
		t.Fatal("expected hit")
	}
	if entry.Key != "k1" {
		t.Errorf("key = %q, want k1", entry.Key)
	}
}

func TestL3ZoneAssignmentStable(t *testing.T) {
	c := NewL3Cache([]string{"zone-a", "zone-b", "zone-c"}, time.Minute, nil)

	z1 := c.ring.Locate("some-key")
	for i := 0; i < 10; i++ {
		if got := c.ring.Locate("some-key"); got != z1 {
			t.Fatalf("zone changed between lookups: %q vs %q", z1, got)
		}
	}
}

func TestL3ServesStaleWithinGrace(t *testing.T) {
	ctx := context.Background()

	var mu sync.Mutex
	refreshed := 0
	done := make(chan struct{}, 1)

	c := NewL3Cache(nil, time.Minute, nil)
	c.SetRefresh(func(_ context.Context, stale *models.CacheEntry) {
		mu.Lock()
		refreshed++
		mu.Unlock()
		select {
		case done <- struct{}{}:
		default:
		}
	})

	c.Set(ctx, testEntry("k1", "en", 10*time.Millisecond))
	time.Sleep(20 * time.Millisecond)

	entry, ok, _ := c.Get(ctx, "k1")
	if !ok {
		t.Fatal("stale entry within grace not served")
	}
	if entry == nil || entry.Key != "k1" {
		t.Fatal("wrong stale entry returned")
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("refresh hook never ran")
	}
	if c.StaleServed() == 0 {
		t.Error("stale serve not counted")
	}
}

func TestL3RefreshRunsOncePerKey(t *testing.T) {
	ctx := context.Background()

	release := make(chan struct{})
	var mu sync.Mutex
	calls := 0

	c := NewL3Cache(nil, time.Minute, nil)
	c.SetRefresh(func(_ context.Context, _ *models.CacheEntry) {
		mu.Lock()
		calls++
		mu.Unlock()
		<-release
	})

	c.Set(ctx, testEntry("k1", "en", 10*time.Millisecond))
	time.Sleep(20 * time.Millisecond)

	for i := 0; i < 5; i++ {
		c.Get(ctx, "k1")
	}
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	got := calls
	mu.Unlock()
	close(release)

	if got != 1 {
		t.Errorf("refresh ran %d times for one key, want 1", got)
	}
}

func TestL3MissPastGrace(t *testing.T) {
	ctx := context.Background()
	c := NewL3Cache(nil, 5*time.Millisecond, nil)

	c.Set(ctx, testEntry("k1", "en", 5*time.Millisecond))
	time.Sleep(20 * time.Millisecond)

	if _, ok, _ := c.Get(ctx, "k1"); ok {
		t.Error("entry past grace window served")
	}
}

func TestL3SweepKeepsGraceEntries(t *testing.T) {
	ctx := context.Background()
	c := NewL3Cache(nil, time.Minute, nil)

	c.Set(ctx, testEntry("in-grace", "en", 10*time.Millisecond))
	c.Set(ctx, testEntry("live", "en", time.Minute))
	time.Sleep(20 * time.Millisecond)

	n, _ := c.Sweep(ctx)
	if n != 0 {
		t.Errorf("sweep removed %d entries, want 0 (both live or in grace)", n)
	}
	if c.Stats().Entries != 2 {
		t.Errorf("entries = %d, want 2", c.Stats().Entries)
	}
}

func TestL3ClearByLanguage(t *testing.T) {
	ctx := context.Background()
	c := NewL3Cache(nil, time.Minute, nil)

	c.Set(ctx, testEntry("en-1", "en", time.Minute))
	c.Set(ctx, testEntry("fr-1", "fr", time.Minute))

	n, _ := c.Clear(ctx, Filter{Language: "en"})
	if n != 1 {
		t.Errorf("cleared %d entries, want 1", n)
	}
	if _, ok, _ := c.Get(ctx, "fr-1"); !ok {
		t.Error("fr entry cleared by en filter")
	}
}

func marketEntry(key, language, market string) *models.CacheEntry {
	entry := testEntry(key, language, time.Minute)
	entry.Request.Cultural = &models.CulturalContext{Market: market}
	return entry
}

// Concurrent reads of one key touch and clone the same stored entry; this
// must hold up under the race detector.
func TestL3ConcurrentReads(t *testing.T) {
	ctx := context.Background()
	c := NewL3Cache(nil, time.Minute, nil)
	c.Set(ctx, testEntry("hot", "en", time.Minute))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				if _, ok, _ := c.Get(ctx, "hot"); !ok {
					t.Error("hot key missed during concurrent reads")
					return
				}
			}
		}()
	}
	wg.Wait()
}

// Entries for the same language and market always share a zone, and remain
// reachable by key even though placement ignores the key itself.
func TestL3ZonesByLanguageAndMarket(t *testing.T) {
	ctx := context.Background()
	c := NewL3Cache([]string{"zone-a", "zone-b", "zone-c"}, time.Minute, nil)

	for i := 0; i < 5; i++ {
		c.Set(ctx, marketEntry(fmt.Sprintf("de-%d", i), "de", "de-DE"))
	}

	occupied := 0
	for _, n := range c.ZoneSizes() {
		if n > 0 {
			occupied++
		}
	}
	if occupied != 1 {
		t.Errorf("de-DE entries spread over %d zones, want 1 (%v)", occupied, c.ZoneSizes())
	}

	for i := 0; i < 5; i++ {
		key := fmt.Sprintf("de-%d", i)
		if _, ok, _ := c.Get(ctx, key); !ok {
			t.Errorf("key %q not retrievable after zoned store", key)
		}
		if ok, _ := c.Delete(ctx, key); !ok {
			t.Errorf("key %q not deletable after zoned store", key)
		}
	}
}

func TestRingRedistribution(t *testing.T) {
	r := NewRing(0)
	for _, z := range []string{"zone-a", "zone-b", "zone-c"} {
		if err := r.AddZone(z); err != nil {
			t.Fatalf("AddZone: %v", err)
		}
	}

	keys := make([]string, 0, 200)
	before := make(map[string]string, 200)
	for i := 0; i < 200; i++ {
		key := fmt.Sprintf("v1:article:key-%d", i)
		keys = append(keys, key)
		before[key] = r.Locate(key)
	}

	if err := r.RemoveZone("zone-b"); err != nil {
		t.Fatalf("RemoveZone: %v", err)
	}

	moved := 0
	for _, key := range keys {
		after := r.Locate(key)
		if after == "zone-b" {
			t.Fatalf("key %q still maps to removed zone", key)
		}
		if after != before[key] {
			if before[key] != "zone-b" {
				t.Errorf("key %q moved between surviving zones", key)
			}
			moved++
		}
	}
	if moved == 0 {
		t.Error("no keys moved after removing a zone")
	}
}
