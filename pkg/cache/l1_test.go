package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"encore.app/pkg/models"
)

func testEntry(key, language string, ttl time.Duration) *models.CacheEntry {
	req := &models.ContentRequest{
		ID:             "req-" + key,
		ContentType:    "article",
		Topic:          "test topic",
		OutputLanguage: language,
		WordCount:      300,
	}
	resp := &models.ContentResponse{
		RequestID: req.ID,
		Text:      "generated text for " + key,
		Language:  language,
		BackendID: "backend-test",
	}
	return models.NewCacheEntry(key, req, resp, ttl, []string{"lang:" + language, "type:article"})
}

func TestL1GetSet(t *testing.T) {
	ctx := context.Background()
	c := NewL1Cache(10)

	if _, ok, _ := c.Get(ctx, "missing"); ok {
		t.Fatal("expected miss on empty cache")
	}

	if err := c.Set(ctx, testEntry("k1", "en", time.Minute)); err != nil {
		t.Fatalf("Set: %v", err)
	}

	entry, ok, err := c.Get(ctx, "k1")
	if err != nil || !ok {
		t.Fatalf("expected hit, got ok=%v err=%v", ok, err)
	}
	if entry.Response.Text != "generated text for k1" {
		t.Errorf("wrong entry returned: %q", entry.Response.Text)
	}
}

func TestL1ReturnsIndependentCopy(t *testing.T) {
	ctx := context.Background()
	c := NewL1Cache(10)
	c.Set(ctx, testEntry("k1", "en", time.Minute))

	first, _, _ := c.Get(ctx, "k1")
	first.Response.Text = "mutated by caller"

	second, _, _ := c.Get(ctx, "k1")
	if second.Response.Text == "mutated by caller" {
		t.Error("caller mutation leaked into the cache")
	}
}

func TestL1TTLExpiration(t *testing.T) {
	ctx := context.Background()
	c := NewL1Cache(10)
	c.Set(ctx, testEntry("k1", "en", 10*time.Millisecond))

	time.Sleep(20 * time.Millisecond)

	if _, ok, _ := c.Get(ctx, "k1"); ok {
		t.Error("expired entry served")
	}
	if got := c.Stats().Expirations; got != 1 {
		t.Errorf("expirations = %d, want 1", got)
	}
}

func TestL1LRUEviction(t *testing.T) {
	ctx := context.Background()
	c := NewL1Cache(3)

	for i := 1; i <= 3; i++ {
		c.Set(ctx, testEntry(fmt.Sprintf("k%d", i), "en", time.Minute))
	}

	// Touch k1 so k2 becomes the eviction candidate.
	c.Get(ctx, "k1")

	c.Set(ctx, testEntry("k4", "en", time.Minute))

	if _, ok, _ := c.Get(ctx, "k2"); ok {
		t.Error("least recently used entry survived eviction")
	}
	for _, key := range []string{"k1", "k3", "k4"} {
		if _, ok, _ := c.Get(ctx, key); !ok {
			t.Errorf("entry %s evicted unexpectedly", key)
		}
	}
	if got := c.Stats().Evictions; got != 1 {
		t.Errorf("evictions = %d, want 1", got)
	}
}

func TestL1ClearByLanguage(t *testing.T) {
	ctx := context.Background()
	c := NewL1Cache(10)
	c.Set(ctx, testEntry("en-1", "en", time.Minute))
	c.Set(ctx, testEntry("en-2", "en", time.Minute))
	c.Set(ctx, testEntry("fr-1", "fr", time.Minute))

	n, err := c.Clear(ctx, Filter{Language: "en"})
	if err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if n != 2 {
		t.Errorf("cleared %d entries, want 2", n)
	}
	if _, ok, _ := c.Get(ctx, "fr-1"); !ok {
		t.Error("entry outside the filter was cleared")
	}
}

func TestL1ClearAll(t *testing.T) {
	ctx := context.Background()
	c := NewL1Cache(10)
	c.Set(ctx, testEntry("k1", "en", time.Minute))
	c.Set(ctx, testEntry("k2", "fr", time.Minute))

	n, _ := c.Clear(ctx, Filter{})
	if n != 2 {
		t.Errorf("cleared %d entries, want 2", n)
	}
	if c.Stats().Entries != 0 {
		t.Error("cache not empty after full clear")
	}
}

func TestL1Sweep(t *testing.T) {
	ctx := context.Background()
	c := NewL1Cache(10)
	c.Set(ctx, testEntry("short", "en", 10*time.Millisecond))
	c.Set(ctx, testEntry("long", "en", time.Minute))

	time.Sleep(20 * time.Millisecond)

	n, _ := c.Sweep(ctx)
	if n != 1 {
		t.Errorf("swept %d entries, want 1", n)
	}
	if !c.Contains("long") {
		t.Error("live entry removed by sweep")
	}
}

func TestL1ConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	c := NewL1Cache(100)

	done := make(chan struct{})
	for w := 0; w < 8; w++ {
		go func(w int) {
			defer func() { done <- struct{}{} }()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("k%d", i%50)
				if i%3 == 0 {
					c.Set(ctx, testEntry(key, "en", time.Minute))
				} else {
					c.Get(ctx, key)
				}
			}
		}(w)
	}
	for w := 0; w < 8; w++ {
		<-done
	}
}
