package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"encore.app/pkg/models"
)

// failingStore simulates a broken remote store.
type failingStore struct{}

func (failingStore) Get(context.Context, string) (*models.CacheEntry, bool, error) {
	return nil, false, errors.New("connection refused")
}
func (failingStore) Set(context.Context, *models.CacheEntry, time.Duration) error {
	return errors.New("connection refused")
}
func (failingStore) Delete(context.Context, string) (bool, error) {
	return false, errors.New("connection refused")
}

func TestL2RoundTrip(t *testing.T) {
	ctx := context.Background()
	c := NewL2Cache(NewMemoryStore(), 0)

	if err := c.Set(ctx, testEntry("k1", "en", time.Minute)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	entry, ok, err := c.Get(ctx, "k1")
	if err != nil || !ok {
		t.Fatalf("expected hit, got ok=%v err=%v", ok, err)
	}
	if entry.Language != "en" {
		t.Errorf("language = %q, want en", entry.Language)
	}
}

func TestL2NilDriverDegradesToMiss(t *testing.T) {
	ctx := context.Background()
	c := NewL2Cache(nil, 0)

	if !c.Degraded() {
		t.Error("nil driver not reported as degraded")
	}
	if err := c.Set(ctx, testEntry("k1", "en", time.Minute)); err != nil {
		t.Errorf("degraded Set returned error: %v", err)
	}
	if _, ok, err := c.Get(ctx, "k1"); ok || err != nil {
		t.Errorf("degraded Get: ok=%v err=%v, want miss with nil error", ok, err)
	}
	if n, err := c.Clear(ctx, Filter{}); n != 0 || err != nil {
		t.Errorf("degraded Clear: n=%d err=%v", n, err)
	}
}

func TestL2DriverErrorSurfaces(t *testing.T) {
	ctx := context.Background()
	c := NewL2Cache(failingStore{}, 0)

	if _, _, err := c.Get(ctx, "k1"); err == nil {
		t.Error("driver failure not surfaced from Get")
	}
	if err := c.Set(ctx, testEntry("k1", "en", time.Minute)); err == nil {
		t.Error("driver failure not surfaced from Set")
	}
}

func TestL2ClearByLanguageUsesIndex(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	c := NewL2Cache(store, 0)

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
	if store.Len() != 1 {
		t.Errorf("driver holds %d entries, want 1", store.Len())
	}
	if _, ok, _ := c.Get(ctx, "fr-1"); !ok {
		t.Error("entry outside the filter was cleared")
	}
}

func TestL2ClearIntersectsFilters(t *testing.T) {
	ctx := context.Background()
	c := NewL2Cache(NewMemoryStore(), 0)

	c.Set(ctx, testEntry("en-article", "en", time.Minute))
	c.Set(ctx, testEntry("fr-article", "fr", time.Minute))

	n, _ := c.Clear(ctx, Filter{Language: "fr", ContentType: "article"})
	if n != 1 {
		t.Errorf("cleared %d entries, want 1", n)
	}
	if _, ok, _ := c.Get(ctx, "en-article"); !ok {
		t.Error("en entry cleared by fr filter")
	}
}

func TestL2ExpiredEntryIsMissAndRemoved(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	c := NewL2Cache(store, 0)

	c.Set(ctx, testEntry("k1", "en", 10*time.Millisecond))
	time.Sleep(20 * time.Millisecond)

	if _, ok, _ := c.Get(ctx, "k1"); ok {
		t.Error("expired entry served")
	}
	if store.Len() != 0 {
		t.Error("expired entry left in driver")
	}
}
