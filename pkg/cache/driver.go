package cache

import (
	"context"
	"sync"
	"time"

	"encore.app/pkg/models"
)

// RemoteStore is the driver behind the L2 tier: a shared store visible to
// every gateway instance (Redis, Memcached, or the in-process MemoryStore
// in tests and local runs).
//
// Implementations must honor context cancellation; the L2 tier bounds every
// call with a per-operation timeout.
type RemoteStore interface {
	Get(ctx context.Context, key string) (*models.CacheEntry, bool, error)
	Set(ctx context.Context, entry *models.CacheEntry, ttl time.Duration) error
	Delete(ctx context.Context, key string) (bool, error)
}

// MemoryStore is an in-process RemoteStore. It backs L2 in local development
// and tests, where no shared store is deployed.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*models.CacheEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*models.CacheEntry)}
}

func (s *MemoryStore) Get(ctx context.Context, key string) (*models.CacheEntry, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	s.mu.RLock()
	entry, exists := s.entries[key]
	s.mu.RUnlock()
	if !exists {
		return nil, false, nil
	}
	return entry.Clone(), true, nil
}

func (s *MemoryStore) Set(ctx context.Context, entry *models.CacheEntry, _ time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.entries[entry.Key] = entry.Clone()
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[key]; !exists {
		return false, nil
	}
	delete(s.entries, key)
	return true, nil
}

// Len returns the number of stored entries. Test helper.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
