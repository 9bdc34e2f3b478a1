package cache

import (
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
)

// defaultVirtualNodes is the number of ring positions per zone. More
// positions give a more even key spread at the cost of memory and slower
// zone add/remove.
const defaultVirtualNodes = 120

// Ring assigns cache keys to L3 zones by consistent hashing, so adding or
// removing a zone only remaps the keys adjacent to it instead of reshuffling
// the whole tier.
//
// Thread Safety: safe for concurrent use via sync.RWMutex.
// Complexity: Locate is O(log M) over M virtual nodes.
type Ring struct {
	mu        sync.RWMutex
	virtual   int
	positions []uint64          // sorted ring positions
	owners    map[uint64]string // position -> zone ID
	zones     map[string]struct{}
}

// NewRing creates an empty ring. virtual <= 0 selects the default.
func NewRing(virtual int) *Ring {
	if virtual <= 0 {
		virtual = defaultVirtualNodes
	}
	return &Ring{
		virtual: virtual,
		owners:  make(map[uint64]string),
		zones:   make(map[string]struct{}),
	}
}

// AddZone inserts a zone's virtual nodes. Adding an existing zone is a no-op.
func (r *Ring) AddZone(zoneID string) error {
	if zoneID == "" {
		return fmt.Errorf("zone ID cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.zones[zoneID]; exists {
		return nil
	}
	r.zones[zoneID] = struct{}{}

	for i := 0; i < r.virtual; i++ {
		pos := ringHash(fmt.Sprintf("%s#%d", zoneID, i))
		r.owners[pos] = zoneID
		r.positions = append(r.positions, pos)
	}
	sort.Slice(r.positions, func(i, j int) bool { return r.positions[i] < r.positions[j] })
	return nil
}

// RemoveZone deletes a zone's virtual nodes. Keys it owned fall to the next
// zone clockwise.
func (r *Ring) RemoveZone(zoneID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.zones[zoneID]; !exists {
		return fmt.Errorf("zone %s not in ring", zoneID)
	}
	delete(r.zones, zoneID)

	for i := 0; i < r.virtual; i++ {
		delete(r.owners, ringHash(fmt.Sprintf("%s#%d", zoneID, i)))
	}
	r.positions = r.positions[:0]
	for pos := range r.owners {
		r.positions = append(r.positions, pos)
	}
	sort.Slice(r.positions, func(i, j int) bool { return r.positions[i] < r.positions[j] })
	return nil
}

// Locate returns the zone owning the key, or "" if the ring is empty.
func (r *Ring) Locate(key string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.positions) == 0 {
		return ""
	}

	target := ringHash(key)
	idx := sort.Search(len(r.positions), func(i int) bool {
		return r.positions[i] >= target
	})
	if idx == len(r.positions) {
		idx = 0 // wrap around
	}
	return r.owners[r.positions[idx]]
}

// Zones returns all zone IDs in the ring.
func (r *Ring) Zones() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.zones))
	for id := range r.zones {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func ringHash(s string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return h.Sum64()
}
