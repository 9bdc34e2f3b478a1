// Package throttle rate limits request intake with token buckets: a global
// bucket for whole-gateway protection plus per-client buckets for isolation.
//
// Design Notes:
//   - Token bucket over leaky bucket for burst tolerance.
//   - On-demand refill inside the consume path, no background goroutine.
//   - sync.Map for per-client buckets, atomic CAS for token updates.
//   - Stale client buckets are evicted by the periodic sweep.
package throttle

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Limiter is a two-level token bucket rate limiter.
type Limiter struct {
	refillRate float64 // tokens per second
	burst      int64

	clients sync.Map // client ID -> *tokenBucket
	global  *tokenBucket

	allowed atomic.Uint64
	blocked atomic.Uint64
}

type tokenBucket struct {
	tokens     int64 // atomic
	lastRefill int64 // atomic, unix nanos
	max        int64
	rate       float64
}

// New creates a limiter allowing refillRate requests per second with the
// given burst capacity.
func New(refillRate float64, burst int64) (*Limiter, error) {
	if refillRate <= 0 {
		return nil, fmt.Errorf("refill rate must be positive, got %f", refillRate)
	}
	if burst <= 0 {
		return nil, fmt.Errorf("burst must be positive, got %d", burst)
	}
	return &Limiter{
		refillRate: refillRate,
		burst:      burst,
		global:     newBucket(refillRate, burst),
	}, nil
}

// Allow reports whether one request from the client may proceed. An empty
// client ID falls through to the global bucket.
func (l *Limiter) Allow(clientID string) bool {
	if clientID == "" {
		return l.AllowGlobal()
	}
	if !l.clientBucket(clientID).consume(1) {
		l.blocked.Add(1)
		return false
	}
	l.allowed.Add(1)
	return true
}

// AllowGlobal checks the gateway-wide bucket, independent of client.
func (l *Limiter) AllowGlobal() bool {
	if !l.global.consume(1) {
		l.blocked.Add(1)
		return false
	}
	l.allowed.Add(1)
	return true
}

// Counts returns lifetime allowed/blocked totals.
func (l *Limiter) Counts() (allowed, blocked uint64) {
	return l.allowed.Load(), l.blocked.Load()
}

// EvictStale drops client buckets idle longer than the given duration.
// Returns the number evicted. Cron-driven.
func (l *Limiter) EvictStale(idle time.Duration) int {
	threshold := time.Now().Add(-idle).UnixNano()
	evicted := 0
	l.clients.Range(func(key, value interface{}) bool {
		b := value.(*tokenBucket)
		if atomic.LoadInt64(&b.lastRefill) < threshold {
			l.clients.Delete(key)
			evicted++
		}
		return true
	})
	return evicted
}

func (l *Limiter) clientBucket(clientID string) *tokenBucket {
	if b, ok := l.clients.Load(clientID); ok {
		return b.(*tokenBucket)
	}
	actual, _ := l.clients.LoadOrStore(clientID, newBucket(l.refillRate, l.burst))
	return actual.(*tokenBucket)
}

func newBucket(rate float64, max int64) *tokenBucket {
	return &tokenBucket{
		tokens:     max,
		lastRefill: time.Now().UnixNano(),
		max:        max,
		rate:       rate,
	}
}

// consume takes n tokens if available, refilling lazily from elapsed time.
// Lock-free via CAS with retry.
func (b *tokenBucket) consume(n int64) bool {
	now := time.Now().UnixNano()
	for {
		current := atomic.LoadInt64(&b.tokens)
		last := atomic.LoadInt64(&b.lastRefill)

		elapsed := time.Duration(now - last)
		refilled := current + int64(b.rate*elapsed.Seconds())
		if refilled > b.max {
			refilled = b.max
		}
		if refilled < n {
			return false
		}
		if atomic.CompareAndSwapInt64(&b.tokens, current, refilled-n) {
			atomic.StoreInt64(&b.lastRefill, now)
			return true
		}
	}
}
