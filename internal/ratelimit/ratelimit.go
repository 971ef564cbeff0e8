// Package ratelimit provides the request budget store keyed by
// (actor, resource). The store is an explicit injected dependency of the
// HTTP layer, never module-level state.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Store answers whether one more request by an actor against a resource
// fits the current window.
type Store interface {
	Allow(ctx context.Context, actorID, resource string) (bool, error)
}

type bucketKey struct {
	actor    string
	resource string
}

type bucket struct {
	windowStart time.Time
	count       int
}

// FixedWindow is an in-memory fixed-window counter. Buckets whose window has
// elapsed are reset on access and swept wholesale once the map grows past
// the eviction threshold, so a long-lived process does not accumulate keys
// for actors it last saw hours ago.
type FixedWindow struct {
	Limit  int
	Window time.Duration
	Now    func() time.Time

	mu      sync.Mutex
	buckets map[bucketKey]bucket
}

const evictThreshold = 4096

func NewFixedWindow(limit int, window time.Duration) *FixedWindow {
	return &FixedWindow{
		Limit:   limit,
		Window:  window,
		Now:     time.Now,
		buckets: make(map[bucketKey]bucket),
	}
}

func (f *FixedWindow) Allow(_ context.Context, actorID, resource string) (bool, error) {
	if f.Limit <= 0 {
		return true, nil
	}
	now := f.now()
	key := bucketKey{actor: actorID, resource: resource}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.buckets) > evictThreshold {
		f.sweep(now)
	}
	b, ok := f.buckets[key]
	if !ok || now.Sub(b.windowStart) >= f.Window {
		f.buckets[key] = bucket{windowStart: now, count: 1}
		return true, nil
	}
	if b.count >= f.Limit {
		return false, nil
	}
	b.count++
	f.buckets[key] = b
	return true, nil
}

func (f *FixedWindow) sweep(now time.Time) {
	for k, b := range f.buckets {
		if now.Sub(b.windowStart) >= f.Window {
			delete(f.buckets, k)
		}
	}
}

func (f *FixedWindow) now() time.Time {
	if f.Now != nil {
		return f.Now()
	}
	return time.Now()
}
