// Package cache holds the small keyed TTL caches the bridge uses to avoid re-querying editor state.
package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Clock returns the current time. Tests inject a fixed or stepping clock.
type Clock func() time.Time

// Entry is one cached value and when it was observed.
type Entry[V any] struct {
	Value      V
	ObservedAt time.Time
}

// Stats counts lookups since construction.
type Stats struct {
	Name   string `json:"name"`
	Size   int    `json:"size"`
	Hits   int64  `json:"hits"`
	Misses int64  `json:"misses"`
	Swept  int64  `json:"swept"`
}

// Observer receives hit/miss notifications, e.g. for metrics.
type Observer func(cacheName string, hit bool)

// TTL is a keyed cache whose entries expire ttl after they were observed.
// Expired entries are treated as absent on read and removed by Sweep.
type TTL[V any] struct {
	mu       sync.RWMutex
	name     string
	ttl      time.Duration
	now      Clock
	entries  map[string]Entry[V]
	observer Observer

	hits   atomic.Int64
	misses atomic.Int64
	swept  atomic.Int64
}

func NewTTL[V any](name string, ttl time.Duration, now Clock) *TTL[V] {
	if now == nil {
		now = time.Now
	}
	return &TTL[V]{
		name:    name,
		ttl:     ttl,
		now:     now,
		entries: make(map[string]Entry[V]),
	}
}

// SetObserver installs fn as the lookup observer. Call before the cache is shared.
func (c *TTL[V]) SetObserver(fn Observer) {
	c.observer = fn
}

func (c *TTL[V]) Name() string { return c.name }

func (c *TTL[V]) TTL() time.Duration { return c.ttl }

// Get returns the value for key only if it was observed less than ttl ago.
func (c *TTL[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok || !c.fresh(entry, c.now()) {
		c.misses.Add(1)
		c.notify(false)
		var zero V
		return zero, false
	}
	c.hits.Add(1)
	c.notify(true)
	return entry.Value, true
}

// GetMany splits keys into cached values and misses, preserving the order of misses.
func (c *TTL[V]) GetMany(keys []string) (map[string]V, []string) {
	found := make(map[string]V, len(keys))
	var missing []string
	for _, key := range keys {
		if value, ok := c.Get(key); ok {
			found[key] = value
		} else {
			missing = append(missing, key)
		}
	}
	return found, missing
}

// Set stores value as observed now.
func (c *TTL[V]) Set(key string, value V) {
	c.mu.Lock()
	c.entries[key] = Entry[V]{Value: value, ObservedAt: c.now()}
	c.mu.Unlock()
}

func (c *TTL[V]) Delete(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

func (c *TTL[V]) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]Entry[V])
	c.mu.Unlock()
}

// Len counts stored entries, including expired ones not yet swept.
func (c *TTL[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Sweep removes expired entries and returns how many were dropped.
func (c *TTL[V]) Sweep() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, entry := range c.entries {
		if !c.fresh(entry, now) {
			delete(c.entries, key)
			removed++
		}
	}
	c.swept.Add(int64(removed))
	return removed
}

func (c *TTL[V]) Stats() Stats {
	return Stats{
		Name:   c.name,
		Size:   c.Len(),
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
		Swept:  c.swept.Load(),
	}
}

func (c *TTL[V]) fresh(entry Entry[V], now time.Time) bool {
	return now.Sub(entry.ObservedAt) < c.ttl
}

func (c *TTL[V]) notify(hit bool) {
	if c.observer != nil {
		c.observer(c.name, hit)
	}
}

// Sweepable is any cache the Sweeper can prune.
type Sweepable interface {
	Name() string
	Sweep() int
}

// Sweeper prunes a set of caches on a fixed interval until stopped.
type Sweeper struct {
	mu       sync.Mutex
	interval time.Duration
	caches   []Sweepable
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewSweeper(interval time.Duration, caches ...Sweepable) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{interval: interval, caches: caches}
}

// Start launches the sweep loop. Calling Start on a running sweeper is a no-op.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(ctx, s.done)
}

// Stop halts the sweep loop and waits for it to exit.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// SweepNow prunes every cache once and returns the total removed.
func (s *Sweeper) SweepNow() int {
	total := 0
	for _, c := range s.caches {
		total += c.Sweep()
	}
	return total
}

func (s *Sweeper) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepNow()
		}
	}
}
