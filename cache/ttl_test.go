package cache

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 2, 18, 12, 0, 0, 0, time.UTC)}
}

func TestTTLFreshAndExpired(t *testing.T) {
	clock := newFakeClock()
	c := NewTTL[bool]("plugins", 10*time.Second, clock.Now)
	c.Set("PythonScriptPlugin", true)

	clock.Advance(9 * time.Second)
	value, ok := c.Get("PythonScriptPlugin")
	if !ok || !value {
		t.Fatalf("expected fresh hit, got value=%v ok=%v", value, ok)
	}

	clock.Advance(1 * time.Second)
	if _, ok := c.Get("PythonScriptPlugin"); ok {
		t.Fatal("expected entry to be expired exactly at ttl")
	}

	stats := c.Stats()
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Fatalf("expected 1 hit and 1 miss, got %+v", stats)
	}
}

func TestTTLGetManySplitsMisses(t *testing.T) {
	clock := newFakeClock()
	c := NewTTL[bool]("plugins", time.Minute, clock.Now)
	c.Set("A", true)
	c.Set("C", false)

	found, missing := c.GetMany([]string{"A", "B", "C", "D"})
	if len(found) != 2 || found["A"] != true || found["C"] != false {
		t.Fatalf("unexpected found map %v", found)
	}
	if len(missing) != 2 || missing[0] != "B" || missing[1] != "D" {
		t.Fatalf("expected misses [B D], got %v", missing)
	}
}

func TestTTLSweepRemovesOnlyExpired(t *testing.T) {
	clock := newFakeClock()
	c := NewTTL[string]("tiers", 10*time.Second, clock.Now)
	c.Set("old", "x")
	clock.Advance(6 * time.Second)
	c.Set("new", "y")
	clock.Advance(5 * time.Second)

	if removed := c.Sweep(); removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	if c.Len() != 1 {
		t.Fatalf("expected 1 entry left, got %d", c.Len())
	}
	if _, ok := c.Get("new"); !ok {
		t.Fatal("expected new entry to survive sweep")
	}
}

func TestTTLObserver(t *testing.T) {
	c := NewTTL[int]("version", time.Minute, nil)
	var hits, misses int
	c.SetObserver(func(name string, hit bool) {
		if name != "version" {
			t.Errorf("unexpected cache name %s", name)
		}
		if hit {
			hits++
		} else {
			misses++
		}
	})
	c.Get("engine")
	c.Set("engine", 5)
	c.Get("engine")
	if hits != 1 || misses != 1 {
		t.Fatalf("expected 1 hit 1 miss, got %d/%d", hits, misses)
	}
}

func TestSweeperStartStop(t *testing.T) {
	clock := newFakeClock()
	c := NewTTL[bool]("plugins", time.Second, clock.Now)
	c.Set("A", true)
	clock.Advance(2 * time.Second)

	sweeper := NewSweeper(5*time.Millisecond, c)
	sweeper.Start(context.Background())
	sweeper.Start(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for c.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("sweeper did not remove expired entry")
		}
		time.Sleep(5 * time.Millisecond)
	}
	sweeper.Stop()
	sweeper.Stop()
}
