package ratelimit

import (
	"sync"
	"testing"
	"time"
)

// clock is a settable time source for driving bucket expiry in tests.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestLimiter() (*Limiter, *clock) {
	c := &clock{t: time.Unix(1700000000, 0)}
	l := NewLimiter()
	l.now = c.now
	return l, c
}

// ---------------------------------------------------------------------------
// Test: absent key is never limited
// ---------------------------------------------------------------------------

func TestLimiter_AbsentKeyNotLimited(t *testing.T) {
	l, _ := newTestLimiter()
	if l.IsLimited("login:10.0.0.1:fail") {
		t.Error("absent bucket should not be limited")
	}
}

// ---------------------------------------------------------------------------
// Test: limit of N permits exactly N calls per window
// ---------------------------------------------------------------------------

func TestLimiter_ConsumeExhaustsBudget(t *testing.T) {
	l, _ := newTestLimiter()
	key := "posts:alice"

	for i := 0; i < 3; i++ {
		if l.IsLimited(key) {
			t.Fatalf("limited after %d of 3 consumes", i)
		}
		l.Consume(key, 3, time.Minute)
	}

	if !l.IsLimited(key) {
		t.Error("budget exhausted, key should be limited")
	}
}

// ---------------------------------------------------------------------------
// Test: expiry reinitializes the bucket fresh
// ---------------------------------------------------------------------------

func TestLimiter_ExpiryResets(t *testing.T) {
	l, c := newTestLimiter()
	key := "login:10.0.0.1:fail"

	for i := 0; i < 2; i++ {
		l.Consume(key, 2, 30*time.Second)
	}
	if !l.IsLimited(key) {
		t.Fatal("key should be limited inside the window")
	}

	c.advance(31 * time.Second)

	if l.IsLimited(key) {
		t.Error("expired bucket should not be limited")
	}

	// The next consume starts a fresh window with a full budget.
	l.Consume(key, 2, 30*time.Second)
	if l.IsLimited(key) {
		t.Error("freshly reinitialized bucket has budget left")
	}
}

// ---------------------------------------------------------------------------
// Test: Clear resets throttle state immediately
// ---------------------------------------------------------------------------

func TestLimiter_Clear(t *testing.T) {
	l, _ := newTestLimiter()
	key := "login:10.0.0.1:fail"

	l.Consume(key, 1, time.Minute)
	if !l.IsLimited(key) {
		t.Fatal("key should be limited")
	}

	l.Clear(key)
	if l.IsLimited(key) {
		t.Error("cleared key should not be limited")
	}
}

// ---------------------------------------------------------------------------
// Test: composite keys keep independent budgets
// ---------------------------------------------------------------------------

func TestLimiter_CompositeKeysIndependent(t *testing.T) {
	l, _ := newTestLimiter()

	l.Consume("login:10.0.0.1:fail", 1, time.Minute)
	if !l.IsLimited("login:10.0.0.1:fail") {
		t.Fatal("fail bucket should be exhausted")
	}
	if l.IsLimited("login:10.0.0.1:success") {
		t.Error("success bucket must not share the fail bucket's budget")
	}
	if l.IsLimited("login:10.0.0.2:fail") {
		t.Error("another scope must not share the budget")
	}
}

// ---------------------------------------------------------------------------
// Test: Compact drops only expired buckets
// ---------------------------------------------------------------------------

func TestLimiter_Compact(t *testing.T) {
	l, c := newTestLimiter()

	l.Consume("short", 1, 10*time.Second)
	l.Consume("long", 1, 10*time.Minute)

	c.advance(time.Minute)

	if removed := l.Compact(); removed != 1 {
		t.Errorf("expected 1 bucket removed, got %d", removed)
	}
	if !l.IsLimited("long") {
		t.Error("unexpired bucket should survive Compact")
	}
}

// ---------------------------------------------------------------------------
// Test: concurrent consumes never panic or go negative
// ---------------------------------------------------------------------------

func TestLimiter_ConcurrentConsume(t *testing.T) {
	l, _ := newTestLimiter()
	key := "posts:alice"

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				l.Consume(key, 5, time.Minute)
				l.IsLimited(key)
			}
		}()
	}
	wg.Wait()

	if !l.IsLimited(key) {
		t.Error("heavily consumed key should be limited")
	}
}
