// Package ratelimit provides an in-memory bucket-per-key throttle guarding
// login, registration, chat creation, and config updates. Buckets are keyed
// by composite strings ("action:scope:outcome", e.g. "login:10.0.0.9:fail")
// so a single logical action can have independent thresholds for its success
// and failure paths: a burst of failed logins must not exhaust the
// successful-login budget.
package ratelimit

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/burrow/social-app/internal/metrics"
)

// bucket is a counter plus expiry. A bucket past its expiry is treated as
// absent everywhere; it is recreated fresh on the next Consume.
type bucket struct {
	remaining int
	expiresAt time.Time
}

// Limiter throttles repeated actions under composite keys. All methods are
// safe for concurrent use; the bucket map has its own lock, independent of
// the session registry's.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]bucket

	now func() time.Time // test hook
}

// NewLimiter creates an empty limiter.
func NewLimiter() *Limiter {
	return &Limiter{
		buckets: make(map[string]bucket),
		now:     time.Now,
	}
}

// IsLimited reports whether the key is currently throttled: a bucket exists,
// has not expired, and has no remaining budget. An absent or expired bucket
// is never limited.
func (l *Limiter) IsLimited(key string) bool {
	l.mu.Lock()
	b, ok := l.buckets[key]
	l.mu.Unlock()

	if !ok || b.remaining > 0 || b.expiresAt.Before(l.now()) {
		return false
	}

	metrics.RateLimited.WithLabelValues(action(key)).Inc()
	return true
}

// Consume charges one unit against the key's bucket. A missing or expired
// bucket is first reinitialized to the given limit and window; the decrement
// applies afterward, so a limit of N permits exactly N calls per window.
func (l *Limiter) Consume(key string, limit int, window time.Duration) {
	now := l.now()

	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok || b.expiresAt.Before(now) {
		b = bucket{remaining: limit, expiresAt: now.Add(window)}
	}
	b.remaining--
	if b.remaining < 0 {
		b.remaining = 0
	}
	l.buckets[key] = b
	l.mu.Unlock()
}

// Clear removes the key's bucket immediately, resetting the throttle state
// regardless of expiry. Used e.g. to drop the failed-login bucket once a
// login succeeds.
func (l *Limiter) Clear(key string) {
	l.mu.Lock()
	delete(l.buckets, key)
	l.mu.Unlock()
}

// Compact drops expired buckets from the map. Expired buckets already
// self-invalidate on every check, so this is memory hygiene only. Returns
// the number of buckets removed.
func (l *Limiter) Compact() int {
	now := l.now()

	l.mu.Lock()
	removed := 0
	for key, b := range l.buckets {
		if b.expiresAt.Before(now) {
			delete(l.buckets, key)
			removed++
		}
	}
	l.mu.Unlock()
	return removed
}

// StartJanitor runs Compact on the given interval until ctx is cancelled.
// The sleep between compactions holds no lock.
func (l *Limiter) StartJanitor(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.Compact()
			}
		}
	}()
}

// action extracts the leading "action" segment of a composite key for
// metrics labels.
func action(key string) string {
	if i := strings.IndexByte(key, ':'); i > 0 {
		return key[:i]
	}
	return key
}
