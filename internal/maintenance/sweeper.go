package maintenance

import (
	"context"
	"log"
	"time"

	"github.com/burrow/social-app/internal/metrics"
)

const (
	// DefaultInterval is the pause between sweeps.
	DefaultInterval = 30 * time.Minute

	// staleAfter is how long network metadata and soft-deleted posts are
	// retained before a sweep purges them. 28 days.
	staleAfter = 2419200 * time.Second
)

// Store is the slice of persistence the sweeper uses.
type Store interface {
	ScheduledDeletions(ctx context.Context, now time.Time) ([]string, error)
	DeleteAccount(ctx context.Context, username string) error
	PurgeNetinfo(ctx context.Context, before time.Time) (int64, error)
	PurgeNetlog(ctx context.Context, before time.Time) (int64, error)
	PurgeDeletedPosts(ctx context.Context, before time.Time) (int64, error)
	DeleteExpiredTickets(ctx context.Context, now time.Time) (int64, error)
}

// Sweeper runs the periodic cleanup loop: accounts past their scheduled
// deletion time, stale network metadata, soft-deleted posts, and expired
// tickets.
type Sweeper struct {
	store    Store
	interval time.Duration
	now      func() time.Time
}

// NewSweeper creates a sweeper with the default interval.
func NewSweeper(store Store) *Sweeper {
	return &Sweeper{
		store:    store,
		interval: DefaultInterval,
		now:      time.Now,
	}
}

// SetInterval overrides the pause between sweeps.
func (s *Sweeper) SetInterval(d time.Duration) {
	s.interval = d
}

// Run sweeps immediately, then on every tick until ctx is cancelled. Errors
// inside a sweep never stop the loop.
func (s *Sweeper) Run(ctx context.Context) {
	log.Printf("maintenance: sweeper started (interval=%s)", s.interval)
	s.Sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Printf("maintenance: sweeper stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one full cleanup pass. Each stage is isolated: a failing
// account deletion or purge is logged and the pass continues.
func (s *Sweeper) Sweep(ctx context.Context) {
	start := s.now()
	defer func() {
		metrics.SweepDuration.Observe(time.Since(start).Seconds())
	}()

	now := s.now()
	cutoff := now.Add(-staleAfter)

	usernames, err := s.store.ScheduledDeletions(ctx, now)
	if err != nil {
		log.Printf("maintenance: list scheduled deletions: %v", err)
	}
	for _, username := range usernames {
		if err := s.store.DeleteAccount(ctx, username); err != nil {
			log.Printf("maintenance: delete account %s: %v", username, err)
			continue
		}
		log.Printf("maintenance: deleted account %s", username)
	}

	if n, err := s.store.PurgeNetinfo(ctx, cutoff); err != nil {
		log.Printf("maintenance: purge netinfo: %v", err)
	} else if n > 0 {
		log.Printf("maintenance: purged %d netinfo records", n)
	}

	if n, err := s.store.PurgeNetlog(ctx, cutoff); err != nil {
		log.Printf("maintenance: purge netlog: %v", err)
	} else if n > 0 {
		log.Printf("maintenance: purged %d netlog records", n)
	}

	if n, err := s.store.PurgeDeletedPosts(ctx, cutoff); err != nil {
		log.Printf("maintenance: purge deleted posts: %v", err)
	} else if n > 0 {
		log.Printf("maintenance: purged %d deleted posts", n)
	}

	if n, err := s.store.DeleteExpiredTickets(ctx, now); err != nil {
		log.Printf("maintenance: delete expired tickets: %v", err)
	} else if n > 0 {
		log.Printf("maintenance: deleted %d expired tickets", n)
	}
}
