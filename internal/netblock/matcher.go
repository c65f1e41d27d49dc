// Package netblock implements longest-prefix-match IP lookups against banned
// network ranges. Two independent sets are kept: connection bans (refuse the
// socket) and registration bans (refuse account creation only). The sets are
// loaded once at startup and mutated by admin ban/unban actions.
package netblock

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"

	"github.com/yl2chen/cidranger"
)

// Kind selects which ban set a netblock belongs to.
type Kind int

const (
	// ConnectionBan refuses any connection from the range.
	ConnectionBan Kind = iota
	// RegistrationBan allows connections but refuses account registration.
	RegistrationBan
)

// String returns the persisted name for the kind.
func (k Kind) String() string {
	if k == RegistrationBan {
		return "registration"
	}
	return "connection"
}

// Netblock is one banned CIDR range.
type Netblock struct {
	CIDR string
	Kind Kind
}

// Persister writes netblock mutations to the backing store. Implemented by
// the database layer.
type Persister interface {
	PersistNetblock(ctx context.Context, block Netblock) error
	RemoveNetblock(ctx context.Context, cidr string, kind Kind) error
}

// Matcher holds the two longest-prefix-match structures. Lookups take a read
// lock; mutations take the write lock. Mutations persist to the store first
// and update memory second, so a crash mid-operation never leaves memory
// ahead of storage.
type Matcher struct {
	mu           sync.RWMutex
	connection   cidranger.Ranger
	registration cidranger.Ranger
	store        Persister
}

// NewMatcher creates an empty matcher. The store may be nil when mutations
// are not needed (tests, read-only replicas).
func NewMatcher(store Persister) *Matcher {
	return &Matcher{
		connection:   cidranger.NewPCTrieRanger(),
		registration: cidranger.NewPCTrieRanger(),
		store:        store,
	}
}

// Load inserts previously persisted netblocks into the in-memory sets.
// Unparseable records are logged and skipped so one bad row cannot prevent
// startup.
func (m *Matcher) Load(blocks []Netblock) {
	m.mu.Lock()
	defer m.mu.Unlock()

	loaded := 0
	for _, b := range blocks {
		if err := m.insertLocked(b); err != nil {
			log.Printf("netblock: skipping bad record %q: %v", b.CIDR, err)
			continue
		}
		loaded++
	}
	log.Printf("netblock: loaded %d netblock(s)", loaded)
}

func (m *Matcher) rangerFor(kind Kind) cidranger.Ranger {
	if kind == RegistrationBan {
		return m.registration
	}
	return m.connection
}

func (m *Matcher) insertLocked(b Netblock) error {
	_, network, err := net.ParseCIDR(b.CIDR)
	if err != nil {
		return fmt.Errorf("netblock: invalid CIDR %q: %w", b.CIDR, err)
	}
	return m.rangerFor(b.Kind).Insert(cidranger.NewBasicRangerEntry(*network))
}

// Insert adds a CIDR to the in-memory set only. Admin mutations should use
// Ban, which persists first.
func (m *Matcher) Insert(cidr string, kind Kind) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertLocked(Netblock{CIDR: cidr, Kind: kind})
}

// Remove deletes a CIDR from the in-memory set only. Admin mutations should
// use Unban, which persists first.
func (m *Matcher) Remove(cidr string, kind Kind) error {
	_, network, err := net.ParseCIDR(cidr)
	if err != nil {
		return fmt.Errorf("netblock: invalid CIDR %q: %w", cidr, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	_, err = m.rangerFor(kind).Remove(*network)
	return err
}

// Matches reports whether the IP falls inside any range of the given set.
// Unparseable IPs never match.
func (m *Matcher) Matches(ip string, kind Kind) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	ok, err := m.rangerFor(kind).Contains(parsed)
	if err != nil {
		log.Printf("netblock: lookup failed for %q: %v", ip, err)
		return false
	}
	return ok
}

// Banned reports whether the IP matches the connection-ban set. It
// implements the session registry's Banlist.
func (m *Matcher) Banned(ip string) bool {
	return m.Matches(ip, ConnectionBan)
}

// RegistrationBanned reports whether the IP matches the registration-ban
// set.
func (m *Matcher) RegistrationBanned(ip string) bool {
	return m.Matches(ip, RegistrationBan)
}

// Ban persists the netblock, then inserts it into the in-memory set. The
// store write goes first so memory is never ahead of storage.
func (m *Matcher) Ban(ctx context.Context, cidr string, kind Kind) error {
	// Validate before touching the store.
	if _, _, err := net.ParseCIDR(cidr); err != nil {
		return fmt.Errorf("netblock: invalid CIDR %q: %w", cidr, err)
	}

	block := Netblock{CIDR: cidr, Kind: kind}
	if m.store != nil {
		if err := m.store.PersistNetblock(ctx, block); err != nil {
			return fmt.Errorf("netblock: persist %q: %w", cidr, err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertLocked(block)
}

// Unban removes the netblock from the store, then from the in-memory set.
func (m *Matcher) Unban(ctx context.Context, cidr string, kind Kind) error {
	if _, _, err := net.ParseCIDR(cidr); err != nil {
		return fmt.Errorf("netblock: invalid CIDR %q: %w", cidr, err)
	}

	if m.store != nil {
		if err := m.store.RemoveNetblock(ctx, cidr, kind); err != nil {
			return fmt.Errorf("netblock: remove %q: %w", cidr, err)
		}
	}
	return m.Remove(cidr, kind)
}
