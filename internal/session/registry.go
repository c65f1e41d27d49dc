package session

import (
	"log"
	"sort"
	"sync"
	"time"

	"github.com/burrow/social-app/internal/metrics"
	"github.com/burrow/social-app/internal/protocol"
)

// DefaultKickGrace is how long a kicked connection is given to receive the
// kick notice before the connection is force-closed.
const DefaultKickGrace = 1 * time.Second

// Registry tracks all live sessions and the username index. One mutex guards
// both structures; every mutation path updates them together so the index
// never drifts from the session map. No network I/O happens under the lock.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session            // conn ID -> session
	byUser   map[string]map[string]*Session // username -> conn ID -> session

	banlist   Banlist
	kickGrace time.Duration
}

// NewRegistry creates an empty registry. The banlist is consulted on every
// Register call; a nil banlist disables the check (used in tests).
func NewRegistry(banlist Banlist) *Registry {
	return &Registry{
		sessions:  make(map[string]*Session),
		byUser:    make(map[string]map[string]*Session),
		banlist:   banlist,
		kickGrace: DefaultKickGrace,
	}
}

// SetKickGrace overrides the grace interval between the kick notice and the
// forced close.
func (r *Registry) SetKickGrace(d time.Duration) {
	r.mu.Lock()
	r.kickGrace = d
	r.mu.Unlock()
}

// Register creates an unauthenticated session for a new connection. It
// returns ErrBanned when the IP matches a connection-ban netblock; the
// caller must then close the connection itself.
func (r *Registry) Register(connID string, conn Conn, ip string) (State, error) {
	if r.banlist != nil && r.banlist.Banned(ip) {
		return State{}, ErrBanned
	}

	sess := &Session{
		ConnID:    connID,
		IP:        ip,
		AuthType:  AuthNone,
		CreatedAt: time.Now(),
		conn:      conn,
		extra:     make(map[string]interface{}),
	}

	r.mu.Lock()
	r.sessions[connID] = sess
	n := len(r.sessions)
	snap := sess.snapshot()
	r.mu.Unlock()

	metrics.SessionsActive.Set(float64(n))
	return snap, nil
}

// Authenticate binds a connection to a username and marks it authenticated.
// The username index is updated in the same critical section. On success a
// presence broadcast goes out to every connection; this is a global side
// effect, not scoped to the authenticating session.
func (r *Registry) Authenticate(connID, username string, authType AuthType) error {
	r.mu.Lock()
	sess, ok := r.sessions[connID]
	if !ok {
		r.mu.Unlock()
		return ErrInvalidState
	}

	// MFA-pending is a holding state: the caller has verified the first
	// factor but the session stays unauthenticated and unindexed until the
	// second factor lands. The candidate name is kept as metadata only.
	if authType == AuthMFAPending {
		sess.AuthType = AuthMFAPending
		sess.extra["mfa_user"] = username
		r.mu.Unlock()
		return nil
	}

	// Re-authentication under a different name moves the index entry.
	if sess.Username != "" && sess.Username != username {
		r.unindexLocked(sess)
	}

	sess.Username = username
	sess.Authenticated = true
	sess.AuthType = authType
	delete(sess.extra, "mfa_user")

	conns, ok := r.byUser[username]
	if !ok {
		conns = make(map[string]*Session)
		r.byUser[username] = conns
	}
	conns[connID] = sess
	r.mu.Unlock()

	r.BroadcastPresence()
	return nil
}

// unindexLocked removes a session from the username index. Caller holds the
// lock.
func (r *Registry) unindexLocked(sess *Session) {
	conns, ok := r.byUser[sess.Username]
	if !ok {
		return
	}
	delete(conns, sess.ConnID)
	if len(conns) == 0 {
		delete(r.byUser, sess.Username)
	}
}

// Deregister removes a session and its index entry. It is idempotent and
// safe to call concurrently with in-flight sends; the fan-out layer treats
// writes to removed connections as no-ops. It reports whether the removed
// session was authenticated, so the caller can decide to re-broadcast
// presence.
func (r *Registry) Deregister(connID string) (wasAuthed bool) {
	r.mu.Lock()
	sess, ok := r.sessions[connID]
	if ok {
		delete(r.sessions, connID)
		if sess.Username != "" {
			r.unindexLocked(sess)
		}
		wasAuthed = sess.Authenticated
	}
	n := len(r.sessions)
	r.mu.Unlock()

	if ok {
		metrics.SessionsActive.Set(float64(n))
	}
	return wasAuthed
}

// SetState stores a metadata value on one session.
func (r *Registry) SetState(connID, key string, value interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[connID]
	if !ok {
		return ErrInvalidState
	}
	sess.extra[key] = value
	return nil
}

// StateByConn returns snapshots for the given connection IDs. Unknown IDs
// are skipped.
func (r *Registry) StateByConn(connIDs ...string) []State {
	r.mu.Lock()
	defer r.mu.Unlock()

	states := make([]State, 0, len(connIDs))
	for _, id := range connIDs {
		if sess, ok := r.sessions[id]; ok {
			states = append(states, sess.snapshot())
		}
	}
	return states
}

// StateByUser returns snapshots for every session bound to the username.
// Callers must treat more than one result as ambiguous for non-boolean
// fields; boolean fields aggregate with AnyTrue.
func (r *Registry) StateByUser(username string) []State {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns := r.byUser[username]
	states := make([]State, 0, len(conns))
	for _, sess := range conns {
		states = append(states, sess.snapshot())
	}
	return states
}

// AnyTrue reports whether the given extra key is true on any of the user's
// sessions. This is the explicit OR-merge for boolean flags spread across a
// user's devices.
func (r *Registry) AnyTrue(username, key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, sess := range r.byUser[username] {
		if v, ok := sess.extra[key].(bool); ok && v {
			return true
		}
	}
	return false
}

// IsAuthenticated reports whether the username is authenticated on at least
// one connection.
func (r *Registry) IsAuthenticated(username string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byUser[username]) > 0
}

// ActiveUsernames returns the sorted presence list: every username with at
// least one authenticated connection.
func (r *Registry) ActiveUsernames() []string {
	r.mu.Lock()
	names := make([]string, 0, len(r.byUser))
	for name := range r.byUser {
		names = append(names, name)
	}
	r.mu.Unlock()

	sort.Strings(names)
	return names
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Endpoints returns a snapshot of every live connection, in registry
// iteration order. No ordering is guaranteed across concurrent
// registrations.
func (r *Registry) Endpoints() []Endpoint {
	r.mu.Lock()
	defer r.mu.Unlock()

	eps := make([]Endpoint, 0, len(r.sessions))
	for _, sess := range r.sessions {
		eps = append(eps, Endpoint{ConnID: sess.ConnID, Username: sess.Username, Conn: sess.conn})
	}
	return eps
}

// EndpointsFor returns a snapshot of every live connection bound to any of
// the given usernames. Unknown or offline usernames contribute nothing.
func (r *Registry) EndpointsFor(usernames ...string) []Endpoint {
	r.mu.Lock()
	defer r.mu.Unlock()

	var eps []Endpoint
	for _, name := range usernames {
		for _, sess := range r.byUser[name] {
			eps = append(eps, Endpoint{ConnID: sess.ConnID, Username: sess.Username, Conn: sess.conn})
		}
	}
	return eps
}

// Endpoint returns the connection snapshot for one conn ID.
func (r *Registry) Endpoint(connID string) (Endpoint, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[connID]
	if !ok {
		return Endpoint{}, false
	}
	return Endpoint{ConnID: sess.ConnID, Username: sess.Username, Conn: sess.conn}, true
}

// BroadcastPresence sends the current userlist to every connection. The
// list reflects registry state at the instant of the broadcast; a
// fast-following authentication simply produces a superseding broadcast.
func (r *Registry) BroadcastPresence() {
	data, err := protocol.NewServerPacket(protocol.CmdUserlist, protocol.UserlistPkt{
		Usernames: r.ActiveUsernames(),
	})
	if err != nil {
		log.Printf("session: failed to build userlist packet: %v", err)
		return
	}

	for _, ep := range r.Endpoints() {
		if err := ep.Conn.WriteMessage(data); err != nil {
			log.Printf("session: userlist send failed conn=%s: %v", ep.ConnID, err)
		}
	}
	metrics.PresenceBroadcasts.Inc()
}

// Kick disconnects every connection currently bound to the username. Each
// connection gets a direct packet carrying the reason code, a short grace
// interval for delivery, then a forced close. The sequences run
// concurrently and independently: one connection's broken pipe never blocks
// its siblings, and the close happens regardless of delivery outcome. Kick
// returns after all sequences finish and re-emits a presence broadcast.
func (r *Registry) Kick(username, reasonCode string) {
	r.mu.Lock()
	grace := r.kickGrace
	targets := make([]*Session, 0, len(r.byUser[username]))
	for _, sess := range r.byUser[username] {
		targets = append(targets, sess)
	}
	r.mu.Unlock()

	if len(targets) == 0 {
		return
	}
	log.Printf("session: kicking %s (%d connection(s), code=%q)", username, len(targets), reasonCode)

	notice, err := protocol.NewServerPacket(protocol.CmdDirect, protocol.DirectPkt{Val: reasonCode})
	if err != nil {
		log.Printf("session: failed to build kick packet: %v", err)
		notice = nil
	}

	var wg sync.WaitGroup
	for _, sess := range targets {
		wg.Add(1)
		go func(connID string, conn Conn) {
			defer wg.Done()

			if notice != nil {
				if err := conn.WriteMessage(notice); err != nil {
					log.Printf("session: kick notice failed conn=%s: %v", connID, err)
				}
			}
			time.Sleep(grace)
			if err := conn.Close(); err != nil {
				log.Printf("session: kick close failed conn=%s: %v", connID, err)
			}
			r.Deregister(connID)
		}(sess.ConnID, sess.conn)
	}
	wg.Wait()

	metrics.KicksTotal.Inc()
	r.BroadcastPresence()
}
