package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// fakeConn is an in-memory transport handle for registry tests. It records
// every written frame and can be told to fail writes or closes.
type fakeConn struct {
	mu       sync.Mutex
	frames   [][]byte
	closed   bool
	failSend bool
}

func (f *fakeConn) WriteMessage(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSend {
		return errors.New("broken pipe")
	}
	f.frames = append(f.frames, data)
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeConn) frameCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

// denylist bans one exact IP.
type denylist struct {
	ip string
}

func (d denylist) Banned(ip string) bool { return ip == d.ip }

// ---------------------------------------------------------------------------
// Test: Register / Authenticate / Deregister lifecycle
// ---------------------------------------------------------------------------

func TestRegistry_Lifecycle(t *testing.T) {
	r := NewRegistry(nil)
	conn := &fakeConn{}

	state, err := r.Register("conn-1", conn, "10.0.0.1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state.Authenticated {
		t.Error("new session should not be authenticated")
	}
	if state.IP != "10.0.0.1" {
		t.Errorf("expected ip %q, got %q", "10.0.0.1", state.IP)
	}

	if err := r.Authenticate("conn-1", "alice", AuthToken); err != nil {
		t.Fatalf("authenticate failed: %v", err)
	}
	if !r.IsAuthenticated("alice") {
		t.Error("alice should be authenticated after Authenticate")
	}

	states := r.StateByUser("alice")
	if len(states) != 1 {
		t.Fatalf("expected 1 session for alice, got %d", len(states))
	}
	if !states[0].Authenticated || states[0].AuthType != AuthToken {
		t.Errorf("unexpected state: %+v", states[0])
	}

	if wasAuthed := r.Deregister("conn-1"); !wasAuthed {
		t.Error("Deregister should report the session was authenticated")
	}
	if r.IsAuthenticated("alice") {
		t.Error("alice should be gone after Deregister")
	}
	if r.Count() != 0 {
		t.Errorf("expected 0 sessions, got %d", r.Count())
	}

	// Idempotent: a second deregister is a no-op.
	if wasAuthed := r.Deregister("conn-1"); wasAuthed {
		t.Error("second Deregister should report false")
	}
}

// ---------------------------------------------------------------------------
// Test: Register refuses banned IPs
// ---------------------------------------------------------------------------

func TestRegistry_RegisterBanned(t *testing.T) {
	r := NewRegistry(denylist{ip: "192.0.2.7"})

	_, err := r.Register("conn-1", &fakeConn{}, "192.0.2.7")
	if !errors.Is(err, ErrBanned) {
		t.Fatalf("expected ErrBanned, got %v", err)
	}
	if r.Count() != 0 {
		t.Errorf("banned register must not leave a session, got %d", r.Count())
	}

	if _, err := r.Register("conn-2", &fakeConn{}, "192.0.2.8"); err != nil {
		t.Fatalf("non-banned ip should register: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Test: Authenticate on an unknown connection fails
// ---------------------------------------------------------------------------

func TestRegistry_AuthenticateUnknownConn(t *testing.T) {
	r := NewRegistry(nil)
	if err := r.Authenticate("ghost", "alice", AuthToken); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Test: MFA-pending sessions stay out of the username index
// ---------------------------------------------------------------------------

func TestRegistry_MFAPendingUnindexed(t *testing.T) {
	r := NewRegistry(nil)
	r.Register("conn-1", &fakeConn{}, "10.0.0.1")

	if err := r.Authenticate("conn-1", "alice", AuthMFAPending); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.IsAuthenticated("alice") {
		t.Error("MFA-pending session must not count as authenticated")
	}
	if len(r.ActiveUsernames()) != 0 {
		t.Errorf("presence list should be empty, got %v", r.ActiveUsernames())
	}

	states := r.StateByConn("conn-1")
	if len(states) != 1 {
		t.Fatalf("expected 1 state, got %d", len(states))
	}
	if states[0].Authenticated {
		t.Error("MFA-pending state should be unauthenticated")
	}
	if states[0].Extra["mfa_user"] != "alice" {
		t.Errorf("expected pending user metadata, got %v", states[0].Extra)
	}

	// Second factor lands: full authentication replaces the holding state.
	if err := r.Authenticate("conn-1", "alice", AuthToken); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !r.IsAuthenticated("alice") {
		t.Error("alice should be authenticated after the second factor")
	}
	states = r.StateByConn("conn-1")
	if _, ok := states[0].Extra["mfa_user"]; ok {
		t.Error("mfa_user metadata should be cleared after full auth")
	}
}

// ---------------------------------------------------------------------------
// Test: index never drifts under concurrent register/auth/deregister
// ---------------------------------------------------------------------------

func TestRegistry_ConcurrentIndexConsistency(t *testing.T) {
	r := NewRegistry(nil)

	const workers = 16
	const iterations = 50

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			username := fmt.Sprintf("user-%d", w%4)
			for i := 0; i < iterations; i++ {
				connID := fmt.Sprintf("conn-%d-%d", w, i)
				if _, err := r.Register(connID, &fakeConn{}, "10.0.0.1"); err != nil {
					t.Errorf("register: %v", err)
					return
				}
				if err := r.Authenticate(connID, username, AuthToken); err != nil {
					t.Errorf("authenticate: %v", err)
					return
				}
				r.Deregister(connID)
			}
		}(w)
	}
	wg.Wait()

	if r.Count() != 0 {
		t.Errorf("expected empty registry, got %d sessions", r.Count())
	}
	if names := r.ActiveUsernames(); len(names) != 0 {
		t.Errorf("expected empty index, got %v", names)
	}
}

// ---------------------------------------------------------------------------
// Test: AnyTrue ORs a boolean flag across a user's sessions
// ---------------------------------------------------------------------------

func TestRegistry_AnyTrue(t *testing.T) {
	r := NewRegistry(nil)
	for i := 1; i <= 3; i++ {
		connID := fmt.Sprintf("conn-%d", i)
		r.Register(connID, &fakeConn{}, "10.0.0.1")
		r.Authenticate(connID, "alice", AuthToken)
	}

	if r.AnyTrue("alice", "vad") {
		t.Error("flag not set anywhere, AnyTrue should be false")
	}

	if err := r.SetState("conn-2", "vad", true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !r.AnyTrue("alice", "vad") {
		t.Error("flag set on one session, AnyTrue should be true")
	}

	r.SetState("conn-2", "vad", false)
	if r.AnyTrue("alice", "vad") {
		t.Error("flag cleared everywhere, AnyTrue should be false")
	}

	if r.AnyTrue("nobody", "vad") {
		t.Error("unknown username should aggregate to false")
	}
}

// ---------------------------------------------------------------------------
// Test: SetState on an unknown connection fails
// ---------------------------------------------------------------------------

func TestRegistry_SetStateUnknownConn(t *testing.T) {
	r := NewRegistry(nil)
	if err := r.SetState("ghost", "k", 1); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Test: Kick closes all of a user's connections despite one failing send
// ---------------------------------------------------------------------------

func TestRegistry_KickAllConnections(t *testing.T) {
	r := NewRegistry(nil)
	r.SetKickGrace(10 * time.Millisecond)

	conns := []*fakeConn{{}, {failSend: true}, {}}
	for i, c := range conns {
		connID := fmt.Sprintf("conn-%d", i)
		r.Register(connID, c, "10.0.0.1")
		r.Authenticate(connID, "alice", AuthToken)
	}

	// A bystander should survive the kick and see the final presence list.
	bystander := &fakeConn{}
	r.Register("conn-b", bystander, "10.0.0.2")
	r.Authenticate("conn-b", "bob", AuthToken)

	r.Kick("alice", "I:024 | Logged out")

	for i, c := range conns {
		if !c.isClosed() {
			t.Errorf("conn-%d should be closed after kick", i)
		}
	}
	if len(r.StateByUser("alice")) != 0 {
		t.Error("alice should have zero sessions after kick")
	}
	if bystander.isClosed() {
		t.Error("bystander must not be closed by the kick")
	}

	// The last frame the bystander got is the post-kick presence list
	// containing only bob.
	bystander.mu.Lock()
	last := bystander.frames[len(bystander.frames)-1]
	bystander.mu.Unlock()
	var pkt struct {
		Cmd string   `json:"cmd"`
		Val []string `json:"val"`
	}
	if err := json.Unmarshal(last, &pkt); err != nil {
		t.Fatalf("presence frame is not valid JSON: %v", err)
	}
	if pkt.Cmd != "ulist" || len(pkt.Val) != 1 || pkt.Val[0] != "bob" {
		t.Errorf("unexpected presence after kick: %+v", pkt)
	}
}

// ---------------------------------------------------------------------------
// Test: Kick on a user with no sessions is a no-op
// ---------------------------------------------------------------------------

func TestRegistry_KickOfflineUser(t *testing.T) {
	r := NewRegistry(nil)
	r.SetKickGrace(time.Millisecond)

	conn := &fakeConn{}
	r.Register("conn-1", conn, "10.0.0.1")
	r.Authenticate("conn-1", "alice", AuthToken)
	before := conn.frameCount()

	r.Kick("nobody", "E:020 | Kicked")

	if conn.isClosed() {
		t.Error("unrelated connection must not be closed")
	}
	if conn.frameCount() != before {
		t.Error("no broadcast expected when nobody was kicked")
	}
}

// ---------------------------------------------------------------------------
// Test: presence broadcast reaches unauthenticated connections too
// ---------------------------------------------------------------------------

func TestRegistry_PresenceReachesAllConnections(t *testing.T) {
	r := NewRegistry(nil)

	spectator := &fakeConn{}
	r.Register("conn-s", spectator, "10.0.0.1")

	alice := &fakeConn{}
	r.Register("conn-a", alice, "10.0.0.2")
	r.Authenticate("conn-a", "alice", AuthToken)

	if spectator.frameCount() == 0 {
		t.Fatal("spectator should receive the presence broadcast")
	}

	spectator.mu.Lock()
	frame := spectator.frames[len(spectator.frames)-1]
	spectator.mu.Unlock()
	var pkt struct {
		Val []string `json:"val"`
	}
	if err := json.Unmarshal(frame, &pkt); err != nil {
		t.Fatalf("presence frame is not valid JSON: %v", err)
	}
	if len(pkt.Val) != 1 || pkt.Val[0] != "alice" {
		t.Errorf("expected presence [alice], got %v", pkt.Val)
	}
}
