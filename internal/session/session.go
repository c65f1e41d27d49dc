// Package session tracks every live connection and its authentication state.
// It owns the session map and the username index, keeps both consistent under
// a single lock, and implements forced disconnects (kicks) and presence
// broadcasts.
package session

import (
	"errors"
	"time"
)

// Errors surfaced to the connection-accept path and command handlers.
var (
	// ErrBanned is returned by Register when the connecting IP matches a
	// connection-ban netblock. The caller must force-close the connection.
	ErrBanned = errors.New("session: connection refused, address is banned")

	// ErrInvalidState is returned for operations on a connection the
	// registry does not know about (never registered, or already closed).
	ErrInvalidState = errors.New("session: unknown connection")
)

// AuthType describes how a session proved its identity.
type AuthType int

const (
	AuthNone AuthType = iota
	AuthPassword
	AuthToken
	AuthMFAPending
)

// String returns the wire name for the auth type.
func (a AuthType) String() string {
	switch a {
	case AuthPassword:
		return "pswd"
	case AuthToken:
		return "token"
	case AuthMFAPending:
		return "mfa_pending"
	default:
		return ""
	}
}

// Conn is the transport handle a session is bound to. The registry only
// needs to write frames and force the connection closed; it never reads.
type Conn interface {
	WriteMessage(data []byte) error
	Close() error
}

// Session is the per-connection state. A username may own any number of
// concurrent sessions (multi-device). Fields are mutated only while the
// registry lock is held; callers receive copies via State.
//
// Invariant: Authenticated implies Username != "".
type Session struct {
	ConnID        string
	IP            string
	Username      string
	Authenticated bool
	AuthType      AuthType
	CreatedAt     time.Time

	conn  Conn
	extra map[string]interface{}
}

// State is an immutable snapshot of a session's metadata, safe to use after
// the registry lock has been released.
type State struct {
	ConnID        string
	IP            string
	Username      string
	Authenticated bool
	AuthType      AuthType
	Extra         map[string]interface{}
}

func (s *Session) snapshot() State {
	extra := make(map[string]interface{}, len(s.extra))
	for k, v := range s.extra {
		extra[k] = v
	}
	return State{
		ConnID:        s.ConnID,
		IP:            s.IP,
		Username:      s.Username,
		Authenticated: s.Authenticated,
		AuthType:      s.AuthType,
		Extra:         extra,
	}
}

// Endpoint pairs a connection ID with its transport handle. The fan-out
// dispatcher works on endpoint snapshots so it never holds the registry lock
// across a network write.
type Endpoint struct {
	ConnID   string
	Username string
	Conn     Conn
}

// Banlist answers whether an IP falls inside a connection-banned netblock.
// Implemented by the netblock matcher.
type Banlist interface {
	Banned(ip string) bool
}
