// Package protocol defines the WebSocket packet types and structures used for
// communication between the client and server. All packets are serialized as
// JSON and follow a consistent envelope format with a command discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Command constants
// ---------------------------------------------------------------------------

// Client -> Server commands.
const (
	CmdAuthenticate = "authenticate"
	CmdPostHome     = "post_home"
	CmdPostChat     = "post_chat"
	CmdCreateChat   = "create_chat"
	CmdSetConfig    = "set_config"
	CmdPing         = "ping"
)

// Server -> Client commands.
const (
	CmdAuthed        = "authed"
	CmdUserlist      = "ulist"
	CmdDirect        = "direct"
	CmdPost          = "post"
	CmdInboxMessage  = "inbox_message"
	CmdConfigUpdated = "config_updated"
	CmdError         = "error"
	CmdPong          = "pong"
)

// Status codes carried by direct packets. The numeric prefixes are part of
// the wire contract with existing clients and must not change.
const (
	StatusOK              = "I:100 | OK"
	StatusInvalidPassword = "I:011 | Invalid Password"
	StatusMFARequired     = "I:016 | 2FA Required"
	StatusBanned          = "E:018 | Account Banned"
	StatusKicked          = "E:020 | Kicked"
	StatusLoggedOut       = "I:024 | Logged out"
	StatusDeleted         = "E:025 | Deleted"
	StatusRateLimited     = "E:106 | Too many requests"
	StatusRestricted      = "E:107 | Account restricted"
)

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the command.
// ---------------------------------------------------------------------------

// Envelope holds the packet command and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Cmd string          `json:"cmd"`
	Raw json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "cmd" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Cmd string `json:"cmd"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Cmd == "" {
		return fmt.Errorf("protocol: missing or empty \"cmd\" field")
	}
	e.Cmd = partial.Cmd
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server packet structs
// ---------------------------------------------------------------------------

// AuthenticatePkt is sent by the client to bind its connection to an account
// using a session token.
type AuthenticatePkt struct {
	Cmd   string `json:"cmd"`
	Token string `json:"token"`
}

// PostHomePkt is sent by the client to publish a post to the public feed.
type PostHomePkt struct {
	Cmd     string `json:"cmd"`
	Content string `json:"content"`
}

// PostChatPkt is sent by the client to publish a post into a group chat.
type PostChatPkt struct {
	Cmd     string `json:"cmd"`
	ChatID  string `json:"chat_id"`
	Content string `json:"content"`
}

// CreateChatPkt is sent by the client to create a new group chat.
type CreateChatPkt struct {
	Cmd      string `json:"cmd"`
	Nickname string `json:"nickname"`
}

// SetConfigPkt is sent by the client to update its account settings. The
// settings map is validated by the account layer; the core only relays it.
type SetConfigPkt struct {
	Cmd      string                 `json:"cmd"`
	Settings map[string]interface{} `json:"settings"`
}

// PingPkt is a client-initiated keepalive ping.
type PingPkt struct {
	Cmd string `json:"cmd"`
}

// ---------------------------------------------------------------------------
// Server -> Client packet structs
// ---------------------------------------------------------------------------

// AuthedPkt confirms a successful authentication and echoes the bound
// username back to the client.
type AuthedPkt struct {
	Cmd      string `json:"cmd"`
	Username string `json:"username"`
}

// UserlistPkt carries the presence list: every username with at least one
// authenticated connection at the time of the broadcast.
type UserlistPkt struct {
	Cmd       string   `json:"cmd"`
	Usernames []string `json:"val"`
}

// DirectPkt carries a status code directly to one connection. It is used for
// auth results, kick notices, and rejection responses.
type DirectPkt struct {
	Cmd string `json:"cmd"`
	Val string `json:"val"`
}

// PostPkt carries a live post to feed or chat listeners. The payload is the
// post document as persisted, so clients see exactly what a later fetch
// would return.
type PostPkt struct {
	Cmd string                 `json:"cmd"`
	Val map[string]interface{} `json:"val"`
}

// InboxMessagePkt carries an inbox message to its recipient (or to everyone
// for system-wide announcements).
type InboxMessagePkt struct {
	Cmd string                 `json:"cmd"`
	Val map[string]interface{} `json:"val"`
}

// ConfigUpdatedPkt relays an accepted settings update to all of the acting
// user's own connections so multiple devices stay in sync.
type ConfigUpdatedPkt struct {
	Cmd      string                 `json:"cmd"`
	Settings map[string]interface{} `json:"settings"`
}

// ErrorPkt is sent by the server to communicate an error condition.
type ErrorPkt struct {
	Cmd     string `json:"cmd"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongPkt is the server's response to a client ping.
type PongPkt struct {
	Cmd string `json:"cmd"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientPacket parses raw WebSocket bytes into a typed client packet.
// It returns the command string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only commands.
func ParseClientPacket(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse packet: %w", err)
	}

	var (
		pkt interface{}
		err error
	)

	switch env.Cmd {
	case CmdAuthenticate:
		var p AuthenticatePkt
		err = json.Unmarshal(env.Raw, &p)
		pkt = p
	case CmdPostHome:
		var p PostHomePkt
		err = json.Unmarshal(env.Raw, &p)
		pkt = p
	case CmdPostChat:
		var p PostChatPkt
		err = json.Unmarshal(env.Raw, &p)
		pkt = p
	case CmdCreateChat:
		var p CreateChatPkt
		err = json.Unmarshal(env.Raw, &p)
		pkt = p
	case CmdSetConfig:
		var p SetConfigPkt
		err = json.Unmarshal(env.Raw, &p)
		pkt = p
	case CmdPing:
		var p PingPkt
		err = json.Unmarshal(env.Raw, &p)
		pkt = p
	default:
		return "", nil, fmt.Errorf("protocol: unknown client command %q", env.Cmd)
	}

	if err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse %q packet: %w", env.Cmd, err)
	}
	return env.Cmd, pkt, nil
}

// NewServerPacket builds the JSON bytes for a server packet. The cmd field of
// the payload struct is set automatically, so callers can leave it zero.
func NewServerPacket(cmd string, payload interface{}) ([]byte, error) {
	inner, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal %q payload: %w", cmd, err)
	}

	// Fold the command into the encoded object. Payload structs are small,
	// so the double pass is not a concern.
	var obj map[string]interface{}
	if err := json.Unmarshal(inner, &obj); err != nil {
		return nil, fmt.Errorf("protocol: failed to fold %q payload: %w", cmd, err)
	}
	obj["cmd"] = cmd

	data, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal %q packet: %w", cmd, err)
	}
	return data, nil
}
