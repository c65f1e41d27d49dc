package admin

import (
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// ErrMalformed marks admin messages that fail validation. The listener logs
// and discards these without stopping the subscription.
var ErrMalformed = errors.New("admin: malformed message")

// Operation tags carried in the "op" field.
const (
	OpAlertUser = "alert_user"
	OpBanUser   = "ban_user"
)

// AlertUser delivers a system-authored message to one user's inbox, or to
// everyone when User is the system account.
type AlertUser struct {
	User    string
	Content string
}

// BanUser updates a user's ban record. Nil pointer fields were omitted by
// the sender and must keep their currently stored values.
type BanUser struct {
	User         string
	State        *string
	Restrictions *int64
	Expires      *int64
	Reason       *string
	Note         *string
}

// rawMessage is the wire shape of an admin message. Pointer fields
// distinguish "absent" from zero values, which matters for partial ban
// updates.
type rawMessage struct {
	Op           string  `msgpack:"op"`
	User         string  `msgpack:"user"`
	Content      *string `msgpack:"content"`
	State        *string `msgpack:"state"`
	Restrictions *int64  `msgpack:"restrictions"`
	Expires      *int64  `msgpack:"expires"`
	Reason       *string `msgpack:"reason"`
	Note         *string `msgpack:"note"`
}

// Decode parses one admin channel payload into its typed operation. Unknown
// op tags and missing required fields return ErrMalformed.
func Decode(data []byte) (interface{}, error) {
	var raw rawMessage
	if err := msgpack.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if raw.User == "" {
		return nil, fmt.Errorf("%w: missing user", ErrMalformed)
	}

	switch raw.Op {
	case OpAlertUser:
		if raw.Content == nil || *raw.Content == "" {
			return nil, fmt.Errorf("%w: alert_user without content", ErrMalformed)
		}
		return AlertUser{User: raw.User, Content: *raw.Content}, nil
	case OpBanUser:
		return BanUser{
			User:         raw.User,
			State:        raw.State,
			Restrictions: raw.Restrictions,
			Expires:      raw.Expires,
			Reason:       raw.Reason,
			Note:         raw.Note,
		}, nil
	default:
		return nil, fmt.Errorf("%w: unknown op %q", ErrMalformed, raw.Op)
	}
}

// Encode serializes an operation for publishing on the admin channel. Used
// by the CRUD layer and by tests.
func Encode(msg interface{}) ([]byte, error) {
	var raw rawMessage
	switch m := msg.(type) {
	case AlertUser:
		raw = rawMessage{Op: OpAlertUser, User: m.User, Content: &m.Content}
	case BanUser:
		raw = rawMessage{
			Op:           OpBanUser,
			User:         m.User,
			State:        m.State,
			Restrictions: m.Restrictions,
			Expires:      m.Expires,
			Reason:       m.Reason,
			Note:         m.Note,
		}
	default:
		return nil, fmt.Errorf("admin: cannot encode %T", msg)
	}
	return msgpack.Marshal(raw)
}
