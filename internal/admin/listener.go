package admin

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/burrow/social-app/internal/broker"
	"github.com/burrow/social-app/internal/metrics"
	"github.com/burrow/social-app/internal/posts"
	"github.com/burrow/social-app/internal/protocol"
	"github.com/burrow/social-app/internal/store"
)

// Channel is the broker channel carrying admin operations.
const Channel = "admin"

// Accounts is the slice of account storage the listener needs.
type Accounts interface {
	GetBan(ctx context.Context, username string) (string, store.BanState, error)
	UpdateBanState(ctx context.Context, username string, ban store.BanState) error
	AppendAdminNote(ctx context.Context, userUUID, note string) error
}

// Poster creates and fans out a post on behalf of the system account.
type Poster interface {
	Create(ctx context.Context, origin, author, content string, chatMembers []string) (map[string]interface{}, error)
}

// Kicker force-closes all of a user's live connections.
type Kicker interface {
	Kick(username, reasonCode string)
}

// Listener consumes admin operations from the broker and applies them. One
// listener runs per server process; messages are handled in arrival order on
// the broker's delivery goroutine.
type Listener struct {
	accounts Accounts
	poster   Poster
	kicker   Kicker
}

// NewListener wires the listener to its collaborators.
func NewListener(accounts Accounts, poster Poster, kicker Kicker) *Listener {
	return &Listener{
		accounts: accounts,
		poster:   poster,
		kicker:   kicker,
	}
}

// Listen subscribes to the admin channel and processes messages until ctx is
// cancelled. A failing message is logged and skipped; it never stops the
// subscription.
func (l *Listener) Listen(ctx context.Context, b broker.Broker) error {
	return b.Subscribe(ctx, Channel, func(data []byte) {
		if err := l.handle(ctx, data); err != nil {
			log.Printf("admin: dropped message: %v", err)
		}
	})
}

func (l *Listener) handle(ctx context.Context, data []byte) error {
	msg, err := Decode(data)
	if err != nil {
		metrics.AdminOps.WithLabelValues("decode", "error").Inc()
		return err
	}

	switch m := msg.(type) {
	case AlertUser:
		return l.alertUser(ctx, m)
	case BanUser:
		return l.banUser(ctx, m)
	default:
		return fmt.Errorf("%w: unhandled %T", ErrMalformed, msg)
	}
}

// alertUser posts a system-authored inbox message to the target user. The
// post service broadcasts instead when the target is the system account.
func (l *Listener) alertUser(ctx context.Context, m AlertUser) error {
	_, err := l.poster.Create(ctx, posts.OriginInbox, m.User, m.Content, nil)
	if err != nil {
		metrics.AdminOps.WithLabelValues(OpAlertUser, "error").Inc()
		return fmt.Errorf("admin: alert %q: %w", m.User, err)
	}
	metrics.AdminOps.WithLabelValues(OpAlertUser, "ok").Inc()
	log.Printf("admin: alerted %s", m.User)
	return nil
}

// banUser merges the supplied fields over the user's stored ban record,
// persists it, records the optional note, then logs the user out everywhere.
func (l *Listener) banUser(ctx context.Context, m BanUser) error {
	userUUID, ban, err := l.accounts.GetBan(ctx, m.User)
	if err != nil {
		metrics.AdminOps.WithLabelValues(OpBanUser, "error").Inc()
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("admin: ban unknown user %q: %w", m.User, err)
		}
		return fmt.Errorf("admin: load ban %q: %w", m.User, err)
	}

	if m.State != nil {
		ban.State = *m.State
	}
	if m.Restrictions != nil {
		ban.Restrictions = *m.Restrictions
	}
	if m.Expires != nil {
		ban.Expires = *m.Expires
	}
	if m.Reason != nil {
		ban.Reason = *m.Reason
	}

	if err := l.accounts.UpdateBanState(ctx, m.User, ban); err != nil {
		metrics.AdminOps.WithLabelValues(OpBanUser, "error").Inc()
		return fmt.Errorf("admin: persist ban %q: %w", m.User, err)
	}

	if m.Note != nil && *m.Note != "" {
		if err := l.accounts.AppendAdminNote(ctx, userUUID, *m.Note); err != nil {
			// The ban itself stuck, so only log.
			log.Printf("admin: note for %s: %v", m.User, err)
		}
	}

	l.kicker.Kick(m.User, protocol.StatusLoggedOut)
	metrics.AdminOps.WithLabelValues(OpBanUser, "ok").Inc()
	log.Printf("admin: banned %s (state=%s)", m.User, ban.State)
	return nil
}
