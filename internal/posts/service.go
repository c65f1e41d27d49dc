// Package posts creates post documents and routes them to live listeners:
// public feed posts to everyone, inbox messages to their recipient (or all
// for system announcements), chat posts to chat members only.
package posts

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/burrow/social-app/internal/events"
	"github.com/burrow/social-app/internal/protocol"
	"github.com/burrow/social-app/internal/store"
)

// Post origins. Anything else is treated as a chat ID.
const (
	OriginHome     = "home"
	OriginInbox    = "inbox"
	OriginLivechat = "livechat"
)

// Store is the subset of the database layer the posts service needs.
type Store interface {
	InsertPost(ctx context.Context, post map[string]interface{}) error
	MarkInboxUnread(ctx context.Context, username string) error
	MarkAllInboxesUnread(ctx context.Context) error
	TouchChat(ctx context.Context, chatID string) error
}

// Sender delivers packet bytes to a target. Implemented by the fan-out
// dispatcher.
type Sender interface {
	Send(data []byte, target events.Target)
}

// Service builds, persists, and fans out posts.
type Service struct {
	store  Store
	sender Sender
}

// NewService creates a posts service.
func NewService(st Store, sender Sender) *Service {
	return &Service{store: st, sender: sender}
}

// Create builds a post for the given origin, persists it (livechat posts are
// ephemeral and skip the database), and routes the live packet. chatMembers
// is only consulted for chat origins. The returned document is exactly what
// was persisted and delivered.
func (s *Service) Create(ctx context.Context, origin, author, content string, chatMembers []string) (map[string]interface{}, error) {
	postID := uuid.New().String()

	postType := 1
	if origin == OriginInbox {
		postType = 2
	}

	post := map[string]interface{}{
		"_id":         postID,
		"post_id":     postID,
		"type":        postType,
		"post_origin": origin,
		"u":           author,
		"t":           map[string]interface{}{"e": time.Now().Unix()},
		"p":           content,
		"isDeleted":   false,
	}

	if origin != OriginLivechat {
		if err := s.store.InsertPost(ctx, post); err != nil {
			return nil, fmt.Errorf("posts: create: %w", err)
		}
	}

	switch origin {
	case OriginHome, OriginLivechat:
		s.deliver(protocol.CmdPost, post, events.ToAll())

	case OriginInbox:
		if author == store.SystemUser {
			if err := s.store.MarkAllInboxesUnread(ctx); err != nil {
				log.Printf("posts: mark all inboxes unread: %v", err)
			}
			s.deliver(protocol.CmdInboxMessage, post, events.ToAll())
		} else {
			if err := s.store.MarkInboxUnread(ctx, author); err != nil {
				log.Printf("posts: mark inbox unread for %s: %v", author, err)
			}
			s.deliver(protocol.CmdInboxMessage, post, events.ToUsernames(author))
		}

	default:
		// Chat origin: the post goes to current members only.
		if err := s.store.TouchChat(ctx, origin); err != nil {
			log.Printf("posts: touch chat %s: %v", origin, err)
		}
		s.deliver(protocol.CmdPost, post, events.ToUsernames(chatMembers...))
	}

	return post, nil
}

// deliver encodes and fans out one packet. Encoding failures are logged, not
// propagated; the post is already persisted at this point.
func (s *Service) deliver(cmd string, post map[string]interface{}, target events.Target) {
	data, err := protocol.NewServerPacket(cmd, protocol.PostPkt{Val: post})
	if err != nil {
		log.Printf("posts: failed to encode %s packet: %v", cmd, err)
		return
	}
	s.sender.Send(data, target)
}
