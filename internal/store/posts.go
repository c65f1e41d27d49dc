package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// InsertPost persists a post document as-is. The posts service owns the
// document shape so the live packet and the stored record stay identical.
func (s *Store) InsertPost(ctx context.Context, post map[string]interface{}) error {
	opCtx, cancel := s.opCtx(ctx)
	defer cancel()

	if _, err := s.posts().InsertOne(opCtx, post); err != nil {
		return fmt.Errorf("store: insert post: %w", err)
	}
	return nil
}

// MarkInboxUnread flags one user's inbox as having unread messages.
func (s *Store) MarkInboxUnread(ctx context.Context, username string) error {
	opCtx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.settings().UpdateOne(opCtx,
		bson.M{"_id": username},
		bson.M{"$set": bson.M{"unread_inbox": true}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("store: mark inbox unread %q: %w", username, err)
	}
	return nil
}

// MarkAllInboxesUnread flags every user's inbox, used for system-wide
// announcements.
func (s *Store) MarkAllInboxesUnread(ctx context.Context) error {
	opCtx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.settings().UpdateMany(opCtx,
		bson.M{},
		bson.M{"$set": bson.M{"unread_inbox": true}},
	)
	if err != nil {
		return fmt.Errorf("store: mark all inboxes unread: %w", err)
	}
	return nil
}

// TouchChat bumps a chat's last-active time.
func (s *Store) TouchChat(ctx context.Context, chatID string) error {
	opCtx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.chats().UpdateOne(opCtx,
		bson.M{"_id": chatID},
		bson.M{"$set": bson.M{"last_active": time.Now().Unix()}},
	)
	if err != nil {
		return fmt.Errorf("store: touch chat %q: %w", chatID, err)
	}
	return nil
}

// ChatMembers returns the member usernames of a chat, or ErrNotFound.
func (s *Store) ChatMembers(ctx context.Context, chatID string) ([]string, error) {
	opCtx, cancel := s.opCtx(ctx)
	defer cancel()

	var doc struct {
		Members []string `bson:"members"`
	}
	err := s.chats().FindOne(opCtx,
		bson.M{"_id": chatID},
		options.FindOne().SetProjection(bson.M{"members": 1}),
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: chat members %q: %w", chatID, err)
	}
	return doc.Members, nil
}

// CreateChat creates a group chat owned by the given user and returns its
// ID.
func (s *Store) CreateChat(ctx context.Context, owner, nickname string) (string, error) {
	opCtx, cancel := s.opCtx(ctx)
	defer cancel()

	chatID := uuid.New().String()
	_, err := s.chats().InsertOne(opCtx, bson.M{
		"_id":         chatID,
		"type":        0,
		"nickname":    nickname,
		"owner":       owner,
		"members":     []string{owner},
		"created":     time.Now().Unix(),
		"last_active": time.Now().Unix(),
		"deleted":     false,
	})
	if err != nil {
		return "", fmt.Errorf("store: create chat: %w", err)
	}
	return chatID, nil
}
