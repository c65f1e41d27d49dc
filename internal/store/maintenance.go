package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// ScheduledDeletions returns usernames whose delete_after time has passed.
func (s *Store) ScheduledDeletions(ctx context.Context, now time.Time) ([]string, error) {
	opCtx, cancel := s.opCtx(ctx)
	defer cancel()

	cursor, err := s.users().Find(opCtx,
		bson.M{"delete_after": bson.M{"$lt": now.Unix()}},
		options.Find().SetProjection(bson.M{"_id": 1}),
	)
	if err != nil {
		return nil, fmt.Errorf("store: scheduled deletions: %w", err)
	}
	defer cursor.Close(opCtx)

	var usernames []string
	for cursor.Next(opCtx) {
		var doc struct {
			Username string `bson:"_id"`
		}
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("store: decode scheduled deletion: %w", err)
		}
		usernames = append(usernames, doc.Username)
	}
	return usernames, cursor.Err()
}

// DeleteAccount soft-deletes an account: credential and profile fields are
// nulled, the deleted flag is set, and the user's settings, network logs,
// posts, and chat memberships are removed. The account document itself stays
// so the username cannot be re-registered.
func (s *Store) DeleteAccount(ctx context.Context, username string) error {
	opCtx, cancel := s.opCtx(ctx)
	defer cancel()

	var account struct {
		UUID  string `bson:"uuid"`
		Flags int64  `bson:"flags"`
	}
	err := s.users().FindOne(opCtx,
		bson.M{"_id": username},
		options.FindOne().SetProjection(bson.M{"uuid": 1, "flags": 1}),
	).Decode(&account)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("store: delete account lookup %q: %w", username, err)
	}

	_, err = s.users().UpdateOne(opCtx,
		bson.M{"_id": username},
		bson.M{"$set": bson.M{
			"pswd":         nil,
			"tokens":       nil,
			"quote":        nil,
			"permissions":  nil,
			"ban":          nil,
			"last_seen":    nil,
			"delete_after": nil,
			"flags":        account.Flags | FlagDeleted,
		}},
	)
	if err != nil {
		return fmt.Errorf("store: delete account %q: %w", username, err)
	}

	if _, err := s.settings().DeleteOne(opCtx, bson.M{"_id": username}); err != nil {
		return fmt.Errorf("store: delete settings %q: %w", username, err)
	}
	if _, err := s.netlog().DeleteMany(opCtx, bson.M{"_id.user": username}); err != nil {
		return fmt.Errorf("store: delete netlog %q: %w", username, err)
	}
	if _, err := s.posts().DeleteMany(opCtx, bson.M{"u": username}); err != nil {
		return fmt.Errorf("store: delete posts %q: %w", username, err)
	}

	return s.detachFromChats(opCtx, username)
}

// detachFromChats removes a deleted user from every chat: direct chats and
// chats where the user was the last member are dropped with their posts,
// group chats keep going with ownership handed to a placeholder.
func (s *Store) detachFromChats(ctx context.Context, username string) error {
	cursor, err := s.chats().Find(ctx,
		bson.M{"members": username},
		options.Find().SetProjection(bson.M{"type": 1, "owner": 1, "members": 1}),
	)
	if err != nil {
		return fmt.Errorf("store: chats of %q: %w", username, err)
	}
	defer cursor.Close(ctx)

	for cursor.Next(ctx) {
		var chat struct {
			ID      string   `bson:"_id"`
			Type    int      `bson:"type"`
			Owner   string   `bson:"owner"`
			Members []string `bson:"members"`
		}
		if err := cursor.Decode(&chat); err != nil {
			return fmt.Errorf("store: decode chat: %w", err)
		}

		if chat.Type == 1 || len(chat.Members) <= 1 {
			if _, err := s.posts().DeleteMany(ctx, bson.M{"post_origin": chat.ID}); err != nil {
				return fmt.Errorf("store: drop chat posts %q: %w", chat.ID, err)
			}
			if _, err := s.chats().DeleteOne(ctx, bson.M{"_id": chat.ID}); err != nil {
				return fmt.Errorf("store: drop chat %q: %w", chat.ID, err)
			}
			continue
		}

		update := bson.M{"$pull": bson.M{"members": username}}
		if chat.Owner == username {
			update["$set"] = bson.M{"owner": "Deleted"}
		}
		if _, err := s.chats().UpdateOne(ctx, bson.M{"_id": chat.ID}, update); err != nil {
			return fmt.Errorf("store: detach from chat %q: %w", chat.ID, err)
		}
	}
	return cursor.Err()
}

// PurgeNetinfo removes cached IP metadata not refreshed since the cutoff.
func (s *Store) PurgeNetinfo(ctx context.Context, before time.Time) (int64, error) {
	opCtx, cancel := s.opCtx(ctx)
	defer cancel()

	res, err := s.netinfo().DeleteMany(opCtx, bson.M{"last_refreshed": bson.M{"$lt": before.Unix()}})
	if err != nil {
		return 0, fmt.Errorf("store: purge netinfo: %w", err)
	}
	return res.DeletedCount, nil
}

// PurgeNetlog removes connection logs not used since the cutoff.
func (s *Store) PurgeNetlog(ctx context.Context, before time.Time) (int64, error) {
	opCtx, cancel := s.opCtx(ctx)
	defer cancel()

	res, err := s.netlog().DeleteMany(opCtx, bson.M{"last_used": bson.M{"$lt": before.Unix()}})
	if err != nil {
		return 0, fmt.Errorf("store: purge netlog: %w", err)
	}
	return res.DeletedCount, nil
}

// PurgeDeletedPosts removes soft-deleted posts older than the cutoff.
func (s *Store) PurgeDeletedPosts(ctx context.Context, before time.Time) (int64, error) {
	opCtx, cancel := s.opCtx(ctx)
	defer cancel()

	res, err := s.posts().DeleteMany(opCtx, bson.M{"deleted_at": bson.M{"$lt": before.Unix()}})
	if err != nil {
		return 0, fmt.Errorf("store: purge deleted posts: %w", err)
	}
	return res.DeletedCount, nil
}

// DeleteExpiredTickets evicts auth tickets whose expiry has passed.
func (s *Store) DeleteExpiredTickets(ctx context.Context, now time.Time) (int64, error) {
	opCtx, cancel := s.opCtx(ctx)
	defer cancel()

	res, err := s.tickets().DeleteMany(opCtx, bson.M{"expires": bson.M{"$lt": now.Unix()}})
	if err != nil {
		return 0, fmt.Errorf("store: delete expired tickets: %w", err)
	}
	return res.DeletedCount, nil
}
