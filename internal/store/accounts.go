package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// User flag bits.
const (
	FlagSystem    int64 = 1
	FlagDeleted   int64 = 2
	FlagProtected int64 = 4
)

// Restriction bits. A restriction applies while the account's ban state is
// active and carries the bit.
const (
	RestrictHomePosts    int64 = 1
	RestrictChatPosts    int64 = 2
	RestrictNewChats     int64 = 4
	RestrictChatNickname int64 = 8
	RestrictEditingQuote int64 = 16
)

// Ban state names.
const (
	BanStateNone     = "none"
	BanStateTempBan  = "temp_ban"
	BanStatePermBan  = "perm_ban"
	BanStateRestrict = "restricted"
)

// SystemUser is the reserved account that authors announcements; events from
// it broadcast to everyone.
const SystemUser = "Server"

// sensitiveProjection excludes credential material from account reads.
var sensitiveProjection = bson.M{
	"pswd":   0,
	"tokens": 0,
	"mfa":    0,
}

// BanState is an account's moderation record. Zero value means not banned.
type BanState struct {
	State        string `bson:"state"`
	Restrictions int64  `bson:"restrictions"`
	Expires      int64  `bson:"expires"`
	Reason       string `bson:"reason"`
}

// Active reports whether the ban currently applies: permanent states always
// do, timed states only until their expiry passes.
func (b BanState) Active(now time.Time) bool {
	switch {
	case b.State == BanStateNone || b.State == "":
		return false
	case strings.Contains(b.State, "perm"):
		return true
	default:
		return b.Expires > now.Unix()
	}
}

// Account is a user document with credential fields stripped. Banned is
// derived at read time, not stored.
type Account struct {
	Username    string   `bson:"_id"`
	UUID        string   `bson:"uuid"`
	Flags       int64    `bson:"flags"`
	Permissions int64    `bson:"permissions"`
	Quote       string   `bson:"quote"`
	Ban         BanState `bson:"ban"`
	Created     int64    `bson:"created"`
	LastSeen    *int64   `bson:"last_seen"`
	DeleteAfter *int64   `bson:"delete_after"`
	Banned      bool     `bson:"-"`
}

// GetAccount fetches an account by username (case-insensitive). Returns
// ErrNotFound when the account does not exist.
func (s *Store) GetAccount(ctx context.Context, username string) (*Account, error) {
	opCtx, cancel := s.opCtx(ctx)
	defer cancel()

	var account Account
	err := s.users().FindOne(opCtx,
		bson.M{"lower_username": strings.ToLower(username)},
		options.FindOne().SetProjection(sensitiveProjection),
	).Decode(&account)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get account %q: %w", username, err)
	}

	account.Banned = account.Ban.Active(time.Now()) &&
		(account.Ban.State == BanStatePermBan || account.Ban.State == BanStateTempBan)
	return &account, nil
}

// GetAccountByToken resolves a session token to its account. Returns
// ErrNotFound for unknown tokens.
func (s *Store) GetAccountByToken(ctx context.Context, token string) (*Account, error) {
	opCtx, cancel := s.opCtx(ctx)
	defer cancel()

	var account Account
	err := s.users().FindOne(opCtx,
		bson.M{"tokens": token},
		options.FindOne().SetProjection(sensitiveProjection),
	).Decode(&account)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get account by token: %w", err)
	}

	account.Banned = account.Ban.Active(time.Now()) &&
		(account.Ban.State == BanStatePermBan || account.Ban.State == BanStateTempBan)
	return &account, nil
}

// IsRestricted reports whether the username currently carries the given
// restriction bit. Unknown accounts are never restricted.
func (s *Store) IsRestricted(ctx context.Context, username string, restriction int64) (bool, error) {
	opCtx, cancel := s.opCtx(ctx)
	defer cancel()

	var doc struct {
		Ban BanState `bson:"ban"`
	}
	err := s.users().FindOne(opCtx,
		bson.M{"lower_username": strings.ToLower(username)},
		options.FindOne().SetProjection(bson.M{"ban": 1}),
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: restriction check %q: %w", username, err)
	}

	if !doc.Ban.Active(time.Now()) {
		return false, nil
	}
	return doc.Ban.Restrictions&restriction == restriction, nil
}

// MFARequired reports whether the account has any multi-factor method
// enrolled. Accounts without an mfa document authenticate with a token alone.
func (s *Store) MFARequired(ctx context.Context, username string) (bool, error) {
	opCtx, cancel := s.opCtx(ctx)
	defer cancel()

	var doc struct {
		MFA bson.M `bson:"mfa"`
	}
	err := s.users().FindOne(opCtx,
		bson.M{"lower_username": strings.ToLower(username)},
		options.FindOne().SetProjection(bson.M{"mfa": 1}),
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("store: mfa check %q: %w", username, err)
	}
	return len(doc.MFA) > 0, nil
}

// GetBan returns the account's UUID and current ban record, for partial
// merges by the admin bus.
func (s *Store) GetBan(ctx context.Context, username string) (string, BanState, error) {
	opCtx, cancel := s.opCtx(ctx)
	defer cancel()

	var doc struct {
		UUID string   `bson:"uuid"`
		Ban  BanState `bson:"ban"`
	}
	err := s.users().FindOne(opCtx,
		bson.M{"_id": username},
		options.FindOne().SetProjection(bson.M{"uuid": 1, "ban": 1}),
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return "", BanState{}, ErrNotFound
	}
	if err != nil {
		return "", BanState{}, fmt.Errorf("store: get ban %q: %w", username, err)
	}
	return doc.UUID, doc.Ban, nil
}

// UpdateBanState replaces the account's ban record with the given (already
// merged) state.
func (s *Store) UpdateBanState(ctx context.Context, username string, ban BanState) error {
	opCtx, cancel := s.opCtx(ctx)
	defer cancel()

	res, err := s.users().UpdateOne(opCtx,
		bson.M{"_id": username},
		bson.M{"$set": bson.M{"ban": ban}},
	)
	if err != nil {
		return fmt.Errorf("store: update ban %q: %w", username, err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendAdminNote appends a note to the user's admin notes, newline-joined
// with whatever is already there. Notes are keyed by account UUID so they
// survive renames.
func (s *Store) AppendAdminNote(ctx context.Context, userUUID, note string) error {
	opCtx, cancel := s.opCtx(ctx)
	defer cancel()

	var existing struct {
		Notes string `bson:"notes"`
	}
	err := s.adminNotes().FindOne(opCtx, bson.M{"_id": userUUID}).Decode(&existing)
	if err != nil && !errors.Is(err, mongo.ErrNoDocuments) {
		return fmt.Errorf("store: read admin notes %q: %w", userUUID, err)
	}

	if existing.Notes != "" {
		note = existing.Notes + "\n\n" + note
	}

	_, err = s.adminNotes().UpdateOne(opCtx,
		bson.M{"_id": userUUID},
		bson.M{"$set": bson.M{
			"notes":            note,
			"last_modified_by": SystemUser,
			"last_modified_at": time.Now().Unix(),
		}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("store: append admin note %q: %w", userUUID, err)
	}
	return nil
}

// TouchLastSeen records sign-off time for an account, unless the account has
// last-seen tracking disabled (stored as null).
func (s *Store) TouchLastSeen(ctx context.Context, username string) error {
	opCtx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.users().UpdateOne(opCtx,
		bson.M{"_id": username, "last_seen": bson.M{"$ne": nil}},
		bson.M{"$set": bson.M{"last_seen": time.Now().Unix()}},
	)
	if err != nil {
		return fmt.Errorf("store: touch last seen %q: %w", username, err)
	}
	return nil
}

// UpdateSettings merges the given settings into the user's settings
// document, creating it if absent. Validation happens upstream.
func (s *Store) UpdateSettings(ctx context.Context, username string, settings map[string]interface{}) error {
	opCtx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.settings().UpdateOne(opCtx,
		bson.M{"_id": username},
		bson.M{"$set": settings},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("store: update settings %q: %w", username, err)
	}
	return nil
}
