// Package store is the document-database access layer: accounts, ban states,
// admin notes, posts, chats, netblocks, and the records the maintenance loop
// sweeps. Collection indexes are bootstrapped in code at connect time.
package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// ErrNotFound is returned when a looked-up document does not exist.
var ErrNotFound = errors.New("store: not found")

// Config holds database connection settings.
type Config struct {
	URI      string        // mongodb://localhost:27017
	Database string        // database name
	Timeout  time.Duration // per-operation timeout
}

// DefaultConfig returns sensible defaults for local development.
func DefaultConfig() Config {
	return Config{
		URI:      "mongodb://localhost:27017",
		Database: "burrowserver",
		Timeout:  10 * time.Second,
	}
}

// Store wraps the MongoDB client and exposes the operations the live core
// needs. All methods honor the passed context plus the configured operation
// timeout.
type Store struct {
	client  *mongo.Client
	db      *mongo.Database
	timeout time.Duration
}

// Connect establishes the database connection, verifies it with a ping, and
// creates the collection indexes the core relies on.
func Connect(ctx context.Context, config Config) (*Store, error) {
	clientOptions := options.Client().
		ApplyURI(config.URI).
		SetAppName("burrow-liveserver").
		SetMinPoolSize(2).
		SetMaxPoolSize(64)

	connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}

	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(connectCtx)
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	s := &Store{
		client:  client,
		db:      client.Database(config.Database),
		timeout: config.Timeout,
	}

	if err := s.ensureIndexes(connectCtx); err != nil {
		_ = client.Disconnect(connectCtx)
		return nil, err
	}

	log.Printf("store: connected to %s/%s", config.URI, config.Database)
	return s, nil
}

// ensureIndexes creates the indexes the core's queries depend on. Index
// creation is idempotent, so reconnecting is safe.
func (s *Store) ensureIndexes(ctx context.Context) error {
	indexes := []struct {
		coll  string
		model mongo.IndexModel
	}{
		{"usersv0", mongo.IndexModel{
			Keys:    bson.D{{Key: "lower_username", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("lower_username"),
		}},
		{"usersv0", mongo.IndexModel{
			Keys: bson.D{{Key: "tokens", Value: 1}},
			Options: options.Index().SetName("tokens").
				SetPartialFilterExpression(bson.M{"tokens": bson.M{"$type": "array"}}),
		}},
		{"usersv0", mongo.IndexModel{
			Keys: bson.D{{Key: "delete_after", Value: 1}},
			Options: options.Index().SetName("scheduled_deletions").
				SetPartialFilterExpression(bson.M{"delete_after": bson.M{"$type": "number"}}),
		}},
		{"posts", mongo.IndexModel{
			Keys:    bson.D{{Key: "post_origin", Value: 1}, {Key: "t.e", Value: -1}},
			Options: options.Index().SetName("origin_time"),
		}},
		{"chats", mongo.IndexModel{
			Keys:    bson.D{{Key: "members", Value: 1}},
			Options: options.Index().SetName("members"),
		}},
		{"netinfo", mongo.IndexModel{
			Keys:    bson.D{{Key: "last_refreshed", Value: 1}},
			Options: options.Index().SetName("last_refreshed"),
		}},
		{"netlog", mongo.IndexModel{
			Keys:    bson.D{{Key: "last_used", Value: 1}},
			Options: options.Index().SetName("last_used"),
		}},
		{"tickets", mongo.IndexModel{
			Keys:    bson.D{{Key: "expires", Value: 1}},
			Options: options.Index().SetName("expires"),
		}},
	}

	for _, idx := range indexes {
		if _, err := s.db.Collection(idx.coll).Indexes().CreateOne(ctx, idx.model); err != nil {
			return fmt.Errorf("store: create index on %s: %w", idx.coll, err)
		}
	}
	return nil
}

// Close disconnects the database client.
func (s *Store) Close(ctx context.Context) error {
	opCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.client.Disconnect(opCtx)
}

// opCtx derives a context bounded by the configured operation timeout.
func (s *Store) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

func (s *Store) users() *mongo.Collection      { return s.db.Collection("usersv0") }
func (s *Store) settings() *mongo.Collection   { return s.db.Collection("user_settings") }
func (s *Store) posts() *mongo.Collection      { return s.db.Collection("posts") }
func (s *Store) chats() *mongo.Collection      { return s.db.Collection("chats") }
func (s *Store) netblocks() *mongo.Collection  { return s.db.Collection("netblocks") }
func (s *Store) netinfo() *mongo.Collection    { return s.db.Collection("netinfo") }
func (s *Store) netlog() *mongo.Collection     { return s.db.Collection("netlog") }
func (s *Store) tickets() *mongo.Collection    { return s.db.Collection("tickets") }
func (s *Store) adminNotes() *mongo.Collection { return s.db.Collection("admin_notes") }
