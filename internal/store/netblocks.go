package store

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/burrow/social-app/internal/netblock"
)

// LoadNetblocks returns every persisted netblock for matcher startup.
func (s *Store) LoadNetblocks(ctx context.Context) ([]netblock.Netblock, error) {
	opCtx, cancel := s.opCtx(ctx)
	defer cancel()

	cursor, err := s.netblocks().Find(opCtx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("store: load netblocks: %w", err)
	}
	defer cursor.Close(opCtx)

	var blocks []netblock.Netblock
	for cursor.Next(opCtx) {
		var doc struct {
			CIDR string `bson:"_id"`
			Type int    `bson:"type"`
		}
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("store: decode netblock: %w", err)
		}
		blocks = append(blocks, netblock.Netblock{
			CIDR: doc.CIDR,
			Kind: netblock.Kind(doc.Type),
		})
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate netblocks: %w", err)
	}
	return blocks, nil
}

// PersistNetblock upserts a netblock record. Called by the matcher before it
// mutates its in-memory set.
func (s *Store) PersistNetblock(ctx context.Context, block netblock.Netblock) error {
	opCtx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.netblocks().UpdateOne(opCtx,
		bson.M{"_id": block.CIDR},
		bson.M{"$set": bson.M{"type": int(block.Kind)}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("store: persist netblock %q: %w", block.CIDR, err)
	}
	return nil
}

// RemoveNetblock deletes a netblock record of the given kind.
func (s *Store) RemoveNetblock(ctx context.Context, cidr string, kind netblock.Kind) error {
	opCtx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.netblocks().DeleteOne(opCtx, bson.M{"_id": cidr, "type": int(kind)})
	if err != nil {
		return fmt.Errorf("store: remove netblock %q: %w", cidr, err)
	}
	return nil
}
