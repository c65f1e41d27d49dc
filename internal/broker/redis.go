package broker

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// resubscribeWait is the pause before re-establishing a dropped pub/sub
// subscription.
const resubscribeWait = 2 * time.Second

// RedisBroker implements Broker over Redis pub/sub. Per-channel ordering is
// preserved because each subscription is consumed by a single goroutine.
type RedisBroker struct {
	client *redis.Client
}

// NewRedisBroker connects to Redis and verifies the connection.
func NewRedisBroker(addr string) (*RedisBroker, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("broker: redis connection failed: %w", err)
	}

	log.Printf("[broker] connected to redis at %s", addr)
	return &RedisBroker{client: client}, nil
}

// Subscribe consumes the channel on a dedicated goroutine. If the
// subscription's message stream ends (connection loss), it resubscribes
// after a short wait and keeps doing so until ctx is cancelled. Messages are
// delivered to the handler in arrival order.
func (b *RedisBroker) Subscribe(ctx context.Context, channel string, handler Handler) error {
	go func() {
		for {
			pubsub := b.client.Subscribe(ctx, channel)
			for msg := range pubsub.Channel() {
				handler([]byte(msg.Payload))
			}
			_ = pubsub.Close()

			select {
			case <-ctx.Done():
				return
			case <-time.After(resubscribeWait):
				log.Printf("[broker] resubscribing to %q", channel)
			}
		}
	}()
	return nil
}

// Publish sends one message to the channel.
func (b *RedisBroker) Publish(ctx context.Context, channel string, data []byte) error {
	if err := b.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("broker: publish to %q: %w", channel, err)
	}
	return nil
}

// Close closes the Redis connection, ending all subscriptions.
func (b *RedisBroker) Close() error {
	return b.client.Close()
}
