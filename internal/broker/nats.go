package broker

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "burrow-liveserver",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NATSBroker implements Broker over NATS. Reconnects are handled by the
// client library; per-channel ordering holds because NATS invokes a
// subscription's callback sequentially.
type NATSBroker struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NewNATSBroker connects to NATS with the given config and returns a ready
// broker. It returns an error if the initial connection fails.
func NewNATSBroker(config NATSConfig) (*NATSBroker, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[broker] nats disconnected: %v", err)
			} else {
				log.Printf("[broker] nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[broker] nats reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[broker] nats connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("broker: nats connect: %w", err)
	}

	log.Printf("[broker] connected to nats at %s", nc.ConnectedUrl())
	return &NATSBroker{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// Subscribe registers the handler for the channel. The library delivers
// messages in order on the subscription's own goroutine and re-establishes
// the subscription across reconnects, so no retry loop is needed here. The
// subscription ends when ctx is cancelled.
func (b *NATSBroker) Subscribe(ctx context.Context, channel string, handler Handler) error {
	sub, err := b.conn.Subscribe(channel, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("broker: nats subscribe %q: %w", channel, err)
	}

	b.mu.Lock()
	b.subs[channel] = sub
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, channel)
		b.mu.Unlock()
		if err := sub.Drain(); err != nil {
			log.Printf("[broker] nats drain %q: %v", channel, err)
		}
	}()
	return nil
}

// Publish sends one message to the channel.
func (b *NATSBroker) Publish(_ context.Context, channel string, data []byte) error {
	if err := b.conn.Publish(channel, data); err != nil {
		return fmt.Errorf("broker: nats publish %q: %w", channel, err)
	}
	return nil
}

// Close drains all subscriptions and the connection.
func (b *NATSBroker) Close() error {
	b.mu.Lock()
	for channel, sub := range b.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[broker] nats drain %q: %v", channel, err)
		}
	}
	b.subs = make(map[string]*nats.Subscription)
	b.mu.Unlock()

	return b.conn.Drain()
}
