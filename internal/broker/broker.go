// Package broker abstracts the cross-process message channel used for
// administrative operations: subscribe to a named channel and receive its
// messages in arrival order. Two implementations are provided, Redis pub/sub
// and NATS; any reliable broker with ordered per-channel delivery fits.
package broker

import "context"

// Handler receives one message's raw payload. Handlers for a single channel
// are invoked sequentially in arrival order; a handler that panics or errors
// internally must contain the failure itself.
type Handler func(data []byte)

// Broker is the channel-subscribe capability.
type Broker interface {
	// Subscribe begins delivering the channel's messages to the handler on
	// a dedicated goroutine. The subscription itself is retried until ctx
	// is cancelled; individual messages are never retried.
	Subscribe(ctx context.Context, channel string, handler Handler) error

	// Publish sends one message to the channel.
	Publish(ctx context.Context, channel string, data []byte) error

	// Close tears down the connection and all subscriptions.
	Close() error
}
