package broker

import (
	"context"
	"testing"
	"time"
)

// newTestBroker connects to a local Redis instance. Tests that call this
// helper require a running Redis on localhost:6379 and are skipped otherwise.
func newTestBroker(t *testing.T) *RedisBroker {
	t.Helper()
	b, err := NewRedisBroker("localhost:6379")
	if err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func TestRedisBroker_PublishSubscribe(t *testing.T) {
	b := newTestBroker(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan []byte, 1)
	if err := b.Subscribe(ctx, "broker_test", func(data []byte) {
		received <- data
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	// The subscription goroutine needs a moment to attach before the first
	// publish, or the message is lost (pub/sub has no replay).
	time.Sleep(100 * time.Millisecond)

	if err := b.Publish(ctx, "broker_test", []byte("hello")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case data := <-received:
		if string(data) != "hello" {
			t.Errorf("expected %q, got %q", "hello", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message was not delivered")
	}
}

func TestRedisBroker_OrderedDelivery(t *testing.T) {
	b := newTestBroker(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan string, 10)
	if err := b.Subscribe(ctx, "broker_order_test", func(data []byte) {
		received <- string(data)
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	want := []string{"a", "b", "c", "d"}
	for _, msg := range want {
		if err := b.Publish(ctx, "broker_order_test", []byte(msg)); err != nil {
			t.Fatalf("publish %q: %v", msg, err)
		}
	}

	for _, expected := range want {
		select {
		case got := <-received:
			if got != expected {
				t.Fatalf("expected %q, got %q", expected, got)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("message %q was not delivered", expected)
		}
	}
}
