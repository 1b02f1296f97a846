package queue

import (
	"context"
	"testing"
	"time"
)

func TestMemoryRequestBusFanOut(t *testing.T) {
	bus := NewMemoryRequestBus()
	ctx := context.Background()

	first, err := bus.Subscribe(ctx, "topic-a")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	second, err := bus.Subscribe(ctx, "topic-a")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	other, err := bus.Subscribe(ctx, "topic-b")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := bus.Publish(ctx, "topic-a", []byte("hello")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	for _, sub := range []interface{ Messages() <-chan []byte }{first, second} {
		select {
		case msg := <-sub.Messages():
			if string(msg) != "hello" {
				t.Fatalf("unexpected payload %q", msg)
			}
		case <-time.After(time.Second):
			t.Fatalf("message not delivered")
		}
	}
	select {
	case msg := <-other.Messages():
		t.Fatalf("foreign topic received %q", msg)
	default:
	}

	if err := first.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if _, ok := <-first.Messages(); ok {
		t.Fatalf("closed subscription must close its channel")
	}
	if err := bus.Publish(ctx, "topic-a", []byte("again")); err != nil {
		t.Fatalf("publish after close: %v", err)
	}
}

func TestMemoryRequestBusDropsWhenFull(t *testing.T) {
	bus := NewMemoryRequestBus()
	ctx := context.Background()
	sub, _ := bus.Subscribe(ctx, "t")
	for i := 0; i < defaultSubscriptionBuffer+10; i++ {
		if err := bus.Publish(ctx, "t", []byte("x")); err != nil {
			t.Fatalf("publish must not block or fail: %v", err)
		}
	}
	if got := len(sub.Messages()); got != defaultSubscriptionBuffer {
		t.Fatalf("buffered = %d, want %d", got, defaultSubscriptionBuffer)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if err := bus.Publish(cancelled, "t", []byte("x")); err == nil {
		t.Fatalf("expected context error")
	}
}
