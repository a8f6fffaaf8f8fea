package syncbus

import (
	"context"
	"testing"
	"time"
)

func TestPublishSubscribeFlowAndMetrics(t *testing.T) {
	bus := NewInMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := bus.Subscribe(ctx, "topic")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := bus.Publish(context.Background(), "topic", []byte("payload")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case evt := <-ch:
		if evt.Topic != "topic" || string(evt.Data) != "payload" {
			t.Fatalf("unexpected event %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for publish")
	}

	metrics := bus.Metrics()
	if metrics.Published != 1 {
		t.Fatalf("expected published 1 got %d", metrics.Published)
	}
	if metrics.Delivered != 1 {
		t.Fatalf("expected delivered 1 got %d", metrics.Delivered)
	}
}

func TestPublishDoesNotAliasCallerBuffer(t *testing.T) {
	bus := NewInMemoryBus()
	ch, err := bus.Subscribe(context.Background(), "topic")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	buf := []byte("abc")
	if err := bus.Publish(context.Background(), "topic", buf); err != nil {
		t.Fatalf("publish: %v", err)
	}
	buf[0] = 'x'
	evt := <-ch
	if string(evt.Data) != "abc" {
		t.Fatalf("payload was mutated: %q", evt.Data)
	}
}

func TestFanOutToEverySubscriber(t *testing.T) {
	bus := NewInMemoryBus()
	ctx := context.Background()
	a, _ := bus.Subscribe(ctx, "topic")
	b, _ := bus.Subscribe(ctx, "topic")
	other, _ := bus.Subscribe(ctx, "other")

	if err := bus.Publish(ctx, "topic", []byte("1")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	for _, ch := range []<-chan Event{a, b} {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatal("subscriber missed event")
		}
	}
	select {
	case <-other:
		t.Fatal("event leaked to another topic")
	default:
	}
}

func TestFullSubscriberDrops(t *testing.T) {
	bus := NewInMemoryBus()
	if _, err := bus.Subscribe(context.Background(), "topic"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	for i := 0; i < subscriberBuffer+5; i++ {
		if err := bus.Publish(context.Background(), "topic", nil); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	m := bus.Metrics()
	if m.Dropped != 5 {
		t.Fatalf("expected 5 dropped got %d", m.Dropped)
	}
}

func TestContextBasedUnsubscribe(t *testing.T) {
	bus := NewInMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := bus.Subscribe(ctx, "topic")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel closed")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for unsubscribe")
	}

	bus.mu.Lock()
	defer bus.mu.Unlock()
	if _, ok := bus.subs["topic"]; ok {
		t.Fatal("subscription still present after context cancel")
	}
}

func TestPublishContextCanceled(t *testing.T) {
	bus := NewInMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := bus.Publish(ctx, "topic", nil); err == nil {
		t.Fatal("expected publish error due to canceled context")
	}
	if m := bus.Metrics(); m.Published != 0 {
		t.Fatalf("expected published 0 got %d", m.Published)
	}
}

func TestSubscribeContextCanceled(t *testing.T) {
	bus := NewInMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := bus.Subscribe(ctx, "topic"); err == nil {
		t.Fatal("expected subscribe error due to canceled context")
	}
	bus.mu.Lock()
	defer bus.mu.Unlock()
	if _, ok := bus.subs["topic"]; ok {
		t.Fatal("subscription should not be added when context is canceled")
	}
}

func TestCloseRejectsFurtherUse(t *testing.T) {
	bus := NewInMemoryBus()
	ch, err := bus.Subscribe(context.Background(), "topic")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := bus.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, ok := <-ch; ok {
		t.Fatal("expected subscription closed")
	}
	if bus.IsHealthy() {
		t.Fatal("closed bus reported healthy")
	}
	if err := bus.Publish(context.Background(), "topic", nil); err != ErrBusClosed {
		t.Fatalf("expected ErrBusClosed, got %v", err)
	}
	if _, err := bus.Subscribe(context.Background(), "topic"); err != ErrBusClosed {
		t.Fatalf("expected ErrBusClosed, got %v", err)
	}
	if err := bus.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}
