package syncbus

import (
	"context"
	"sync"
	"sync/atomic"
)

// Event is a single message observed on a topic.
type Event struct {
	Topic string
	Data  []byte
}

// Bus provides a best-effort pub/sub mechanism used by huddle to broadcast
// coordination envelopes between instances. Publishers observe their own
// messages; delivery is at-most-once and unordered across publishers.
type Bus interface {
	Publish(ctx context.Context, topic string, data []byte) error
	Subscribe(ctx context.Context, topic string) (<-chan Event, error)
	Unsubscribe(ctx context.Context, topic string, ch <-chan Event) error
	IsHealthy() bool
	Close() error
}

// Metrics reports bus level counters.
type Metrics struct {
	Published uint64
	Delivered uint64
	Dropped   uint64
}

// subscriberBuffer bounds every subscription channel; a full channel drops.
const subscriberBuffer = 256

// InMemoryBus is a process-local Bus. Several coordinators sharing one
// InMemoryBus behave like instances sharing a host channel.
type InMemoryBus struct {
	mu        sync.Mutex
	subs      map[string][]chan Event
	closed    bool
	published atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// NewInMemoryBus returns a new InMemoryBus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{subs: make(map[string][]chan Event)}
}

// Publish implements Bus.Publish.
func (b *InMemoryBus) Publish(ctx context.Context, topic string, data []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBusClosed
	}
	// Deliver under the lock so Unsubscribe cannot close a channel mid-send.
	defer b.mu.Unlock()
	b.published.Add(1)
	evt := Event{Topic: topic, Data: append([]byte(nil), data...)}
	for _, ch := range b.subs[topic] {
		select {
		case ch <- evt:
			b.delivered.Add(1)
		default:
			b.dropped.Add(1)
		}
	}
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *InMemoryBus) Subscribe(ctx context.Context, topic string) (<-chan Event, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	ch := make(chan Event, subscriberBuffer)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBusClosed
	}
	b.subs[topic] = append(b.subs[topic], ch)
	b.mu.Unlock()
	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), topic, ch)
	}()
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *InMemoryBus) Unsubscribe(ctx context.Context, topic string, ch <-chan Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[topic]
	for i, c := range subs {
		if c == ch {
			subs[i] = subs[len(subs)-1]
			subs = subs[:len(subs)-1]
			b.subs[topic] = subs
			close(c)
			break
		}
	}
	if len(subs) == 0 {
		delete(b.subs, topic)
	}
	return nil
}

// IsHealthy implements Bus.IsHealthy.
func (b *InMemoryBus) IsHealthy() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.closed
}

// Close closes every subscription channel. Further calls fail with ErrBusClosed.
func (b *InMemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for topic, subs := range b.subs {
		for _, c := range subs {
			close(c)
		}
		delete(b.subs, topic)
	}
	return nil
}

// Metrics returns the published, delivered and dropped counts.
func (b *InMemoryBus) Metrics() Metrics {
	return Metrics{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
		Dropped:   b.dropped.Load(),
	}
}
