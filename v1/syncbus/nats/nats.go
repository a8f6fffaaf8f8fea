package nats

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	nats "github.com/nats-io/nats.go"

	"github.com/mirkobrombin/go-huddle/v1/syncbus"
)

const channelBuffer = 256

type natsSubscription struct {
	sub   *nats.Subscription
	chans []chan syncbus.Event
}

// Bus implements syncbus.Bus using core NATS subjects.
type Bus struct {
	conn      *nats.Conn
	mu        sync.Mutex
	subs      map[string]*natsSubscription
	closed    bool
	published atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// NewBus returns a new Bus using the provided connection. The connection stays
// owned by the caller.
func NewBus(conn *nats.Conn) *Bus {
	return &Bus{
		conn: conn,
		subs: make(map[string]*natsSubscription),
	}
}

// Publish implements syncbus.Bus.Publish. A failed publish is retried with
// jittered backoff while the context allows it.
func (b *Bus) Publish(ctx context.Context, topic string, data []byte) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return syncbus.ErrBusClosed
	}

	backoff := 100 * time.Millisecond
	for {
		err := b.conn.Publish(topic, data)
		if err == nil {
			b.published.Add(1)
			return nil
		}
		if err == nats.ErrConnectionClosed {
			return err
		}
		jitter := time.Duration(rand.Int63n(int64(backoff)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff + jitter):
		}
		if backoff < time.Second {
			backoff *= 2
			if backoff > time.Second {
				backoff = time.Second
			}
		}
	}
}

// Subscribe implements syncbus.Bus.Subscribe.
func (b *Bus) Subscribe(ctx context.Context, topic string) (<-chan syncbus.Event, error) {
	ch := make(chan syncbus.Event, channelBuffer)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, syncbus.ErrBusClosed
	}
	sub := b.subs[topic]
	if sub == nil {
		ns, err := b.conn.Subscribe(topic, b.natsHandler(topic))
		if err != nil {
			b.mu.Unlock()
			return nil, err
		}
		sub = &natsSubscription{sub: ns}
		b.subs[topic] = sub
	}
	sub.chans = append(sub.chans, ch)
	b.mu.Unlock()

	// Make sure the server registered the interest before returning.
	_ = b.conn.Flush()

	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), topic, ch)
	}()
	return ch, nil
}

// Unsubscribe implements syncbus.Bus.Unsubscribe.
func (b *Bus) Unsubscribe(ctx context.Context, topic string, ch <-chan syncbus.Event) error {
	b.mu.Lock()
	sub := b.subs[topic]
	if sub == nil {
		b.mu.Unlock()
		return nil
	}
	for i, c := range sub.chans {
		if c == ch {
			sub.chans[i] = sub.chans[len(sub.chans)-1]
			sub.chans = sub.chans[:len(sub.chans)-1]
			close(c)
			break
		}
	}
	if len(sub.chans) == 0 {
		delete(b.subs, topic)
		b.mu.Unlock()
		return sub.sub.Unsubscribe()
	}
	b.mu.Unlock()
	return nil
}

// IsHealthy reports whether the NATS connection is up.
func (b *Bus) IsHealthy() bool {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	return !closed && b.conn != nil && b.conn.IsConnected()
}

// Metrics returns the published, delivered and dropped counts.
func (b *Bus) Metrics() syncbus.Metrics {
	return syncbus.Metrics{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
		Dropped:   b.dropped.Load(),
	}
}

// Close drops every subscription.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	var firstErr error
	for topic, sub := range b.subs {
		for _, c := range sub.chans {
			close(c)
		}
		sub.chans = nil
		if err := sub.sub.Unsubscribe(); err != nil && err != nats.ErrConnectionClosed && firstErr == nil {
			firstErr = err
		}
		delete(b.subs, topic)
	}
	return firstErr
}

func (b *Bus) natsHandler(topic string) nats.MsgHandler {
	return func(m *nats.Msg) {
		evt := syncbus.Event{Topic: topic, Data: m.Data}
		b.mu.Lock()
		defer b.mu.Unlock()
		sub := b.subs[topic]
		if sub == nil {
			return
		}
		for _, c := range sub.chans {
			select {
			case c <- evt:
				b.delivered.Add(1)
			default:
				b.dropped.Add(1)
			}
		}
	}
}
