package redis

import (
	"context"
	stdErrors "errors"
	"sync"
	"sync/atomic"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	huddleerrors "github.com/mirkobrombin/go-huddle/v1/errors"
	"github.com/mirkobrombin/go-huddle/v1/syncbus"
)

const (
	redisBusTimeout = 5 * time.Second
	channelBuffer   = 256
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-huddle/v1/syncbus/redis")

type redisSubscription struct {
	pubsub *redis.PubSub
	chans  []chan syncbus.Event
}

// Bus implements syncbus.Bus on top of Redis pub/sub. Every instance on the
// host subscribes to the same channel; Redis fans the payload out.
type Bus struct {
	client *redis.Client

	mu     sync.Mutex
	subs   map[string]*redisSubscription
	closed bool

	healthy   atomic.Bool
	published atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// Options configures the Redis bus.
type Options struct {
	Client *redis.Client
}

// NewBus returns a new Bus using the provided client.
func NewBus(opts Options) *Bus {
	b := &Bus{
		client: opts.Client,
		subs:   make(map[string]*redisSubscription),
	}
	b.healthy.Store(true)
	return b
}

// Publish implements syncbus.Bus.Publish.
func (b *Bus) Publish(ctx context.Context, topic string, data []byte) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return syncbus.ErrBusClosed
	}

	ctx, span := tracer.Start(ctx, "redis.Publish", trace.WithAttributes(
		attribute.String("huddle.topic", topic),
		attribute.Int("huddle.bytes", len(data)),
	))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, redisBusTimeout)
	defer cancel()

	if err := b.client.Publish(ctx, topic, data).Err(); err != nil {
		b.healthy.Store(false)
		span.RecordError(err)
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return huddleerrors.ErrTimeout
		}
		return err
	}
	b.healthy.Store(true)
	b.published.Add(1)
	return nil
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
		ps := b.client.Subscribe(ctx, topic)
		// Wait for the subscription to be confirmed so nothing published right
		// after Subscribe returns is missed.
		if _, err := ps.Receive(ctx); err != nil {
			b.mu.Unlock()
			_ = ps.Close()
			b.healthy.Store(false)
			return nil, err
		}
		sub = &redisSubscription{pubsub: ps}
		b.subs[topic] = sub
		go b.dispatch(topic, sub)
	}
	sub.chans = append(sub.chans, ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), topic, ch)
	}()
	return ch, nil
}

func (b *Bus) dispatch(topic string, sub *redisSubscription) {
	// Channel is closed by go-redis when the PubSub is closed.
	for msg := range sub.pubsub.Channel() {
		if msg == nil {
			continue
		}
		evt := syncbus.Event{Topic: topic, Data: []byte(msg.Payload)}
		b.mu.Lock()
		for _, c := range sub.chans {
			select {
			case c <- evt:
				b.delivered.Add(1)
			default:
				b.dropped.Add(1)
			}
		}
		b.mu.Unlock()
	}
}

// Unsubscribe implements syncbus.Bus.Unsubscribe.
func (b *Bus) Unsubscribe(ctx context.Context, topic string, ch <-chan syncbus.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := b.subs[topic]
	if sub == nil {
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
		return sub.pubsub.Close()
	}
	return nil
}

// IsHealthy reports whether the last publish or subscribe succeeded.
func (b *Bus) IsHealthy() bool {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	return !closed && b.healthy.Load()
}

// Metrics returns the published, delivered and dropped counts.
func (b *Bus) Metrics() syncbus.Metrics {
	return syncbus.Metrics{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
		Dropped:   b.dropped.Load(),
	}
}

// Close drops every subscription. The Redis client stays owned by the caller.
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
		if err := sub.pubsub.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(b.subs, topic)
	}
	return firstErr
}
