// Package transport carries coordination envelopes between instances over a
// syncbus.Bus. It hides echo, duplicates and garbage from its single consumer
// and degrades to a silent no-op when the bus cannot be opened.
package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	uuid "github.com/hashicorp/go-uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	huddleerrors "github.com/mirkobrombin/go-huddle/v1/errors"
	"github.com/mirkobrombin/go-huddle/v1/logger"
	"github.com/mirkobrombin/go-huddle/v1/metrics"
	"github.com/mirkobrombin/go-huddle/v1/syncbus"
)

const (
	// DefaultChannel is the topic every instance subscribes to.
	DefaultChannel = "huddle.events"
	// DefaultDedupeTTL bounds how long an envelope ID is remembered.
	DefaultDedupeTTL = time.Minute
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-huddle/v1/transport")

// Handler receives decoded envelopes from peers.
type Handler func(Envelope)

// Option configures a Transport.
type Option func(*Transport)

// WithChannel overrides the shared topic.
func WithChannel(channel string) Option {
	return func(t *Transport) {
		if channel != "" {
			t.channel = channel
		}
	}
}

// WithLogger sets the logger used for dropped envelopes and publish failures.
func WithLogger(l *zap.Logger) Option {
	return func(t *Transport) {
		t.log = logger.OrNop(l)
	}
}

// WithDedupeTTL sets how long received envelope IDs are remembered.
func WithDedupeTTL(ttl time.Duration) Option {
	return func(t *Transport) {
		if ttl > 0 {
			t.dedupeTTL = ttl
		}
	}
}

// Transport is the broadcast channel shared by every instance of the app.
type Transport struct {
	bus       syncbus.Bus
	selfID    string
	channel   string
	dedupeTTL time.Duration
	log       *zap.Logger
	seen      *ristretto.Cache

	mu        sync.Mutex
	handler   Handler
	sub       <-chan syncbus.Event
	cancel    context.CancelFunc
	done      chan struct{}
	available bool
	openErr   error
	closed    bool
}

// New opens the shared channel on bus. A nil bus or a failed subscription
// yields an unavailable transport rather than an error.
func New(bus syncbus.Bus, selfID string, opts ...Option) *Transport {
	t := &Transport{
		bus:       bus,
		selfID:    selfID,
		channel:   DefaultChannel,
		dedupeTTL: DefaultDedupeTTL,
		log:       zap.NewNop(),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.log = t.log.With(zap.String("instance", selfID), zap.String("channel", t.channel))

	if bus == nil {
		t.openErr = fmt.Errorf("%w: no bus configured", huddleerrors.ErrBusUnavailable)
		t.log.Warn("running single-instance", zap.Error(t.openErr))
		close(t.done)
		return t
	}

	seen, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e5,
		MaxCost:     1 << 16,
		BufferItems: 64,
	})
	if err != nil {
		t.log.Warn("dedupe cache unavailable", zap.Error(err))
	}
	t.seen = seen

	ctx, cancel := context.WithCancel(context.Background())
	sub, err := bus.Subscribe(ctx, t.channel)
	if err != nil {
		cancel()
		t.openErr = fmt.Errorf("%w: subscribe %s: %v", huddleerrors.ErrBusUnavailable, t.channel, err)
		t.log.Warn("running single-instance", zap.Error(t.openErr))
		close(t.done)
		return t
	}
	t.sub = sub
	t.cancel = cancel
	t.available = true
	go t.read(ctx)
	return t
}

// Available reports whether the channel was opened and is not closed.
func (t *Transport) Available() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.available && !t.closed
}

// Err reports why the transport is unavailable, wrapping
// errors.ErrBusUnavailable. It is nil when the channel was opened.
func (t *Transport) Err() error {
	return t.openErr
}

// Channel returns the shared topic name.
func (t *Transport) Channel() string {
	return t.channel
}

// OnReceive installs the handler for incoming envelopes, replacing any
// previous one. Envelopes that arrive before a handler is set are discarded.
func (t *Transport) OnReceive(h Handler) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

// Send stamps env with a fresh ID and the local source, then publishes it.
// Failures are logged and counted; the caller never waits on peers.
func (t *Transport) Send(ctx context.Context, env Envelope) {
	if !t.Available() {
		return
	}
	ctx, span := tracer.Start(ctx, "transport.Send", trace.WithAttributes(
		attribute.String("huddle.type", string(env.Type)),
	))
	defer span.End()

	id, err := uuid.GenerateUUID()
	if err != nil {
		span.RecordError(err)
		t.log.Warn("envelope id", zap.Error(err))
		return
	}
	env.ID = id
	if env.SourceID == "" {
		env.SourceID = t.selfID
	}
	data, err := encode(env)
	if err != nil {
		span.RecordError(err)
		t.log.Warn("encode envelope", zap.String("type", string(env.Type)), zap.Error(err))
		return
	}
	if err := t.bus.Publish(ctx, t.channel, data); err != nil {
		span.RecordError(err)
		metrics.TransportDropped.WithLabelValues(metrics.ReasonPublish).Inc()
		t.log.Warn("publish envelope", zap.String("type", string(env.Type)), zap.Error(err))
		return
	}
	metrics.EventsPublished.WithLabelValues(string(env.Type)).Inc()
}

// Close stops receiving and unsubscribes from the channel. It does not close
// the underlying bus.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	cancel, sub := t.cancel, t.sub
	t.mu.Unlock()

	var err error
	if cancel != nil {
		cancel()
		err = t.bus.Unsubscribe(context.Background(), t.channel, sub)
	}
	<-t.done
	if t.seen != nil {
		t.seen.Close()
	}
	return err
}

func (t *Transport) read(ctx context.Context) {
	defer close(t.done)
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-t.sub:
			if !ok {
				return
			}
			t.receive(evt.Data)
		}
	}
}

func (t *Transport) receive(data []byte) {
	env, err := decode(data)
	if err != nil {
		reason := metrics.ReasonMalformed
		if isUnknownType(err) {
			reason = metrics.ReasonUnknown
		}
		metrics.TransportDropped.WithLabelValues(reason).Inc()
		t.log.Debug("dropped envelope", zap.String("reason", reason), zap.Error(err))
		return
	}
	if env.SourceID == t.selfID {
		metrics.TransportDropped.WithLabelValues(metrics.ReasonSelf).Inc()
		return
	}
	if t.duplicate(env.ID) {
		metrics.TransportDropped.WithLabelValues(metrics.ReasonDuplicate).Inc()
		t.log.Debug("dropped duplicate", zap.String("peer", env.SourceID), zap.String("type", string(env.Type)))
		return
	}

	t.mu.Lock()
	h := t.handler
	closed := t.closed
	t.mu.Unlock()
	if h == nil || closed {
		return
	}
	metrics.EventsReceived.WithLabelValues(string(env.Type)).Inc()
	h(env)
}

// duplicate records id and reports whether it was already seen.
func (t *Transport) duplicate(id string) bool {
	if t.seen == nil || id == "" {
		return false
	}
	if _, ok := t.seen.Get(id); ok {
		return true
	}
	t.seen.SetWithTTL(id, struct{}{}, 1, t.dedupeTTL)
	t.seen.Wait()
	return false
}
