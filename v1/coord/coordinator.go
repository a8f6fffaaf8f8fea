// Package coord is the entry point of huddle: a Coordinator joins the shared
// bus, keeps the peer registry fresh with heartbeats, answers who the primary
// is, arbitrates leases and relays state-change notifications to subscribers.
//
// All registry and lease state of one Coordinator is guarded by a single
// mutex. One event-loop goroutine performs heartbeats, reaping, inbound
// processing and subscriber dispatch, so handlers never run concurrently
// with each other. Public calls never wait on peers.
package coord

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/mirkobrombin/go-huddle/v1/lock"
	"github.com/mirkobrombin/go-huddle/v1/metrics"
	"github.com/mirkobrombin/go-huddle/v1/registry"
	"github.com/mirkobrombin/go-huddle/v1/syncbus"
	"github.com/mirkobrombin/go-huddle/v1/transport"
	"github.com/mirkobrombin/go-huddle/v1/watchbus"
)

var (
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("coord: already started")
	// ErrClosed is returned by Start after Cleanup.
	ErrClosed = errors.New("coord: closed")
)

const inboundBuffer = 256

var tracer = otel.Tracer("github.com/mirkobrombin/go-huddle/v1/coord")

// State is the lifecycle phase of a Coordinator.
type State int32

const (
	Initializing State = iota
	Active
	ShuttingDown
	Closed
)

func (s State) String() string {
	switch s {
	case Initializing:
		return "initializing"
	case Active:
		return "active"
	case ShuttingDown:
		return "shutting-down"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Coordinator coordinates one instance with its peers.
type Coordinator struct {
	id    string
	cfg   Config
	bus   syncbus.Bus
	clock clock.Clock
	log   *zap.Logger
	watch watchbus.WatchBus

	mu           sync.Mutex
	state        State
	tr           *transport.Transport
	reg          *registry.Registry
	locks        *lock.Manager
	foreground   bool
	overCapacity bool
	pending      []Event

	subMu  sync.Mutex
	subSeq uint64
	subs   []subscription

	inbound chan transport.Envelope
	wake    chan struct{}
	stop    chan struct{}
	done    chan struct{}
}

// New validates the options and builds a Coordinator for bus. A nil bus
// yields a coordinator that runs alone. Nothing runs until Start.
func New(bus syncbus.Bus, opts ...Option) (*Coordinator, error) {
	o := options{
		cfg:   DefaultConfig(),
		log:   zap.NewNop(),
		clock: clock.New(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if err := o.cfg.Validate(); err != nil {
		return nil, err
	}
	id := newInstanceID(o.clock.Now())
	return &Coordinator{
		id:         id,
		cfg:        o.cfg,
		bus:        bus,
		clock:      o.clock,
		log:        o.log.With(zap.String("instance", id)),
		watch:      o.watch,
		reg:        registry.New(id, o.cfg.InstanceTimeout),
		locks:      lock.NewManager(id, o.cfg.DefaultLease),
		foreground: o.cfg.Foreground,
		inbound:    make(chan transport.Envelope, inboundBuffer),
		wake:       make(chan struct{}, 1),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}, nil
}

// newInstanceID returns "<unix-millis>-<random suffix>".
func newInstanceID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return fmt.Sprintf("%d-%s", now.UnixMilli(), suffix)
}

// InstanceID returns the immutable ID of this instance.
func (c *Coordinator) InstanceID() string {
	return c.id
}

// Config returns the settings in effect.
func (c *Coordinator) Config() Config {
	return c.cfg
}

// State returns the lifecycle phase.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start opens the transport, registers this instance, announces it and
// starts the event loop. Cancelling ctx runs Cleanup.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case Active:
		c.mu.Unlock()
		return ErrAlreadyStarted
	case ShuttingDown, Closed:
		c.mu.Unlock()
		return ErrClosed
	}
	tr := transport.New(c.bus, c.id,
		transport.WithChannel(c.cfg.Channel),
		transport.WithLogger(c.log),
	)
	tr.OnReceive(c.enqueue)
	c.tr = tr
	now := c.clock.Now()
	self := c.reg.RegisterSelf(now, c.foreground)
	c.state = Active
	c.refreshGaugesLocked(now)
	c.mu.Unlock()

	c.log.Info("instance started",
		zap.Bool("transport", tr.Available()),
		zap.String("channel", tr.Channel()),
		zap.NamedError("transport_error", tr.Err()),
	)
	c.broadcast(ctx, transport.PeerAnnounce, AnnouncePayload{Kind: AnnounceJoin, Instance: self})

	ticker := c.clock.Ticker(c.cfg.HeartbeatInterval)
	go c.run(ticker)
	go func() {
		select {
		case <-ctx.Done():
			if err := c.Cleanup(context.Background()); err != nil {
				c.log.Warn("cleanup", zap.Error(err))
			}
		case <-c.stop:
		}
	}()
	return nil
}

// Cleanup stops the event loop, releases every lease held by this instance,
// announces the departure and closes the transport. It is idempotent. It
// must not be called from a Handler.
func (c *Coordinator) Cleanup(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case ShuttingDown, Closed:
		c.mu.Unlock()
		return nil
	case Initializing:
		c.state = Closed
		c.mu.Unlock()
		close(c.stop)
		close(c.done)
		return nil
	}
	c.state = ShuttingDown
	now := c.clock.Now()
	held := c.locks.HeldLeases(now)
	for _, l := range held {
		c.locks.Release(l.Resource)
	}
	tr := c.tr
	c.mu.Unlock()

	close(c.stop)
	var err error
	select {
	case <-c.done:
	case <-ctx.Done():
		err = fmt.Errorf("coord: waiting for event loop: %w", ctx.Err())
	}

	sendCtx := context.WithoutCancel(ctx)
	for _, l := range held {
		c.broadcast(sendCtx, transport.LockConflict, LockPayload{Action: LockReleased, Lease: l})
	}
	c.broadcast(sendCtx, transport.PeerDeparted, DepartedPayload{InstanceID: c.id, Reason: DepartShutdown})
	err = multierr.Append(err, tr.Close())

	c.mu.Lock()
	c.state = Closed
	c.mu.Unlock()
	metrics.ResetNodeGauges()
	c.log.Info("instance closed", zap.Int("released", len(held)))
	return err
}

// activeLocked reports whether mutating calls are accepted. Callers hold c.mu.
func (c *Coordinator) activeLocked() bool {
	return c.state == Active
}

// broadcast encodes payload and sends it on the transport.
func (c *Coordinator) broadcast(ctx context.Context, typ transport.EventType, payload any) {
	c.mu.Lock()
	tr := c.tr
	c.mu.Unlock()
	if tr == nil {
		return
	}
	env, err := transport.NewEnvelope(typ, c.id, c.clock.Now(), payload)
	if err != nil {
		c.log.Warn("encode event", zap.String("type", string(typ)), zap.Error(err))
		return
	}
	tr.Send(ctx, env)
}
