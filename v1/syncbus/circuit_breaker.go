package syncbus

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

type state int

const (
	stateClosed state = iota
	stateOpen
	stateHalfOpen
)

// CircuitBreakerBus decorates a Bus with circuit breaker logic on the publish
// path. A bus whose backend keeps failing stops being hammered and the caller
// keeps running in degraded, local-only mode until a probe succeeds.
type CircuitBreakerBus struct {
	bus       Bus
	clock     clock.Clock
	mu        sync.RWMutex
	state     state
	failures  int
	threshold int
	timeout   time.Duration
	lastFail  time.Time
}

// BreakerOption configures a CircuitBreakerBus.
type BreakerOption func(*CircuitBreakerBus)

// WithBreakerClock overrides the clock used to time the open window.
func WithBreakerClock(c clock.Clock) BreakerOption {
	return func(cb *CircuitBreakerBus) {
		if c != nil {
			cb.clock = c
		}
	}
}

// NewCircuitBreaker returns a new CircuitBreakerBus.
func NewCircuitBreaker(bus Bus, threshold int, timeout time.Duration, opts ...BreakerOption) *CircuitBreakerBus {
	if threshold <= 0 {
		threshold = 1
	}
	cb := &CircuitBreakerBus{
		bus:       bus,
		clock:     clock.New(),
		threshold: threshold,
		timeout:   timeout,
		state:     stateClosed,
	}
	for _, opt := range opts {
		opt(cb)
	}
	return cb
}

// IsHealthy returns true if the circuit is closed (or ready to probe) and the
// wrapped bus reports healthy.
func (cb *CircuitBreakerBus) IsHealthy() bool {
	cb.mu.RLock()
	open := cb.state == stateOpen && cb.clock.Since(cb.lastFail) <= cb.timeout
	cb.mu.RUnlock()
	return !open && cb.bus.IsHealthy()
}

// allow checks if a request should be allowed.
// It handles the transition from Open to Half-Open based on timeout.
func (cb *CircuitBreakerBus) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case stateClosed:
		return true
	case stateOpen:
		if cb.clock.Since(cb.lastFail) > cb.timeout {
			cb.state = stateHalfOpen
			return true
		}
		return false
	case stateHalfOpen:
		// a probe is already in flight
		return false
	}
	return false
}

func (cb *CircuitBreakerBus) onSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = stateClosed
	cb.failures = 0
}

func (cb *CircuitBreakerBus) onFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.lastFail = cb.clock.Now()
	cb.failures++
	if cb.state == stateClosed && cb.failures >= cb.threshold {
		cb.state = stateOpen
	} else if cb.state == stateHalfOpen {
		cb.state = stateOpen
	}
}

// Publish implements Bus.Publish with circuit breaker logic.
func (cb *CircuitBreakerBus) Publish(ctx context.Context, topic string, data []byte) error {
	if !cb.allow() {
		return ErrCircuitOpen
	}
	if err := cb.bus.Publish(ctx, topic, data); err != nil {
		cb.onFailure()
		return err
	}
	cb.onSuccess()
	return nil
}

func (cb *CircuitBreakerBus) Subscribe(ctx context.Context, topic string) (<-chan Event, error) {
	return cb.bus.Subscribe(ctx, topic)
}

func (cb *CircuitBreakerBus) Unsubscribe(ctx context.Context, topic string, ch <-chan Event) error {
	return cb.bus.Unsubscribe(ctx, topic, ch)
}

func (cb *CircuitBreakerBus) Close() error {
	return cb.bus.Close()
}
