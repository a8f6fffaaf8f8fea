package coord

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/mirkobrombin/go-huddle/v1/lock"
	"github.com/mirkobrombin/go-huddle/v1/metrics"
	"github.com/mirkobrombin/go-huddle/v1/transport"
)

// Acquire tries to lease resource for the given duration; a non-positive
// duration uses the configured default. It reports whether this instance
// holds the lease afterwards. Holding it again extends the expiry. A false
// result is routine contention, not an error.
//
// Leases are optimistic: two instances racing within one broadcast round
// trip may both succeed until their notices cross.
func (c *Coordinator) Acquire(ctx context.Context, resource string, lease time.Duration) bool {
	ctx, span := tracer.Start(ctx, "coord.Acquire", trace.WithAttributes(
		attribute.String("huddle.resource", resource),
	))
	defer span.End()

	if resource == "" {
		span.RecordError(lock.ErrInvalidResource)
		c.log.Warn("acquire", zap.Error(lock.ErrInvalidResource))
		return false
	}

	c.mu.Lock()
	if !c.activeLocked() {
		c.mu.Unlock()
		return false
	}
	now := c.clock.Now()
	// Leases of peers that went silent are freed before judging contention.
	c.reapLocked(now)
	l, outcome := c.locks.Acquire(resource, lease, now)
	c.refreshGaugesLocked(now)
	c.mu.Unlock()

	span.SetAttributes(attribute.String("huddle.outcome", outcome.String()))
	metrics.LockAcquire.WithLabelValues(outcome.String()).Inc()
	if !outcome.OK() {
		c.log.Debug("lease contended",
			zap.String("resource", resource),
			zap.String("holder", l.HolderID),
			zap.Time("expires_at", l.ExpiresAt),
		)
		return false
	}
	c.broadcast(ctx, transport.LockConflict, LockPayload{Action: LockAcquired, Lease: l})
	return true
}

// Release gives up resource if this instance holds it. Otherwise it is a no-op.
func (c *Coordinator) Release(ctx context.Context, resource string) {
	ctx, span := tracer.Start(ctx, "coord.Release", trace.WithAttributes(
		attribute.String("huddle.resource", resource),
	))
	defer span.End()

	c.mu.Lock()
	if !c.activeLocked() {
		c.mu.Unlock()
		return
	}
	l, ok := c.locks.Release(resource)
	c.refreshGaugesLocked(c.clock.Now())
	c.mu.Unlock()
	if !ok {
		return
	}
	c.broadcast(ctx, transport.LockConflict, LockPayload{Action: LockReleased, Lease: l})
}

// Lease returns the live lease on resource as seen by this instance.
func (c *Coordinator) Lease(resource string) (lock.Lease, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.locks.Get(resource, c.clock.Now())
}

// HeldLocks returns the sorted names of resources this instance holds.
func (c *Coordinator) HeldLocks() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.locks.Held(c.clock.Now())
}
