package coord

import (
	"context"
	"encoding/json"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/mirkobrombin/go-huddle/v1/election"
	"github.com/mirkobrombin/go-huddle/v1/lock"
	"github.com/mirkobrombin/go-huddle/v1/metrics"
	"github.com/mirkobrombin/go-huddle/v1/registry"
	"github.com/mirkobrombin/go-huddle/v1/transport"
	"github.com/mirkobrombin/go-huddle/v1/watchbus"
)

func (c *Coordinator) run(ticker *clock.Ticker) {
	defer close(c.done)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.tick()
		case env := <-c.inbound:
			c.handle(env)
		case <-c.wake:
		}
		c.drain()
	}
}

// enqueue runs on the transport reader and hands envelopes to the loop.
func (c *Coordinator) enqueue(env transport.Envelope) {
	select {
	case c.inbound <- env:
	case <-c.stop:
	}
}

// tick is one heartbeat: refresh self, announce, reap silent peers and drop
// expired leases.
func (c *Coordinator) tick() {
	c.mu.Lock()
	if !c.activeLocked() {
		c.mu.Unlock()
		return
	}
	now := c.clock.Now()
	self := c.reg.Heartbeat(now, c.foreground)
	c.reapLocked(now)
	c.locks.Prune(now)
	c.refreshGaugesLocked(now)
	c.mu.Unlock()

	c.broadcast(context.Background(), transport.PeerAnnounce, AnnouncePayload{Kind: AnnounceHeartbeat, Instance: self})
}

// reapLocked removes expired peers, drops their leases and queues a local
// peer-departed observation for each. Callers hold c.mu.
func (c *Coordinator) reapLocked(now time.Time) {
	for _, peer := range c.reg.ReapExpired(now) {
		released := c.locks.ReleaseHolder(peer.ID)
		metrics.PeersReaped.Inc()
		c.log.Info("peer expired",
			zap.String("peer", peer.ID),
			zap.Time("last_heartbeat", peer.LastHeartbeat),
			zap.Int("released", len(released)),
		)
		c.emitLocked(localEvent(transport.PeerDeparted, peer.ID, now,
			DepartedPayload{InstanceID: peer.ID, Reason: DepartTimeout}))
	}
}

// handle applies an envelope from a peer to the local view and queues it
// for subscribers.
func (c *Coordinator) handle(env transport.Envelope) {
	c.mu.Lock()
	if !c.activeLocked() {
		c.mu.Unlock()
		return
	}
	now := c.clock.Now()
	mark := len(c.pending)
	var reply *registry.Instance
	log := c.log.With(zap.String("peer", env.SourceID), zap.String("type", string(env.Type)))

	switch env.Type {
	case transport.PeerAnnounce:
		var p AnnouncePayload
		if err := env.Decode(&p); err != nil {
			c.mu.Unlock()
			c.dropMalformed(log, err)
			return
		}
		p.Instance.ID = env.SourceID
		if c.reg.Upsert(p.Instance, now) {
			log.Info("peer joined", zap.String("kind", string(p.Kind)))
			if self, ok := c.reg.Self(); ok {
				reply = &self
			}
			c.checkCapacityLocked(now)
		}

	case transport.PeerDeparted:
		if peer, ok := c.reg.Remove(env.SourceID); ok {
			log.Info("peer departed", zap.Time("registered_at", peer.RegisteredAt))
		}
		c.locks.ReleaseHolder(env.SourceID)

	case transport.LockConflict:
		var p LockPayload
		if err := env.Decode(&p); err != nil {
			c.mu.Unlock()
			c.dropMalformed(log, err)
			return
		}
		c.reg.Touch(env.SourceID, now)
		c.applyLockLocked(env, p, now, log)

	case transport.TimerChanged:
		var p TimerPayload
		if err := env.Decode(&p); err != nil {
			c.mu.Unlock()
			c.dropMalformed(log, err)
			return
		}
		c.reg.Touch(env.SourceID, now)
		c.reg.Update(env.SourceID, func(in *registry.Instance) { in.Timer = p.Snapshot })

	case transport.FocusChanged:
		var p FocusPayload
		if err := env.Decode(&p); err != nil {
			c.mu.Unlock()
			c.dropMalformed(log, err)
			return
		}
		c.reg.Touch(env.SourceID, now)
		c.reg.Update(env.SourceID, func(in *registry.Instance) { in.Foreground = p.Foreground })

	default:
		c.reg.Touch(env.SourceID, now)
	}

	// The envelope goes ahead of any observation it caused.
	c.pending = insertAt(c.pending, mark, eventFromEnvelope(env))
	c.refreshGaugesLocked(now)
	c.mu.Unlock()

	if reply != nil {
		c.broadcast(context.Background(), transport.PeerAnnounce, AnnouncePayload{Kind: AnnounceReply, Instance: *reply})
	}
}

// applyLockLocked folds a peer's lease notice into the lock view.
func (c *Coordinator) applyLockLocked(env transport.Envelope, p LockPayload, now time.Time, log *zap.Logger) {
	switch p.Action {
	case LockAcquired:
		remote := rebaseLease(p.Lease, env.Time(), now, c.cfg.HeartbeatInterval)
		remote.HolderID = env.SourceID
		if lost := c.locks.Observe(remote, now); lost != nil {
			log.Warn("lease lost to concurrent acquisition",
				zap.String("resource", lost.Resource),
				zap.Time("ours", lost.AcquiredAt),
				zap.Time("theirs", remote.AcquiredAt),
			)
			c.emitLocked(localEvent(transport.LockConflict, c.id, now,
				LockPayload{Action: LockLost, Lease: *lost}))
		}
	case LockReleased:
		c.locks.ObserveRelease(p.Lease.Resource, env.SourceID)
	}
}

// rebaseLease moves a peer's lease onto the local clock when the envelope
// timestamp is more than tolerance away from now. Within tolerance the
// sender's times stand, so a late notice never outlives the holder's lease.
func rebaseLease(l lock.Lease, sent, now time.Time, tolerance time.Duration) lock.Lease {
	skew := now.Sub(sent)
	if skew <= tolerance && skew >= -tolerance {
		return l
	}
	l.AcquiredAt = l.AcquiredAt.Add(skew)
	l.ExpiresAt = l.ExpiresAt.Add(skew)
	return l
}

func (c *Coordinator) checkCapacityLocked(now time.Time) {
	n := len(c.reg.LivePeers(now))
	over := n > c.cfg.MaxInstances
	if over && !c.overCapacity {
		c.log.Warn("instance count above soft cap",
			zap.Int("instances", n),
			zap.Int("max", c.cfg.MaxInstances),
		)
	}
	c.overCapacity = over
}

func (c *Coordinator) dropMalformed(log *zap.Logger, err error) {
	metrics.TransportDropped.WithLabelValues(metrics.ReasonMalformed).Inc()
	log.Debug("dropped malformed payload", zap.Error(err))
}

// emitLocked queues an event for dispatch and wakes the loop. Callers hold c.mu.
func (c *Coordinator) emitLocked(evt Event) {
	c.pending = append(c.pending, evt)
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func insertAt(events []Event, i int, evt Event) []Event {
	events = append(events, Event{})
	copy(events[i+1:], events[i:])
	events[i] = evt
	return events
}

func localEvent(typ transport.EventType, source string, now time.Time, payload any) Event {
	raw, _ := json.Marshal(payload)
	return Event{Type: typ, SourceID: source, Timestamp: now, Payload: raw, Local: true}
}

// drain dispatches queued events in order. It runs on the loop only.
func (c *Coordinator) drain() {
	c.mu.Lock()
	events := c.pending
	c.pending = nil
	c.mu.Unlock()
	for _, evt := range events {
		c.dispatch(evt)
	}
}

func (c *Coordinator) dispatch(evt Event) {
	for _, s := range c.subscribers(evt.Type) {
		c.invoke(s, evt)
	}
	if c.watch != nil {
		c.mirror(evt)
	}
}

func (c *Coordinator) invoke(s subscription, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("subscriber panicked",
				zap.String("type", string(evt.Type)),
				zap.Any("panic", r),
			)
		}
	}()
	s.handler(evt)
}

func (c *Coordinator) mirror(evt Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		c.log.Warn("encode mirrored event", zap.Error(err))
		return
	}
	if err := c.watch.Publish(context.Background(), watchbus.Key(string(evt.Type)), data); err != nil {
		c.log.Debug("mirror event", zap.Error(err))
	}
}

// refreshGaugesLocked exports the current view. Callers hold c.mu.
func (c *Coordinator) refreshGaugesLocked(now time.Time) {
	peers := c.reg.LivePeers(now)
	metrics.PeersGauge.Set(float64(len(peers)))
	metrics.LocksHeldGauge.Set(float64(len(c.locks.Held(now))))
	metrics.SetPrimary(election.IsPrimary(c.id, peers))
}
