package coord

import (
	"github.com/mirkobrombin/go-huddle/v1/election"
	"github.com/mirkobrombin/go-huddle/v1/registry"
)

// Stats summarizes the local view.
type Stats struct {
	InstanceID         string   `json:"instanceId"`
	State              string   `json:"state"`
	TotalInstances     int      `json:"totalInstances"`
	ActivePeers        int      `json:"activePeers"`
	TimerPeers         int      `json:"timerPeers"`
	IsPrimary          bool     `json:"isPrimary"`
	HeldLocks          []string `json:"heldLocks"`
	TransportAvailable bool     `json:"transportAvailable"`
	OverCapacity       bool     `json:"overCapacity"`
}

// ActivePeers returns every live instance, self included, in election order.
func (c *Coordinator) ActivePeers() []registry.Instance {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reg.LivePeers(c.clock.Now())
}

// TimerPeers returns the live peers other than self whose timer is running.
func (c *Coordinator) TimerPeers() []registry.Instance {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timerPeersLocked(c.reg.LivePeers(c.clock.Now()))
}

func (c *Coordinator) timerPeersLocked(live []registry.Instance) []registry.Instance {
	var out []registry.Instance
	for _, p := range live {
		if p.ID != c.id && p.Timer.Running {
			out = append(out, p)
		}
	}
	return out
}

// IsPrimary reports whether this instance is the earliest registered live
// instance. Before Start and after Cleanup it is false.
func (c *Coordinator) IsPrimary() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.activeLocked() {
		return false
	}
	return election.IsPrimary(c.id, c.reg.LivePeers(c.clock.Now()))
}

// Primary returns the instance currently considered primary.
func (c *Coordinator) Primary() (registry.Instance, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return election.Primary(c.reg.LivePeers(c.clock.Now()))
}

// Stats returns counts and flags describing the local view.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now()
	live := c.reg.LivePeers(now)
	active := len(live)
	if _, ok := c.reg.Self(); ok {
		active--
	}
	return Stats{
		InstanceID:         c.id,
		State:              c.state.String(),
		TotalInstances:     len(live),
		ActivePeers:        active,
		TimerPeers:         len(c.timerPeersLocked(live)),
		IsPrimary:          c.activeLocked() && election.IsPrimary(c.id, live),
		HeldLocks:          c.locks.Held(now),
		TransportAvailable: c.tr != nil && c.tr.Available(),
		OverCapacity:       len(live) > c.cfg.MaxInstances,
	}
}
