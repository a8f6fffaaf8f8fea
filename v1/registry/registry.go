// Package registry keeps each instance's view of its live peers.
//
// A Registry is not safe for concurrent use; the coordinator serializes every
// call. Liveness is judged on the local clock: a peer is live while the time
// since its last observed envelope does not exceed the instance timeout.
package registry

import (
	"sort"
	"time"
)

// TimerSnapshot is the last known timer state of an instance. It is advisory.
type TimerSnapshot struct {
	Running   bool          `json:"running"`
	StartedAt time.Time     `json:"startedAt,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`
	Progress  float64       `json:"progress,omitempty"`
}

// Instance describes one running copy of the application.
type Instance struct {
	ID            string        `json:"id"`
	RegisteredAt  time.Time     `json:"registeredAt"`
	Foreground    bool          `json:"foreground"`
	Timer         TimerSnapshot `json:"timer"`
	LastHeartbeat time.Time     `json:"lastHeartbeat"`
}

// Registry stores the local instance and every peer currently believed live.
type Registry struct {
	selfID    string
	timeout   time.Duration
	instances map[string]*Instance
}

// New returns a registry for selfID that expires peers silent for longer
// than timeout.
func New(selfID string, timeout time.Duration) *Registry {
	return &Registry{
		selfID:    selfID,
		timeout:   timeout,
		instances: make(map[string]*Instance),
	}
}

// RegisterSelf inserts the local instance with RegisteredAt set to now.
// Calling it again keeps the original registration time.
func (r *Registry) RegisterSelf(now time.Time, foreground bool) Instance {
	self, ok := r.instances[r.selfID]
	if !ok {
		self = &Instance{ID: r.selfID, RegisteredAt: now}
		r.instances[r.selfID] = self
	}
	self.Foreground = foreground
	self.LastHeartbeat = now
	return *self
}

// Heartbeat refreshes the local instance and returns a copy of it.
func (r *Registry) Heartbeat(now time.Time, foreground bool) Instance {
	self, ok := r.instances[r.selfID]
	if !ok {
		return r.RegisterSelf(now, foreground)
	}
	self.LastHeartbeat = now
	self.Foreground = foreground
	return *self
}

// SetTimer records the local timer snapshot.
func (r *Registry) SetTimer(snap TimerSnapshot) {
	if self, ok := r.instances[r.selfID]; ok {
		self.Timer = snap
	}
}

// SetForeground records the local visibility and reports whether it changed.
func (r *Registry) SetForeground(foreground bool) bool {
	self, ok := r.instances[r.selfID]
	if !ok || self.Foreground == foreground {
		return false
	}
	self.Foreground = foreground
	return true
}

// Upsert stores a peer record announced by that peer and marks it seen at
// now. It reports whether the peer was previously unknown. Records for the
// local instance are ignored.
func (r *Registry) Upsert(in Instance, now time.Time) bool {
	if in.ID == "" || in.ID == r.selfID {
		return false
	}
	in.LastHeartbeat = now
	cur, ok := r.instances[in.ID]
	if !ok {
		r.instances[in.ID] = &in
		return true
	}
	// RegisteredAt is immutable once known.
	if !cur.RegisteredAt.IsZero() {
		in.RegisteredAt = cur.RegisteredAt
	}
	*cur = in
	return false
}

// Touch refreshes the liveness of a known peer. Unknown IDs are ignored.
func (r *Registry) Touch(id string, now time.Time) bool {
	if id == r.selfID {
		return false
	}
	in, ok := r.instances[id]
	if !ok {
		return false
	}
	in.LastHeartbeat = now
	return true
}

// Update applies fn to a known peer record.
func (r *Registry) Update(id string, fn func(*Instance)) bool {
	in, ok := r.instances[id]
	if !ok || id == r.selfID {
		return false
	}
	fn(in)
	in.ID = id
	return true
}

// Remove deletes a peer and returns its last record.
func (r *Registry) Remove(id string) (Instance, bool) {
	if id == r.selfID {
		return Instance{}, false
	}
	in, ok := r.instances[id]
	if !ok {
		return Instance{}, false
	}
	delete(r.instances, id)
	return *in, true
}

// ReapExpired removes every peer whose last heartbeat is older than the
// timeout and returns them ordered by ID. The local instance is never reaped.
func (r *Registry) ReapExpired(now time.Time) []Instance {
	var reaped []Instance
	for id, in := range r.instances {
		if id == r.selfID {
			continue
		}
		if r.expired(in, now) {
			reaped = append(reaped, *in)
			delete(r.instances, id)
		}
	}
	sort.Slice(reaped, func(i, j int) bool { return reaped[i].ID < reaped[j].ID })
	return reaped
}

// LivePeers returns every instance heard from within the timeout as of now,
// self included, earliest registration first with ties broken by ID. Expired
// peers are hidden here even before ReapExpired removes them.
func (r *Registry) LivePeers(now time.Time) []Instance {
	out := make([]Instance, 0, len(r.instances))
	for id, in := range r.instances {
		if id != r.selfID && r.expired(in, now) {
			continue
		}
		out = append(out, *in)
	}
	sort.Slice(out, func(i, j int) bool { return Before(out[i], out[j]) })
	return out
}

func (r *Registry) expired(in *Instance, now time.Time) bool {
	return now.Sub(in.LastHeartbeat) > r.timeout
}

// Get returns a copy of the record for id.
func (r *Registry) Get(id string) (Instance, bool) {
	in, ok := r.instances[id]
	if !ok {
		return Instance{}, false
	}
	return *in, true
}

// Self returns the local record. ok is false before RegisterSelf.
func (r *Registry) Self() (Instance, bool) {
	return r.Get(r.selfID)
}

// Before orders instances by registration time, then by ID.
func Before(a, b Instance) bool {
	if !a.RegisteredAt.Equal(b.RegisteredAt) {
		return a.RegisteredAt.Before(b.RegisteredAt)
	}
	return a.ID < b.ID
}
