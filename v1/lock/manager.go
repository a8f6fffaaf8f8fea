package lock

import (
	"errors"
	"sort"
	"time"
)

// DefaultLease is used when Acquire is called with a non-positive duration.
const DefaultLease = 10 * time.Second

// ErrInvalidResource is returned for empty resource names.
var ErrInvalidResource = errors.New("lock: invalid resource name")

// Lease is a time-bounded claim on a resource.
type Lease struct {
	Resource   string    `json:"resource"`
	HolderID   string    `json:"holderId"`
	AcquiredAt time.Time `json:"acquiredAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// Expired reports whether the lease is no longer valid at now.
func (l Lease) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// Outcome is the result of an Acquire call.
type Outcome int

const (
	// Contended means another instance holds a live lease.
	Contended Outcome = iota
	// Acquired means a new lease was installed for the local instance.
	Acquired
	// Extended means the local instance already held the lease and its
	// expiry was pushed forward.
	Extended
)

func (o Outcome) String() string {
	switch o {
	case Acquired:
		return "acquired"
	case Extended:
		return "extended"
	default:
		return "contended"
	}
}

// OK reports whether the caller now holds the lease.
func (o Outcome) OK() bool {
	return o == Acquired || o == Extended
}

// Manager is one instance's view of resource leases.
type Manager struct {
	selfID       string
	defaultLease time.Duration
	leases       map[string]Lease
}

// NewManager returns a Manager for selfID. A non-positive defaultLease falls
// back to DefaultLease.
func NewManager(selfID string, defaultLease time.Duration) *Manager {
	if defaultLease <= 0 {
		defaultLease = DefaultLease
	}
	return &Manager{
		selfID:       selfID,
		defaultLease: defaultLease,
		leases:       make(map[string]Lease),
	}
}

// Acquire claims resource for lease starting at now.
func (m *Manager) Acquire(resource string, lease time.Duration, now time.Time) (Lease, Outcome) {
	if lease <= 0 {
		lease = m.defaultLease
	}
	cur, ok := m.leases[resource]
	if ok && !cur.Expired(now) {
		if cur.HolderID != m.selfID {
			return cur, Contended
		}
		cur.ExpiresAt = now.Add(lease)
		m.leases[resource] = cur
		return cur, Extended
	}
	l := Lease{
		Resource:   resource,
		HolderID:   m.selfID,
		AcquiredAt: now,
		ExpiresAt:  now.Add(lease),
	}
	m.leases[resource] = l
	return l, Acquired
}

// Release drops resource if the local instance holds it.
func (m *Manager) Release(resource string) (Lease, bool) {
	cur, ok := m.leases[resource]
	if !ok || cur.HolderID != m.selfID {
		return Lease{}, false
	}
	delete(m.leases, resource)
	return cur, true
}

// ReleaseHolder drops every lease held by holderID, sorted by resource.
func (m *Manager) ReleaseHolder(holderID string) []Lease {
	var out []Lease
	for res, l := range m.leases {
		if l.HolderID == holderID {
			out = append(out, l)
			delete(m.leases, res)
		}
	}
	sortLeases(out)
	return out
}

// Observe applies a peer's acquisition notice. When the local instance also
// holds a live lease on the resource, the earlier acquisition wins with ties
// going to the lower holder ID. If the local lease loses it is removed and
// returned.
func (m *Manager) Observe(remote Lease, now time.Time) *Lease {
	if remote.Resource == "" || remote.HolderID == "" || remote.HolderID == m.selfID {
		return nil
	}
	if remote.Expired(now) {
		return nil
	}
	cur, ok := m.leases[remote.Resource]
	if !ok || cur.Expired(now) || cur.HolderID != m.selfID {
		m.leases[remote.Resource] = remote
		return nil
	}
	if localWins(cur, remote) {
		return nil
	}
	m.leases[remote.Resource] = remote
	return &cur
}

func localWins(local, remote Lease) bool {
	if !local.AcquiredAt.Equal(remote.AcquiredAt) {
		return local.AcquiredAt.Before(remote.AcquiredAt)
	}
	return local.HolderID < remote.HolderID
}

// ObserveRelease removes resource if it is still held by holderID.
func (m *Manager) ObserveRelease(resource, holderID string) bool {
	cur, ok := m.leases[resource]
	if !ok || cur.HolderID != holderID {
		return false
	}
	delete(m.leases, resource)
	return true
}

// Held returns the sorted names of live leases held by the local instance.
func (m *Manager) Held(now time.Time) []string {
	var names []string
	for res, l := range m.leases {
		if l.HolderID == m.selfID && !l.Expired(now) {
			names = append(names, res)
		}
	}
	sort.Strings(names)
	return names
}

// HeldLeases returns the local instance's live leases sorted by resource.
func (m *Manager) HeldLeases(now time.Time) []Lease {
	var out []Lease
	for _, l := range m.leases {
		if l.HolderID == m.selfID && !l.Expired(now) {
			out = append(out, l)
		}
	}
	sortLeases(out)
	return out
}

// Get returns the live lease on resource, if any.
func (m *Manager) Get(resource string, now time.Time) (Lease, bool) {
	l, ok := m.leases[resource]
	if !ok || l.Expired(now) {
		return Lease{}, false
	}
	return l, true
}

// Prune removes expired leases and returns how many were dropped.
func (m *Manager) Prune(now time.Time) int {
	n := 0
	for res, l := range m.leases {
		if l.Expired(now) {
			delete(m.leases, res)
			n++
		}
	}
	return n
}

func sortLeases(ls []Lease) {
	sort.Slice(ls, func(i, j int) bool { return ls[i].Resource < ls[j].Resource })
}
