// Package election picks the primary instance from a registry view.
//
// The primary is the live instance with the earliest registration time,
// ties broken by lexicographic ID. Every instance computes it locally, so two
// instances with diverging views may briefly disagree until the slower view
// catches up within one instance timeout.
package election

import "github.com/mirkobrombin/go-huddle/v1/registry"

// Less reports whether a outranks b.
func Less(a, b registry.Instance) bool {
	return registry.Before(a, b)
}

// Primary returns the highest ranked instance in peers.
func Primary(peers []registry.Instance) (registry.Instance, bool) {
	if len(peers) == 0 {
		return registry.Instance{}, false
	}
	best := peers[0]
	for _, p := range peers[1:] {
		if Less(p, best) {
			best = p
		}
	}
	return best, true
}

// IsPrimary reports whether selfID is the primary among peers.
func IsPrimary(selfID string, peers []registry.Instance) bool {
	p, ok := Primary(peers)
	return ok && p.ID == selfID
}
