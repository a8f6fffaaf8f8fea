// Package metrics holds the prometheus collectors shared by every huddle
// package. Counters add up across coordinators in one process; the node
// gauges (peers, locks held, primary) describe a single coordinator, so a
// process exporting them should run one node per registry.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// EventsPublished counts envelopes handed to the bus, by event type.
	EventsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "huddle_events_published_total",
		Help: "Total number of coordination events published",
	}, []string{"type"})
	// EventsReceived counts envelopes accepted from peers, by event type.
	EventsReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "huddle_events_received_total",
		Help: "Total number of coordination events received from peers",
	}, []string{"type"})
	// TransportDropped counts envelopes discarded by the transport.
	TransportDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "huddle_transport_dropped_total",
		Help: "Total number of envelopes dropped by the transport",
	}, []string{"reason"})
	// LockAcquire counts acquire attempts by outcome.
	LockAcquire = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "huddle_lock_acquire_total",
		Help: "Total number of lease acquire attempts",
	}, []string{"outcome"})
	// PeersReaped counts peers removed after missing heartbeats.
	PeersReaped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "huddle_peers_reaped_total",
		Help: "Total number of peers removed for missing heartbeats",
	})
	// PeersGauge reports the live instance count, self included.
	PeersGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "huddle_peers",
		Help: "Current number of live instances including self",
	})
	// LocksHeldGauge reports leases currently held by this instance.
	LocksHeldGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "huddle_locks_held",
		Help: "Current number of leases held by this instance",
	})
	// PrimaryGauge is 1 while this instance is primary.
	PrimaryGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "huddle_primary",
		Help: "Whether this instance is currently primary (1) or not (0)",
	})
)

// Drop reasons reported on TransportDropped.
const (
	ReasonSelf      = "self"
	ReasonDuplicate = "duplicate"
	ReasonMalformed = "malformed"
	ReasonUnknown   = "unknown_type"
	ReasonPublish   = "publish_failed"
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterCoreMetrics registers huddle metrics on the provided registry.
func RegisterCoreMetrics(reg prometheus.Registerer) {
	reg.MustRegister(
		EventsPublished,
		EventsReceived,
		TransportDropped,
		LockAcquire,
		PeersReaped,
		PeersGauge,
		LocksHeldGauge,
		PrimaryGauge,
	)
}

// SetPrimary records the primary flag as 0 or 1.
func SetPrimary(primary bool) {
	if primary {
		PrimaryGauge.Set(1)
		return
	}
	PrimaryGauge.Set(0)
}

// ResetNodeGauges zeroes the per-node gauges once a coordinator has closed.
func ResetNodeGauges() {
	PeersGauge.Set(0)
	LocksHeldGauge.Set(0)
	PrimaryGauge.Set(0)
}
