package coord

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/mirkobrombin/go-huddle/v1/lock"
	"github.com/mirkobrombin/go-huddle/v1/registry"
	"github.com/mirkobrombin/go-huddle/v1/transport"
)

// Event is what subscribers receive. Local is set for observations the
// instance derived itself, such as a reaped peer or a lost lease.
type Event struct {
	Type      transport.EventType `json:"type"`
	SourceID  string              `json:"sourceId"`
	Timestamp time.Time           `json:"timestamp"`
	Payload   json.RawMessage     `json:"payload,omitempty"`
	Local     bool                `json:"local,omitempty"`
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: empty %s payload", transport.ErrMalformedEnvelope, e.Type)
	}
	return json.Unmarshal(e.Payload, v)
}

func eventFromEnvelope(env transport.Envelope) Event {
	return Event{
		Type:      env.Type,
		SourceID:  env.SourceID,
		Timestamp: env.Time(),
		Payload:   env.Payload,
	}
}

// AnnounceKind tells why a peer-announce was sent.
type AnnounceKind string

const (
	AnnounceJoin      AnnounceKind = "join"
	AnnounceHeartbeat AnnounceKind = "heartbeat"
	AnnounceReply     AnnounceKind = "reply"
)

// AnnouncePayload carries the sender's own record.
type AnnouncePayload struct {
	Kind     AnnounceKind      `json:"kind"`
	Instance registry.Instance `json:"instance"`
}

// DepartedPayload names the instance that left.
type DepartedPayload struct {
	InstanceID string `json:"instanceId"`
	Reason     string `json:"reason"`
}

const (
	DepartShutdown = "shutdown"
	DepartTimeout  = "timeout"
)

// TimerState is the kind of timer transition being reported.
type TimerState string

const (
	TimerStarted   TimerState = "started"
	TimerPaused    TimerState = "paused"
	TimerResumed   TimerState = "resumed"
	TimerStopped   TimerState = "stopped"
	TimerCompleted TimerState = "completed"
	TimerTick      TimerState = "tick"
)

// Valid reports whether s is a known timer state.
func (s TimerState) Valid() bool {
	switch s {
	case TimerStarted, TimerPaused, TimerResumed, TimerStopped, TimerCompleted, TimerTick:
		return true
	}
	return false
}

// TimerPayload describes a timer transition.
type TimerPayload struct {
	State    TimerState             `json:"state"`
	Snapshot registry.TimerSnapshot `json:"snapshot"`
}

// DataPayload describes an update to a named data set.
type DataPayload struct {
	DataType string          `json:"dataType"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// FocusPayload carries the sender's visibility.
type FocusPayload struct {
	Foreground bool `json:"foreground"`
}

// LockAction is the sub-type of a lock-conflict event.
type LockAction string

const (
	LockAcquired LockAction = "acquired"
	LockReleased LockAction = "released"
	// LockLost is only ever emitted locally, when a race resolves against us.
	LockLost LockAction = "lost"
)

// LockPayload describes a lease change.
type LockPayload struct {
	Action LockAction `json:"action"`
	Lease  lock.Lease `json:"lease"`
}
