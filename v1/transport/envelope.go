package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// EventType names the kind of an envelope.
type EventType string

const (
	PeerAnnounce    EventType = "peer-announce"
	PeerDeparted    EventType = "peer-departed"
	TimerChanged    EventType = "timer-changed"
	SettingsChanged EventType = "settings-changed"
	DataChanged     EventType = "data-changed"
	FocusChanged    EventType = "focus-changed"
	LockConflict    EventType = "lock-conflict"
)

var knownTypes = []EventType{
	PeerAnnounce,
	PeerDeparted,
	TimerChanged,
	SettingsChanged,
	DataChanged,
	FocusChanged,
	LockConflict,
}

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	for _, k := range knownTypes {
		if k == t {
			return true
		}
	}
	return false
}

var (
	// ErrMalformedEnvelope is returned when bytes on the channel are not an envelope.
	ErrMalformedEnvelope = errors.New("transport: malformed envelope")
	// ErrUnknownEventType is returned for envelopes carrying an unknown type.
	ErrUnknownEventType = errors.New("transport: unknown event type")
)

// Envelope is the unit exchanged on the shared channel.
// Timestamp is the sender's clock in unix milliseconds.
type Envelope struct {
	ID        string          `json:"id"`
	Type      EventType       `json:"type"`
	SourceID  string          `json:"sourceId"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope builds an envelope with payload encoded as JSON.
// A nil payload leaves Payload empty.
func NewEnvelope(typ EventType, source string, at time.Time, payload any) (Envelope, error) {
	env := Envelope{Type: typ, SourceID: source, Timestamp: at.UnixMilli()}
	if payload == nil {
		return env, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("transport: encode %s payload: %w", typ, err)
	}
	env.Payload = raw
	return env, nil
}

// Time returns Timestamp as a time.Time.
func (e Envelope) Time() time.Time {
	return time.UnixMilli(e.Timestamp)
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: empty %s payload", ErrMalformedEnvelope, e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformedEnvelope, e.Type, err)
	}
	return nil
}

func encode(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}

func decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if env.SourceID == "" || env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type or source", ErrMalformedEnvelope)
	}
	if !env.Type.Valid() {
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnknownEventType, env.Type)
	}
	return env, nil
}

func isUnknownType(err error) bool {
	return errors.Is(err, ErrUnknownEventType)
}
