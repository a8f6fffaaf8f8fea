package transport

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	huddleerrors "github.com/mirkobrombin/go-huddle/v1/errors"
	"github.com/mirkobrombin/go-huddle/v1/metrics"
	"github.com/mirkobrombin/go-huddle/v1/syncbus"
)

type recorder struct {
	mu   sync.Mutex
	envs []Envelope
}

func (r *recorder) handle(env Envelope) {
	r.mu.Lock()
	r.envs = append(r.envs, env)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Envelope(nil), r.envs...)
}

func (r *recorder) count() int {
	return len(r.snapshot())
}

func newPair(t *testing.T) (*syncbus.InMemoryBus, *Transport, *Transport) {
	t.Helper()
	bus := syncbus.NewInMemoryBus()
	a := New(bus, "1000-a")
	b := New(bus, "2000-b")
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
		_ = bus.Close()
	})
	return bus, a, b
}

// newSingle subscribes exactly one transport so the process-wide drop
// counters move once per injected envelope.
func newSingle(t *testing.T) (*syncbus.InMemoryBus, *Transport) {
	t.Helper()
	bus := syncbus.NewInMemoryBus()
	tr := New(bus, "2000-b")
	t.Cleanup(func() {
		_ = tr.Close()
		_ = bus.Close()
	})
	return bus, tr
}

func TestSendReachesPeersButNotSelf(t *testing.T) {
	_, a, b := newPair(t)
	require.NoError(t, a.Err())
	var gotA, gotB recorder
	a.OnReceive(gotA.handle)
	b.OnReceive(gotB.handle)

	env, err := NewEnvelope(SettingsChanged, "", time.UnixMilli(42), map[string]int{"volume": 3})
	require.NoError(t, err)
	a.Send(context.Background(), env)

	require.Eventually(t, func() bool { return gotB.count() == 1 }, time.Second, 5*time.Millisecond)
	got := gotB.snapshot()[0]
	assert.Equal(t, SettingsChanged, got.Type)
	assert.Equal(t, "1000-a", got.SourceID)
	assert.Equal(t, int64(42), got.Timestamp)
	assert.NotEmpty(t, got.ID)

	var payload map[string]int
	require.NoError(t, got.Decode(&payload))
	assert.Equal(t, 3, payload["volume"])

	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, gotA.count(), "sender must not observe its own envelope")
}

func TestDuplicateEnvelopesAreDropped(t *testing.T) {
	bus, b := newSingle(t)
	var got recorder
	b.OnReceive(got.handle)

	before := testutil.ToFloat64(metrics.TransportDropped.WithLabelValues(metrics.ReasonDuplicate))
	raw, err := json.Marshal(Envelope{ID: "dup-1", Type: FocusChanged, SourceID: "3000-c", Timestamp: 1})
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, DefaultChannel, raw))
	require.NoError(t, bus.Publish(ctx, DefaultChannel, raw))

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.TransportDropped.WithLabelValues(metrics.ReasonDuplicate)) == before+1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, got.count())
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.TransportDropped.WithLabelValues(metrics.ReasonDuplicate)))
}

func TestGarbageIsDroppedAndCounted(t *testing.T) {
	bus, b := newSingle(t)
	var got recorder
	b.OnReceive(got.handle)

	malformed := metrics.TransportDropped.WithLabelValues(metrics.ReasonMalformed)
	unknown := metrics.TransportDropped.WithLabelValues(metrics.ReasonUnknown)
	beforeMalformed := testutil.ToFloat64(malformed)
	beforeUnknown := testutil.ToFloat64(unknown)

	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, DefaultChannel, []byte("not json")))
	require.NoError(t, bus.Publish(ctx, DefaultChannel, []byte(`{"id":"x","type":"reboot","sourceId":"3000-c"}`)))
	require.NoError(t, bus.Publish(ctx, DefaultChannel, []byte(`{"id":"y","type":"focus-changed"}`)))

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(malformed) == beforeMalformed+2 &&
			testutil.ToFloat64(unknown) == beforeUnknown+1
	}, time.Second, 5*time.Millisecond)
	assert.Zero(t, got.count())
}

func TestNilBusIsUnavailable(t *testing.T) {
	tr := New(nil, "1000-a")
	assert.False(t, tr.Available())
	assert.ErrorIs(t, tr.Err(), huddleerrors.ErrBusUnavailable)
	tr.Send(context.Background(), Envelope{Type: PeerAnnounce})
	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
}

func TestSubscribeFailureIsUnavailable(t *testing.T) {
	bus := syncbus.NewInMemoryBus()
	require.NoError(t, bus.Close())
	tr := New(bus, "1000-a")
	assert.False(t, tr.Available())
	assert.ErrorIs(t, tr.Err(), huddleerrors.ErrBusUnavailable)
	tr.Send(context.Background(), Envelope{Type: PeerAnnounce})
	require.NoError(t, tr.Close())
}

func TestCloseStopsDelivery(t *testing.T) {
	_, a, b := newPair(t)
	var got recorder
	b.OnReceive(got.handle)

	require.NoError(t, b.Close())
	assert.False(t, b.Available())
	a.Send(context.Background(), Envelope{Type: DataChanged, Timestamp: 1})
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, got.count())
	require.NoError(t, b.Close())
}

func TestCustomChannel(t *testing.T) {
	bus := syncbus.NewInMemoryBus()
	defer bus.Close()
	a := New(bus, "1000-a", WithChannel("app.one"))
	b := New(bus, "2000-b", WithChannel("app.two"))
	defer a.Close()
	defer b.Close()
	assert.Equal(t, "app.one", a.Channel())

	var got recorder
	b.OnReceive(got.handle)
	a.Send(context.Background(), Envelope{Type: DataChanged})
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, got.count(), "instances on different channels must not see each other")
}

func TestEnvelopeDecodeRejectsEmptyPayload(t *testing.T) {
	env, err := NewEnvelope(PeerDeparted, "1000-a", time.UnixMilli(5), nil)
	require.NoError(t, err)
	var v struct{}
	assert.ErrorIs(t, env.Decode(&v), ErrMalformedEnvelope)
	assert.Equal(t, time.UnixMilli(5), env.Time())
}

func TestEventTypes(t *testing.T) {
	for _, typ := range []EventType{
		PeerAnnounce, PeerDeparted, TimerChanged, SettingsChanged,
		DataChanged, FocusChanged, LockConflict,
	} {
		assert.True(t, typ.Valid(), typ)
	}
	assert.False(t, EventType("reboot").Valid())
	assert.False(t, EventType("").Valid())
}
