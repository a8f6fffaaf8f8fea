package registry

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.UnixMilli(1_700_000_000_000)

func at(ms int) time.Time {
	return epoch.Add(time.Duration(ms) * time.Millisecond)
}

func TestRegisterSelfKeepsRegistrationTime(t *testing.T) {
	r := New("self", 15*time.Second)
	first := r.RegisterSelf(at(0), true)
	assert.Equal(t, at(0), first.RegisteredAt)
	assert.True(t, first.Foreground)

	again := r.RegisterSelf(at(500), false)
	assert.Equal(t, at(0), again.RegisteredAt)
	assert.Equal(t, at(500), again.LastHeartbeat)
	assert.False(t, again.Foreground)
	assert.Len(t, r.LivePeers(at(500)), 1)
}

func TestHeartbeatRefreshesSelf(t *testing.T) {
	r := New("self", 15*time.Second)
	r.RegisterSelf(at(0), false)
	hb := r.Heartbeat(at(5000), true)
	assert.Equal(t, at(5000), hb.LastHeartbeat)
	assert.True(t, hb.Foreground)

	r.SetTimer(TimerSnapshot{Running: true, Duration: time.Minute})
	self, ok := r.Self()
	require.True(t, ok)
	assert.True(t, self.Timer.Running)

	assert.False(t, r.SetForeground(true))
	assert.True(t, r.SetForeground(false))
}

func TestUpsertUsesReceiverClock(t *testing.T) {
	r := New("self", 15*time.Second)
	r.RegisterSelf(at(0), true)

	isNew := r.Upsert(Instance{ID: "peer", RegisteredAt: at(1000), LastHeartbeat: at(999999)}, at(2000))
	assert.True(t, isNew)
	p, ok := r.Get("peer")
	require.True(t, ok)
	assert.Equal(t, at(2000), p.LastHeartbeat)

	isNew = r.Upsert(Instance{ID: "peer", RegisteredAt: at(5000), Foreground: true}, at(3000))
	assert.False(t, isNew)
	p, _ = r.Get("peer")
	assert.Equal(t, at(1000), p.RegisteredAt, "registration time is immutable")
	assert.True(t, p.Foreground)

	assert.False(t, r.Upsert(Instance{ID: "self", RegisteredAt: at(-1)}, at(3000)))
	self, _ := r.Self()
	assert.Equal(t, at(0), self.RegisteredAt)
}

func TestTouchAndRemove(t *testing.T) {
	r := New("self", 15*time.Second)
	r.RegisterSelf(at(0), true)
	assert.False(t, r.Touch("ghost", at(100)))
	r.Upsert(Instance{ID: "peer", RegisteredAt: at(1)}, at(100))
	assert.True(t, r.Touch("peer", at(900)))
	p, _ := r.Get("peer")
	assert.Equal(t, at(900), p.LastHeartbeat)

	removed, ok := r.Remove("peer")
	require.True(t, ok)
	assert.Equal(t, "peer", removed.ID)
	_, ok = r.Remove("peer")
	assert.False(t, ok)
	_, ok = r.Remove("self")
	assert.False(t, ok, "self cannot be removed")
}

func TestReapExpiredBoundary(t *testing.T) {
	r := New("self", 15*time.Second)
	r.RegisterSelf(at(0), true)
	r.Upsert(Instance{ID: "b", RegisteredAt: at(1)}, at(1000))
	r.Upsert(Instance{ID: "a", RegisteredAt: at(2)}, at(1000))
	r.Upsert(Instance{ID: "c", RegisteredAt: at(3)}, at(5000))

	assert.Empty(t, r.ReapExpired(at(16000)), "exactly timeout is still live")

	reaped := r.ReapExpired(at(16001))
	require.Len(t, reaped, 2)
	assert.Equal(t, "a", reaped[0].ID)
	assert.Equal(t, "b", reaped[1].ID)
	_, ok := r.Get("a")
	assert.False(t, ok)
	_, ok = r.Get("c")
	assert.True(t, ok)

	// self is never reaped even with a stale heartbeat.
	reaped = r.ReapExpired(at(100000))
	require.Len(t, reaped, 1)
	assert.Equal(t, "c", reaped[0].ID)
	_, ok = r.Self()
	assert.True(t, ok)
}

func TestLivePeersOrder(t *testing.T) {
	r := New("m", 15*time.Second)
	r.RegisterSelf(at(100), true)
	r.Upsert(Instance{ID: "z", RegisteredAt: at(0)}, at(100))
	r.Upsert(Instance{ID: "b", RegisteredAt: at(100)}, at(100))

	peers := r.LivePeers(at(100))
	require.Len(t, peers, 3)
	assert.Equal(t, []string{"z", "b", "m"}, []string{peers[0].ID, peers[1].ID, peers[2].ID})
}

func TestReturnedRecordsAreCopies(t *testing.T) {
	r := New("self", time.Second)
	r.RegisterSelf(at(0), true)
	self, _ := r.Self()
	self.Foreground = false
	again, _ := r.Self()
	assert.True(t, again.Foreground)
}

func TestUpdatePeer(t *testing.T) {
	r := New("self", time.Second)
	r.RegisterSelf(at(0), true)
	assert.False(t, r.Update("peer", func(in *Instance) { in.Foreground = true }))
	r.Upsert(Instance{ID: "peer", RegisteredAt: at(1)}, at(1))
	assert.True(t, r.Update("peer", func(in *Instance) {
		in.Timer = TimerSnapshot{Running: true}
		in.ID = "hijack"
	}))
	p, ok := r.Get("peer")
	require.True(t, ok)
	assert.True(t, p.Timer.Running)
	assert.Equal(t, "peer", p.ID)
}

func TestLivePeersHidesExpiredBeforeReap(t *testing.T) {
	r := New("self", 15*time.Second)
	r.RegisterSelf(at(0), true)
	r.Upsert(Instance{ID: "peer", RegisteredAt: at(1000)}, at(1000))
	for i := 0; i < 3; i++ {
		r.Upsert(Instance{ID: fmt.Sprintf("extra-%d", i), RegisteredAt: at(2000 + i)}, at(10000))
	}
	assert.Len(t, r.LivePeers(at(10000)), 5)

	live := r.LivePeers(at(16001))
	require.Len(t, live, 4, "peer silent past the timeout is no longer live")
	assert.Equal(t, "self", live[0].ID)
	_, stored := r.Get("peer")
	assert.True(t, stored, "record stays stored until reaped")

	// Self stays live without heartbeats; the others expire after the window.
	live = r.LivePeers(at(60000))
	require.Len(t, live, 1)
	assert.Equal(t, "self", live[0].ID)
}
