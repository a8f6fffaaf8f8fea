package presets

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	natsserver "github.com/nats-io/nats-server/v2/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mirkobrombin/go-huddle/v1/config"
	"github.com/mirkobrombin/go-huddle/v1/coord"
	"github.com/mirkobrombin/go-huddle/v1/syncbus"
)

func startNode(t *testing.T, n *Node) {
	t.Helper()
	require.NoError(t, n.Start(context.Background()))
	t.Cleanup(func() { _ = n.Close(context.Background()) })
}

func waitDiscovery(t *testing.T, nodes ...*Node) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, n := range nodes {
			if len(n.ActivePeers()) != len(nodes) {
				return false
			}
		}
		return true
	}, 3*time.Second, 10*time.Millisecond)
}

func TestNewStandalone(t *testing.T) {
	n, err := NewStandalone()
	require.NoError(t, err)
	startNode(t, n)

	assert.True(t, n.IsPrimary())
	assert.False(t, n.Stats().TransportAvailable)
	assert.True(t, n.Acquire(context.Background(), "timer", 0))
}

func TestNewStandaloneInvalidConfig(t *testing.T) {
	_, err := NewStandalone(coord.WithInstanceTimeout(time.Second))
	assert.ErrorIs(t, err, coord.ErrInvalidConfig)
}

func TestNewInProcessSharesBus(t *testing.T) {
	bus := syncbus.NewInMemoryBus()
	defer bus.Close()
	a, err := NewInProcess(bus)
	require.NoError(t, err)
	b, err := NewInProcess(bus)
	require.NoError(t, err)
	startNode(t, a)
	startNode(t, b)

	waitDiscovery(t, a, b)
	assert.NotEqual(t, a.IsPrimary(), b.IsPrimary())
	assert.True(t, bus.IsHealthy(), "in-process nodes do not own the bus")
}

func TestNewRedis(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	a, err := NewRedis(RedisOptions{Addr: mr.Addr()})
	require.NoError(t, err)
	b, err := NewRedis(RedisOptions{Addr: mr.Addr()})
	require.NoError(t, err)
	startNode(t, a)
	startNode(t, b)

	waitDiscovery(t, a, b)
	ctx := context.Background()
	require.True(t, a.Acquire(ctx, "timer", time.Minute))
	require.Eventually(t, func() bool {
		l, ok := b.Lease("timer")
		return ok && l.HolderID == a.InstanceID()
	}, 3*time.Second, 10*time.Millisecond)
	assert.False(t, b.Acquire(ctx, "timer", time.Minute))
}

func TestNewNATS(t *testing.T) {
	s := natsserver.RunRandClientPortServer()
	defer s.Shutdown()

	a, err := NewNATS(s.ClientURL())
	require.NoError(t, err)
	b, err := NewNATS(s.ClientURL())
	require.NoError(t, err)
	startNode(t, a)
	startNode(t, b)

	waitDiscovery(t, a, b)
	require.NoError(t, a.Close(context.Background()))
	require.Eventually(t, func() bool { return len(b.ActivePeers()) == 1 }, 3*time.Second, 10*time.Millisecond)
}

func TestNewNATSUnreachable(t *testing.T) {
	_, err := NewNATS("nats://127.0.0.1:1")
	assert.Error(t, err)
}

func TestFromConfig(t *testing.T) {
	cfg := config.Default()
	n, err := FromConfig(cfg, zap.NewNop())
	require.NoError(t, err)
	startNode(t, n)
	assert.Nil(t, n.Bus)
	assert.Equal(t, cfg.Coord(), n.Config())

	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	cfg.Backend = config.BackendRedis
	cfg.Redis.Addr = mr.Addr()
	n, err = FromConfig(cfg, zap.NewNop())
	require.NoError(t, err)
	startNode(t, n)
	_, isBreaker := n.Bus.(*syncbus.CircuitBreakerBus)
	assert.True(t, isBreaker)
	assert.True(t, n.Stats().TransportAvailable)

	cfg.Backend = "smoke-signals"
	_, err = FromConfig(cfg, zap.NewNop())
	assert.ErrorIs(t, err, config.ErrUnknownBackend)
}
