package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirkobrombin/go-huddle/v1/coord"
	"github.com/mirkobrombin/go-huddle/v1/metrics"
	"github.com/mirkobrombin/go-huddle/v1/presets"
	"github.com/mirkobrombin/go-huddle/v1/watchbus"
)

func newServer(t *testing.T) (*httptest.Server, *presets.Node) {
	t.Helper()
	wb := watchbus.NewInMemory()
	node, err := presets.NewStandalone(coord.WithWatchBus(wb))
	require.NoError(t, err)
	require.NoError(t, node.Start(context.Background()))
	reg := metrics.NewRegistry()
	metrics.RegisterCoreMetrics(reg)
	srv := httptest.NewServer(routes(node, wb, reg))
	t.Cleanup(func() {
		srv.Close()
		_ = node.Close(context.Background())
	})
	return srv, node
}

func TestStatsEndpoint(t *testing.T) {
	srv, node := newServer(t)
	resp, err := http.Get(srv.URL + "/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var stats coord.Stats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Equal(t, node.InstanceID(), stats.InstanceID)
	assert.Equal(t, 1, stats.TotalInstances)
	assert.True(t, stats.IsPrimary)
}

func TestLockEndpoints(t *testing.T) {
	srv, node := newServer(t)

	resp, err := http.Post(srv.URL+"/locks/timer?lease=30s", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"timer"}, node.HeldLocks())

	resp, err = http.Post(srv.URL+"/locks/timer?lease=soon", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/locks/timer", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Empty(t, node.HeldLocks())
}

func TestMetricsEndpoint(t *testing.T) {
	srv, node := newServer(t)
	node.Acquire(context.Background(), "timer", 0)

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "huddle_lock_acquire_total")
}

func TestParseLease(t *testing.T) {
	d, err := parseLease("")
	require.NoError(t, err)
	assert.Zero(t, d)
	_, err = parseLease("x")
	assert.Error(t, err)
}
