package coord

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/mirkobrombin/go-huddle/v1/registry"
	"github.com/mirkobrombin/go-huddle/v1/syncbus"
)

const (
	waitFor = 2 * time.Second
	poll    = 5 * time.Millisecond
)

// partitionBus silently swallows publishes while cut, as if the instance
// had crashed or lost the channel.
type partitionBus struct {
	syncbus.Bus
	cut atomic.Bool
}

func (p *partitionBus) Publish(ctx context.Context, topic string, data []byte) error {
	if p.cut.Load() {
		return nil
	}
	return p.Bus.Publish(ctx, topic, data)
}

type node struct {
	*Coordinator
	link *partitionBus
}

func newNode(t *testing.T, bus syncbus.Bus, clk clock.Clock, opts ...Option) node {
	t.Helper()
	link := &partitionBus{Bus: bus}
	c, err := New(link, append([]Option{WithClock(clk)}, opts...)...)
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { _ = c.Cleanup(context.Background()) })
	return node{Coordinator: c, link: link}
}

func ids(peers []registry.Instance) []string {
	out := make([]string, len(peers))
	for i, p := range peers {
		out[i] = p.ID
	}
	return out
}

func waitPeers(t *testing.T, n int, nodes ...node) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, nd := range nodes {
			if len(nd.ActivePeers()) != n {
				return false
			}
		}
		return true
	}, waitFor, poll)
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) record(evt Event) {
	l.mu.Lock()
	l.events = append(l.events, evt)
	l.mu.Unlock()
}

func (l *eventLog) all() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

func (l *eventLog) find(match func(Event) bool) (Event, bool) {
	for _, evt := range l.all() {
		if match(evt) {
			return evt, true
		}
	}
	return Event{}, false
}
