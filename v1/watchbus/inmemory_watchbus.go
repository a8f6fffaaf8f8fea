package watchbus

import (
	"context"
	"strings"
	"sync"
)

const watchBuffer = 16

// InMemoryWatchBus is an in-memory implementation of WatchBus. Slow
// watchers miss messages rather than blocking publishers.
type InMemoryWatchBus struct {
	mu       sync.Mutex
	subs     map[string][]chan []byte
	prefixes map[string][]chan []byte
}

// NewInMemory creates a new InMemoryWatchBus.
func NewInMemory() *InMemoryWatchBus {
	return &InMemoryWatchBus{
		subs:     make(map[string][]chan []byte),
		prefixes: make(map[string][]chan []byte),
	}
}

// Publish sends data to all watchers of key.
func (b *InMemoryWatchBus) Publish(ctx context.Context, key string, data []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	// Sends happen under the lock so Unwatch never closes a channel mid-send.
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[key] {
		offer(ch, data)
	}
	for prefix, chans := range b.prefixes {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		for _, ch := range chans {
			offer(ch, data)
		}
	}
	return nil
}

func offer(ch chan []byte, data []byte) {
	select {
	case ch <- data:
	default:
	}
}

// Watch subscribes to key and returns a channel receiving messages.
func (b *InMemoryWatchBus) Watch(ctx context.Context, key string) (chan []byte, error) {
	return b.watch(ctx, b.subs, key)
}

// WatchPrefix subscribes to every key starting with prefix.
func (b *InMemoryWatchBus) WatchPrefix(ctx context.Context, prefix string) (chan []byte, error) {
	return b.watch(ctx, b.prefixes, prefix)
}

func (b *InMemoryWatchBus) watch(ctx context.Context, set map[string][]chan []byte, key string) (chan []byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	ch := make(chan []byte, watchBuffer)
	b.mu.Lock()
	set[key] = append(set[key], ch)
	b.mu.Unlock()
	go func() {
		<-ctx.Done()
		_ = b.Unwatch(context.Background(), key, ch)
	}()
	return ch, nil
}

// Unwatch removes the channel from key or prefix watchers and closes it.
func (b *InMemoryWatchBus) Unwatch(ctx context.Context, key string, ch chan []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if !remove(b.subs, key, ch) {
		remove(b.prefixes, key, ch)
	}
	return nil
}

func remove(set map[string][]chan []byte, key string, ch chan []byte) bool {
	subs := set[key]
	found := false
	for i, c := range subs {
		if c == ch {
			subs[i] = subs[len(subs)-1]
			subs = subs[:len(subs)-1]
			set[key] = subs
			close(c)
			found = true
			break
		}
	}
	if len(subs) == 0 {
		delete(set, key)
	}
	return found
}

// watchers returns how many channels watch key, prefix watchers included.
func (b *InMemoryWatchBus) watchers(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[key]) + len(b.prefixes[key])
}
