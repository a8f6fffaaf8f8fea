// Package watchbus fans coordination events out to local viewers such as
// dashboards. Keys follow the "events:<type>" convention used by the
// coordinator, so watching the "events:" prefix streams everything.
package watchbus

import "context"

// KeyPrefix is the prefix of every key the coordinator mirrors to.
const KeyPrefix = "events:"

// Key returns the watch key for an event type.
func Key(eventType string) string {
	return KeyPrefix + eventType
}

// WatchBus provides a simple message bus for streaming events.
// Clients can publish messages to a key and watch for updates.
type WatchBus interface {
	// Publish sends the given data to all watchers of key and to every
	// prefix watcher whose prefix matches key.
	Publish(ctx context.Context, key string, data []byte) error
	// Watch subscribes to messages for key. Returned channel receives
	// message payloads until the context is canceled or Unwatch is called.
	Watch(ctx context.Context, key string) (chan []byte, error)
	// WatchPrefix subscribes to all messages for keys that have the given prefix.
	WatchPrefix(ctx context.Context, prefix string) (chan []byte, error)
	// Unwatch stops delivering messages for key (or prefix) to ch.
	Unwatch(ctx context.Context, key string, ch chan []byte) error
}
