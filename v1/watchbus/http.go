package watchbus

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
)

// watchRequest subscribes according to the "key" or "prefix" query
// parameter. The returned name is what Unwatch needs.
func watchRequest(ctx context.Context, bus WatchBus, r *http.Request) (string, chan []byte, int, error) {
	q := r.URL.Query()
	if key := q.Get("key"); key != "" {
		ch, err := bus.Watch(ctx, key)
		if err != nil {
			return "", nil, http.StatusInternalServerError, err
		}
		return key, ch, 0, nil
	}
	if prefix := q.Get("prefix"); prefix != "" {
		ch, err := bus.WatchPrefix(ctx, prefix)
		if err != nil {
			return "", nil, http.StatusInternalServerError, err
		}
		return prefix, ch, 0, nil
	}
	return "", nil, http.StatusBadRequest, fmt.Errorf("missing key")
}

func hasTarget(r *http.Request) bool {
	q := r.URL.Query()
	return q.Get("key") != "" || q.Get("prefix") != ""
}

// SSEHandler streams WatchBus events over Server-Sent Events.
// The watched key is taken from the "key" query parameter, or every key
// under the "prefix" query parameter.
func SSEHandler(bus WatchBus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithCancel(r.Context())
		name, ch, status, err := watchRequest(ctx, bus, r)
		if err != nil {
			cancel()
			http.Error(w, err.Error(), status)
			return
		}
		defer func() {
			cancel()
			_ = bus.Unwatch(context.Background(), name, ch)
		}()
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "stream unsupported", http.StatusInternalServerError)
			return
		}
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", msg); err != nil {
					return
				}
				flusher.Flush()
			case <-ctx.Done():
				return
			}
		}
	}
}

var upgrader = websocket.Upgrader{}

// WebSocketHandler streams WatchBus events over WebSocket.
// It accepts the same query parameters as SSEHandler.
func WebSocketHandler(bus WatchBus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !hasTarget(r) {
			http.Error(w, "missing key", http.StatusBadRequest)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		ctx, cancel := context.WithCancel(r.Context())
		name, ch, _, err := watchRequest(ctx, bus, r)
		if err != nil {
			cancel()
			return
		}
		defer func() {
			cancel()
			_ = bus.Unwatch(context.Background(), name, ch)
		}()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}
}
