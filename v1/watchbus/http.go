package watchbus

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
)

// subscribe resolves the watch target from the query string: "resource" for
// a single resource, "prefix" for every resource under a prefix (an empty
// prefix follows all of them).
func subscribe(ctx context.Context, bus WatchBus, r *http.Request) (string, chan []byte, int, error) {
	q := r.URL.Query()
	if res := q.Get("resource"); res != "" {
		ch, err := bus.Watch(ctx, res)
		if err != nil {
			return "", nil, http.StatusInternalServerError, err
		}
		return res, ch, 0, nil
	}
	if q.Has("prefix") {
		prefix := q.Get("prefix")
		ch, err := bus.WatchPrefix(ctx, prefix)
		if err != nil {
			return "", nil, http.StatusInternalServerError, err
		}
		return prefix, ch, 0, nil
	}
	return "", nil, http.StatusBadRequest, fmt.Errorf("missing resource or prefix")
}

// SSEHandler streams lock events over Server-Sent Events.
func SSEHandler(bus WatchBus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithCancel(r.Context())
		key, ch, status, err := subscribe(ctx, bus, r)
		if err != nil {
			cancel()
			http.Error(w, err.Error(), status)
			return
		}
		defer func() {
			cancel()
			_ = bus.Unwatch(context.Background(), key, ch)
		}()
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "stream unsupported", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		flusher.Flush()
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

// WebSocketHandler streams lock events over WebSocket, one text message per
// event.
func WebSocketHandler(bus WatchBus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("resource") == "" && !q.Has("prefix") {
			http.Error(w, "missing resource or prefix", http.StatusBadRequest)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		ctx, cancel := context.WithCancel(r.Context())
		key, ch, _, err := subscribe(ctx, bus, r)
		if err != nil {
			cancel()
			return
		}
		defer func() {
			cancel()
			_ = bus.Unwatch(context.Background(), key, ch)
		}()
		// Drain client frames so a closed connection cancels the stream.
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					cancel()
					return
				}
			}
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
