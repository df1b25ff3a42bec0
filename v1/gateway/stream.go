package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	derrors "github.com/mirkobrombin/go-distributed/v1/errors"
)

var upgrader = websocket.Upgrader{}

// waitEventSSE blocks until the event is set, then sends a single "set"
// message over Server-Sent Events.
func (g *Gateway) waitEventSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "stream unsupported", http.StatusInternalServerError)
		return
	}
	e, err := g.client.Event(r.Context(), r.PathValue("key"))
	if err != nil {
		g.fail(w, err)
		return
	}
	id := uuid.NewString()
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Stream-Id", id)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	set, err := e.Wait(r.Context())
	if err != nil {
		if r.Context().Err() == nil {
			slog.Warn("distributed: event wait failed", "stream", id, "key", e.StoreKey(), "error", err)
		}
		return
	}
	if set {
		if _, err := fmt.Fprintf(w, "id: %s\ndata: set\n\n", id); err != nil {
			return
		}
		flusher.Flush()
	}
}

// waitEventWebSocket is waitEventSSE over WebSocket.
func (g *Gateway) waitEventWebSocket(w http.ResponseWriter, r *http.Request) {
	e, err := g.client.Event(r.Context(), r.PathValue("key"))
	if err != nil {
		g.fail(w, err)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	ctx, cancel := watchClose(r.Context(), conn)
	defer cancel()

	set, err := e.Wait(ctx)
	if err != nil {
		if ctx.Err() == nil {
			slog.Warn("distributed: event wait failed", "key", e.StoreKey(), "error", err)
		}
		return
	}
	if set {
		_ = conn.WriteMessage(websocket.TextMessage, []byte("set"))
	}
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// streamQueue dequeues items and writes their wire text as WebSocket text
// messages until the connection closes.
func (g *Gateway) streamQueue(w http.ResponseWriter, r *http.Request) {
	q, err := g.client.Queue(r.Context(), r.PathValue("key"))
	if err != nil {
		g.fail(w, err)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	ctx, cancel := watchClose(r.Context(), conn)
	defer cancel()

	id := uuid.NewString()
	slog.Debug("distributed: queue stream opened", "stream", id, "key", q.StoreKey())
	defer slog.Debug("distributed: queue stream closed", "stream", id, "key", q.StoreKey())
	for ctx.Err() == nil {
		item, err := q.Get(ctx, true, g.streamPoll)
		if errors.Is(err, derrors.ErrEmpty) {
			continue
		}
		if err != nil {
			if ctx.Err() == nil {
				slog.Warn("distributed: queue stream failed", "stream", id, "key", q.StoreKey(), "error", err)
			}
			return
		}
		text, err := g.client.Dumps(item)
		if err != nil {
			slog.Warn("distributed: queue stream encode failed", "stream", id, "error", err)
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
			// TODO: push the item back to the head of the queue once the store
			// exposes LPUSH; today it is lost when the client goes away here.
			slog.Warn("distributed: queue stream write failed", "stream", id, "error", err)
			return
		}
	}
}

// watchClose returns a context cancelled when the peer closes conn. The
// server side never reads application messages from these sockets.
func watchClose(parent context.Context, conn *websocket.Conn) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	return ctx, cancel
}
