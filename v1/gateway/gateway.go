// Package gateway exposes the distributed primitives over HTTP. Bodies use the
// same wire text as the codec, so tagged envelopes travel unchanged between
// HTTP clients and processes using the primitives directly.
//
// Routes:
//
//	POST   /counters/{key}/increment  increment, returns {"value": n}
//	POST   /queues/{key}              enqueue the body
//	GET    /queues/{key}              dequeue; ?block=true&timeout=5s, 204 when empty
//	GET    /queues/{key}/size         returns {"size": n}
//	GET    /queues/{key}/stream       WebSocket stream of dequeued items
//	GET    /events/{key}              returns {"set": bool}
//	PUT    /events/{key}              set
//	DELETE /events/{key}              clear
//	GET    /events/{key}/wait         Server-Sent Events, one "set" message
//	GET    /events/{key}/ws           WebSocket, one "set" message
//	GET    /locks/{key}               returns {"locked": bool}
package gateway

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/mirkobrombin/go-distributed/v1/distributed"
	derrors "github.com/mirkobrombin/go-distributed/v1/errors"
)

// maxBody bounds the size of an enqueued item.
const maxBody = 1 << 20

// Gateway serves the primitives of a Client.
type Gateway struct {
	client *distributed.Client
	mux    *http.ServeMux
	// streamPoll bounds each blocking dequeue of a queue stream so the stream
	// notices a closed connection.
	streamPoll time.Duration
}

// New returns a Gateway over c.
func New(c *distributed.Client) *Gateway {
	g := &Gateway{client: c, mux: http.NewServeMux(), streamPoll: time.Second}
	g.mux.HandleFunc("POST /counters/{key}/increment", g.incrementCounter)
	g.mux.HandleFunc("POST /queues/{key}", g.putQueue)
	g.mux.HandleFunc("GET /queues/{key}", g.getQueue)
	g.mux.HandleFunc("GET /queues/{key}/size", g.queueSize)
	g.mux.HandleFunc("GET /queues/{key}/stream", g.streamQueue)
	g.mux.HandleFunc("GET /events/{key}", g.eventState)
	g.mux.HandleFunc("PUT /events/{key}", g.setEvent)
	g.mux.HandleFunc("DELETE /events/{key}", g.clearEvent)
	g.mux.HandleFunc("GET /events/{key}/wait", g.waitEventSSE)
	g.mux.HandleFunc("GET /events/{key}/ws", g.waitEventWebSocket)
	g.mux.HandleFunc("GET /locks/{key}", g.lockState)
	return g
}

// ServeHTTP implements http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.mux.ServeHTTP(w, r)
}

func (g *Gateway) writeValue(w http.ResponseWriter, status int, v any) {
	text, err := g.client.Dumps(v)
	if err != nil {
		g.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, text)
}

func (g *Gateway) fail(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, derrors.ErrDecode):
		status = http.StatusBadRequest
	case errors.Is(err, derrors.ErrLockTimeout):
		status = http.StatusConflict
	default:
		slog.Error("distributed: gateway request failed", "error", err)
	}
	http.Error(w, err.Error(), status)
}

func (g *Gateway) incrementCounter(w http.ResponseWriter, r *http.Request) {
	c, err := g.client.Counter(r.Context(), r.PathValue("key"))
	if err != nil {
		g.fail(w, err)
		return
	}
	n, err := c.Increment(r.Context())
	if err != nil {
		g.fail(w, err)
		return
	}
	g.writeValue(w, http.StatusOK, map[string]any{"value": n})
}

func (g *Gateway) putQueue(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	item, err := g.client.Loads(string(body))
	if err != nil {
		g.fail(w, err)
		return
	}
	q, err := g.client.Queue(r.Context(), r.PathValue("key"))
	if err != nil {
		g.fail(w, err)
		return
	}
	if err := q.Put(r.Context(), item); err != nil {
		g.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) getQueue(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	block, _ := strconv.ParseBool(query.Get("block"))
	var timeout time.Duration
	if raw := query.Get("timeout"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			http.Error(w, "invalid timeout", http.StatusBadRequest)
			return
		}
		timeout = d
	}
	q, err := g.client.Queue(r.Context(), r.PathValue("key"))
	if err != nil {
		g.fail(w, err)
		return
	}
	item, err := q.Get(r.Context(), block, timeout)
	if errors.Is(err, derrors.ErrEmpty) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		g.fail(w, err)
		return
	}
	g.writeValue(w, http.StatusOK, item)
}

func (g *Gateway) queueSize(w http.ResponseWriter, r *http.Request) {
	q, err := g.client.Queue(r.Context(), r.PathValue("key"))
	if err != nil {
		g.fail(w, err)
		return
	}
	n, err := q.Qsize(r.Context())
	if err != nil {
		g.fail(w, err)
		return
	}
	g.writeValue(w, http.StatusOK, map[string]any{"size": n})
}

func (g *Gateway) eventState(w http.ResponseWriter, r *http.Request) {
	e, err := g.client.Event(r.Context(), r.PathValue("key"))
	if err != nil {
		g.fail(w, err)
		return
	}
	set, err := e.IsSet(r.Context())
	if err != nil {
		g.fail(w, err)
		return
	}
	g.writeValue(w, http.StatusOK, map[string]any{"set": set})
}

func (g *Gateway) setEvent(w http.ResponseWriter, r *http.Request) {
	e, err := g.client.Event(r.Context(), r.PathValue("key"))
	if err != nil {
		g.fail(w, err)
		return
	}
	if err := e.Set(r.Context()); err != nil {
		g.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) clearEvent(w http.ResponseWriter, r *http.Request) {
	e, err := g.client.Event(r.Context(), r.PathValue("key"))
	if err != nil {
		g.fail(w, err)
		return
	}
	if err := e.Clear(r.Context()); err != nil {
		g.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) lockState(w http.ResponseWriter, r *http.Request) {
	l, err := g.client.Lock(r.Context(), r.PathValue("key"))
	if err != nil {
		g.fail(w, err)
		return
	}
	locked, stale, err := l.Locked(r.Context())
	if err != nil {
		g.fail(w, err)
		return
	}
	g.writeValue(w, http.StatusOK, map[string]any{"locked": locked, "stale": stale})
}
