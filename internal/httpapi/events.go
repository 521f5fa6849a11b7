package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"mediaart.org/internal/obs"
	"mediaart.org/internal/protocol"
)

const wsWriteWait = 10 * time.Second

func (a *API) listEvents(w http.ResponseWriter, r *http.Request) {
	after, limit, ok := paging(w, r)
	if !ok {
		return
	}
	items, err := a.svc.Events(r.Context(), after, limit)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	next := after
	if n := len(items); n > 0 {
		next = items[n-1].Sequence
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items":      nonNil(items),
		"next_after": next,
	})
}

// streamCursor reads the resume point from ?after= or Last-Event-ID.
func streamCursor(r *http.Request) (uint64, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get("after"))
	if raw == "" {
		raw = strings.TrimSpace(r.Header.Get("Last-Event-ID"))
	}
	if raw == "" {
		return 0, true
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	return v, err == nil
}

// kindFilter returns a predicate for ?kind=a,b. Empty means all kinds.
func kindFilter(r *http.Request) func(protocol.Event) bool {
	raw := strings.TrimSpace(r.URL.Query().Get("kind"))
	if raw == "" {
		return func(protocol.Event) bool { return true }
	}
	kinds := strings.Split(raw, ",")
	return func(e protocol.Event) bool { return slices.Contains(kinds, string(e.Kind)) }
}

// streamSSE delivers committed events as Server-Sent Events. The event id is
// the sequence number, so browsers resume with Last-Event-ID.
func (a *API) streamSSE(w http.ResponseWriter, r *http.Request) {
	after, ok := streamCursor(r)
	if !ok {
		badRequest(w, r, "after must be a non-negative integer")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "internal", "streaming unsupported")
		return
	}
	match := kindFilter(r)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	obs.SubscriberDelta(1)
	defer obs.SubscriberDelta(-1)

	ch := a.hub.Subscribe(ctx, after, a.svc)
	heartbeat := time.NewTicker(a.heartbeat)
	defer heartbeat.Stop()

	_, _ = w.Write([]byte(": stream started\n\n"))
	flusher.Flush()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if _, err := w.Write([]byte(": ping\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case event, open := <-ch:
			if !open {
				return
			}
			if !match(event) {
				continue
			}
			payload, err := json.Marshal(event)
			if err != nil {
				continue
			}
			frame := "id: " + strconv.FormatUint(event.Sequence, 10) + "\n" +
				"event: " + string(event.Kind) + "\n" +
				"data: " + string(payload) + "\n\n"
			if _, err := w.Write([]byte(frame)); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// streamWS delivers the same feed over a WebSocket, one JSON event per
// text message. Client messages are ignored; a read error ends the stream.
func (a *API) streamWS(w http.ResponseWriter, r *http.Request) {
	after, ok := streamCursor(r)
	if !ok {
		badRequest(w, r, "after must be a non-negative integer")
		return
	}
	match := kindFilter(r)

	up := upgrader
	up.CheckOrigin = func(req *http.Request) bool {
		origin := req.Header.Get("Origin")
		return origin == "" || isLocalOrigin(origin) || slices.Contains(a.corsOrigins, origin) ||
			strings.EqualFold(strings.TrimPrefix(strings.TrimPrefix(origin, "https://"), "http://"), req.Host)
	}
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	obs.SubscriberDelta(1)
	defer obs.SubscriberDelta(-1)

	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ch := a.hub.Subscribe(ctx, after, a.svc)
	heartbeat := time.NewTicker(a.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(wsWriteWait))
			return
		case <-heartbeat.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case event, open := <-ch:
			if !open {
				return
			}
			if !match(event) {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		}
	}
}
