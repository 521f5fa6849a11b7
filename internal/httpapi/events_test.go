package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"mediaart.org/internal/protocol"
)

func TestSSEDeliversBacklogThenLive(t *testing.T) {
	c := newTestAPI(t)
	c.mint("alice")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/events/stream?after=0", nil)
	resp, err := c.client.Do(req)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	frames := make(chan map[string]string, 8)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		frame := map[string]string{}
		for sc.Scan() {
			line := sc.Text()
			if line == "" {
				if len(frame) > 0 {
					frames <- frame
					frame = map[string]string{}
				}
				continue
			}
			if strings.HasPrefix(line, ":") {
				continue
			}
			k, v, _ := strings.Cut(line, ": ")
			frame[k] = v
		}
		close(frames)
	}()

	next := func() map[string]string {
		t.Helper()
		select {
		case f, ok := <-frames:
			if !ok {
				t.Fatal("stream closed")
			}
			return f
		case <-ctx.Done():
			t.Fatal("timed out waiting for event")
		}
		return nil
	}

	first := next()
	if first["id"] != "1" || first["event"] != string(protocol.EventTransfer) {
		t.Fatalf("unexpected backlog frame: %v", first)
	}

	c.mint("bob")
	second := next()
	if second["id"] != "2" {
		t.Fatalf("unexpected live frame: %v", second)
	}
	var event protocol.Event
	if err := json.Unmarshal([]byte(second["data"]), &event); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if event.To != "bob" || event.Sequence != 2 {
		t.Fatalf("unexpected event: %+v", event)
	}
}

func TestWebSocketStreamResumesAfterCursor(t *testing.T) {
	c := newTestAPI(t)
	c.mint("alice")
	c.mint("alice")

	url := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/v1/events/ws?after=1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var event protocol.Event
	if err := conn.ReadJSON(&event); err != nil {
		t.Fatalf("read: %v", err)
	}
	if event.Sequence != 2 {
		t.Fatalf("expected to resume at sequence 2, got %d", event.Sequence)
	}

	c.mint("carol")
	if err := conn.ReadJSON(&event); err != nil {
		t.Fatalf("read live: %v", err)
	}
	if event.Sequence != 3 || event.To != "carol" {
		t.Fatalf("unexpected live event: %+v", event)
	}
}

func TestStreamRejectsBadCursor(t *testing.T) {
	c := newTestAPI(t)
	expectError(t, c.do(http.MethodGet, "/v1/events/stream?after=-1", "", nil), http.StatusBadRequest, "invalid_input")
}
