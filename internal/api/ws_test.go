package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/punchamoorthee/sessionops/internal/domain"
)

func (h *Hub) size() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

func TestPublishDropsDeadSockets(t *testing.T) {
	hub := NewHub()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		hub.add(conn)
	}))
	t.Cleanup(server.Close)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	hub.Publish(domain.Event{Kind: domain.EventPresenceOnline, UserID: 7})
	var got domain.Event
	if err := client.ReadJSON(&got); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if got.Kind != domain.EventPresenceOnline || got.UserID != 7 {
		t.Fatalf("event = %+v, want presence.online for user 7", got)
	}

	// Tear the client down. Writes to the dead socket fail (possibly after
	// one buffered success) and the hub must shed it rather than keep
	// blocking on it.
	client.Close()
	deadline := time.Now().Add(2 * time.Second)
	for hub.size() > 0 {
		hub.Publish(domain.Event{Kind: domain.EventPresenceOffline, UserID: 7})
		if time.Now().After(deadline) {
			t.Fatalf("dead socket still registered after repeated publishes")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
