package api

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/punchamoorthee/sessionops/internal/domain"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin checks belong to the fronting auth layer.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// writeWait bounds a single fanout write so one stalled socket cannot back
// up every Publish behind the hub mutex.
const writeWait = 5 * time.Second

// Hub fans engine events out to every connected websocket. It satisfies
// service.EventSink; a slow or dead socket is dropped, never retried.
type Hub struct {
	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

func NewHub() *Hub {
	return &Hub{conns: make(map[*websocket.Conn]struct{})}
}

func (h *Hub) add(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[conn] = struct{}{}
}

func (h *Hub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, conn)
}

// Publish implements service.EventSink.
func (h *Hub) Publish(evt domain.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.conns {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(evt); err != nil {
			zap.L().Debug("event fanout write failed", zap.Error(err))
			delete(h.conns, conn)
			_ = conn.Close()
		}
	}
}

// WebsocketHandler is the realtime presence feed. Each socket counts as one
// connection for the user: opening it registers with the presence tracker,
// closing it (or any read error) deregisters and may start the offline
// debounce.
func (h *Handler) WebsocketHandler(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(r.URL.Query().Get("user_id"), 10, 64)
	if err != nil {
		http.Error(w, "user_id query parameter required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		zap.L().Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	connID := uuid.New().String()
	if err := h.presence.Connect(r.Context(), userID, connID); err != nil {
		zap.L().Warn("presence connect rejected",
			zap.Int64("user_id", userID), zap.Error(err))
		_ = conn.Close()
		return
	}

	h.hub.add(conn)
	defer func() {
		h.hub.remove(conn)
		h.presence.Disconnect(userID, connID)
		_ = conn.Close()
	}()

	// Drain client frames; the socket is server-push only.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
