// Package events broadcasts cluster status changes to connected WebSocket clients,
// the same register/unregister/broadcast hub shape used for a filesystem-stats
// stream, adapted here to carry HA decisions instead.
package events

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"haguard/internal/ha"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Message is one broadcast unit: a decision made for a given member at a given time.
type Message struct {
	Time   time.Time `json:"time"`
	Member string    `json:"member"`
	State  string    `json:"state"`
	Leader string    `json:"leader,omitempty"`
	Action string    `json:"action"`
}

// Hub tracks connected subscribers and fans decisions out to all of them. A slow or
// stuck subscriber is dropped rather than allowed to block the broadcaster.
type Hub struct {
	mu          sync.Mutex
	subscribers map[*websocket.Conn]chan Message
	log         *zap.Logger
}

// NewHub returns an empty Hub.
func NewHub(log *zap.Logger) *Hub {
	return &Hub{subscribers: make(map[*websocket.Conn]chan Message), log: log}
}

// ServeHTTP upgrades the request to a WebSocket and streams broadcast messages to
// it until the connection closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("events: websocket upgrade failed", zap.Error(err))
		return
	}

	ch := make(chan Message, 16)
	h.mu.Lock()
	h.subscribers[conn] = ch
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.subscribers, conn)
		h.mu.Unlock()
		conn.Close()
	}()

	for msg := range ch {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

// Broadcast pushes a decision to every connected subscriber. Subscribers whose
// buffer is full are disconnected instead of blocking the tick loop.
func (h *Hub) Broadcast(member string, st ha.Status) {
	msg := Message{Time: time.Now(), Member: member, State: string(st.State), Leader: st.Leader, Action: st.Action}

	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, ch := range h.subscribers {
		select {
		case ch <- msg:
		default:
			h.log.Warn("events: dropping slow subscriber")
			delete(h.subscribers, conn)
			close(ch)
			conn.Close()
		}
	}
}

// MarshalMessage is exposed for tests/CLI that want to inspect wire format without
// standing up a real WebSocket connection.
func MarshalMessage(m Message) ([]byte, error) {
	return json.Marshal(m)
}
