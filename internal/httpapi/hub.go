package httpapi

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"shiftbeep/internal/metrics"
	"shiftbeep/internal/models"
)

const writeTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The API binds to localhost; overlays connect from file:// pages
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WSMessage is the envelope for everything pushed to websocket clients
type WSMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Hub pushes live alerts and snapshots to connected overlay clients.
// Clients only listen; anything they send is discarded.
type Hub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]bool
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{clients: make(map[*websocket.Conn]bool)}
}

// ServeWS upgrades the request and keeps the connection registered
// until the client goes away
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[Hub] Upgrade failed: %v", err)
		return
	}

	h.mu.Lock()
	h.clients[conn] = true
	count := len(h.clients)
	h.mu.Unlock()
	metrics.WebsocketClients.Store(int64(count))
	log.Printf("[Hub] Client connected from %s (%d total)", r.RemoteAddr, count)

	// Reader loop exists only to notice the close
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	h.remove(conn)
}

// Broadcast sends one message to every connected client. Clients that
// cannot keep up are dropped.
func (h *Hub) Broadcast(messageType string, data interface{}) {
	payload, err := json.Marshal(WSMessage{Type: messageType, Data: data})
	if err != nil {
		log.Printf("[Hub] Failed to marshal %s message: %v", messageType, err)
		return
	}

	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		conns = append(conns, conn)
	}
	h.mu.Unlock()

	for _, conn := range conns {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			log.Printf("[Hub] Dropping slow client: %v", err)
			h.remove(conn)
		}
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects all clients
func (h *Hub) Close() {
	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		conns = append(conns, conn)
	}
	h.clients = make(map[*websocket.Conn]bool)
	h.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}
	metrics.WebsocketClients.Store(0)
}

func (h *Hub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
	}
	count := len(h.clients)
	h.mu.Unlock()

	conn.Close()
	metrics.WebsocketClients.Store(int64(count))
}

// Name implements the alert sink interface
func (h *Hub) Name() string {
	return "websocket"
}

// HandleAlert implements the alert sink interface
func (h *Hub) HandleAlert(ctx context.Context, event models.AlertEvent) error {
	h.Broadcast("alert", event)
	return nil
}
