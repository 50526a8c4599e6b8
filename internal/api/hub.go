package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"strokesense/internal/storage"
)

// writeWait bounds each broadcast write so one stalled client cannot
// hold the hub lock indefinitely.
const writeWait = 5 * time.Second

// LiveMetrics is the gauge surface the hub reports client counts to.
type LiveMetrics interface {
	LiveClientsAdd(float64)
}

// Hub fans completed predictions out to connected websocket clients.
// Slow clients are dropped rather than allowed to stall the broadcast.
type Hub struct {
	upgrader websocket.Upgrader
	metrics  LiveMetrics

	mu      sync.Mutex
	clients map[*websocket.Conn]bool
	closed  bool
}

// NewHub creates an empty live-feed hub. metrics may be nil.
func NewHub(metrics LiveMetrics) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		metrics:  metrics,
		clients:  make(map[*websocket.Conn]bool),
	}
}

// Broadcast sends one prediction to every connected client. Safe to
// call concurrently with connects and disconnects.
func (h *Hub) Broadcast(pred storage.Prediction) {
	data, err := json.Marshal(pred)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal prediction for live feed")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for conn := range h.clients {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			conn.Close()
			h.remove(conn)
		}
	}
}

// handleLive upgrades the connection and parks it until the client
// disconnects. Clients only receive; inbound messages are drained to
// detect closure.
func (h *Hub) handleLive(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("failed to upgrade live-feed connection")
		return
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[conn] = true
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.LiveClientsAdd(1)
	}

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	conn.Close()
	h.mu.Lock()
	if h.clients[conn] {
		h.remove(conn)
	}
	h.mu.Unlock()
}

// remove deletes a client and updates the gauge. Caller holds mu.
func (h *Hub) remove(conn *websocket.Conn) {
	delete(h.clients, conn)
	if h.metrics != nil {
		h.metrics.LiveClientsAdd(-1)
	}
}

// Close disconnects every client and rejects new connections.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for conn := range h.clients {
		conn.Close()
		h.remove(conn)
	}
}
