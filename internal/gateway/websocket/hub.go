// Package websocket provides the WebSocket gateway: UI clients receive
// every sync event and a full-state snapshot on connect.
package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/agentfleet/agentfleet/internal/common/logger"
	v1 "github.com/agentfleet/agentfleet/pkg/api/v1"
)

// FullStateProvider builds the full-sync envelope for a late joiner.
// Backed by the realtime syncer.
type FullStateProvider interface {
	FullState() *v1.SyncEnvelope
}

// Hub manages all WebSocket client connections.
type Hub struct {
	clients map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *v1.SyncEnvelope

	state FullStateProvider

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates a WebSocket hub.
func NewHub(state FullStateProvider, log *logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *v1.SyncEnvelope, 256),
		state:      state,
		logger:     log.WithFields(zap.String("component", "ws_hub")),
	}
}

// Run starts the hub's main processing loop.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("WebSocket hub started")
	defer h.logger.Info("WebSocket hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("Client registered", zap.String("client_id", client.ID))
			h.sendFullSync(client)

		case client := <-h.unregister:
			h.removeClient(client)

		case envelope := <-h.broadcast:
			h.broadcastEnvelope(envelope)
		}
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Broadcast fans a sync envelope out to all connected clients. Wired
// as a sink on the realtime syncer.
func (h *Hub) Broadcast(envelope *v1.SyncEnvelope) {
	select {
	case h.broadcast <- envelope:
	default:
		h.logger.Warn("Hub broadcast buffer full, dropping envelope")
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// sendFullSync delivers the full-state snapshot to one client.
func (h *Hub) sendFullSync(client *Client) {
	if h.state == nil {
		return
	}
	data, err := json.Marshal(h.state.FullState())
	if err != nil {
		h.logger.Error("Failed to marshal full sync", zap.Error(err))
		return
	}
	client.enqueue(data)
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
	h.logger.Debug("Client unregistered", zap.String("client_id", client.ID))
}

func (h *Hub) broadcastEnvelope(envelope *v1.SyncEnvelope) {
	data, err := json.Marshal(envelope)
	if err != nil {
		h.logger.Error("Failed to marshal broadcast envelope", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		select {
		case client.send <- data:
		default:
			// Client buffer full, will be cleaned up by write pump
		}
	}
}
