package websocket

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentfleet/agentfleet/internal/common/logger"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 64 * 1024
)

// clientRequest is the inbound message shape from a UI client.
type clientRequest struct {
	Action  string `json:"action"`
	AgentID string `json:"agent_id,omitempty"`
}

// HeartbeatSink receives client-relayed agent heartbeats. Backed by
// the realtime syncer.
type HeartbeatSink interface {
	Heartbeat(agentID string) error
}

// Client represents a single WebSocket connection.
type Client struct {
	ID        string
	conn      *websocket.Conn
	hub       *Hub
	heartbeat HeartbeatSink
	send      chan []byte
	logger    *logger.Logger
}

// NewClient creates a WebSocket client.
func NewClient(id string, conn *websocket.Conn, hub *Hub, heartbeat HeartbeatSink, log *logger.Logger) *Client {
	return &Client{
		ID:        id,
		conn:      conn,
		hub:       hub,
		heartbeat: heartbeat,
		send:      make(chan []byte, 256),
		logger:    log.WithFields(zap.String("client_id", id)),
	}
}

// enqueue drops the payload when the client's buffer is full.
func (c *Client) enqueue(data []byte) {
	select {
	case c.send <- data:
	default:
		c.logger.Warn("Client send buffer full")
	}
}

// ReadPump pumps messages from the WebSocket connection to the hub.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket read error", zap.Error(err))
			}
			break
		}

		var req clientRequest
		if err := json.Unmarshal(message, &req); err != nil {
			c.logger.Error("Failed to parse message", zap.Error(err))
			c.sendError("Invalid message format")
			continue
		}
		c.handleRequest(&req)
	}
}

// handleRequest processes one inbound client message.
func (c *Client) handleRequest(req *clientRequest) {
	switch req.Action {
	case "sync.refresh":
		c.hub.sendFullSync(c)

	case "agent.heartbeat":
		if req.AgentID == "" {
			c.sendError("agent_id is required")
			return
		}
		if c.heartbeat == nil {
			return
		}
		if err := c.heartbeat.Heartbeat(req.AgentID); err != nil {
			c.sendError(err.Error())
		}

	default:
		c.logger.Debug("Unknown action", zap.String("action", req.Action))
		c.sendError("Unknown action: " + req.Action)
	}
}

func (c *Client) sendError(message string) {
	data, err := json.Marshal(map[string]any{"type": "error", "message": message})
	if err != nil {
		return
	}
	c.enqueue(data)
}

// WritePump pumps messages from the hub to the WebSocket connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Batch additional queued messages
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
