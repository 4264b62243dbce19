package websocket

import (
	"net/http"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentfleet/agentfleet/internal/common/ident"
	"github.com/agentfleet/agentfleet/internal/common/logger"
)

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler handles WebSocket connection upgrades.
type Handler struct {
	hub       *Hub
	heartbeat HeartbeatSink
	ids       ident.Source
	logger    *logger.Logger
}

// NewHandler creates a WebSocket handler. heartbeat may be nil.
func NewHandler(hub *Hub, heartbeat HeartbeatSink, ids ident.Source, log *logger.Logger) *Handler {
	return &Handler{
		hub:       hub,
		heartbeat: heartbeat,
		ids:       ids,
		logger:    log.WithFields(zap.String("component", "ws_handler")),
	}
}

// HandleConnection upgrades HTTP to WebSocket and runs the pumps. The
// new client receives a full-sync snapshot on registration.
func (h *Handler) HandleConnection(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade connection", zap.Error(err))
		return
	}

	clientID := h.ids.NewID()
	h.logger.Debug("WebSocket connection established",
		zap.String("client_id", clientID),
		zap.String("remote_addr", c.Request.RemoteAddr))

	client := NewClient(clientID, conn, h.hub, h.heartbeat, h.logger)
	h.hub.Register(client)

	go client.WritePump()
	client.ReadPump(c.Request.Context())
}
