package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/chat-agent-relay/backend/internal/ws"
)

// WebSocketHandler exposes the broker's upgrade endpoint.
type WebSocketHandler struct {
	broker *ws.Broker
	log    *logrus.Entry
}

// NewWebSocketHandler creates a new WebSocketHandler.
func NewWebSocketHandler(broker *ws.Broker, log *logrus.Entry) *WebSocketHandler {
	return &WebSocketHandler{broker: broker, log: log}
}

// Connect handles GET /ws - upgrades and services the connection until it
// closes.
func (h *WebSocketHandler) Connect(c *gin.Context) {
	if err := h.broker.HandleConnection(c.Writer, c.Request); err != nil {
		h.log.WithError(err).Warn("websocket connection failed")
	}
}

// Connections handles GET /connections - enumerable debug snapshot.
func (h *WebSocketHandler) Connections(c *gin.Context) {
	c.JSON(200, gin.H{"connections": h.broker.List()})
}
