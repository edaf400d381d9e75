package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/chat-agent-relay/backend/internal/mcp"
	"github.com/chat-agent-relay/backend/internal/session"
	"github.com/chat-agent-relay/backend/internal/ws"
)

// HealthHandler aggregates liveness stats from the three core components.
type HealthHandler struct {
	sessionManager *session.Manager
	supervisor     *mcp.Manager
	broker         *ws.Broker
}

// NewHealthHandler creates a new HealthHandler.
func NewHealthHandler(sessionManager *session.Manager, supervisor *mcp.Manager, broker *ws.Broker) *HealthHandler {
	return &HealthHandler{
		sessionManager: sessionManager,
		supervisor:     supervisor,
		broker:         broker,
	}
}

// Health handles GET /health.
func (h *HealthHandler) Health(c *gin.Context) {
	stats := h.sessionManager.GetStats()

	agents := stats.ActiveAgents
	if h.supervisor != nil {
		agents = h.supervisor.Count()
	}

	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"connections": h.broker.ConnectionCount(),
		"sessions":    stats,
		"agents":      agents,
	})
}
