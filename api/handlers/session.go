// Package handlers provides HTTP API request handlers.
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/chat-agent-relay/backend/internal/model"
	"github.com/chat-agent-relay/backend/internal/repository"
	"github.com/chat-agent-relay/backend/internal/session"
)

// SessionHandler serves session debug snapshots, in-memory history, and the
// archived transcript.
type SessionHandler struct {
	sessionManager *session.Manager
	archive        *repository.MessageRepository
}

// NewSessionHandler creates a new SessionHandler.
func NewSessionHandler(sessionManager *session.Manager, archive *repository.MessageRepository) *SessionHandler {
	return &SessionHandler{
		sessionManager: sessionManager,
		archive:        archive,
	}
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error details.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func sendError(c *gin.Context, status int, code, message string) {
	c.JSON(status, ErrorResponse{Error: ErrorDetail{Code: code, Message: message}})
}

// RegisterRoutes registers session routes on the router group.
func (h *SessionHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/sessions", h.List)
	rg.GET("/sessions/:id", h.Get)
	rg.GET("/sessions/:id/messages", h.Messages)
	rg.GET("/sessions/:id/transcript", h.Transcript)
	rg.DELETE("/sessions/:id", h.Destroy)
}

// List handles GET /api/sessions - enumerable debug snapshot.
func (h *SessionHandler) List(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": h.sessionManager.ListSessions()})
}

// Get handles GET /api/sessions/:id.
func (h *SessionHandler) Get(c *gin.Context) {
	info, err := h.sessionManager.GetSession(c.Param("id"))
	if err != nil {
		if errors.Is(err, model.ErrSessionNotFound) {
			sendError(c, http.StatusNotFound, model.CodeSessionNotFound, "session not found")
			return
		}
		sendError(c, http.StatusInternalServerError, model.CodeInternal, "failed to get session")
		return
	}
	c.JSON(http.StatusOK, info)
}

// Messages handles GET /api/sessions/:id/messages - the untrimmed in-memory
// history used for client replay after reconnect.
func (h *SessionHandler) Messages(c *gin.Context) {
	msgs, err := h.sessionManager.GetMessages(c.Param("id"))
	if err != nil {
		if errors.Is(err, model.ErrSessionNotFound) {
			sendError(c, http.StatusNotFound, model.CodeSessionNotFound, "session not found")
			return
		}
		sendError(c, http.StatusInternalServerError, model.CodeInternal, "failed to get messages")
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// Transcript handles GET /api/sessions/:id/transcript - the archived record,
// readable even after the session is destroyed.
func (h *SessionHandler) Transcript(c *gin.Context) {
	if h.archive == nil {
		sendError(c, http.StatusNotFound, model.CodeInternal, "archive not configured")
		return
	}

	msgs, err := h.archive.ListBySession(c.Request.Context(), c.Param("id"))
	if err != nil {
		sendError(c, http.StatusInternalServerError, model.CodeInternal, "failed to read transcript")
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// Destroy handles DELETE /api/sessions/:id. Destroying an unknown session
// is a no-op, mirroring the manager's idempotence.
func (h *SessionHandler) Destroy(c *gin.Context) {
	h.sessionManager.DestroySession(c.Param("id"))
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
