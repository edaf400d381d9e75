package session

import "github.com/chat-agent-relay/backend/internal/model"

// EventType identifies an event emitted by the session manager.
type EventType string

const (
	EventSessionCreated   EventType = "session_created"
	EventSessionDestroyed EventType = "session_destroyed"
	EventMessageAdded     EventType = "message_added"
	EventMCPResponse      EventType = "mcp_response"
	EventMCPError         EventType = "mcp_error"
	EventSessionError     EventType = "session_error"
)

// Event is delivered to the broker over the Events channel.
type Event struct {
	Type      EventType
	SessionID string
	Session   *model.SessionInfo
	Message   *model.Message
	Err       error
}
