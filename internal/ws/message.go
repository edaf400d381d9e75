package ws

import (
	"time"

	"github.com/chat-agent-relay/backend/internal/model"
)

// MessageType is the discriminator on every WebSocket frame.
type MessageType string

const (
	// Client -> Server message types
	TypeJoinChat    MessageType = "join_chat"
	TypeChatMessage MessageType = "chat_message"
	TypeLeaveChat   MessageType = "leave_chat"

	// Server -> Client message types
	TypeJoined         MessageType = "joined"
	TypeSessionCreated MessageType = "session_created"
	TypeChatResponse   MessageType = "chat_response"
	TypeError          MessageType = "error"
	TypeLeft           MessageType = "left"
)

// Message is the WebSocket wire envelope in both directions.
type Message struct {
	Type      MessageType    `json:"type"`
	SessionID string         `json:"sessionId,omitempty"`
	UserID    string         `json:"userId,omitempty"`
	Content   string         `json:"content,omitempty"`
	Message   *model.Message `json:"message,omitempty"`
	Code      string         `json:"code,omitempty"`
	Error     string         `json:"error,omitempty"`
	Timestamp string         `json:"timestamp,omitempty"`
}

// stamped returns the message with its timestamp set to now (ISO-8601).
func stamped(msg Message) Message {
	msg.Timestamp = time.Now().UTC().Format(time.RFC3339)
	return msg
}

// errorMessage builds an error reply from a taxonomy error. Clients see the
// stable code and a human-readable message, never internal detail.
func errorMessage(err error, detail string) Message {
	if detail == "" {
		detail = err.Error()
	}
	return stamped(Message{
		Type:  TypeError,
		Code:  model.ErrorCode(err),
		Error: detail,
	})
}
