package model

import "time"

// MessageStatus marks whether a message reached its destination.
type MessageStatus string

const (
	// MessageStatusDelivered means the message was recorded and, when
	// applicable, forwarded to the session's agent.
	MessageStatusDelivered MessageStatus = "delivered"

	// MessageStatusError means the message was recorded but forwarding to
	// the agent failed. The message stays in history so a human can retry.
	MessageStatusError MessageStatus = "error"
)

// Message is a delivered chat message as seen by clients.
type Message struct {
	ID        string        `json:"id"`
	SessionID string        `json:"sessionId"`
	UserID    string        `json:"userId,omitempty"`
	Role      Role          `json:"role"`
	Content   string        `json:"content"`
	Status    MessageStatus `json:"status"`
	CreatedAt time.Time     `json:"createdAt"`
}
