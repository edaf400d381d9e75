// Package model defines the core domain types shared across the service.
package model

import "time"

// Role identifies the author of a conversation entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ConversationEntry is one turn of the agent-facing conversation window.
type ConversationEntry struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Tokens returns the estimated token cost of the entry. A character-count
// proxy (len/4) is used instead of a real tokenizer; the budget only needs
// to bound memory growth, not bill anyone.
func (e ConversationEntry) Tokens() int {
	return EstimateTokens(e.Content)
}

// EstimateTokens estimates the token count of a text as len(text)/4.
func EstimateTokens(text string) int {
	return len(text) / 4
}

// Session is a chat session and its conversation state. The memory window
// is trimmed against TokenBudget; History is the untrimmed client-facing
// record and is never reduced.
type Session struct {
	ID           string              `json:"id"`
	OwnerID      string              `json:"ownerId,omitempty"`
	CreatedAt    time.Time           `json:"createdAt"`
	LastActivity time.Time           `json:"lastActivity"`
	Memory       []ConversationEntry `json:"-"`
	TokenBudget  int                 `json:"tokenBudget"`
	Tokens       int                 `json:"currentTokens"`
	History      []*Message          `json:"-"`
	MessageCount int                 `json:"messageCount"`
	IsActive     bool                `json:"isActive"`
	HasAgent     bool                `json:"hasAgent"`
}

// SessionInfo is a point-in-time snapshot of a session for API responses.
type SessionInfo struct {
	ID           string    `json:"id"`
	OwnerID      string    `json:"ownerId,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
	TokenBudget  int       `json:"tokenBudget"`
	Tokens       int       `json:"currentTokens"`
	MemoryLen    int       `json:"memoryLength"`
	MessageCount int       `json:"messageCount"`
	IsActive     bool      `json:"isActive"`
	HasAgent     bool      `json:"hasAgent"`
}

// Info returns a snapshot of the session.
func (s *Session) Info() SessionInfo {
	return SessionInfo{
		ID:           s.ID,
		OwnerID:      s.OwnerID,
		CreatedAt:    s.CreatedAt,
		LastActivity: s.LastActivity,
		TokenBudget:  s.TokenBudget,
		Tokens:       s.Tokens,
		MemoryLen:    len(s.Memory),
		MessageCount: s.MessageCount,
		IsActive:     s.IsActive,
		HasAgent:     s.HasAgent,
	}
}
