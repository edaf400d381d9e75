package session

import (
	"slices"

	"github.com/chat-agent-relay/backend/internal/model"
)

// trimSlack is the share of the budget the trimmed window may occupy. The
// remaining 20% is reserved for the next turn.
const trimSlack = 0.8

// appendMemory appends one entry to the session's conversation window and
// enforces the token budget. The client-facing history is never touched
// here; only the agent-facing window is bounded.
func appendMemory(s *model.Session, entry model.ConversationEntry) {
	s.Memory = append(s.Memory, entry)
	s.Tokens += entry.Tokens()

	if s.Tokens > s.TokenBudget {
		trimMemory(s)
	}
}

// trimMemory rebuilds the window as system entries (always kept) followed by
// the most recent non-system entries whose running token total fits within
// trimSlack of the budget. Recency order is preserved within each partition,
// and the token counter is reset to the accumulated total of the walk.
func trimMemory(s *model.Session) {
	target := int(float64(s.TokenBudget) * trimSlack)

	var system, rest []model.ConversationEntry
	for _, e := range s.Memory {
		if e.Role == model.RoleSystem {
			system = append(system, e)
		} else {
			rest = append(rest, e)
		}
	}

	total := 0
	kept := make([]model.ConversationEntry, 0, len(rest))
	for i := len(rest) - 1; i >= 0; i-- {
		t := rest[i].Tokens()
		if total+t > target {
			break
		}
		total += t
		kept = append(kept, rest[i])
	}
	slices.Reverse(kept)

	s.Memory = append(system, kept...)
	s.Tokens = total
}
