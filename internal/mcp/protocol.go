package mcp

import (
	"encoding/json"
	"strings"
)

// notification is the JSON shape of the agent's ready handshake:
// {"type":"notification","method":"ready"}. Any other fields are ignored.
type notification struct {
	Type   string `json:"type"`
	Method string `json:"method"`
}

// readySentinels are plain-text fragments accepted as a readiness signal for
// agents that do not speak JSON.
var readySentinels = []string{"Ready", "Connected"}

// asJSON reports whether line is a JSON object or array, and for objects
// returns it decoded as a notification. Arrays decode to an empty
// notification: they can never be the ready handshake but still count as
// control messages. Bare JSON scalars (quoted strings, numbers) are treated
// as plain text. The JSON attempt deliberately comes first: a conversational
// reply that happens to be valid JSON is treated as a control message, a
// known edge of the protocol kept for compatibility.
func asJSON(line string) (notification, bool) {
	trimmed := strings.TrimSpace(line)
	switch {
	case strings.HasPrefix(trimmed, "{"):
		var n notification
		if err := json.Unmarshal([]byte(trimmed), &n); err != nil {
			return notification{}, false
		}
		return n, true
	case strings.HasPrefix(trimmed, "["):
		return notification{}, json.Valid([]byte(trimmed))
	default:
		return notification{}, false
	}
}

// isReadyNotification reports whether n is the ready handshake.
func isReadyNotification(n notification) bool {
	return n.Type == "notification" && n.Method == "ready"
}

// isReadySentinel reports whether a plain-text line signals readiness.
func isReadySentinel(line string) bool {
	for _, s := range readySentinels {
		if strings.Contains(line, s) {
			return true
		}
	}
	return false
}
