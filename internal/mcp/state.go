package mcp

// State is the lifecycle state of a supervised client.
type State int

const (
	// StateSpawning means the process is started but has not reported ready.
	StateSpawning State = iota

	// StateReady means the ready handshake completed and messages may flow.
	StateReady

	// StateRestarting means the old process is being reaped before respawn.
	StateRestarting

	// StateDestroyed is terminal: the client was torn down explicitly.
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateSpawning:
		return "spawning"
	case StateReady:
		return "ready"
	case StateRestarting:
		return "restarting"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// canTransition reports whether moving from one state to another is legal.
// StateDestroyed is terminal; every non-terminal state may enter restarting
// or destroyed.
func canTransition(from, to State) bool {
	if from == StateDestroyed {
		return false
	}
	switch to {
	case StateReady:
		return from == StateSpawning
	case StateSpawning:
		return from == StateRestarting
	case StateRestarting, StateDestroyed:
		return true
	default:
		return false
	}
}
