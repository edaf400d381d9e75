package mcp

// EventType identifies an event emitted by the supervisor.
type EventType string

const (
	// EventClientReady fires when a freshly created client completed the
	// ready handshake and CreateClient is about to return it.
	EventClientReady EventType = "client_ready"

	// EventClientConnected fires when a client's ready signal is observed
	// on stdout, including after an internal restart.
	EventClientConnected EventType = "client_connected"

	// EventTextResponse carries a conversational plain-text line from the
	// agent's stdout. This is the primary output channel.
	EventTextResponse EventType = "text_response"

	// EventMessageReceived carries a JSON control line that is not the
	// ready notification. The payload is the raw line.
	EventMessageReceived EventType = "message_received"

	// EventClientError reports a supervisor-level fault (restart storm,
	// spawn failure during self-heal).
	EventClientError EventType = "client_error"

	// EventClientExited reports that the child process exited.
	EventClientExited EventType = "client_exited"
)

// Event is an agent-process event delivered to the supervisor's sink.
type Event struct {
	Type      EventType
	SessionID string
	Content   string
	ExitCode  int
	Err       error
}

// Sink receives supervisor events. It is injected at construction time;
// the supervisor never reaches into other components' state.
type Sink func(Event)
