package ws

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is one WebSocket connection tracked by the broker. A connection
// binds to at most one session at a time; many connections may bind to the
// same session.
type Conn struct {
	ID string

	sock *websocket.Conn
	send chan []byte

	mu           sync.Mutex
	closed       bool
	sessionID    string
	userID       string
	alive        bool
	connectedAt  time.Time
	lastActivity time.Time
}

// ConnInfo is a snapshot of a connection for debug endpoints.
type ConnInfo struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"sessionId,omitempty"`
	UserID       string    `json:"userId,omitempty"`
	Alive        bool      `json:"alive"`
	ConnectedAt  time.Time `json:"connectedAt"`
	LastActivity time.Time `json:"lastActivity"`
}

func newConn(id string, sock *websocket.Conn) *Conn {
	now := time.Now()
	return &Conn{
		ID:           id,
		sock:         sock,
		send:         make(chan []byte, 256),
		alive:        true,
		connectedAt:  now,
		lastActivity: now,
	}
}

// Send queues raw bytes for delivery. A connection whose buffer is full is
// closed rather than allowed to block the broadcaster.
func (c *Conn) Send(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	select {
	case c.send <- data:
	default:
		c.closeLocked()
	}
}

// SendMessage marshals and queues a wire message.
func (c *Conn) SendMessage(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.Send(data)
}

// Close closes the send channel. Idempotent.
func (c *Conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *Conn) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// IsClosed reports whether the connection has been closed.
func (c *Conn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// SessionID returns the bound session id, or "" when unbound.
func (c *Conn) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// bind associates the connection with a session (or clears it with "").
func (c *Conn) bind(sessionID, userID string) {
	c.mu.Lock()
	c.sessionID = sessionID
	if userID != "" {
		c.userID = userID
	}
	c.mu.Unlock()
}

// UserID returns the bound user id, or "".
func (c *Conn) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// touch records inbound activity.
func (c *Conn) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// setAlive flips the heartbeat flag.
func (c *Conn) setAlive(v bool) {
	c.mu.Lock()
	c.alive = v
	c.mu.Unlock()
}

// Alive reports the heartbeat flag.
func (c *Conn) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alive
}

// Info returns a snapshot of the connection.
func (c *Conn) Info() ConnInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ConnInfo{
		ID:           c.ID,
		SessionID:    c.sessionID,
		UserID:       c.userID,
		Alive:        c.alive,
		ConnectedAt:  c.connectedAt,
		LastActivity: c.lastActivity,
	}
}
