package mcp

import (
	"sync"
	"time"
)

// Client is one supervised agent process bound to a session. At most one
// live Client exists per session id; the Manager enforces that.
type Client struct {
	ID        string
	SessionID string

	proc Process

	mu         sync.Mutex
	state      State
	lastPing   time.Time
	errorCount int
	createdAt  time.Time

	// ready is closed when the ready handshake is observed on stdout.
	ready chan struct{}

	// exited is closed when Wait on the process has returned, meaning the
	// OS process is fully reaped.
	exited chan struct{}
}

// ClientInfo is a snapshot of a client for debug endpoints.
type ClientInfo struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"sessionId"`
	PID        int       `json:"pid"`
	State      string    `json:"state"`
	ErrorCount int       `json:"errorCount"`
	LastPing   time.Time `json:"lastPing"`
	CreatedAt  time.Time `json:"createdAt"`
}

// State returns the client's current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// setState attempts a state transition and reports whether it happened.
func (c *Client) setState(to State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !canTransition(c.state, to) {
		return false
	}
	c.state = to
	return true
}

// markReady flips the client into the ready state exactly once.
func (c *Client) markReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateSpawning {
		return false
	}
	c.state = StateReady
	c.lastPing = time.Now()
	close(c.ready)
	return true
}

// Ready reports whether the handshake completed.
func (c *Client) Ready() bool {
	return c.State() == StateReady
}

// touch records activity from or to the process.
func (c *Client) touch() {
	c.mu.Lock()
	c.lastPing = time.Now()
	c.mu.Unlock()
}

// LastPing returns the last time the process sent or received anything.
func (c *Client) LastPing() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPing
}

// incErrors bumps the stderr line counter and returns the new value.
func (c *Client) incErrors() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errorCount++
	return c.errorCount
}

// Info returns a snapshot of the client.
func (c *Client) Info() ClientInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ClientInfo{
		ID:         c.ID,
		SessionID:  c.SessionID,
		PID:        c.proc.PID(),
		State:      c.state.String(),
		ErrorCount: c.errorCount,
		LastPing:   c.lastPing,
		CreatedAt:  c.createdAt,
	}
}
