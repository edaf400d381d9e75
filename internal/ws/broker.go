// Package ws is the connection broker: it multiplexes WebSocket clients
// onto sessions, enforces per-connection rate limits, detects dead peers
// with a two-tick heartbeat, and fans session events out to every
// connection bound to the originating session.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/chat-agent-relay/backend/internal/model"
	"github.com/chat-agent-relay/backend/internal/ratelimit"
	"github.com/chat-agent-relay/backend/internal/session"
)

const (
	// writeWait bounds a single write to the peer.
	writeWait = 10 * time.Second

	// contentEscapeFactor bounds how much JSON escaping can inflate the
	// content on the wire (worst case \uXXXX, 6 bytes per character).
	contentEscapeFactor = 6

	// envelopeOverhead is slack on the read limit for the JSON envelope
	// around the content.
	envelopeOverhead = 1024
)

// SessionService is the slice of the session manager the broker uses.
type SessionService interface {
	CreateSession(ctx context.Context, ownerID string) (model.SessionInfo, error)
	AddMessage(ctx context.Context, sessionID, text string, role model.Role, userID string) (*model.Message, error)
	Has(sessionID string) bool
	Events() <-chan session.Event
}

// Config holds broker configuration.
type Config struct {
	MaxMessageLength  int
	RateLimitMax      int
	RateLimitWindow   time.Duration
	HeartbeatInterval time.Duration
	AllowedOrigins    []string
}

// Broker owns the connection map. Connections are registered on upgrade and
// removed on socket close, read error, or failed heartbeat.
type Broker struct {
	sessions SessionService
	limiter  *ratelimit.Limiter
	cfg      Config
	log      *logrus.Entry
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	conns map[string]*Conn

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewBroker creates a broker, starts its heartbeat loop, and starts
// consuming session events for broadcast.
func NewBroker(sessions SessionService, cfg Config, log *logrus.Entry) *Broker {
	if cfg.MaxMessageLength == 0 {
		cfg.MaxMessageLength = 10000
	}
	if cfg.RateLimitMax == 0 {
		cfg.RateLimitMax = 30
	}
	if cfg.RateLimitWindow == 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}

	b := &Broker{
		sessions: sessions,
		limiter:  ratelimit.New(cfg.RateLimitMax, cfg.RateLimitWindow),
		cfg:      cfg,
		log:      log,
		conns:    make(map[string]*Conn),
		stopCh:   make(chan struct{}),
	}

	b.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     b.checkOrigin,
	}

	go b.eventLoop()
	if cfg.HeartbeatInterval > 0 {
		go b.heartbeatLoop()
	}

	return b
}

// checkOrigin allows any origin when no allow-list is configured (dev mode).
func (b *Broker) checkOrigin(r *http.Request) bool {
	if len(b.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range b.cfg.AllowedOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}

// HandleConnection upgrades the HTTP request and services the connection
// until it closes. Intended to be called from the HTTP handler goroutine.
func (b *Broker) HandleConnection(w http.ResponseWriter, r *http.Request) error {
	sock, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("websocket upgrade failed: %w", err)
	}

	c := newConn(uuid.New().String(), sock)

	sock.SetPongHandler(func(string) error {
		c.setAlive(true)
		c.touch()
		return nil
	})
	// The read limit only guards against abuse far beyond the content
	// ceiling. Over-length content inside the limit gets an INVALID_MESSAGE
	// reply; the connection stays open.
	sock.SetReadLimit(int64(b.cfg.MaxMessageLength*contentEscapeFactor + envelopeOverhead))

	b.mu.Lock()
	b.conns[c.ID] = c
	b.mu.Unlock()

	b.log.WithField("conn_id", c.ID).Debug("connection opened")

	go b.writePump(c)
	b.readPump(c)
	return nil
}

// readPump consumes frames from one peer in arrival order.
func (b *Broker) readPump(c *Conn) {
	defer b.teardown(c)

	for {
		_, data, err := c.sock.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				b.log.WithField("conn_id", c.ID).WithError(err).Debug("read error")
			}
			return
		}
		c.touch()

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.SendMessage(errorMessage(model.ErrInvalidMessage, "malformed message"))
			continue
		}

		b.dispatch(c, &msg)
	}
}

// writePump delivers queued frames to one peer, each in its own frame.
func (b *Broker) writePump(c *Conn) {
	defer c.sock.Close()

	for data := range c.send {
		c.sock.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.sock.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}

	c.sock.SetWriteDeadline(time.Now().Add(writeWait))
	c.sock.WriteMessage(websocket.CloseMessage, []byte{})
}

// dispatch routes one inbound message. Unknown types get an error reply;
// the connection stays open.
func (b *Broker) dispatch(c *Conn, msg *Message) {
	switch msg.Type {
	case TypeJoinChat:
		b.handleJoin(c, msg)
	case TypeChatMessage:
		b.handleChat(c, msg)
	case TypeLeaveChat:
		c.bind("", "")
		c.SendMessage(stamped(Message{Type: TypeLeft}))
	default:
		c.SendMessage(errorMessage(model.ErrInvalidMessage, "unknown message type"))
	}
}

// handleJoin binds the connection to an existing session, creating one when
// the supplied id is absent or unknown. Joining does not replay history;
// clients fetch it from the history endpoint.
func (b *Broker) handleJoin(c *Conn, msg *Message) {
	sessionID := msg.SessionID

	if sessionID == "" || !b.sessions.Has(sessionID) {
		info, err := b.sessions.CreateSession(context.Background(), msg.UserID)
		if err != nil {
			c.SendMessage(errorMessage(model.ErrInternal, "failed to create session"))
			return
		}
		sessionID = info.ID
		c.SendMessage(stamped(Message{Type: TypeSessionCreated, SessionID: sessionID, UserID: msg.UserID}))
	}

	c.bind(sessionID, msg.UserID)
	c.SendMessage(stamped(Message{Type: TypeJoined, SessionID: sessionID}))
}

// handleChat validates, rate-limits, and forwards one chat message. The
// acknowledgment the sender sees is the message_added broadcast; the
// agent's reply arrives later as another chat_response.
func (b *Broker) handleChat(c *Conn, msg *Message) {
	sessionID := msg.SessionID
	if sessionID == "" {
		sessionID = c.SessionID()
	}
	if sessionID == "" || msg.Content == "" {
		c.SendMessage(errorMessage(model.ErrInvalidMessage, "sessionId and content are required"))
		return
	}
	if len(msg.Content) > b.cfg.MaxMessageLength {
		c.SendMessage(errorMessage(model.ErrInvalidMessage,
			fmt.Sprintf("message exceeds maximum length of %d", b.cfg.MaxMessageLength)))
		return
	}

	if !b.limiter.Allow(c.ID) {
		c.SendMessage(errorMessage(model.ErrRateLimitExceeded, "too many messages, slow down"))
		return
	}

	userID := msg.UserID
	if userID == "" {
		userID = c.UserID()
	}

	if _, err := b.sessions.AddMessage(context.Background(), sessionID, msg.Content, model.RoleUser, userID); err != nil {
		if errors.Is(err, model.ErrSessionNotFound) {
			c.SendMessage(errorMessage(err, "session not found"))
			return
		}
		c.SendMessage(errorMessage(model.ErrInternal, "failed to add message"))
	}
}

// eventLoop fans session events out to bound connections. This is simple
// broadcast, not a queue: a connection that is not open at broadcast time
// misses the event and relies on the history endpoint.
func (b *Broker) eventLoop() {
	for {
		select {
		case <-b.stopCh:
			return
		case ev, ok := <-b.sessions.Events():
			if !ok {
				return
			}
			if msg, relevant := eventToMessage(ev); relevant {
				b.broadcast(ev.SessionID, msg)
			}
		}
	}
}

// eventToMessage maps a session event onto the wire vocabulary.
func eventToMessage(ev session.Event) (Message, bool) {
	switch ev.Type {
	case session.EventMessageAdded, session.EventMCPResponse:
		return stamped(Message{Type: TypeChatResponse, SessionID: ev.SessionID, Message: ev.Message}), true
	case session.EventSessionCreated:
		return stamped(Message{Type: TypeSessionCreated, SessionID: ev.SessionID}), true
	case session.EventSessionDestroyed:
		return stamped(Message{Type: TypeLeft, SessionID: ev.SessionID}), true
	case session.EventMCPError, session.EventSessionError:
		return stamped(Message{Type: TypeError, SessionID: ev.SessionID, Code: model.CodeMCPConnectionFailed, Error: "agent error"}), true
	default:
		return Message{}, false
	}
}

// broadcast sends msg to every live connection bound to sessionID.
func (b *Broker) broadcast(sessionID string, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	b.mu.RLock()
	targets := make([]*Conn, 0)
	for _, c := range b.conns {
		if c.SessionID() == sessionID && !c.IsClosed() {
			targets = append(targets, c)
		}
	}
	b.mu.RUnlock()

	for _, c := range targets {
		c.Send(data)
	}
}

// heartbeatLoop is a two-tick dead-peer detector: each tick tears down
// connections that never ponged since the previous tick, then marks the
// rest not-alive and pings them. One missed heartbeat is tolerated, two
// consecutive ones are not.
func (b *Broker) heartbeatLoop() {
	ticker := time.NewTicker(b.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.mu.RLock()
			conns := make([]*Conn, 0, len(b.conns))
			for _, c := range b.conns {
				conns = append(conns, c)
			}
			b.mu.RUnlock()

			for _, c := range conns {
				if !c.Alive() {
					b.log.WithField("conn_id", c.ID).Info("heartbeat failed, closing connection")
					b.teardown(c)
					continue
				}
				c.setAlive(false)
				c.sock.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			}
		}
	}
}

// teardown removes the connection and discards its rate-limit state.
// Idempotent; called from the read pump, the heartbeat, and Close.
func (b *Broker) teardown(c *Conn) {
	b.mu.Lock()
	_, ok := b.conns[c.ID]
	delete(b.conns, c.ID)
	b.mu.Unlock()

	b.limiter.Forget(c.ID)
	c.Close()
	c.sock.Close()

	if ok {
		b.log.WithField("conn_id", c.ID).Debug("connection closed")
	}
}

// ConnectionCount returns the number of tracked connections.
func (b *Broker) ConnectionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.conns)
}

// List returns snapshots of all tracked connections.
func (b *Broker) List() []ConnInfo {
	b.mu.RLock()
	conns := make([]*Conn, 0, len(b.conns))
	for _, c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.RUnlock()

	infos := make([]ConnInfo, 0, len(conns))
	for _, c := range conns {
		infos = append(infos, c.Info())
	}
	return infos
}

// Close stops the heartbeat and event loops and tears down every
// connection.
func (b *Broker) Close() {
	b.stopOnce.Do(func() {
		close(b.stopCh)
	})

	b.mu.Lock()
	conns := make([]*Conn, 0, len(b.conns))
	for _, c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	for _, c := range conns {
		b.teardown(c)
	}
}
