// Package session manages chat sessions: conversation memory with bounded
// token retention, untrimmed message history for client replay, and the
// lifecycle of the per-session agent process.
package session

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/chat-agent-relay/backend/internal/mcp"
	"github.com/chat-agent-relay/backend/internal/model"
	"github.com/chat-agent-relay/backend/internal/transcript"
)

// Supervisor is the narrow slice of the process supervisor the session
// manager depends on. A nil Supervisor means sessions run without agent
// capability.
type Supervisor interface {
	CreateClient(ctx context.Context, sessionID string) (*mcp.Client, error)
	SendMessage(sessionID, text string) error
	DestroyClient(sessionID string) error
}

// Archive persists delivered messages for post-hoc transcript reads. It is
// append-only; sessions themselves are never persisted or restored.
type Archive interface {
	AppendMessage(ctx context.Context, msg *model.Message) error
}

// Config holds session manager configuration.
type Config struct {
	TokenBudget   int
	MaxInactive   time.Duration
	MaxAge        time.Duration
	SweepInterval time.Duration

	// TranscriptDir enables per-session JSONL transcripts when non-empty.
	TranscriptDir string
}

// Manager owns all session records. It is the single writer of the session
// map; other components interact through its methods and the event channel.
type Manager struct {
	sup     Supervisor
	archive Archive
	cfg     Config
	log     *logrus.Entry

	mu       sync.RWMutex
	sessions map[string]*sessionState

	events   chan Event
	stopCh   chan struct{}
	stopOnce sync.Once
}

type sessionState struct {
	session    *model.Session
	transcript *transcript.Writer
}

// NewManager creates a session manager and starts its sweep loop.
func NewManager(sup Supervisor, archive Archive, cfg Config, log *logrus.Entry) *Manager {
	if cfg.TokenBudget == 0 {
		cfg.TokenBudget = 4000
	}
	if cfg.MaxInactive == 0 {
		cfg.MaxInactive = time.Hour
	}
	if cfg.MaxAge == 0 {
		cfg.MaxAge = 24 * time.Hour
	}
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}

	m := &Manager{
		sup:      sup,
		archive:  archive,
		cfg:      cfg,
		log:      log,
		sessions: make(map[string]*sessionState),
		events:   make(chan Event, 256),
		stopCh:   make(chan struct{}),
	}

	if cfg.SweepInterval > 0 {
		go m.sweepLoop()
	}

	return m
}

// Events returns the outbound event stream. The channel is buffered and
// events are dropped (with a log line) if the consumer falls far behind;
// delivery is best-effort by design.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// CreateSession allocates a new session and tries to attach an agent to it.
// A failed agent acquisition is non-fatal: the session still exists, just
// without agent capability.
func (m *Manager) CreateSession(ctx context.Context, ownerID string) (model.SessionInfo, error) {
	now := time.Now()
	sess := &model.Session{
		ID:           uuid.New().String(),
		OwnerID:      ownerID,
		CreatedAt:    now,
		LastActivity: now,
		TokenBudget:  m.cfg.TokenBudget,
		IsActive:     true,
	}

	if m.sup != nil {
		if _, err := m.sup.CreateClient(ctx, sess.ID); err != nil {
			m.log.WithField("session_id", sess.ID).WithError(err).Warn("session created without agent")
		} else {
			sess.HasAgent = true
		}
	}

	state := &sessionState{session: sess}
	if m.cfg.TranscriptDir != "" {
		path := filepath.Join(m.cfg.TranscriptDir, sess.ID+".jsonl")
		tw, err := transcript.New(path, sess.ID)
		if err != nil {
			m.log.WithField("session_id", sess.ID).WithError(err).Warn("transcript disabled for session")
		} else {
			state.transcript = tw
		}
	}

	m.mu.Lock()
	m.sessions[sess.ID] = state
	m.mu.Unlock()

	info := sess.Info()
	m.log.WithFields(logrus.Fields{"session_id": sess.ID, "owner_id": ownerID, "has_agent": sess.HasAgent}).Info("session created")
	m.emit(Event{Type: EventSessionCreated, SessionID: sess.ID, Session: &info})

	return info, nil
}

// GetSession returns a snapshot of the session and touches its activity
// timestamp.
func (m *Manager) GetSession(id string) (model.SessionInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.sessions[id]
	if !ok {
		return model.SessionInfo{}, model.ErrSessionNotFound
	}
	state.session.LastActivity = time.Now()
	return state.session.Info(), nil
}

// Has reports whether the session exists, without touching it.
func (m *Manager) Has(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.sessions[id]
	return ok
}

// GetMessages returns the session's full delivered-message history. The
// history is never trimmed; this is the replay source for clients.
func (m *Manager) GetMessages(id string) ([]*model.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	state, ok := m.sessions[id]
	if !ok {
		return nil, model.ErrSessionNotFound
	}

	msgs := make([]*model.Message, len(state.session.History))
	copy(msgs, state.session.History)
	return msgs, nil
}

// AddMessage records a message on the session and, for user messages with
// an attached agent, forwards the text to the agent. A forwarding failure
// marks the message status "error" but the message stays recorded.
func (m *Manager) AddMessage(ctx context.Context, sessionID, text string, role model.Role, userID string) (*model.Message, error) {
	return m.addMessage(ctx, sessionID, text, role, userID, EventMessageAdded)
}

// addMessage is the shared append path. Agent responses arrive here with
// EventMCPResponse so each message produces exactly one outbound event.
func (m *Manager) addMessage(ctx context.Context, sessionID, text string, role model.Role, userID string, evType EventType) (*model.Message, error) {
	m.mu.Lock()
	state, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return nil, model.ErrSessionNotFound
	}

	now := time.Now()
	msg := &model.Message{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		UserID:    userID,
		Role:      role,
		Content:   text,
		Status:    model.MessageStatusDelivered,
		CreatedAt: now,
	}

	sess := state.session
	sess.History = append(sess.History, msg)
	sess.MessageCount++
	sess.LastActivity = now
	appendMemory(sess, model.ConversationEntry{Role: role, Content: text, Timestamp: now})
	hasAgent := sess.HasAgent
	tw := state.transcript
	m.mu.Unlock()

	if role == model.RoleUser && hasAgent && m.sup != nil {
		if err := m.sup.SendMessage(sessionID, text); err != nil {
			m.mu.Lock()
			msg.Status = model.MessageStatusError
			m.mu.Unlock()
			m.log.WithField("session_id", sessionID).WithError(err).Error("failed to forward message to agent")
		}
	}

	if tw != nil {
		if err := tw.Append(msg); err != nil {
			m.log.WithField("session_id", sessionID).WithError(err).Warn("transcript append failed")
		}
	}
	if m.archive != nil {
		if err := m.archive.AppendMessage(ctx, msg); err != nil {
			m.log.WithField("session_id", sessionID).WithError(err).Warn("archive append failed")
		}
	}

	m.emit(Event{Type: evType, SessionID: sessionID, Message: msg})
	return msg, nil
}

// DestroySession tears down the session's agent and removes the session and
// its history. Calling it for an unknown id is a no-op.
func (m *Manager) DestroySession(id string) {
	m.mu.Lock()
	state, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	if !ok {
		return
	}

	// DestroyClient is an idempotent no-op for sessions without an agent,
	// and it also reaps an instance the supervisor may track even though
	// the attach was reported failed.
	if m.sup != nil {
		if err := m.sup.DestroyClient(id); err != nil {
			m.log.WithField("session_id", id).WithError(err).Warn("agent teardown failed")
		}
	}
	if state.transcript != nil {
		state.transcript.Close()
	}

	m.log.WithField("session_id", id).Info("session destroyed")
	m.emit(Event{Type: EventSessionDestroyed, SessionID: id})
}

// Sweep destroys every session that has been inactive or alive for too
// long. This is the only mechanism bounding total session count.
func (m *Manager) Sweep() int {
	now := time.Now()

	m.mu.RLock()
	expired := make([]string, 0)
	for id, state := range m.sessions {
		s := state.session
		if now.Sub(s.LastActivity) > m.cfg.MaxInactive || now.Sub(s.CreatedAt) > m.cfg.MaxAge {
			expired = append(expired, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range expired {
		m.log.WithField("session_id", id).Info("sweeping expired session")
		m.DestroySession(id)
	}
	return len(expired)
}

// HandleAgentEvent is the sink wired into the process supervisor at
// construction time. Agent text responses become assistant messages.
func (m *Manager) HandleAgentEvent(ev mcp.Event) {
	switch ev.Type {
	case mcp.EventTextResponse:
		_, err := m.addMessage(context.Background(), ev.SessionID, ev.Content, model.RoleAssistant, "", EventMCPResponse)
		if err != nil {
			m.log.WithField("session_id", ev.SessionID).WithError(err).Warn("dropped agent response for unknown session")
		}
	case mcp.EventMessageReceived:
		// Control messages are not conversational output; log and move on.
		m.log.WithField("session_id", ev.SessionID).Debug("agent control message: " + ev.Content)
	case mcp.EventClientConnected, mcp.EventClientReady:
		m.log.WithField("session_id", ev.SessionID).Info("agent connected")
	case mcp.EventClientExited:
		m.log.WithFields(logrus.Fields{"session_id": ev.SessionID, "exit_code": ev.ExitCode}).Warn("agent exited")
	case mcp.EventClientError:
		m.emit(Event{Type: EventMCPError, SessionID: ev.SessionID, Err: ev.Err})
	}
}

// ListSessions returns snapshots of all sessions.
func (m *Manager) ListSessions() []model.SessionInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	infos := make([]model.SessionInfo, 0, len(m.sessions))
	for _, state := range m.sessions {
		infos = append(infos, state.session.Info())
	}
	return infos
}

// Stats summarizes session state for the health endpoint.
type Stats struct {
	Sessions      int `json:"sessions"`
	ActiveAgents  int `json:"activeAgents"`
	TotalMessages int `json:"totalMessages"`
}

// GetStats returns aggregate session statistics.
func (m *Manager) GetStats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var st Stats
	st.Sessions = len(m.sessions)
	for _, state := range m.sessions {
		if state.session.HasAgent {
			st.ActiveAgents++
		}
		st.TotalMessages += state.session.MessageCount
	}
	return st
}

// Close stops the sweep loop and destroys all sessions.
func (m *Manager) Close() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})

	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.DestroySession(id)
	}
}

func (m *Manager) sweepLoop() {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			if n := m.Sweep(); n > 0 {
				m.log.WithField("count", n).Info("session sweep complete")
			}
		}
	}
}

func (m *Manager) emit(ev Event) {
	select {
	case m.events <- ev:
	default:
		m.log.WithField("type", string(ev.Type)).Warn("event channel full, dropping event")
	}
}
