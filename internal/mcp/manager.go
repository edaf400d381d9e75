// Package mcp supervises the per-session agent child processes. Each agent
// speaks a newline-delimited protocol on stdin/stdout; stderr is log-only
// and drives the restart policy. The supervisor guarantees at most one live
// process per session and self-heals on crashes, error floods, and hangs.
package mcp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/chat-agent-relay/backend/internal/model"
)

const (
	// DefaultReadyTimeout bounds the wait for the ready handshake.
	DefaultReadyTimeout = 10 * time.Second

	// DefaultKillGrace is how long a signaled process gets before force-kill.
	DefaultKillGrace = 5 * time.Second

	// DefaultRestartDelay spaces out restarts of a crashing command.
	DefaultRestartDelay = 5 * time.Second

	// DefaultErrorThreshold is the stderr line count that triggers a restart.
	DefaultErrorThreshold = 10

	// DefaultStaleThreshold is how long a silent process may go unpinged
	// before the health check restarts it.
	DefaultStaleThreshold = 5 * time.Minute

	// maxLineSize caps a single stdout/stderr line.
	maxLineSize = 1024 * 1024
)

// Options configures a Manager.
type Options struct {
	Command        string
	Args           []string
	ReadyTimeout   time.Duration
	KillGrace      time.Duration
	RestartDelay   time.Duration
	ErrorThreshold int
	StaleThreshold time.Duration

	// HealthInterval is the staleness check period. Zero disables the check.
	HealthInterval time.Duration

	// Launcher spawns processes. Defaults to ExecLauncher.
	Launcher Launcher

	// Sink receives supervisor events.
	Sink Sink

	Logger *logrus.Entry
}

// Manager owns all supervised clients, keyed by session id.
type Manager struct {
	opts Options
	log  *logrus.Entry

	mu       sync.Mutex
	clients  map[string]*Client
	restarts map[string]*time.Timer

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewManager creates a supervisor and starts its health check loop.
func NewManager(opts Options) *Manager {
	if opts.ReadyTimeout == 0 {
		opts.ReadyTimeout = DefaultReadyTimeout
	}
	if opts.KillGrace == 0 {
		opts.KillGrace = DefaultKillGrace
	}
	if opts.RestartDelay == 0 {
		opts.RestartDelay = DefaultRestartDelay
	}
	if opts.ErrorThreshold == 0 {
		opts.ErrorThreshold = DefaultErrorThreshold
	}
	if opts.StaleThreshold == 0 {
		opts.StaleThreshold = DefaultStaleThreshold
	}
	if opts.Launcher == nil {
		opts.Launcher = ExecLauncher{}
	}
	if opts.Logger == nil {
		opts.Logger = logrus.NewEntry(logrus.New())
	}

	m := &Manager{
		opts:     opts,
		log:      opts.Logger,
		clients:  make(map[string]*Client),
		restarts: make(map[string]*time.Timer),
		stopCh:   make(chan struct{}),
	}

	if opts.HealthInterval > 0 {
		go m.healthLoop()
	}

	return m
}

// CreateClient spawns a fresh agent process for the session and blocks until
// it reports ready or the timeout expires. Any prior instance for the same
// session is fully reaped before the new spawn begins. On timeout no process
// is left running.
func (m *Manager) CreateClient(ctx context.Context, sessionID string) (*Client, error) {
	if m.opts.Command == "" {
		return nil, fmt.Errorf("no agent command configured: %w", model.ErrMCPConnectionFailed)
	}

	// At most one live instance per session: reap any predecessor first.
	if err := m.DestroyClient(sessionID); err != nil {
		m.log.WithField("session_id", sessionID).WithError(err).Warn("failed to reap previous agent")
	}

	proc, err := m.opts.Launcher.Launch(m.opts.Command, m.opts.Args...)
	if err != nil {
		return nil, fmt.Errorf("failed to spawn agent: %v: %w", err, model.ErrMCPConnectionFailed)
	}

	now := time.Now()
	c := &Client{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		proc:      proc,
		state:     StateSpawning,
		lastPing:  now,
		createdAt: now,
		ready:     make(chan struct{}),
		exited:    make(chan struct{}),
	}

	m.mu.Lock()
	m.clients[sessionID] = c
	m.mu.Unlock()

	go m.readStdout(c)
	go m.readStderr(c)
	go m.waitLoop(c)

	timer := time.NewTimer(m.opts.ReadyTimeout)
	defer timer.Stop()

	select {
	case <-c.ready:
		m.log.WithFields(logrus.Fields{"session_id": sessionID, "pid": proc.PID()}).Info("agent ready")
		m.emit(Event{Type: EventClientReady, SessionID: sessionID})
		return c, nil
	case <-c.exited:
		m.remove(sessionID, c)
		return nil, fmt.Errorf("agent exited before ready: %w", model.ErrMCPConnectionFailed)
	case <-timer.C:
		m.remove(sessionID, c)
		m.teardown(c)
		return nil, fmt.Errorf("agent not ready within %s: %w",
			m.opts.ReadyTimeout, errors.Join(model.ErrMCPConnectionFailed, model.ErrMCPTimeout))
	case <-ctx.Done():
		m.remove(sessionID, c)
		m.teardown(c)
		return nil, ctx.Err()
	}
}

// SendMessage writes one line of text to the session's agent. The reply
// arrives asynchronously through the event sink, not as a return value.
func (m *Manager) SendMessage(sessionID, text string) error {
	m.mu.Lock()
	c, ok := m.clients[sessionID]
	m.mu.Unlock()

	if !ok {
		return model.ErrSessionNotFound
	}
	if c.State() != StateReady {
		return fmt.Errorf("agent not ready for session %s: %w", sessionID, model.ErrMCPConnectionFailed)
	}

	if _, err := io.WriteString(c.proc.Stdin(), text+"\n"); err != nil {
		return fmt.Errorf("failed to write to agent stdin: %v: %w", err, model.ErrMCPConnectionFailed)
	}

	c.touch()
	return nil
}

// RestartClient tears down the session's agent and spawns a new one.
func (m *Manager) RestartClient(sessionID string) error {
	m.mu.Lock()
	if c, ok := m.clients[sessionID]; ok {
		c.setState(StateRestarting)
	}
	m.mu.Unlock()

	if err := m.DestroyClient(sessionID); err != nil {
		m.log.WithField("session_id", sessionID).WithError(err).Warn("teardown before restart failed")
	}

	if _, err := m.CreateClient(context.Background(), sessionID); err != nil {
		m.emit(Event{Type: EventClientError, SessionID: sessionID, Err: err})
		return err
	}
	return nil
}

// DestroyClient terminates the session's agent, escalating from a graceful
// signal to a kill after the grace period. Idempotent.
func (m *Manager) DestroyClient(sessionID string) error {
	m.mu.Lock()
	c, ok := m.clients[sessionID]
	if ok {
		delete(m.clients, sessionID)
	}
	if t, tok := m.restarts[sessionID]; tok {
		t.Stop()
		delete(m.restarts, sessionID)
	}
	m.mu.Unlock()

	if !ok {
		return nil
	}
	return m.teardown(c)
}

// DestroyAll tears down every tracked client in parallel.
func (m *Manager) DestroyAll() {
	m.mu.Lock()
	clients := make([]*Client, 0, len(m.clients))
	for id, c := range m.clients {
		clients = append(clients, c)
		delete(m.clients, id)
	}
	for id, t := range m.restarts {
		t.Stop()
		delete(m.restarts, id)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range clients {
		wg.Add(1)
		go func(c *Client) {
			defer wg.Done()
			m.teardown(c)
		}(c)
	}
	wg.Wait()
}

// Stop shuts the supervisor down: health loop and pending restart timers are
// cancelled, then all clients are destroyed.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	m.DestroyAll()
}

// Count returns the number of tracked clients.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.clients)
}

// List returns snapshots of all tracked clients.
func (m *Manager) List() []ClientInfo {
	m.mu.Lock()
	clients := make([]*Client, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, c)
	}
	m.mu.Unlock()

	infos := make([]ClientInfo, 0, len(clients))
	for _, c := range clients {
		infos = append(infos, c.Info())
	}
	return infos
}

// teardown destroys one client: graceful signal, grace period, force kill.
// Returns once the OS process is reaped.
func (m *Manager) teardown(c *Client) error {
	if !c.setState(StateDestroyed) {
		// Already destroyed by a concurrent teardown.
		return nil
	}

	if err := c.proc.Signal(syscall.SIGTERM); err != nil {
		m.log.WithField("session_id", c.SessionID).WithError(err).Debug("signal failed, process may have exited")
	}

	timer := time.NewTimer(m.opts.KillGrace)
	defer timer.Stop()

	select {
	case <-c.exited:
		return nil
	case <-timer.C:
		m.log.WithField("session_id", c.SessionID).Warn("agent did not exit within grace period, killing")
		if err := c.proc.Kill(); err != nil {
			return fmt.Errorf("failed to kill agent: %w", err)
		}
		<-c.exited
		return nil
	}
}

// remove unregisters a client only if it is still the current one for its
// session, so a replacement spawned in the meantime is never evicted.
func (m *Manager) remove(sessionID string, c *Client) {
	m.mu.Lock()
	if m.clients[sessionID] == c {
		delete(m.clients, sessionID)
	}
	m.mu.Unlock()
}

// readStdout consumes the agent's stdout line by line. Each line is tried as
// JSON first; see protocol.go for the readiness rules.
func (m *Manager) readStdout(c *Client) {
	scanner := bufio.NewScanner(c.proc.Stdout())
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		c.touch()

		if n, ok := asJSON(line); ok {
			if isReadyNotification(n) {
				if c.markReady() {
					m.emit(Event{Type: EventClientConnected, SessionID: c.SessionID})
				}
				continue
			}
			m.emit(Event{Type: EventMessageReceived, SessionID: c.SessionID, Content: line})
			continue
		}

		if !c.Ready() && isReadySentinel(line) {
			if c.markReady() {
				m.emit(Event{Type: EventClientConnected, SessionID: c.SessionID})
			}
			continue
		}

		m.emit(Event{Type: EventTextResponse, SessionID: c.SessionID, Content: line})
	}
}

// readStderr counts stderr lines and restarts the agent when the error
// threshold is crossed.
func (m *Manager) readStderr(c *Client) {
	scanner := bufio.NewScanner(c.proc.Stderr())
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for scanner.Scan() {
		line := scanner.Text()
		n := c.incErrors()
		m.log.WithFields(logrus.Fields{"session_id": c.SessionID, "errors": n}).Warn("agent stderr: " + line)

		if n == m.opts.ErrorThreshold {
			m.log.WithField("session_id", c.SessionID).Error("agent error threshold exceeded, restarting")
			go m.RestartClient(c.SessionID)
		}
	}
}

// waitLoop reaps the process and applies the restart policy: a non-zero exit
// of a ready agent schedules a delayed restart, anything else does not.
func (m *Manager) waitLoop(c *Client) {
	code, err := c.proc.Wait()
	state := c.State()
	close(c.exited)

	if state == StateDestroyed {
		return
	}

	m.log.WithFields(logrus.Fields{"session_id": c.SessionID, "exit_code": code}).Info("agent exited")
	m.emit(Event{Type: EventClientExited, SessionID: c.SessionID, ExitCode: code, Err: err})

	// Only a crashed ready agent self-heals. An exit before the ready
	// handshake is surfaced to the CreateClient caller as a failure;
	// respawning behind its back would leave an instance tracked for a
	// session that never attached one.
	if code > 0 && state == StateReady {
		c.setState(StateRestarting)
		m.scheduleRestart(c.SessionID)
	} else {
		m.remove(c.SessionID, c)
	}
}

// scheduleRestart arms a delayed restart for the session unless one is
// already pending. The delay avoids restart storms on a command that
// crashes immediately.
func (m *Manager) scheduleRestart(sessionID string) {
	m.mu.Lock()
	if _, pending := m.restarts[sessionID]; pending {
		m.mu.Unlock()
		return
	}
	m.restarts[sessionID] = time.AfterFunc(m.opts.RestartDelay, func() {
		m.mu.Lock()
		delete(m.restarts, sessionID)
		m.mu.Unlock()

		select {
		case <-m.stopCh:
			return
		default:
		}

		if _, err := m.CreateClient(context.Background(), sessionID); err != nil {
			m.log.WithField("session_id", sessionID).WithError(err).Error("agent restart failed")
			m.emit(Event{Type: EventClientError, SessionID: sessionID, Err: err})
		}
	})
	m.mu.Unlock()

	m.log.WithField("session_id", sessionID).Warn("agent restart scheduled")
}

// healthLoop proactively restarts agents that have gone silent past the
// staleness threshold. This catches hung children that never crash.
func (m *Manager) healthLoop() {
	ticker := time.NewTicker(m.opts.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.mu.Lock()
			stale := make([]string, 0)
			for id, c := range m.clients {
				if c.Ready() && time.Since(c.LastPing()) > m.opts.StaleThreshold {
					stale = append(stale, id)
				}
			}
			m.mu.Unlock()

			for _, id := range stale {
				m.log.WithField("session_id", id).Warn("agent stale, restarting")
				go m.RestartClient(id)
			}
		}
	}
}

func (m *Manager) emit(ev Event) {
	if m.opts.Sink != nil {
		m.opts.Sink(ev)
	}
}
