// Package transcript writes per-session JSONL transcript files. Each
// delivered message becomes one line; the file is an append-only audit
// trail and is never read back by the service.
package transcript

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/chat-agent-relay/backend/internal/model"
)

// entry is one transcript line.
type entry struct {
	Timestamp time.Time  `json:"timestamp"`
	Role      model.Role `json:"role"`
	Content   string     `json:"content"`
	Status    string     `json:"status,omitempty"`
}

// header is the first line of every transcript file.
type header struct {
	Version   int       `json:"version"`
	SessionID string    `json:"sessionId"`
	StartedAt time.Time `json:"startedAt"`
}

// Writer appends messages to a session transcript file.
type Writer struct {
	mu     sync.Mutex
	file   *os.File
	closed bool
}

// New creates (or truncates) the transcript file and writes its header.
func New(path, sessionID string) (*Writer, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create transcript file: %w", err)
	}

	w := &Writer{file: file}
	if err := w.writeLine(header{Version: 1, SessionID: sessionID, StartedAt: time.Now()}); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to write transcript header: %w", err)
	}
	return w, nil
}

// Append records one message. Safe for concurrent use.
func (w *Writer) Append(msg *model.Message) error {
	return w.writeLine(entry{
		Timestamp: msg.CreatedAt,
		Role:      msg.Role,
		Content:   msg.Content,
		Status:    string(msg.Status),
	})
}

func (w *Writer) writeLine(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal transcript line: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fmt.Errorf("transcript is closed")
	}
	if _, err := w.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write transcript line: %w", err)
	}
	return nil
}

// Close flushes and closes the transcript file. Idempotent.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return w.file.Close()
}
