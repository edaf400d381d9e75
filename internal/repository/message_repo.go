// Package repository provides data access for the append-only message
// archive. The archive is an audit trail: it outlives session destruction
// but is never used to restore session state.
package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/chat-agent-relay/backend/internal/model"
)

// MessageRepository persists delivered messages.
type MessageRepository struct {
	db *sql.DB
}

// NewMessageRepository creates a new MessageRepository.
func NewMessageRepository(db *sql.DB) *MessageRepository {
	return &MessageRepository{db: db}
}

// AppendMessage inserts one delivered message.
func (r *MessageRepository) AppendMessage(ctx context.Context, msg *model.Message) error {
	query := `
		INSERT INTO messages (id, session_id, user_id, role, content, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, query,
		msg.ID,
		msg.SessionID,
		msg.UserID,
		string(msg.Role),
		msg.Content,
		string(msg.Status),
		msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to archive message: %w", err)
	}

	return nil
}

// ListBySession returns the archived messages for a session in delivery
// order. Works after the session itself is gone.
func (r *MessageRepository) ListBySession(ctx context.Context, sessionID string) ([]*model.Message, error) {
	query := `
		SELECT id, session_id, user_id, role, content, status, created_at
		FROM messages
		WHERE session_id = ?
		ORDER BY created_at ASC
	`

	rows, err := r.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list archived messages: %w", err)
	}
	defer rows.Close()

	var msgs []*model.Message
	for rows.Next() {
		msg := &model.Message{}
		var userID sql.NullString

		if err := rows.Scan(&msg.ID, &msg.SessionID, &userID, &msg.Role, &msg.Content, &msg.Status, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan archived message: %w", err)
		}
		if userID.Valid {
			msg.UserID = userID.String
		}
		msgs = append(msgs, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating archived messages: %w", err)
	}

	return msgs, nil
}

// CountBySession returns the number of archived messages for a session.
func (r *MessageRepository) CountBySession(ctx context.Context, sessionID string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE session_id = ?`, sessionID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count archived messages: %w", err)
	}
	return count, nil
}
