package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	apperr "github.com/gmgui/gmgui/internal/common/errors"
	v1 "github.com/gmgui/gmgui/pkg/api/v1"
)

// maxMessagePageSize caps list_messages pagination.
const maxMessagePageSize = 100

// CreateMessage appends a message to a conversation and bumps the
// conversation's updated_at. When the message carries an idempotency key that
// was already used within the conversation, the original message is returned
// in place of msg and no new row is written. The returned bool is true when a
// new row was inserted.
func (s *Store) CreateMessage(ctx context.Context, msg *v1.Message) (bool, error) {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Role == "" {
		msg.Role = v1.RoleUser
	}
	msg.CreatedAt = time.Now().UTC()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, apperr.Wrap(err, "failed to begin message transaction")
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRowContext(ctx, tx.Rebind(`SELECT COUNT(1) FROM conversations WHERE id = ?`), msg.ConversationID).Scan(&exists)
	if err != nil {
		return false, apperr.Wrap(err, "failed to check conversation")
	}
	if exists == 0 {
		return false, apperr.NotFound("conversation", msg.ConversationID)
	}

	if msg.IdempotencyKey != "" {
		row := tx.QueryRowContext(ctx, tx.Rebind(`
			SELECT id, conversation_id, role, content, idempotency_key, created_at
			FROM messages WHERE conversation_id = ? AND idempotency_key = ?
		`), msg.ConversationID, msg.IdempotencyKey)
		existing, err := scanMessage(row)
		if err == nil {
			*msg = *existing
			return false, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return false, apperr.Wrap(err, "failed to check idempotency key")
		}
	}

	// Empty keys are stored as NULL so the partial unique index ignores them.
	var key sql.NullString
	if msg.IdempotencyKey != "" {
		key = sql.NullString{String: msg.IdempotencyKey, Valid: true}
	}

	_, err = tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO messages (id, conversation_id, role, content, idempotency_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`), msg.ID, msg.ConversationID, msg.Role, msg.Content, key, msg.CreatedAt)
	if err != nil {
		return false, apperr.Wrap(err, "failed to create message")
	}

	_, err = tx.ExecContext(ctx, tx.Rebind(`
		UPDATE conversations SET updated_at = ? WHERE id = ?
	`), msg.CreatedAt, msg.ConversationID)
	if err != nil {
		return false, apperr.Wrap(err, "failed to touch conversation")
	}

	if err := tx.Commit(); err != nil {
		return false, apperr.Wrap(err, "failed to commit message")
	}
	return true, nil
}

// GetMessage retrieves one message by ID.
func (s *Store) GetMessage(ctx context.Context, id string) (*v1.Message, error) {
	row := s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT id, conversation_id, role, content, idempotency_key, created_at
		FROM messages WHERE id = ?
	`), id)

	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("message", id)
	}
	if err != nil {
		return nil, apperr.Wrap(err, "failed to get message")
	}
	return msg, nil
}

// ListMessages returns a conversation's messages in creation order. The limit
// is capped at 100; zero or negative means the cap.
func (s *Store) ListMessages(ctx context.Context, conversationID string, limit, offset int) ([]v1.Message, error) {
	if limit <= 0 || limit > maxMessagePageSize {
		limit = maxMessagePageSize
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(`
		SELECT id, conversation_id, role, content, idempotency_key, created_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at, id
		LIMIT ? OFFSET ?
	`), conversationID, limit, offset)
	if err != nil {
		return nil, apperr.Wrap(err, "failed to list messages")
	}
	defer rows.Close()

	result := make([]v1.Message, 0)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, apperr.Wrap(err, "failed to scan message")
		}
		result = append(result, *msg)
	}
	return result, rows.Err()
}

func scanMessage(row rowScanner) (*v1.Message, error) {
	msg := &v1.Message{}
	var key sql.NullString
	err := row.Scan(&msg.ID, &msg.ConversationID, &msg.Role, &msg.Content, &key, &msg.CreatedAt)
	if err != nil {
		return nil, err
	}
	msg.IdempotencyKey = key.String
	return msg, nil
}
