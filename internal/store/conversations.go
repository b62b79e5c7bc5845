package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	apperr "github.com/gmgui/gmgui/internal/common/errors"
	"github.com/gmgui/gmgui/internal/db/dialect"
	v1 "github.com/gmgui/gmgui/pkg/api/v1"
)

// CreateConversation inserts a new conversation. The ID and timestamps are
// assigned here when empty.
func (s *Store) CreateConversation(ctx context.Context, conv *v1.Conversation) error {
	if conv.ID == "" {
		conv.ID = uuid.New().String()
	}
	if conv.Status == "" {
		conv.Status = v1.ConversationIdle
	}
	now := time.Now().UTC()
	conv.CreatedAt = now
	conv.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO conversations (id, title, agent_id, model, sub_agent, working_dir, status, is_streaming, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), conv.ID, conv.Title, conv.AgentID, conv.Model, conv.SubAgent, conv.WorkingDir,
		conv.Status, dialect.BoolToInt(conv.IsStreaming), conv.CreatedAt, conv.UpdatedAt)
	if err != nil {
		return apperr.Wrap(err, "failed to create conversation")
	}
	return nil
}

// GetConversation retrieves one conversation by ID.
func (s *Store) GetConversation(ctx context.Context, id string) (*v1.Conversation, error) {
	row := s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT id, title, agent_id, model, sub_agent, working_dir, status, is_streaming, created_at, updated_at
		FROM conversations WHERE id = ?
	`), id)

	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("conversation", id)
	}
	if err != nil {
		return nil, apperr.Wrap(err, "failed to get conversation")
	}
	return conv, nil
}

// ListConversations returns all conversations sorted by most recently updated.
func (s *Store) ListConversations(ctx context.Context) ([]v1.Conversation, error) {
	rows, err := s.ro.QueryContext(ctx, `
		SELECT id, title, agent_id, model, sub_agent, working_dir, status, is_streaming, created_at, updated_at
		FROM conversations ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, apperr.Wrap(err, "failed to list conversations")
	}
	defer rows.Close()

	result := make([]v1.Conversation, 0)
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, apperr.Wrap(err, "failed to scan conversation")
		}
		// The flag persists across crashes; the live set is the truth.
		if s.live != nil {
			conv.IsStreaming = s.live.IsActive(conv.ID)
		}
		result = append(result, *conv)
	}
	return result, rows.Err()
}

// UpdateConversation applies a patch to a conversation. Nil patch fields are
// left unchanged.
func (s *Store) UpdateConversation(ctx context.Context, id string, patch v1.UpdateConversationRequest) (*v1.Conversation, error) {
	conv, err := s.getConversationForUpdate(ctx, id)
	if err != nil {
		return nil, err
	}

	if patch.Title != nil {
		conv.Title = *patch.Title
	}
	if patch.AgentID != nil {
		conv.AgentID = *patch.AgentID
	}
	if patch.Model != nil {
		conv.Model = *patch.Model
	}
	if patch.SubAgent != nil {
		conv.SubAgent = *patch.SubAgent
	}
	if patch.WorkingDir != nil {
		conv.WorkingDir = *patch.WorkingDir
	}
	conv.UpdatedAt = time.Now().UTC()

	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE conversations SET title = ?, agent_id = ?, model = ?, sub_agent = ?, working_dir = ?, updated_at = ?
		WHERE id = ?
	`), conv.Title, conv.AgentID, conv.Model, conv.SubAgent, conv.WorkingDir, conv.UpdatedAt, id)
	if err != nil {
		return nil, apperr.Wrap(err, "failed to update conversation")
	}
	return conv, nil
}

// SetConversationState atomically updates the status and streaming flag.
// The scheduler is the only caller; it owns these transitions.
func (s *Store) SetConversationState(ctx context.Context, id string, status v1.ConversationStatus, isStreaming bool) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE conversations SET status = ?, is_streaming = ?, updated_at = ? WHERE id = ?
	`), status, dialect.BoolToInt(isStreaming), time.Now().UTC(), id)
	if err != nil {
		return apperr.Wrap(err, "failed to update conversation state")
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperr.NotFound("conversation", id)
	}
	return nil
}

// DeleteConversation removes a conversation and its messages, sessions, and
// chunks. It fails with a conflict when the conversation still has pending or
// active runs.
func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return apperr.Wrap(err, "failed to begin delete transaction")
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRowContext(ctx, tx.Rebind(`SELECT COUNT(1) FROM conversations WHERE id = ?`), id).Scan(&exists)
	if err != nil {
		return apperr.Wrap(err, "failed to check conversation")
	}
	if exists == 0 {
		return apperr.NotFound("conversation", id)
	}

	var busy int
	err = tx.QueryRowContext(ctx, tx.Rebind(`
		SELECT COUNT(1) FROM runs WHERE thread_id = ? AND status IN ('pending', 'active')
	`), id).Scan(&busy)
	if err != nil {
		return apperr.Wrap(err, "failed to check conversation runs")
	}
	if busy > 0 {
		return apperr.Conflict("conversation has pending or active runs")
	}

	// Chunks carry no foreign key (high-volume append path), so they are
	// removed explicitly. Messages and sessions cascade.
	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM chunks WHERE conversation_id = ?`), id); err != nil {
		return apperr.Wrap(err, "failed to delete conversation chunks")
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM conversations WHERE id = ?`), id); err != nil {
		return apperr.Wrap(err, "failed to delete conversation")
	}

	if err := tx.Commit(); err != nil {
		return apperr.Wrap(err, "failed to commit delete")
	}
	return nil
}

// TouchConversation bumps the updated_at timestamp.
func (s *Store) TouchConversation(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE conversations SET updated_at = ? WHERE id = ?
	`), time.Now().UTC(), id)
	if err != nil {
		return apperr.Wrap(err, "failed to touch conversation")
	}
	return nil
}

// getConversationForUpdate reads through the writer connection so updates see
// their own prior writes.
func (s *Store) getConversationForUpdate(ctx context.Context, id string) (*v1.Conversation, error) {
	row := s.db.QueryRowContext(ctx, s.db.Rebind(`
		SELECT id, title, agent_id, model, sub_agent, working_dir, status, is_streaming, created_at, updated_at
		FROM conversations WHERE id = ?
	`), id)

	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("conversation", id)
	}
	if err != nil {
		return nil, apperr.Wrap(err, "failed to get conversation")
	}
	return conv, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*v1.Conversation, error) {
	conv := &v1.Conversation{}
	var isStreaming int
	err := row.Scan(&conv.ID, &conv.Title, &conv.AgentID, &conv.Model, &conv.SubAgent,
		&conv.WorkingDir, &conv.Status, &isStreaming, &conv.CreatedAt, &conv.UpdatedAt)
	if err != nil {
		return nil, err
	}
	conv.IsStreaming = isStreaming > 0
	return conv, nil
}
