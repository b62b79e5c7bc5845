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

// CreateSession inserts a new streaming session.
func (s *Store) CreateSession(ctx context.Context, sess *v1.Session) error {
	if sess.ID == "" {
		sess.ID = uuid.New().String()
	}
	if sess.Status == "" {
		sess.Status = v1.SessionPending
	}
	sess.StartedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO sessions (id, conversation_id, agent_id, status, error_text, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), sess.ID, sess.ConversationID, sess.AgentID, sess.Status, sess.ErrorText, sess.StartedAt, sess.CompletedAt)
	if err != nil {
		return apperr.Wrap(err, "failed to create session")
	}
	return nil
}

// GetSession retrieves one session by ID.
func (s *Store) GetSession(ctx context.Context, id string) (*v1.Session, error) {
	row := s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT id, conversation_id, agent_id, status, error_text, started_at, completed_at
		FROM sessions WHERE id = ?
	`), id)

	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("session", id)
	}
	if err != nil {
		return nil, apperr.Wrap(err, "failed to get session")
	}
	return sess, nil
}

// UpdateSessionStatus transitions a session. Terminal statuses also set
// completed_at.
func (s *Store) UpdateSessionStatus(ctx context.Context, id string, status v1.SessionStatus, errorText string) error {
	var completedAt any
	if status.Terminal() {
		completedAt = time.Now().UTC()
	}

	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE sessions SET status = ?, error_text = ?, completed_at = ? WHERE id = ?
	`), status, errorText, completedAt, id)
	if err != nil {
		return apperr.Wrap(err, "failed to update session status")
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperr.NotFound("session", id)
	}
	return nil
}

// ListSessions returns all sessions of a conversation in start order.
func (s *Store) ListSessions(ctx context.Context, conversationID string) ([]v1.Session, error) {
	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(`
		SELECT id, conversation_id, agent_id, status, error_text, started_at, completed_at
		FROM sessions
		WHERE conversation_id = ?
		ORDER BY started_at, id
	`), conversationID)
	if err != nil {
		return nil, apperr.Wrap(err, "failed to list sessions")
	}
	defer rows.Close()

	result := make([]v1.Session, 0)
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, apperr.Wrap(err, "failed to scan session")
		}
		result = append(result, *sess)
	}
	return result, rows.Err()
}

func scanSession(row rowScanner) (*v1.Session, error) {
	sess := &v1.Session{}
	var completedAt sql.NullTime
	err := row.Scan(&sess.ID, &sess.ConversationID, &sess.AgentID, &sess.Status,
		&sess.ErrorText, &sess.StartedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	if completedAt.Valid {
		sess.CompletedAt = &completedAt.Time
	}
	return sess, nil
}
