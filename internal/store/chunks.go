package store

import (
	"context"
	"time"

	apperr "github.com/gmgui/gmgui/internal/common/errors"
	"github.com/gmgui/gmgui/internal/db/dialect"
	v1 "github.com/gmgui/gmgui/pkg/api/v1"
)

// chunkInsertRetries bounds the retry loop for concurrent sequence claims.
// SQLite serializes through the single writer connection, so retries only
// matter for PostgreSQL where two writers can compute the same MAX(sequence).
const chunkInsertRetries = 3

// CreateChunk appends a chunk to a session's event log. The per-session
// sequence is assigned atomically in the insert statement: it starts at 0 and
// increments without gaps. The chunk's ID, Sequence, and CreatedAt are filled
// in on return.
func (s *Store) CreateChunk(ctx context.Context, chunk *v1.Chunk) error {
	if len(chunk.Payload) == 0 {
		chunk.Payload = []byte("{}")
	}
	chunk.CreatedAt = time.Now().UTC()

	insert := `
		INSERT INTO chunks (session_id, conversation_id, sequence, type, payload, created_at)
		SELECT ?, ?, COALESCE(MAX(sequence) + 1, 0), ?, ?, ?
		FROM chunks WHERE session_id = ?
	`

	var lastErr error
	for attempt := 0; attempt < chunkInsertRetries; attempt++ {
		id, err := dialect.InsertReturningID(ctx, s.db, insert,
			chunk.SessionID, chunk.ConversationID, chunk.Type, string(chunk.Payload),
			chunk.CreatedAt, chunk.SessionID)
		if err != nil {
			// A unique violation on (session_id, sequence) means another
			// writer claimed the sequence first; recompute and retry.
			lastErr = err
			continue
		}

		chunk.ID = id
		err = s.db.QueryRowContext(ctx, s.db.Rebind(`SELECT sequence FROM chunks WHERE id = ?`), id).Scan(&chunk.Sequence)
		if err != nil {
			return apperr.Wrap(err, "failed to read back chunk sequence")
		}
		return nil
	}
	return apperr.Wrap(lastErr, "failed to create chunk")
}

// ListChunks returns a conversation's chunks in creation order. When since is
// non-nil, only chunks created strictly after it are returned; this is the
// reconnect catch-up path.
func (s *Store) ListChunks(ctx context.Context, conversationID string, since *time.Time) ([]v1.Chunk, error) {
	query := `
		SELECT id, session_id, conversation_id, sequence, type, payload, created_at
		FROM chunks WHERE conversation_id = ?
	`
	args := []any{conversationID}
	if since != nil {
		query += " AND created_at > ?"
		args = append(args, since.UTC())
	}
	query += " ORDER BY id"

	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(query), args...)
	if err != nil {
		return nil, apperr.Wrap(err, "failed to list chunks")
	}
	defer rows.Close()

	result := make([]v1.Chunk, 0)
	for rows.Next() {
		chunk, err := scanChunk(rows)
		if err != nil {
			return nil, apperr.Wrap(err, "failed to scan chunk")
		}
		result = append(result, *chunk)
	}
	return result, rows.Err()
}

// ListSessionChunks returns one session's chunks with sequence >= since, in
// sequence order.
func (s *Store) ListSessionChunks(ctx context.Context, sessionID string, sinceSequence int64) ([]v1.Chunk, error) {
	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(`
		SELECT id, session_id, conversation_id, sequence, type, payload, created_at
		FROM chunks
		WHERE session_id = ? AND sequence >= ?
		ORDER BY sequence
	`), sessionID, sinceSequence)
	if err != nil {
		return nil, apperr.Wrap(err, "failed to list session chunks")
	}
	defer rows.Close()

	result := make([]v1.Chunk, 0)
	for rows.Next() {
		chunk, err := scanChunk(rows)
		if err != nil {
			return nil, apperr.Wrap(err, "failed to scan chunk")
		}
		result = append(result, *chunk)
	}
	return result, rows.Err()
}

func scanChunk(row rowScanner) (*v1.Chunk, error) {
	chunk := &v1.Chunk{}
	var payload string
	err := row.Scan(&chunk.ID, &chunk.SessionID, &chunk.ConversationID, &chunk.Sequence,
		&chunk.Type, &payload, &chunk.CreatedAt)
	if err != nil {
		return nil, err
	}
	chunk.Payload = []byte(payload)
	return chunk, nil
}
