package store

import (
	"context"
	"time"

	apperr "github.com/gmgui/gmgui/internal/common/errors"
	v1 "github.com/gmgui/gmgui/pkg/api/v1"
)

// ResetStaleStreaming clears state left behind by a previous process: any
// conversation still flagged as streaming goes back to idle, unfinished
// sessions become interrupted, and unfinished runs become cancelled. Called
// once at startup before the scheduler accepts work.
func (s *Store) ResetStaleStreaming(ctx context.Context) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return apperr.Wrap(err, "failed to begin recovery transaction")
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()

	_, err = tx.ExecContext(ctx, tx.Rebind(`
		UPDATE conversations SET is_streaming = 0, status = ?, updated_at = ?
		WHERE is_streaming = 1 OR status = ?
	`), v1.ConversationIdle, now, v1.ConversationBusy)
	if err != nil {
		return apperr.Wrap(err, "failed to reset streaming conversations")
	}

	_, err = tx.ExecContext(ctx, tx.Rebind(`
		UPDATE sessions SET status = ?, error_text = ?, completed_at = ?
		WHERE status IN (?, ?)
	`), v1.SessionInterrupted, "server restarted", now, v1.SessionPending, v1.SessionActive)
	if err != nil {
		return apperr.Wrap(err, "failed to reset stale sessions")
	}

	_, err = tx.ExecContext(ctx, tx.Rebind(`
		UPDATE runs SET status = ?, error = ?, completed_at = ?
		WHERE status IN (?, ?)
	`), v1.RunCancelled, "server restarted", now, v1.RunPending, v1.RunActive)
	if err != nil {
		return apperr.Wrap(err, "failed to reset stale runs")
	}

	if err := tx.Commit(); err != nil {
		return apperr.Wrap(err, "failed to commit recovery")
	}
	return nil
}
