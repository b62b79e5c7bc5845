package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	apperr "github.com/gmgui/gmgui/internal/common/errors"
	"github.com/gmgui/gmgui/internal/db/dialect"
	v1 "github.com/gmgui/gmgui/pkg/api/v1"
)

// maxRunPageSize caps search_runs pagination.
const maxRunPageSize = 200

// CreateRun inserts a new run in pending state.
func (s *Store) CreateRun(ctx context.Context, run *v1.Run) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.Status == "" {
		run.Status = v1.RunPending
	}
	run.CreatedAt = time.Now().UTC()

	input, err := json.Marshal(run.Input)
	if err != nil {
		input = []byte("{}")
	}

	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO runs (id, agent_id, thread_id, input, webhook_url, status, error, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), run.ID, run.AgentID, run.ThreadID, string(input), run.WebhookURL, run.Status, run.Error, run.CreatedAt, run.CompletedAt)
	if err != nil {
		return apperr.Wrap(err, "failed to create run")
	}
	return nil
}

// GetRun retrieves one run by ID.
func (s *Store) GetRun(ctx context.Context, id string) (*v1.Run, error) {
	row := s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT id, agent_id, thread_id, input, webhook_url, status, error, created_at, completed_at
		FROM runs WHERE id = ?
	`), id)

	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("run", id)
	}
	if err != nil {
		return nil, apperr.Wrap(err, "failed to get run")
	}
	return run, nil
}

// UpdateRunStatus transitions a run. Terminal runs never re-transition; an
// attempt returns a conflict. Terminal statuses set completed_at.
func (s *Store) UpdateRunStatus(ctx context.Context, id string, status v1.RunStatus, errText string) (*v1.Run, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, apperr.Wrap(err, "failed to begin run transaction")
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, tx.Rebind(`
		SELECT id, agent_id, thread_id, input, webhook_url, status, error, created_at, completed_at
		FROM runs WHERE id = ?
	`), id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("run", id)
	}
	if err != nil {
		return nil, apperr.Wrap(err, "failed to read run")
	}
	if run.Status.Terminal() {
		return nil, apperr.Conflict(fmt.Sprintf("run %s is already %s", id, run.Status))
	}

	run.Status = status
	run.Error = errText
	if status.Terminal() {
		now := time.Now().UTC()
		run.CompletedAt = &now
	}

	_, err = tx.ExecContext(ctx, tx.Rebind(`
		UPDATE runs SET status = ?, error = ?, completed_at = ? WHERE id = ?
	`), run.Status, run.Error, run.CompletedAt, id)
	if err != nil {
		return nil, apperr.Wrap(err, "failed to update run status")
	}

	if err := tx.Commit(); err != nil {
		return nil, apperr.Wrap(err, "failed to commit run update")
	}
	return run, nil
}

// ListRunsByThread returns all runs bound to one conversation, newest first.
func (s *Store) ListRunsByThread(ctx context.Context, threadID string) ([]v1.Run, error) {
	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(`
		SELECT id, agent_id, thread_id, input, webhook_url, status, error, created_at, completed_at
		FROM runs WHERE thread_id = ? ORDER BY created_at DESC
	`), threadID)
	if err != nil {
		return nil, apperr.Wrap(err, "failed to list runs")
	}
	defer rows.Close()
	return collectRuns(rows)
}

// SearchRuns filters the run log. Query matches on the run's input content,
// newest runs first.
func (s *Store) SearchRuns(ctx context.Context, req v1.SearchRunsRequest) ([]v1.RunSummary, error) {
	limit := req.Limit
	if limit <= 0 || limit > maxRunPageSize {
		limit = 50
	}
	offset := req.Offset
	if offset < 0 {
		offset = 0
	}

	driver := s.ro.DriverName()
	query := fmt.Sprintf(`
		SELECT id, agent_id, thread_id, input, webhook_url, status, error, created_at, completed_at,
			COALESCE(%s, 0) AS duration_ms
		FROM runs WHERE 1=1
	`, dialect.DurationMs(driver, "completed_at", "created_at"))
	args := []any{}

	if req.Query != "" {
		query += fmt.Sprintf(" AND %s %s ?", dialect.JSONExtract(driver, "input", "content"), dialect.Like(driver))
		args = append(args, "%"+req.Query+"%")
	}
	if req.Status != "" {
		query += " AND status = ?"
		args = append(args, req.Status)
	}
	if req.AgentID != "" {
		query += " AND agent_id = ?"
		args = append(args, req.AgentID)
	}

	query += " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(query), args...)
	if err != nil {
		return nil, apperr.Wrap(err, "failed to search runs")
	}
	defer rows.Close()

	result := make([]v1.RunSummary, 0)
	for rows.Next() {
		summary := v1.RunSummary{}
		var input string
		var completedAt sql.NullTime
		var durationMs float64
		err := rows.Scan(&summary.Run.ID, &summary.Run.AgentID, &summary.Run.ThreadID, &input,
			&summary.Run.WebhookURL, &summary.Run.Status, &summary.Run.Error,
			&summary.Run.CreatedAt, &completedAt, &durationMs)
		if err != nil {
			return nil, apperr.Wrap(err, "failed to scan run")
		}
		if completedAt.Valid {
			summary.Run.CompletedAt = &completedAt.Time
		}
		_ = json.Unmarshal([]byte(input), &summary.Run.Input)
		summary.DurationMs = int64(durationMs)
		result = append(result, summary)
	}
	return result, rows.Err()
}

func collectRuns(rows *sql.Rows) ([]v1.Run, error) {
	result := make([]v1.Run, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, apperr.Wrap(err, "failed to scan run")
		}
		result = append(result, *run)
	}
	return result, rows.Err()
}

func scanRun(row rowScanner) (*v1.Run, error) {
	run := &v1.Run{}
	var input string
	var completedAt sql.NullTime
	err := row.Scan(&run.ID, &run.AgentID, &run.ThreadID, &input, &run.WebhookURL,
		&run.Status, &run.Error, &run.CreatedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	_ = json.Unmarshal([]byte(input), &run.Input)
	return run, nil
}
