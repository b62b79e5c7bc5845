// Package store provides durable storage for conversations, messages,
// sessions, runs, and per-session stream chunks.
package store

import (
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/gmgui/gmgui/internal/db"
	"github.com/gmgui/gmgui/internal/db/dialect"
)

// LiveSet reports which conversations currently have an active turn. The
// scheduler satisfies it; the store uses it to reconcile the persisted
// is_streaming flag with reality when listing.
type LiveSet interface {
	IsActive(conversationID string) bool
}

// Store provides access to all persistent entities. It is safe for
// concurrent use; writes are serialized through the pool's writer connection.
type Store struct {
	db   *sqlx.DB // writer
	ro   *sqlx.DB // reader (read-only pool)
	live LiveSet
}

// SetLiveSet installs the live-turn source. Called once at wiring time, after
// the scheduler exists; nil leaves the persisted flags untouched.
func (s *Store) SetLiveSet(ls LiveSet) {
	s.live = ls
}

// New creates a Store on top of the given pool and initializes the schema.
func New(pool *db.Pool) (*Store, error) {
	s := &Store{db: pool.Writer(), ro: pool.Reader()}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// DB returns the underlying writer connection for shared access.
func (s *Store) DB() *sql.DB {
	return s.db.DB
}

func (s *Store) driver() string {
	return s.db.DriverName()
}

// initSchema creates the database tables if they don't exist.
func (s *Store) initSchema() error {
	if err := s.initConversationSchema(); err != nil {
		return err
	}
	if err := s.initSessionSchema(); err != nil {
		return err
	}
	if err := s.initRunSchema(); err != nil {
		return err
	}
	return s.initChunkSchema()
}

func (s *Store) initConversationSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		agent_id TEXT NOT NULL,
		model TEXT NOT NULL DEFAULT '',
		sub_agent TEXT NOT NULL DEFAULT '',
		working_dir TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'idle',
		is_streaming INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_conversations_updated_at ON conversations(updated_at);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT 'user',
		content TEXT NOT NULL,
		idempotency_key TEXT,
		created_at TIMESTAMP NOT NULL,
		FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_messages_conversation_created ON messages(conversation_id, created_at);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_idempotency
		ON messages(conversation_id, idempotency_key)
		WHERE idempotency_key IS NOT NULL;
	`)
	return err
}

func (s *Store) initSessionSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		error_text TEXT NOT NULL DEFAULT '',
		started_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP,
		FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_conversation_id ON sessions(conversation_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
	`)
	return err
}

func (s *Store) initRunSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		thread_id TEXT NOT NULL DEFAULT '',
		input TEXT NOT NULL DEFAULT '{}',
		webhook_url TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		error TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_runs_thread_id ON runs(thread_id);
	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
	CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at);
	`)
	return err
}

func (s *Store) initChunkSchema() error {
	// The chunk id is the only schema element that differs between drivers.
	idColumn := "id INTEGER PRIMARY KEY AUTOINCREMENT"
	if dialect.IsPostgres(s.driver()) {
		idColumn = "id BIGSERIAL PRIMARY KEY"
	}

	_, err := s.db.Exec(fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS chunks (
		%s,
		session_id TEXT NOT NULL,
		conversation_id TEXT NOT NULL,
		sequence BIGINT NOT NULL,
		type TEXT NOT NULL DEFAULT '',
		payload TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMP NOT NULL,
		UNIQUE (session_id, sequence)
	);

	CREATE INDEX IF NOT EXISTS idx_chunks_conversation_created ON chunks(conversation_id, created_at);
	`, idColumn))
	return err
}
