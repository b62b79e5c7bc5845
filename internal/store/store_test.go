package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"

	apperr "github.com/gmgui/gmgui/internal/common/errors"
	"github.com/gmgui/gmgui/internal/db"
	"github.com/gmgui/gmgui/internal/db/dialect"
	v1 "github.com/gmgui/gmgui/pkg/api/v1"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	writer, err := db.OpenSQLite(dbPath)
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	reader, err := db.OpenSQLiteReader(dbPath)
	if err != nil {
		t.Fatalf("failed to open sqlite reader: %v", err)
	}
	pool := db.NewPool(sqlx.NewDb(writer, dialect.SQLite3), sqlx.NewDb(reader, dialect.SQLite3))
	t.Cleanup(func() { _ = pool.Close() })

	s, err := New(pool)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return s
}

func newTestConversation(t *testing.T, s *Store) *v1.Conversation {
	t.Helper()
	conv := &v1.Conversation{Title: "test", AgentID: "claude-code", WorkingDir: "/tmp"}
	if err := s.CreateConversation(context.Background(), conv); err != nil {
		t.Fatalf("failed to create conversation: %v", err)
	}
	return conv
}

func TestConversationCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv := newTestConversation(t, s)
	if conv.ID == "" {
		t.Fatal("expected conversation ID to be assigned")
	}
	if conv.Status != v1.ConversationIdle {
		t.Errorf("expected status idle, got %s", conv.Status)
	}

	got, err := s.GetConversation(ctx, conv.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Title != "test" || got.AgentID != "claude-code" {
		t.Errorf("unexpected conversation: %+v", got)
	}

	newTitle := "renamed"
	updated, err := s.UpdateConversation(ctx, conv.ID, v1.UpdateConversationRequest{Title: &newTitle})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if updated.Title != "renamed" {
		t.Errorf("expected renamed title, got %s", updated.Title)
	}
	if updated.AgentID != "claude-code" {
		t.Errorf("nil patch fields must be preserved, got agent %s", updated.AgentID)
	}

	list, err := s.ListConversations(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 conversation, got %d", len(list))
	}

	if err := s.DeleteConversation(ctx, conv.ID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := s.GetConversation(ctx, conv.ID); !apperr.IsNotFound(err) {
		t.Errorf("expected not found after delete, got %v", err)
	}
}

func TestGetConversationNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetConversation(context.Background(), "missing")
	if !apperr.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCreateMessageIdempotency(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv := newTestConversation(t, s)

	first := &v1.Message{ConversationID: conv.ID, Role: v1.RoleUser, Content: "ping", IdempotencyKey: "k1"}
	created, err := s.CreateMessage(ctx, first)
	if err != nil {
		t.Fatalf("first create failed: %v", err)
	}
	if !created {
		t.Fatal("expected first create to insert")
	}

	second := &v1.Message{ConversationID: conv.ID, Role: v1.RoleUser, Content: "ping again", IdempotencyKey: "k1"}
	created, err = s.CreateMessage(ctx, second)
	if err != nil {
		t.Fatalf("second create failed: %v", err)
	}
	if created {
		t.Fatal("expected duplicate key to return existing message")
	}
	if second.ID != first.ID {
		t.Errorf("expected same message id, got %s and %s", first.ID, second.ID)
	}
	if second.Content != "ping" {
		t.Errorf("expected original content, got %q", second.Content)
	}

	msgs, err := s.ListMessages(ctx, conv.ID, 0, 0)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(msgs) != 1 {
		t.Errorf("expected 1 message, got %d", len(msgs))
	}

	// Empty keys never collide with each other.
	for i := 0; i < 2; i++ {
		msg := &v1.Message{ConversationID: conv.ID, Content: "no key"}
		if _, err := s.CreateMessage(ctx, msg); err != nil {
			t.Fatalf("keyless create %d failed: %v", i, err)
		}
	}
	msgs, _ = s.ListMessages(ctx, conv.ID, 0, 0)
	if len(msgs) != 3 {
		t.Errorf("expected 3 messages, got %d", len(msgs))
	}
}

func TestListMessagesPagination(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv := newTestConversation(t, s)

	for i := 0; i < 5; i++ {
		msg := &v1.Message{ConversationID: conv.ID, Content: "m"}
		if _, err := s.CreateMessage(ctx, msg); err != nil {
			t.Fatalf("create %d failed: %v", i, err)
		}
	}

	page, err := s.ListMessages(ctx, conv.ID, 2, 0)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(page) != 2 {
		t.Errorf("expected 2 messages, got %d", len(page))
	}

	rest, err := s.ListMessages(ctx, conv.ID, 10, 2)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(rest) != 3 {
		t.Errorf("expected 3 messages, got %d", len(rest))
	}
}

func TestRunStateMachine(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := &v1.Run{AgentID: "claude-code", Input: v1.RunInput{Content: "hello"}}
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if run.Status != v1.RunPending {
		t.Fatalf("expected pending, got %s", run.Status)
	}

	if _, err := s.UpdateRunStatus(ctx, run.ID, v1.RunActive, ""); err != nil {
		t.Fatalf("pending->active failed: %v", err)
	}
	updated, err := s.UpdateRunStatus(ctx, run.ID, v1.RunSuccess, "")
	if err != nil {
		t.Fatalf("active->success failed: %v", err)
	}
	if updated.CompletedAt == nil {
		t.Error("expected completed_at on terminal status")
	}

	// Terminal runs refuse further transitions.
	if _, err := s.UpdateRunStatus(ctx, run.ID, v1.RunCancelled, ""); !apperr.IsConflict(err) {
		t.Errorf("expected conflict on terminal transition, got %v", err)
	}

	if _, err := s.UpdateRunStatus(ctx, "missing", v1.RunActive, ""); !apperr.IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestDeleteConversationWithActiveRunConflicts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv := newTestConversation(t, s)

	run := &v1.Run{AgentID: "claude-code", ThreadID: conv.ID, Input: v1.RunInput{Content: "x"}}
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("create run failed: %v", err)
	}

	if err := s.DeleteConversation(ctx, conv.ID); !apperr.IsConflict(err) {
		t.Fatalf("expected conflict while run pending, got %v", err)
	}

	if _, err := s.UpdateRunStatus(ctx, run.ID, v1.RunActive, ""); err != nil {
		t.Fatalf("activate failed: %v", err)
	}
	if _, err := s.UpdateRunStatus(ctx, run.ID, v1.RunError, "boom"); err != nil {
		t.Fatalf("fail failed: %v", err)
	}

	if err := s.DeleteConversation(ctx, conv.ID); err != nil {
		t.Fatalf("expected delete to succeed after run finished, got %v", err)
	}
}

func TestChunkSequenceGapless(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv := newTestConversation(t, s)

	sess := &v1.Session{ConversationID: conv.ID, AgentID: "claude-code"}
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("create session failed: %v", err)
	}

	const n = 20
	for i := 0; i < n; i++ {
		chunk := &v1.Chunk{
			SessionID:      sess.ID,
			ConversationID: conv.ID,
			Type:           v1.ChunkText,
			Payload:        json.RawMessage(`{"i":` + string(rune('0'+i%10)) + `}`),
		}
		if err := s.CreateChunk(ctx, chunk); err != nil {
			t.Fatalf("create chunk %d failed: %v", i, err)
		}
		if chunk.Sequence != int64(i) {
			t.Fatalf("expected sequence %d, got %d", i, chunk.Sequence)
		}
	}

	chunks, err := s.ListChunks(ctx, conv.ID, nil)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(chunks) != n {
		t.Fatalf("expected %d chunks, got %d", n, len(chunks))
	}
	for i, c := range chunks {
		if c.Sequence != int64(i) {
			t.Errorf("position %d: expected sequence %d, got %d", i, i, c.Sequence)
		}
	}

	// A second session starts its own sequence at zero.
	sess2 := &v1.Session{ConversationID: conv.ID, AgentID: "claude-code"}
	if err := s.CreateSession(ctx, sess2); err != nil {
		t.Fatalf("create session failed: %v", err)
	}
	chunk := &v1.Chunk{SessionID: sess2.ID, ConversationID: conv.ID, Type: v1.ChunkSystem}
	if err := s.CreateChunk(ctx, chunk); err != nil {
		t.Fatalf("create chunk failed: %v", err)
	}
	if chunk.Sequence != 0 {
		t.Errorf("expected new session to start at 0, got %d", chunk.Sequence)
	}
}

func TestListSessionChunksSince(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv := newTestConversation(t, s)

	sess := &v1.Session{ConversationID: conv.ID, AgentID: "claude-code"}
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("create session failed: %v", err)
	}
	for i := 0; i < 5; i++ {
		chunk := &v1.Chunk{SessionID: sess.ID, ConversationID: conv.ID, Type: v1.ChunkText}
		if err := s.CreateChunk(ctx, chunk); err != nil {
			t.Fatalf("create chunk failed: %v", err)
		}
	}

	chunks, err := s.ListSessionChunks(ctx, sess.ID, 3)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks from sequence 3, got %d", len(chunks))
	}
	if chunks[0].Sequence != 3 || chunks[1].Sequence != 4 {
		t.Errorf("unexpected sequences: %d, %d", chunks[0].Sequence, chunks[1].Sequence)
	}
}

func TestResetStaleStreaming(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv := newTestConversation(t, s)

	if err := s.SetConversationState(ctx, conv.ID, v1.ConversationBusy, true); err != nil {
		t.Fatalf("set state failed: %v", err)
	}
	sess := &v1.Session{ConversationID: conv.ID, AgentID: "claude-code", Status: v1.SessionActive}
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("create session failed: %v", err)
	}
	run := &v1.Run{AgentID: "claude-code", ThreadID: conv.ID, Input: v1.RunInput{Content: "x"}}
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("create run failed: %v", err)
	}

	if err := s.ResetStaleStreaming(ctx); err != nil {
		t.Fatalf("recovery failed: %v", err)
	}

	got, _ := s.GetConversation(ctx, conv.ID)
	if got.IsStreaming || got.Status != v1.ConversationIdle {
		t.Errorf("expected idle conversation, got %+v", got)
	}
	gotSess, _ := s.GetSession(ctx, sess.ID)
	if gotSess.Status != v1.SessionInterrupted {
		t.Errorf("expected interrupted session, got %s", gotSess.Status)
	}
	gotRun, _ := s.GetRun(ctx, run.ID)
	if gotRun.Status != v1.RunCancelled {
		t.Errorf("expected cancelled run, got %s", gotRun.Status)
	}
}

func TestSearchRuns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, content := range []string{"fix the parser", "add tests", "fix the build"} {
		run := &v1.Run{AgentID: "claude-code", Input: v1.RunInput{Content: content}}
		if err := s.CreateRun(ctx, run); err != nil {
			t.Fatalf("create failed: %v", err)
		}
	}

	results, err := s.SearchRuns(ctx, v1.SearchRunsRequest{Query: "fix"})
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if len(results) != 2 {
		t.Errorf("expected 2 results, got %d", len(results))
	}

	results, err = s.SearchRuns(ctx, v1.SearchRunsRequest{Status: v1.RunPending})
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if len(results) != 3 {
		t.Errorf("expected 3 pending runs, got %d", len(results))
	}
}

type staticLiveSet map[string]bool

func (ls staticLiveSet) IsActive(conversationID string) bool { return ls[conversationID] }

func TestListConversationsReconcilesStreaming(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv := newTestConversation(t, s)
	if err := s.SetConversationState(ctx, conv.ID, v1.ConversationBusy, true); err != nil {
		t.Fatalf("set state failed: %v", err)
	}

	// Without a live set the persisted flag stands.
	list, err := s.ListConversations(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(list) != 1 || !list[0].IsStreaming {
		t.Fatalf("expected persisted streaming flag, got %+v", list)
	}

	// A live set that does not know the conversation overrides the flag.
	s.SetLiveSet(staticLiveSet{})
	list, err = s.ListConversations(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if list[0].IsStreaming {
		t.Error("expected streaming flag cleared by live set")
	}

	s.SetLiveSet(staticLiveSet{conv.ID: true})
	list, err = s.ListConversations(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if !list[0].IsStreaming {
		t.Error("expected streaming flag set by live set")
	}
}
