package stream

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gmgui/gmgui/internal/common/logger"
	"github.com/gmgui/gmgui/internal/db"
	"github.com/gmgui/gmgui/internal/db/dialect"
	"github.com/gmgui/gmgui/internal/events"
	"github.com/gmgui/gmgui/internal/events/bus"
	"github.com/gmgui/gmgui/internal/store"
	v1 "github.com/gmgui/gmgui/pkg/api/v1"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	writer, err := db.OpenSQLite(dbPath)
	require.NoError(t, err)
	reader, err := db.OpenSQLiteReader(dbPath)
	require.NoError(t, err)
	pool := db.NewPool(sqlx.NewDb(writer, dialect.SQLite3), sqlx.NewDb(reader, dialect.SQLite3))
	t.Cleanup(func() { _ = pool.Close() })

	s, err := store.New(pool)
	require.NoError(t, err)
	return s
}

func newTestSession(t *testing.T, s *store.Store) *v1.Session {
	t.Helper()
	ctx := context.Background()
	conv := &v1.Conversation{Title: "test", AgentID: "claude-code", WorkingDir: "/tmp"}
	require.NoError(t, s.CreateConversation(ctx, conv))
	sess := &v1.Session{ConversationID: conv.ID, AgentID: "claude-code"}
	require.NoError(t, s.CreateSession(ctx, sess))
	return sess
}

// The chunk must be readable from the store by the time its event reaches a
// subscriber.
func TestChunkPersistedBeforePublish(t *testing.T) {
	s := newTestStore(t)
	eventBus := bus.NewMemoryEventBus(logger.Default())
	defer eventBus.Close()
	sess := newTestSession(t, s)

	type observation struct {
		sequence     int64
		foundInStore bool
	}
	observed := make(chan observation, 8)

	_, err := eventBus.Subscribe(events.BuildStreamSubject(sess.ID), func(ctx context.Context, event *bus.Event) error {
		if event.Type != events.StreamingChunkType {
			return nil
		}
		var chunk events.StreamingChunk
		require.NoError(t, events.DecodePayload(event, &chunk))

		stored, err := s.ListSessionChunks(context.Background(), sess.ID, chunk.Sequence-1)
		require.NoError(t, err)
		found := false
		for _, c := range stored {
			if c.Sequence == chunk.Sequence {
				found = true
			}
		}
		observed <- observation{sequence: chunk.Sequence, foundInStore: found}
		return nil
	})
	require.NoError(t, err)

	p := NewPersister(s, eventBus, logger.Default(), sess.ID, sess.ConversationID)
	for i := 0; i < 3; i++ {
		p.OnEvent(context.Background(), json.RawMessage(`{"type":"text","text":"chunk"}`))
	}

	for want := int64(0); want < 3; want++ {
		select {
		case obs := <-observed:
			assert.Equal(t, want, obs.sequence, "chunks must arrive in sequence order")
			assert.True(t, obs.foundInStore, "chunk %d announced before it was stored", obs.sequence)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for chunk %d", want)
		}
	}
}

func TestTerminalEvents(t *testing.T) {
	s := newTestStore(t)
	eventBus := bus.NewMemoryEventBus(logger.Default())
	defer eventBus.Close()
	sess := newTestSession(t, s)

	types := make(chan string, 8)
	_, err := eventBus.Subscribe(events.BuildStreamSubject(sess.ID), func(ctx context.Context, event *bus.Event) error {
		types <- event.Type
		return nil
	})
	require.NoError(t, err)

	p := NewPersister(s, eventBus, logger.Default(), sess.ID, sess.ConversationID)
	ctx := context.Background()
	p.Start(ctx, "claude-code", "run-1")
	p.Complete(ctx, false, "done")
	p.Fail(ctx, "timeout", "deadline exceeded")
	p.Cancelled(ctx)

	want := []string{
		events.StreamingStartType,
		events.StreamingCompleteType,
		events.StreamingErrorType,
		events.StreamingCancelledType,
	}
	for _, w := range want {
		select {
		case got := <-types:
			assert.Equal(t, w, got)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s", w)
		}
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		payload string
		want    v1.ChunkType
	}{
		{`{"type":"result","result":"ok"}`, v1.ChunkResult},
		{`{"type":"system","subtype":"init"}`, v1.ChunkSystem},
		{`{"type":"text","text":"hi"}`, v1.ChunkText},
		{`{"type":"content","text":"hi"}`, v1.ChunkText},
		{`{"type":"thinking","text":"hmm"}`, v1.ChunkText},
		{`{"type":"toolCall","toolName":"grep"}`, v1.ChunkToolUse},
		{`{"type":"tool_result","result":"x"}`, v1.ChunkToolResult},
		{`{"type":"assistant","message":{"content":[{"type":"text","text":"hi"}]}}`, v1.ChunkText},
		{`{"type":"assistant","message":{"content":[{"type":"tool_use","name":"bash"}]}}`, v1.ChunkToolUse},
		{`{"type":"user","message":{"content":[{"type":"tool_result"}]}}`, v1.ChunkToolResult},
		{`{"type":"whatever"}`, v1.ChunkSystem},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, classify(json.RawMessage(tc.payload)), tc.payload)
	}
}
