package scheduler

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gmgui/gmgui/internal/agent/adapter"
	"github.com/gmgui/gmgui/internal/agent/catalog"
	apperr "github.com/gmgui/gmgui/internal/common/errors"
	"github.com/gmgui/gmgui/internal/common/logger"
	"github.com/gmgui/gmgui/internal/db"
	"github.com/gmgui/gmgui/internal/db/dialect"
	"github.com/gmgui/gmgui/internal/events"
	"github.com/gmgui/gmgui/internal/events/bus"
	"github.com/gmgui/gmgui/internal/store"
	v1 "github.com/gmgui/gmgui/pkg/api/v1"
)

// fakeAdapter blocks until released, emitting scripted events first.
type fakeAdapter struct {
	events  []json.RawMessage
	release chan struct{}
	outcome *adapter.Outcome
}

func (f *fakeAdapter) Execute(ctx context.Context, turn *adapter.Turn, sink adapter.EventSink) *adapter.Outcome {
	for _, e := range f.events {
		sink.OnEvent(ctx, e)
	}
	select {
	case <-f.release:
		return f.outcome
	case <-ctx.Done():
		return &adapter.Outcome{Status: v1.RunCancelled, Kind: adapter.KindCancelled}
	}
}

type harness struct {
	store *store.Store
	bus   *bus.MemoryEventBus
	sched *Scheduler
	fake  *fakeAdapter
	conv  *v1.Conversation
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	writer, err := db.OpenSQLite(dbPath)
	require.NoError(t, err)
	reader, err := db.OpenSQLiteReader(dbPath)
	require.NoError(t, err)
	pool := db.NewPool(sqlx.NewDb(writer, dialect.SQLite3), sqlx.NewDb(reader, dialect.SQLite3))
	t.Cleanup(func() { _ = pool.Close() })
	st, err := store.New(pool)
	require.NoError(t, err)

	eventBus := bus.NewMemoryEventBus(logger.Default())
	t.Cleanup(eventBus.Close)

	fake := &fakeAdapter{
		release: make(chan struct{}),
		outcome: &adapter.Outcome{Status: v1.RunSuccess, FinalText: "done"},
	}
	sched := New(st, eventBus, catalog.New(), nil, logger.Default())
	sched.newAdapter = func(entry *catalog.Entry) adapter.Adapter { return fake }

	conv := &v1.Conversation{Title: "t", AgentID: "claude-code", WorkingDir: "/tmp"}
	require.NoError(t, st.CreateConversation(context.Background(), conv))

	return &harness{store: st, bus: eventBus, sched: sched, fake: fake, conv: conv}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestSendMessageRunsTurn(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	result, err := h.sched.SendMessage(ctx, h.conv.ID, v1.SendMessageRequest{
		Content:        "ping",
		IdempotencyKey: "k1",
	})
	require.NoError(t, err)
	assert.False(t, result.Queued)
	assert.NotEmpty(t, result.SessionID)
	assert.NotEmpty(t, result.RunID)
	assert.True(t, h.sched.IsActive(h.conv.ID))

	conv, err := h.store.GetConversation(ctx, h.conv.ID)
	require.NoError(t, err)
	assert.True(t, conv.IsStreaming)
	assert.Equal(t, v1.ConversationBusy, conv.Status)

	close(h.fake.release)
	waitFor(t, func() bool { return !h.sched.IsActive(h.conv.ID) }, "turn never completed")

	conv, err = h.store.GetConversation(ctx, h.conv.ID)
	require.NoError(t, err)
	assert.False(t, conv.IsStreaming)
	assert.Equal(t, v1.ConversationIdle, conv.Status)

	run, err := h.store.GetRun(ctx, result.RunID)
	require.NoError(t, err)
	assert.Equal(t, v1.RunSuccess, run.Status)

	// The final text became an assistant message.
	msgs, err := h.store.ListMessages(ctx, h.conv.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, v1.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "done", msgs[1].Content)
}

func TestSecondSendQueuesAndDrains(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.sched.SendMessage(ctx, h.conv.ID, v1.SendMessageRequest{Content: "ping"})
	require.NoError(t, err)
	require.False(t, first.Queued)

	second, err := h.sched.SendMessage(ctx, h.conv.ID, v1.SendMessageRequest{Content: "pong"})
	require.NoError(t, err)
	assert.True(t, second.Queued)
	assert.Equal(t, 1, second.QueuePosition)
	assert.Equal(t, 1, h.sched.QueueLength(h.conv.ID))

	// The position travels on the wire.
	raw, err := json.Marshal(second)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"queuePosition":1`)

	entries := h.sched.ListQueue(h.conv.ID)
	require.Len(t, entries, 1)
	assert.Equal(t, 1, entries[0].Position)
	assert.Equal(t, "pong", entries[0].Content)

	close(h.fake.release)
	// The same fake adapter serves the drained turn; its channel is already
	// closed, so the second turn completes immediately.
	waitFor(t, func() bool {
		return !h.sched.IsActive(h.conv.ID) && h.sched.QueueLength(h.conv.ID) == 0
	}, "queued turn never drained")

	secondRun, err := h.store.GetRun(ctx, second.RunID)
	require.NoError(t, err)
	assert.Equal(t, v1.RunSuccess, secondRun.Status)
}

func TestIdempotentResend(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.sched.SendMessage(ctx, h.conv.ID, v1.SendMessageRequest{
		Content: "ping", IdempotencyKey: "k1",
	})
	require.NoError(t, err)

	replay, err := h.sched.SendMessage(ctx, h.conv.ID, v1.SendMessageRequest{
		Content: "ping", IdempotencyKey: "k1",
	})
	require.NoError(t, err)
	assert.Equal(t, first.Message.ID, replay.Message.ID)
	assert.Empty(t, replay.RunID, "replay must not schedule a second turn")
	assert.Equal(t, 0, h.sched.QueueLength(h.conv.ID))

	msgs, err := h.store.ListMessages(ctx, h.conv.ID, 10, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestCancelInFlight(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	completes := make(chan *events.StreamingComplete, 4)
	_, err := h.bus.Subscribe(events.StreamWildcardSubject(), func(ctx context.Context, event *bus.Event) error {
		if event.Type == events.StreamingCompleteType {
			var payload events.StreamingComplete
			_ = events.DecodePayload(event, &payload)
			completes <- &payload
		}
		return nil
	})
	require.NoError(t, err)

	result, err := h.sched.SendMessage(ctx, h.conv.ID, v1.SendMessageRequest{Content: "long job"})
	require.NoError(t, err)

	require.NoError(t, h.sched.Cancel(ctx, h.conv.ID))

	select {
	case complete := <-completes:
		assert.True(t, complete.Interrupted)
	case <-time.After(5 * time.Second):
		t.Fatal("no terminal event after cancel")
	}
	waitFor(t, func() bool { return !h.sched.IsActive(h.conv.ID) }, "execution not cleared")

	run, err := h.store.GetRun(ctx, result.RunID)
	require.NoError(t, err)
	assert.Equal(t, v1.RunCancelled, run.Status)

	sess, err := h.store.GetSession(ctx, result.SessionID)
	require.NoError(t, err)
	assert.Equal(t, v1.SessionInterrupted, sess.Status)

	conv, err := h.store.GetConversation(ctx, h.conv.ID)
	require.NoError(t, err)
	assert.False(t, conv.IsStreaming)

	// A fresh send starts cleanly.
	h.fake.release = make(chan struct{})
	close(h.fake.release)
	again, err := h.sched.SendMessage(ctx, h.conv.ID, v1.SendMessageRequest{Content: "retry"})
	require.NoError(t, err)
	assert.False(t, again.Queued)
	waitFor(t, func() bool { return !h.sched.IsActive(h.conv.ID) }, "retry turn never completed")
}

func TestCancelIdleConversation(t *testing.T) {
	h := newHarness(t)
	err := h.sched.Cancel(context.Background(), h.conv.ID)
	assert.True(t, apperr.IsNotFound(err))
}

func TestCancelQueuedRun(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.sched.SendMessage(ctx, h.conv.ID, v1.SendMessageRequest{Content: "first"})
	require.NoError(t, err)
	queued, err := h.sched.SendMessage(ctx, h.conv.ID, v1.SendMessageRequest{Content: "second"})
	require.NoError(t, err)
	require.True(t, queued.Queued)

	run, err := h.sched.CancelRun(ctx, queued.RunID)
	require.NoError(t, err)
	assert.Equal(t, v1.RunCancelled, run.Status)
	assert.Equal(t, 0, h.sched.QueueLength(h.conv.ID))

	// Cancelling again conflicts.
	_, err = h.sched.CancelRun(ctx, queued.RunID)
	assert.True(t, apperr.IsConflict(err))

	close(h.fake.release)
	waitFor(t, func() bool { return !h.sched.IsActive(h.conv.ID) }, "first turn never completed")
}

func TestWaitRun(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	result, err := h.sched.SendMessage(ctx, h.conv.ID, v1.SendMessageRequest{Content: "ping"})
	require.NoError(t, err)

	done := make(chan *v1.Run, 1)
	go func() {
		run, err := h.sched.WaitRun(context.Background(), result.RunID)
		require.NoError(t, err)
		done <- run
	}()

	time.Sleep(50 * time.Millisecond)
	close(h.fake.release)

	select {
	case run := <-done:
		assert.Equal(t, v1.RunSuccess, run.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("WaitRun never returned")
	}
}

func TestCreateRunNewThread(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	close(h.fake.release)

	run, err := h.sched.CreateRun(ctx, v1.CreateRunRequest{
		AgentID: "claude-code",
		Input:   v1.RunInput{Content: "build the thing\nwith details"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, run.ThreadID)

	conv, err := h.store.GetConversation(ctx, run.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, "build the thing", conv.Title)

	final, err := h.sched.WaitRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.RunSuccess, final.Status)
}

func TestErrorOutcomeRecordsErrorMessage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fake.outcome = &adapter.Outcome{
		Status: v1.RunError,
		Kind:   adapter.KindNonZeroExit,
		Err:    assert.AnError,
	}

	result, err := h.sched.SendMessage(ctx, h.conv.ID, v1.SendMessageRequest{Content: "ping"})
	require.NoError(t, err)
	close(h.fake.release)
	waitFor(t, func() bool { return !h.sched.IsActive(h.conv.ID) }, "turn never completed")

	run, err := h.store.GetRun(ctx, result.RunID)
	require.NoError(t, err)
	assert.Equal(t, v1.RunError, run.Status)
	assert.NotEmpty(t, run.Error)

	msgs, err := h.store.ListMessages(ctx, h.conv.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, v1.RoleError, msgs[1].Role)
}

func TestRejectedSendLeavesNoPendingRun(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	close(h.fake.release)
	require.NoError(t, h.sched.Shutdown(ctx))

	_, err := h.sched.SendMessage(ctx, h.conv.ID, v1.SendMessageRequest{Content: "late"})
	require.Error(t, err)
	assert.True(t, apperr.IsUnavailable(err))

	// The rejected turn's run must not linger in pending: the conversation
	// stays deletable.
	runs, err := h.store.ListRunsByThread(ctx, h.conv.ID)
	require.NoError(t, err)
	require.NotEmpty(t, runs)
	for _, run := range runs {
		assert.True(t, run.Status.Terminal(), "run %s left in %s", run.ID, run.Status)
	}
	require.NoError(t, h.store.DeleteConversation(ctx, h.conv.ID))
}
