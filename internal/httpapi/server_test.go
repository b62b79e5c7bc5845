package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gmgui/gmgui/internal/agent/adapter"
	"github.com/gmgui/gmgui/internal/agent/catalog"
	"github.com/gmgui/gmgui/internal/agent/supervisor"
	"github.com/gmgui/gmgui/internal/common/logger"
	"github.com/gmgui/gmgui/internal/db"
	"github.com/gmgui/gmgui/internal/db/dialect"
	"github.com/gmgui/gmgui/internal/events/bus"
	"github.com/gmgui/gmgui/internal/gateway/websocket"
	"github.com/gmgui/gmgui/internal/scheduler"
	"github.com/gmgui/gmgui/internal/store"
	v1 "github.com/gmgui/gmgui/pkg/api/v1"
	"github.com/gmgui/gmgui/pkg/rpc"
)

type fakeAdapter struct {
	release chan struct{}
}

func (f *fakeAdapter) Execute(ctx context.Context, turn *adapter.Turn, sink adapter.EventSink) *adapter.Outcome {
	select {
	case <-f.release:
		return &adapter.Outcome{Status: v1.RunSuccess, FinalText: "done"}
	case <-ctx.Done():
		return &adapter.Outcome{Status: v1.RunCancelled, Kind: adapter.KindCancelled}
	}
}

type harness struct {
	router *gin.Engine
	store  *store.Store
	fake   *fakeAdapter
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

	log := logger.Default()
	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	cat := catalog.New()
	sup := supervisor.New(cat, log)
	fake := &fakeAdapter{release: make(chan struct{})}
	sched := scheduler.New(st, eventBus, cat, sup, log,
		scheduler.WithAdapterFactory(func(entry *catalog.Entry) adapter.Adapter { return fake }))

	hub := websocket.NewHub(eventBus, rpc.NewDispatcher(), log)
	server := New(st, sched, cat, sup, eventBus, websocket.NewHandler(hub, log), log)
	return &harness{router: server.Router("/gm"), store: st, fake: fake}
}

func (h *harness) request(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func (h *harness) createConversation(t *testing.T) *v1.Conversation {
	t.Helper()
	rec := h.request(t, http.MethodPost, "/gm/api/conversations", map[string]string{
		"agentId": "claude-code",
		"title":   "api thread",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var conv v1.Conversation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &conv))
	return &conv
}

func TestHealth(t *testing.T) {
	h := newHarness(t)
	rec := h.request(t, http.MethodGet, "/gm/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)
}

func TestConversationEndpoints(t *testing.T) {
	h := newHarness(t)
	conv := h.createConversation(t)
	assert.Equal(t, "api thread", conv.Title)

	rec := h.request(t, http.MethodGet, "/gm/api/conversations", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []v1.Conversation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)

	rec = h.request(t, http.MethodDelete, "/gm/api/conversations/"+conv.ID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = h.request(t, http.MethodDelete, "/gm/api/conversations/"+conv.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateConversationUnknownAgent(t *testing.T) {
	h := newHarness(t)
	rec := h.request(t, http.MethodPost, "/gm/api/conversations", map[string]string{
		"agentId": "no-such-agent",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSendMessageQueuesSecondTurn(t *testing.T) {
	h := newHarness(t)
	conv := h.createConversation(t)

	rec := h.request(t, http.MethodPost, fmt.Sprintf("/gm/api/conversations/%s/messages", conv.ID),
		map[string]string{"content": "first"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var result v1.SendMessageResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.False(t, result.Queued)

	rec = h.request(t, http.MethodPost, fmt.Sprintf("/gm/api/conversations/%s/messages", conv.ID),
		map[string]string{"content": "second"})
	require.Equal(t, http.StatusAccepted, rec.Code)

	// Busy conversations refuse deletion.
	rec = h.request(t, http.MethodDelete, "/gm/api/conversations/"+conv.ID, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestListMessagesAndChunksValidation(t *testing.T) {
	h := newHarness(t)
	conv := h.createConversation(t)

	rec := h.request(t, http.MethodGet, fmt.Sprintf("/gm/api/conversations/%s/messages", conv.ID), nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = h.request(t, http.MethodGet, fmt.Sprintf("/gm/api/conversations/%s/chunks?since=abc", conv.ID), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListAgents(t *testing.T) {
	h := newHarness(t)
	rec := h.request(t, http.MethodGet, "/gm/api/agents", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var agents []v1.AgentInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &agents))
	assert.NotEmpty(t, agents)
}

func TestStreamReplaysPersistedChunks(t *testing.T) {
	h := newHarness(t)
	conv := h.createConversation(t)

	ctx := context.Background()
	sess := &v1.Session{ConversationID: conv.ID, AgentID: conv.AgentID, Status: v1.SessionActive}
	require.NoError(t, h.store.CreateSession(ctx, sess))
	chunk := &v1.Chunk{
		SessionID:      sess.ID,
		ConversationID: conv.ID,
		Type:           v1.ChunkText,
		Payload:        json.RawMessage(`{"text":"hello"}`),
	}
	require.NoError(t, h.store.CreateChunk(ctx, chunk))

	srv := httptest.NewServer(h.router)
	defer srv.Close()

	reqCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet,
		srv.URL+"/gm/api/conversations/"+conv.ID+"/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var frame map[string]any
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &frame))
		assert.Equal(t, "streaming_chunk", frame["type"])
		assert.Equal(t, conv.ID, frame["conversationId"])
		assert.Equal(t, float64(0), frame["sequence"])
		return
	}
	t.Fatal("no SSE data frame received")
}
