package adapter

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gmgui/gmgui/internal/agent/acp"
	"github.com/gmgui/gmgui/internal/agent/catalog"
	"github.com/gmgui/gmgui/internal/agent/supervisor"
	"github.com/gmgui/gmgui/internal/common/logger"
	v1 "github.com/gmgui/gmgui/pkg/api/v1"
)

// fakeConn scripts the agent side of an ACP exchange.
type fakeConn struct {
	update func(update *acp.SessionUpdate)

	loadErr    error
	stopReason string
	promptErr  error

	loaded   string
	created  bool
	prompted string
	closed   bool
}

func (f *fakeConn) OnSessionUpdate(h func(update *acp.SessionUpdate)) { f.update = h }

func (f *fakeConn) Initialize(context.Context) (*acp.InitializeResult, error) {
	return &acp.InitializeResult{ProtocolVersion: "1.0"}, nil
}

func (f *fakeConn) NewSession(context.Context, string) (string, error) {
	f.created = true
	return "fresh-session", nil
}

func (f *fakeConn) LoadSession(_ context.Context, id string) error {
	if f.loadErr != nil {
		return f.loadErr
	}
	f.loaded = id
	return nil
}

func (f *fakeConn) Prompt(ctx context.Context, sessionID, text string) (*acp.SessionPromptResult, error) {
	f.prompted = text
	if f.promptErr != nil {
		return nil, f.promptErr
	}
	for _, chunk := range []string{"streamed ", "answer"} {
		data, _ := json.Marshal(acp.SessionUpdateContent{Text: chunk})
		f.update(&acp.SessionUpdate{SessionID: sessionID, Type: acp.UpdateContent, Data: data})
	}
	reason := f.stopReason
	if reason == "" {
		reason = "end_turn"
	}
	return &acp.SessionPromptResult{StopReason: reason}, nil
}

func (f *fakeConn) CancelSession(string, string) error { return nil }
func (f *fakeConn) Close() error                       { f.closed = true; return nil }

func newACPAdapter(t *testing.T, conn *fakeConn) *ACPAdapter {
	t.Helper()
	// Health endpoint so EnsureRunning adopts instead of spawning.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	addr, ok := srv.Listener.Addr().(*net.TCPAddr)
	require.True(t, ok)

	entry := &catalog.Entry{
		ID:         "fake-acp",
		Binary:     "fake",
		HealthPort: addr.Port,
		Protocol:   v1.ProtocolACP,
	}
	cat := catalog.New()
	require.NoError(t, cat.Register(entry))
	sup := supervisor.New(cat, logger.Default())

	a := NewACP(entry, sup, logger.Default())
	a.dial = func(context.Context, int) (acpConn, error) { return conn, nil }
	return a
}

func TestACPSuccess(t *testing.T) {
	conn := &fakeConn{}
	a := newACPAdapter(t, conn)
	sink := &captureSink{}

	outcome := a.Execute(context.Background(), &Turn{Prompt: "hello", Workdir: "/work"}, sink)

	assert.Equal(t, v1.RunSuccess, outcome.Status)
	assert.Equal(t, "fresh-session", outcome.ExternalSessionID)
	assert.Equal(t, "streamed answer", outcome.FinalText)
	assert.True(t, conn.created)
	assert.True(t, conn.closed)
	assert.Equal(t, 2, sink.len())
}

func TestACPResumesSession(t *testing.T) {
	conn := &fakeConn{}
	a := newACPAdapter(t, conn)

	outcome := a.Execute(context.Background(), &Turn{
		Prompt:            "continue",
		ExternalSessionID: "ext-42",
	}, &captureSink{})

	assert.Equal(t, v1.RunSuccess, outcome.Status)
	assert.Equal(t, "ext-42", outcome.ExternalSessionID)
	assert.Equal(t, "ext-42", conn.loaded)
	assert.False(t, conn.created)
}

func TestACPResumeFallsBackToNewSession(t *testing.T) {
	conn := &fakeConn{loadErr: &acp.RPCError{Code: acp.CodeInvalidParams, Message: "unknown session"}}
	a := newACPAdapter(t, conn)

	outcome := a.Execute(context.Background(), &Turn{
		Prompt:            "continue",
		ExternalSessionID: "gone",
	}, &captureSink{})

	assert.Equal(t, v1.RunSuccess, outcome.Status)
	assert.Equal(t, "fresh-session", outcome.ExternalSessionID)
	assert.True(t, conn.created)
}

func TestACPCancelledStopReason(t *testing.T) {
	conn := &fakeConn{stopReason: "cancelled"}
	a := newACPAdapter(t, conn)

	outcome := a.Execute(context.Background(), &Turn{Prompt: "x"}, &captureSink{})

	assert.Equal(t, v1.RunCancelled, outcome.Status)
	assert.Equal(t, KindCancelled, outcome.Kind)
}

func TestACPPromptError(t *testing.T) {
	conn := &fakeConn{promptErr: &acp.RPCError{Code: acp.CodeInternalError, Message: "agent crashed"}}
	a := newACPAdapter(t, conn)

	outcome := a.Execute(context.Background(), &Turn{Prompt: "x"}, &captureSink{})

	assert.Equal(t, v1.RunError, outcome.Status)
	assert.Equal(t, KindNonZeroExit, outcome.Kind)
	require.Error(t, outcome.Err)
}
