package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/gmgui/gmgui/internal/agent/acp"
	"github.com/gmgui/gmgui/internal/agent/catalog"
	"github.com/gmgui/gmgui/internal/agent/supervisor"
	"github.com/gmgui/gmgui/internal/common/logger"
	v1 "github.com/gmgui/gmgui/pkg/api/v1"
)

// acpConn is the slice of the ACP client the adapter uses, split out so tests
// can substitute a fake.
type acpConn interface {
	OnSessionUpdate(handler func(update *acp.SessionUpdate))
	Initialize(ctx context.Context) (*acp.InitializeResult, error)
	NewSession(ctx context.Context, cwd string) (string, error)
	LoadSession(ctx context.Context, sessionID string) error
	Prompt(ctx context.Context, sessionID, text string) (*acp.SessionPromptResult, error)
	CancelSession(sessionID, reason string) error
	Close() error
}

// ACPAdapter drives a persistent agent through the supervisor: ensure the
// process is up, connect, prompt, and stream session updates to the sink.
type ACPAdapter struct {
	entry  *catalog.Entry
	sup    *supervisor.Supervisor
	logger *logger.Logger

	// dial is swappable in tests.
	dial func(ctx context.Context, port int) (acpConn, error)
}

// NewACP creates an ACP dialect adapter for a catalog entry.
func NewACP(entry *catalog.Entry, sup *supervisor.Supervisor, log *logger.Logger) *ACPAdapter {
	scoped := log.WithFields(zap.String("component", "acp-adapter"), zap.String("agent", entry.ID))
	return &ACPAdapter{
		entry:  entry,
		sup:    sup,
		logger: scoped,
		dial: func(ctx context.Context, port int) (acpConn, error) {
			return acp.Dial(ctx, port, scoped)
		},
	}
}

// Execute runs one turn against the persistent agent. On cancellation the
// agent is told to abandon the prompt via session/cancel.
func (a *ACPAdapter) Execute(ctx context.Context, turn *Turn, sink EventSink) *Outcome {
	port, err := a.sup.EnsureRunning(ctx, a.entry.ID)
	if err != nil {
		return spawnFailure(fmt.Errorf("agent %s not available: %w", a.entry.ID, err))
	}
	defer a.sup.Touch(a.entry.ID)

	conn, err := a.dial(ctx, port)
	if err != nil {
		return spawnFailure(err)
	}
	defer conn.Close()

	outcome := &Outcome{}
	var finalText strings.Builder
	conn.OnSessionUpdate(func(update *acp.SessionUpdate) {
		if update.Type == acp.UpdateContent {
			var content acp.SessionUpdateContent
			if err := json.Unmarshal(update.Data, &content); err == nil {
				finalText.WriteString(content.Text)
			}
		}
		payload, err := json.Marshal(update)
		if err != nil {
			return
		}
		sink.OnEvent(ctx, payload)
	})

	if _, err := conn.Initialize(ctx); err != nil {
		return spawnFailure(err)
	}

	sessionID, err := a.resolveSession(ctx, conn, turn)
	if err != nil {
		return spawnFailure(err)
	}
	outcome.ExternalSessionID = sessionID

	result, err := conn.Prompt(ctx, sessionID, turn.Prompt)
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		_ = conn.CancelSession(sessionID, "deadline exceeded")
		outcome.Status = v1.RunError
		outcome.Kind = KindTimeout
		outcome.Err = fmt.Errorf("agent run exceeded its deadline")
	case errors.Is(ctx.Err(), context.Canceled):
		_ = conn.CancelSession(sessionID, "cancelled by user")
		outcome.Status = v1.RunCancelled
		outcome.Kind = KindCancelled
	case err != nil:
		outcome.Status = v1.RunError
		outcome.Kind = KindNonZeroExit
		outcome.Err = fmt.Errorf("prompt failed: %w", err)
	case result.StopReason == "cancelled":
		outcome.Status = v1.RunCancelled
		outcome.Kind = KindCancelled
	default:
		outcome.Status = v1.RunSuccess
	}

	if outcome.Status == v1.RunSuccess {
		outcome.FinalText = finalText.String()
	}
	return outcome
}

// resolveSession resumes the prior agent session when the turn carries one,
// falling back to a fresh session if the agent no longer remembers it.
func (a *ACPAdapter) resolveSession(ctx context.Context, conn acpConn, turn *Turn) (string, error) {
	if turn.ExternalSessionID != "" {
		if err := conn.LoadSession(ctx, turn.ExternalSessionID); err == nil {
			return turn.ExternalSessionID, nil
		}
		a.logger.Warn("Agent session resume failed, starting fresh",
			zap.String("external_session_id", turn.ExternalSessionID))
	}
	return conn.NewSession(ctx, turn.Workdir)
}
