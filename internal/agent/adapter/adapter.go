// Package adapter executes one agent turn and streams the agent's raw output
// events to an EventSink, one decoded JSON object at a time. Two dialects
// exist: CLI agents are spawned per turn and emit newline-delimited JSON on
// stdout; ACP agents stay resident and stream JSON-RPC session updates.
package adapter

import (
	"context"
	"encoding/json"

	"github.com/gmgui/gmgui/internal/agent/catalog"
	"github.com/gmgui/gmgui/internal/agent/supervisor"
	"github.com/gmgui/gmgui/internal/common/logger"
	v1 "github.com/gmgui/gmgui/pkg/api/v1"
)

// Turn is the input for one agent execution.
type Turn struct {
	ConversationID string
	SessionID      string
	RunID          string

	Prompt       string
	Model        string
	SystemPrompt string

	// ExternalSessionID resumes an earlier agent-side session when the agent
	// supports it.
	ExternalSessionID string

	// Workdir is the working directory the agent runs in.
	Workdir string
}

// EventSink receives each agent output event as it arrives. The payload is
// valid JSON and owned by the receiver.
type EventSink interface {
	OnEvent(ctx context.Context, payload json.RawMessage)
}

// ErrorKind classifies why a turn did not succeed.
type ErrorKind string

const (
	KindNone        ErrorKind = ""
	KindSpawnFailed ErrorKind = "spawn_failed"
	KindBadJSONLine ErrorKind = "bad_json_line"
	KindTimeout     ErrorKind = "timeout"
	KindNonZeroExit ErrorKind = "non_zero_exit"
	KindCancelled   ErrorKind = "cancelled"
)

// Outcome is the terminal result of one turn.
type Outcome struct {
	Status v1.RunStatus // success, error or cancelled
	Kind   ErrorKind
	Err    error

	// ExitCode of the agent process. CLI dialect only.
	ExitCode int

	// FinalText is the assistant's final message text, when the agent
	// reported one.
	FinalText string

	// ExternalSessionID is the agent-side session id observed during the
	// turn, used to resume the conversation later.
	ExternalSessionID string

	// SkippedLines counts output lines that were not valid JSON.
	SkippedLines int
}

// Adapter executes turns for one agent.
type Adapter interface {
	Execute(ctx context.Context, turn *Turn, sink EventSink) *Outcome
}

// New returns the adapter matching the catalog entry's protocol.
func New(entry *catalog.Entry, sup *supervisor.Supervisor, log *logger.Logger) Adapter {
	if entry.Protocol == v1.ProtocolACP {
		return NewACP(entry, sup, log)
	}
	return NewCLI(entry, log)
}
