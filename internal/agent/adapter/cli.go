package adapter

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"time"

	"go.uber.org/zap"

	"github.com/gmgui/gmgui/internal/agent/catalog"
	"github.com/gmgui/gmgui/internal/agent/proc"
	"github.com/gmgui/gmgui/internal/common/logger"
	v1 "github.com/gmgui/gmgui/pkg/api/v1"
)

const (
	scanInitial = 64 * 1024
	scanMax     = 10 * 1024 * 1024
	killGrace   = 3 * time.Second

	// stderrLimit bounds how much agent stderr is kept for diagnostics.
	stderrLimit = 8 * 1024
)

// CLIAdapter spawns the agent binary once per turn, feeds the prompt on
// stdin and reads newline-delimited JSON events from stdout.
type CLIAdapter struct {
	entry  *catalog.Entry
	logger *logger.Logger
}

// NewCLI creates a CLI dialect adapter for a catalog entry.
func NewCLI(entry *catalog.Entry, log *logger.Logger) *CLIAdapter {
	return &CLIAdapter{
		entry:  entry,
		logger: log.WithFields(zap.String("component", "cli-adapter"), zap.String("agent", entry.ID)),
	}
}

// cliEvent is the subset of fields the adapter itself inspects; everything
// else passes through to the sink verbatim.
type cliEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Result    string `json:"result"`
}

// Execute runs one turn to completion. Cancellation and deadlines arrive via
// ctx; the child is stopped with a soft signal first and a hard kill after
// the grace period.
func (a *CLIAdapter) Execute(ctx context.Context, turn *Turn, sink EventSink) *Outcome {
	cmd := exec.Command(a.entry.Binary, a.buildArgs(turn)...)
	cmd.Dir = turn.Workdir
	proc.SetAttributes(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return spawnFailure(fmt.Errorf("stdin pipe: %w", err))
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return spawnFailure(fmt.Errorf("stdout pipe: %w", err))
	}
	var stderr bytes.Buffer
	cmd.Stderr = &boundedWriter{buf: &stderr, limit: stderrLimit}

	if err := cmd.Start(); err != nil {
		return spawnFailure(fmt.Errorf("failed to spawn %s (install %s): %w",
			a.entry.Binary, a.entry.Package, err))
	}

	a.logger.Debug("Agent process spawned",
		zap.Int("pid", cmd.Process.Pid),
		zap.String("run_id", turn.RunID))

	go func() {
		_, _ = io.WriteString(stdin, turn.Prompt)
		_ = stdin.Close()
	}()

	// Two-phase termination on cancel or deadline.
	waited := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = proc.SignalSoft(cmd)
			select {
			case <-waited:
			case <-time.After(killGrace):
				_ = proc.SignalHard(cmd)
			}
		case <-waited:
		}
	}()

	outcome := &Outcome{}
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, scanInitial), scanMax)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		var event cliEvent
		if err := json.Unmarshal(line, &event); err != nil {
			outcome.SkippedLines++
			a.logger.Warn("Skipping malformed agent output line",
				zap.String("run_id", turn.RunID),
				zap.Int("length", len(line)),
				zap.Error(err))
			continue
		}

		if event.SessionID != "" {
			outcome.ExternalSessionID = event.SessionID
		}
		if event.Type == "result" {
			outcome.FinalText = event.Result
		}

		payload := make(json.RawMessage, len(line))
		copy(payload, line)
		sink.OnEvent(ctx, payload)
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		a.logger.Warn("Agent stdout read failed", zap.String("run_id", turn.RunID), zap.Error(err))
	}

	waitErr := cmd.Wait()
	close(waited)

	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		outcome.Status = v1.RunError
		outcome.Kind = KindTimeout
		outcome.Err = fmt.Errorf("agent run exceeded its deadline")
	case errors.Is(ctx.Err(), context.Canceled):
		outcome.Status = v1.RunCancelled
		outcome.Kind = KindCancelled
	case waitErr != nil:
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			outcome.ExitCode = exitErr.ExitCode()
		}
		outcome.Status = v1.RunError
		outcome.Kind = KindNonZeroExit
		outcome.Err = fmt.Errorf("agent exited with code %d: %s",
			outcome.ExitCode, bytes.TrimSpace(stderr.Bytes()))
	default:
		outcome.Status = v1.RunSuccess
	}
	return outcome
}

// buildArgs assembles the command line from the catalog entry and the turn's
// options. Flags the agent does not declare are skipped.
func (a *CLIAdapter) buildArgs(turn *Turn) []string {
	args := append([]string{}, a.entry.Args...)
	if turn.Model != "" && a.entry.ModelFlag != "" {
		args = append(args, a.entry.ModelFlag, turn.Model)
	}
	if turn.ExternalSessionID != "" && a.entry.ResumeFlag != "" {
		args = append(args, a.entry.ResumeFlag, turn.ExternalSessionID)
	}
	if turn.SystemPrompt != "" && a.entry.SystemPromptFlag != "" {
		args = append(args, a.entry.SystemPromptFlag, turn.SystemPrompt)
	}
	return args
}

func spawnFailure(err error) *Outcome {
	return &Outcome{Status: v1.RunError, Kind: KindSpawnFailed, Err: err}
}

// boundedWriter keeps the first limit bytes and discards the rest.
type boundedWriter struct {
	buf   *bytes.Buffer
	limit int
}

func (w *boundedWriter) Write(p []byte) (int, error) {
	if remaining := w.limit - w.buf.Len(); remaining > 0 {
		if len(p) > remaining {
			w.buf.Write(p[:remaining])
		} else {
			w.buf.Write(p)
		}
	}
	return len(p), nil
}
