package wshandlers

import (
	"context"
	"encoding/json"
	"os/exec"
	"time"

	apperr "github.com/gmgui/gmgui/internal/common/errors"
	"github.com/gmgui/gmgui/internal/gateway/websocket"
	v1 "github.com/gmgui/gmgui/pkg/api/v1"
	"github.com/gmgui/gmgui/pkg/rpc"
)

const (
	defaultWaitTimeout = time.Minute
	maxWaitTimeout     = 5 * time.Minute
)

type runRef struct {
	RunID string `json:"runId"`
}

func decodeRunRef(params json.RawMessage) (string, error) {
	var ref runRef
	if err := rpc.DecodeParams(params, &ref); err != nil {
		return "", err
	}
	if ref.RunID == "" {
		return "", apperr.BadRequest("runId is required")
	}
	return ref.RunID, nil
}

func (h *Handlers) createRun(ctx context.Context, params json.RawMessage) (any, error) {
	var req v1.CreateRunRequest
	if err := rpc.DecodeParams(params, &req); err != nil {
		return nil, err
	}
	if req.AgentID == "" {
		return nil, apperr.BadRequest("agentId is required")
	}
	if req.Input.Content == "" {
		return nil, apperr.BadRequest("input.content is required")
	}
	return h.scheduler.CreateRun(ctx, req)
}

func (h *Handlers) getRun(ctx context.Context, params json.RawMessage) (any, error) {
	id, err := decodeRunRef(params)
	if err != nil {
		return nil, err
	}
	return h.store.GetRun(ctx, id)
}

// resumeRun re-submits a finished run's input as a fresh run on the same
// thread. The original row is left untouched.
func (h *Handlers) resumeRun(ctx context.Context, params json.RawMessage) (any, error) {
	id, err := decodeRunRef(params)
	if err != nil {
		return nil, err
	}
	run, err := h.store.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	if !run.Status.Terminal() {
		return nil, apperr.Conflict("run is still in progress")
	}
	return h.scheduler.CreateRun(ctx, v1.CreateRunRequest{
		AgentID:    run.AgentID,
		ThreadID:   run.ThreadID,
		Input:      run.Input,
		WebhookURL: run.WebhookURL,
	})
}

func (h *Handlers) cancelRun(ctx context.Context, params json.RawMessage) (any, error) {
	id, err := decodeRunRef(params)
	if err != nil {
		return nil, err
	}
	return h.scheduler.CancelRun(ctx, id)
}

func (h *Handlers) searchRuns(ctx context.Context, params json.RawMessage) (any, error) {
	var req v1.SearchRunsRequest
	if len(params) > 0 {
		if err := rpc.DecodeParams(params, &req); err != nil {
			return nil, err
		}
	}
	return h.store.SearchRuns(ctx, req)
}

// waitRun long-polls run completion. It answers with the terminal run, or a
// timeout error once the deadline passes.
func (h *Handlers) waitRun(ctx context.Context, params json.RawMessage) (any, error) {
	var req struct {
		runRef
		TimeoutMs int64 `json:"timeoutMs,omitempty"`
	}
	if err := rpc.DecodeParams(params, &req); err != nil {
		return nil, err
	}
	if req.RunID == "" {
		return nil, apperr.BadRequest("runId is required")
	}

	timeout := defaultWaitTimeout
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
		if timeout > maxWaitTimeout {
			timeout = maxWaitTimeout
		}
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return h.scheduler.WaitRun(waitCtx, req.RunID)
}

// streamRun subscribes the calling client to the run's thread and returns
// the run.
func (h *Handlers) streamRun(ctx context.Context, params json.RawMessage) (any, error) {
	id, err := decodeRunRef(params)
	if err != nil {
		return nil, err
	}
	run, err := h.store.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	if client, ok := websocket.ClientFromContext(ctx); ok && run.ThreadID != "" {
		h.hub.Subscribe(client, "", run.ThreadID)
	}
	return run, nil
}

func (h *Handlers) listThreadRuns(ctx context.Context, params json.RawMessage) (any, error) {
	id, err := decodeRef(params)
	if err != nil {
		return nil, err
	}
	return h.store.ListRunsByThread(ctx, id)
}

// listAgents reports every catalog entry with its supervisor state. Models
// are queried only from agents that are already up.
func (h *Handlers) listAgents(ctx context.Context, params json.RawMessage) (any, error) {
	statusByID := make(map[string]agentState)
	for _, st := range h.sup.Status() {
		statusByID[st.ID] = agentState{running: st.Running, healthy: st.Healthy, port: st.Port}
	}

	entries := h.catalog.List()
	agents := make([]v1.AgentInfo, 0, len(entries))
	for _, entry := range entries {
		_, lookErr := exec.LookPath(entry.Binary)
		st := statusByID[entry.ID]

		info := v1.AgentInfo{
			ID:        entry.ID,
			Name:      entry.Name,
			Binary:    entry.Binary,
			Protocol:  entry.Protocol,
			Available: lookErr == nil || st.running,
			Running:   st.running,
			Port:      st.port,
		}
		if st.running && st.healthy {
			info.Models = h.sup.QueryModels(ctx, entry.ID)
		}
		agents = append(agents, info)
	}
	return agents, nil
}

type agentState struct {
	running bool
	healthy bool
	port    int
}
