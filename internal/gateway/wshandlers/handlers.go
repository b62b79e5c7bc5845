// Package wshandlers registers the RPC method table served over the
// WebSocket gateway. Thread methods are aliases of the conversation methods;
// both vocabularies name the same rows.
package wshandlers

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gmgui/gmgui/internal/agent/catalog"
	"github.com/gmgui/gmgui/internal/agent/supervisor"
	apperr "github.com/gmgui/gmgui/internal/common/errors"
	"github.com/gmgui/gmgui/internal/common/logger"
	"github.com/gmgui/gmgui/internal/events"
	"github.com/gmgui/gmgui/internal/events/bus"
	"github.com/gmgui/gmgui/internal/gateway/websocket"
	"github.com/gmgui/gmgui/internal/scheduler"
	"github.com/gmgui/gmgui/internal/store"
	v1 "github.com/gmgui/gmgui/pkg/api/v1"
	"github.com/gmgui/gmgui/pkg/rpc"
)

// Handlers owns the RPC method implementations.
type Handlers struct {
	store      *store.Store
	scheduler  *scheduler.Scheduler
	catalog    *catalog.Catalog
	sup        *supervisor.Supervisor
	hub        *websocket.Hub
	eventBus   bus.EventBus
	defaultCWD string
	logger     *logger.Logger
}

// SetDefaultWorkingDir sets the working directory assigned to conversations
// created without one.
func (h *Handlers) SetDefaultWorkingDir(dir string) {
	h.defaultCWD = dir
}

// New wires the handlers over the shared components.
func New(st *store.Store, sched *scheduler.Scheduler, cat *catalog.Catalog, sup *supervisor.Supervisor, hub *websocket.Hub, eventBus bus.EventBus, log *logger.Logger) *Handlers {
	return &Handlers{
		store:     st,
		scheduler: sched,
		catalog:   cat,
		sup:       sup,
		hub:       hub,
		eventBus:  eventBus,
		logger:    log.WithFields(zap.String("component", "wshandlers")),
	}
}

// Register fills the method table.
func (h *Handlers) Register(d *rpc.Dispatcher) {
	d.Register("conv.ls", h.listConversations)
	d.Register("conv.new", h.createConversation)
	d.Register("conv.get", h.getConversation)
	d.Register("conv.upd", h.updateConversation)
	d.Register("conv.del", h.deleteConversation)
	d.Register("conv.full", h.fullConversation)
	d.Register("conv.chunks", h.listChunks)
	d.Register("conv.cancel", h.cancelConversation)
	d.Register("conv.inject", h.injectMessage)

	d.Register("msg.ls", h.listMessages)
	d.Register("msg.send", h.sendMessage)
	d.Register("msg.get", h.getMessage)
	d.Register("msg.stream", h.streamMessage)

	d.Register("q.ls", h.listQueue)
	d.Register("q.del", h.deleteQueued)
	d.Register("q.upd", h.updateQueued)

	d.Register("run.new", h.createRun)
	d.Register("run.get", h.getRun)
	d.Register("run.resume", h.resumeRun)
	d.Register("run.cancel", h.cancelRun)
	d.Register("run.search", h.searchRuns)
	d.Register("run.wait", h.waitRun)
	d.Register("run.stream", h.streamRun)
	d.Alias("run.del", "run.cancel")

	d.Register("thread.run.ls", h.listThreadRuns)
	d.Register("thread.run.cancel", h.cancelConversation)

	d.Register("agent.ls", h.listAgents)

	for _, method := range []string{"ls", "new", "get", "upd", "del", "full", "chunks", "cancel", "inject"} {
		d.Alias("thread."+method, "conv."+method)
	}
}

// conversationRef addresses one conversation by either vocabulary.
type conversationRef struct {
	ConversationID string `json:"conversationId"`
	ThreadID       string `json:"threadId"`
}

func (r *conversationRef) id() (string, error) {
	switch {
	case r.ConversationID != "":
		return r.ConversationID, nil
	case r.ThreadID != "":
		return r.ThreadID, nil
	}
	return "", apperr.BadRequest("conversationId is required")
}

func decodeRef(params json.RawMessage) (string, error) {
	var ref conversationRef
	if err := rpc.DecodeParams(params, &ref); err != nil {
		return "", err
	}
	return ref.id()
}

func (h *Handlers) listConversations(ctx context.Context, params json.RawMessage) (any, error) {
	return h.store.ListConversations(ctx)
}

func (h *Handlers) createConversation(ctx context.Context, params json.RawMessage) (any, error) {
	var req v1.CreateConversationRequest
	if err := rpc.DecodeParams(params, &req); err != nil {
		return nil, err
	}
	if req.AgentID == "" {
		return nil, apperr.BadRequest("agentId is required")
	}
	if _, ok := h.catalog.Get(req.AgentID); !ok {
		return nil, apperr.NotFound("agent", req.AgentID)
	}

	title := req.Title
	if title == "" {
		title = "New conversation"
	}
	workingDir := req.WorkingDir
	if workingDir == "" {
		workingDir = h.defaultCWD
	}
	conv := &v1.Conversation{
		ID:         uuid.New().String(),
		Title:      title,
		AgentID:    req.AgentID,
		Model:      req.Model,
		SubAgent:   req.SubAgent,
		WorkingDir: workingDir,
		Status:     v1.ConversationIdle,
	}
	if err := h.store.CreateConversation(ctx, conv); err != nil {
		return nil, err
	}
	h.publish(ctx, events.SubjectConversationCreated, events.ConversationCreatedType,
		&events.ConversationCreated{Conversation: conv})
	return conv, nil
}

func (h *Handlers) getConversation(ctx context.Context, params json.RawMessage) (any, error) {
	id, err := decodeRef(params)
	if err != nil {
		return nil, err
	}
	return h.store.GetConversation(ctx, id)
}

func (h *Handlers) updateConversation(ctx context.Context, params json.RawMessage) (any, error) {
	var req struct {
		conversationRef
		v1.UpdateConversationRequest
	}
	if err := rpc.DecodeParams(params, &req); err != nil {
		return nil, err
	}
	id, err := req.id()
	if err != nil {
		return nil, err
	}
	if req.AgentID != nil {
		if _, ok := h.catalog.Get(*req.AgentID); !ok {
			return nil, apperr.NotFound("agent", *req.AgentID)
		}
	}
	conv, err := h.store.UpdateConversation(ctx, id, req.UpdateConversationRequest)
	if err != nil {
		return nil, err
	}
	h.publish(ctx, events.SubjectConversationUpdated, events.ConversationUpdatedType,
		&events.ConversationUpdated{Conversation: conv})
	return conv, nil
}

func (h *Handlers) deleteConversation(ctx context.Context, params json.RawMessage) (any, error) {
	id, err := decodeRef(params)
	if err != nil {
		return nil, err
	}
	if h.scheduler.IsActive(id) {
		return nil, apperr.Conflict("conversation has an active run")
	}
	if err := h.store.DeleteConversation(ctx, id); err != nil {
		return nil, err
	}
	h.scheduler.DropConversation(ctx, id)
	h.publish(ctx, events.SubjectConversationDeleted, events.ConversationDeletedType,
		&events.ConversationDeleted{ConversationID: id})
	return map[string]string{"conversationId": id}, nil
}

func (h *Handlers) fullConversation(ctx context.Context, params json.RawMessage) (any, error) {
	id, err := decodeRef(params)
	if err != nil {
		return nil, err
	}
	conv, err := h.store.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}

	const page = 100
	var messages []v1.Message
	for offset := 0; ; offset += page {
		batch, err := h.store.ListMessages(ctx, id, page, offset)
		if err != nil {
			return nil, err
		}
		messages = append(messages, batch...)
		if len(batch) < page {
			break
		}
	}

	sessions, err := h.store.ListSessions(ctx, id)
	if err != nil {
		return nil, err
	}
	return &v1.ConversationWithHistory{
		Conversation: *conv,
		Messages:     messages,
		Sessions:     sessions,
	}, nil
}

func (h *Handlers) listChunks(ctx context.Context, params json.RawMessage) (any, error) {
	var req struct {
		conversationRef
		Since *int64 `json:"since,omitempty"` // unix milliseconds
	}
	if err := rpc.DecodeParams(params, &req); err != nil {
		return nil, err
	}
	id, err := req.id()
	if err != nil {
		return nil, err
	}
	var since *time.Time
	if req.Since != nil {
		ts := time.UnixMilli(*req.Since).UTC()
		since = &ts
	}
	return h.store.ListChunks(ctx, id, since)
}

func (h *Handlers) cancelConversation(ctx context.Context, params json.RawMessage) (any, error) {
	id, err := decodeRef(params)
	if err != nil {
		return nil, err
	}
	if err := h.scheduler.Cancel(ctx, id); err != nil {
		return nil, err
	}
	return map[string]string{"conversationId": id}, nil
}

func (h *Handlers) injectMessage(ctx context.Context, params json.RawMessage) (any, error) {
	var req struct {
		conversationRef
		Role    v1.MessageRole `json:"role"`
		Content string         `json:"content"`
	}
	if err := rpc.DecodeParams(params, &req); err != nil {
		return nil, err
	}
	id, err := req.id()
	if err != nil {
		return nil, err
	}
	if req.Content == "" {
		return nil, apperr.BadRequest("content is required")
	}
	if req.Role == "" {
		req.Role = v1.RoleUser
	}
	return h.scheduler.Inject(ctx, id, req.Role, req.Content)
}

func (h *Handlers) listMessages(ctx context.Context, params json.RawMessage) (any, error) {
	var req struct {
		conversationRef
		v1.ListMessagesRequest
	}
	if err := rpc.DecodeParams(params, &req); err != nil {
		return nil, err
	}
	id, err := req.id()
	if err != nil {
		return nil, err
	}
	return h.store.ListMessages(ctx, id, req.Limit, req.Offset)
}

func (h *Handlers) getMessage(ctx context.Context, params json.RawMessage) (any, error) {
	var req struct {
		MessageID string `json:"messageId"`
	}
	if err := rpc.DecodeParams(params, &req); err != nil {
		return nil, err
	}
	if req.MessageID == "" {
		return nil, apperr.BadRequest("messageId is required")
	}
	return h.store.GetMessage(ctx, req.MessageID)
}

func (h *Handlers) sendMessage(ctx context.Context, params json.RawMessage) (any, error) {
	result, _, err := h.submitMessage(ctx, params)
	return result, err
}

// streamMessage is sendMessage plus an implicit subscription: the calling
// client starts receiving the turn's stream without a separate subscribe
// frame.
func (h *Handlers) streamMessage(ctx context.Context, params json.RawMessage) (any, error) {
	result, conversationID, err := h.submitMessage(ctx, params)
	if err != nil {
		return nil, err
	}
	if client, ok := websocket.ClientFromContext(ctx); ok {
		h.hub.Subscribe(client, result.SessionID, conversationID)
	}
	return result, nil
}

func (h *Handlers) submitMessage(ctx context.Context, params json.RawMessage) (*v1.SendMessageResult, string, error) {
	var req struct {
		conversationRef
		v1.SendMessageRequest
	}
	if err := rpc.DecodeParams(params, &req); err != nil {
		return nil, "", err
	}
	id, err := req.id()
	if err != nil {
		return nil, "", err
	}
	result, err := h.scheduler.SendMessage(ctx, id, req.SendMessageRequest)
	if err != nil {
		return nil, "", err
	}
	return result, id, nil
}

func (h *Handlers) listQueue(ctx context.Context, params json.RawMessage) (any, error) {
	id, err := decodeRef(params)
	if err != nil {
		return nil, err
	}
	return h.scheduler.ListQueue(id), nil
}

func (h *Handlers) deleteQueued(ctx context.Context, params json.RawMessage) (any, error) {
	var req struct {
		conversationRef
		ID string `json:"id"`
	}
	if err := rpc.DecodeParams(params, &req); err != nil {
		return nil, err
	}
	id, err := req.id()
	if err != nil {
		return nil, err
	}
	if req.ID == "" {
		return nil, apperr.BadRequest("id is required")
	}
	if err := h.scheduler.DeleteQueued(ctx, id, req.ID); err != nil {
		return nil, err
	}
	return map[string]string{"id": req.ID}, nil
}

func (h *Handlers) updateQueued(ctx context.Context, params json.RawMessage) (any, error) {
	var req struct {
		conversationRef
		ID      string `json:"id"`
		Content string `json:"content"`
	}
	if err := rpc.DecodeParams(params, &req); err != nil {
		return nil, err
	}
	id, err := req.id()
	if err != nil {
		return nil, err
	}
	if req.ID == "" || req.Content == "" {
		return nil, apperr.BadRequest("id and content are required")
	}
	return h.scheduler.UpdateQueued(ctx, id, req.ID, req.Content)
}

func (h *Handlers) publish(ctx context.Context, subject, eventType string, payload any) {
	if err := h.eventBus.Publish(ctx, subject, events.Envelope(eventType, payload)); err != nil {
		h.logger.Warn("Failed to publish event",
			zap.String("subject", subject), zap.Error(err))
	}
}
