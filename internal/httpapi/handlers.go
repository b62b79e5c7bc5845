package httpapi

import (
	"context"
	"net/http"
	"os/exec"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	apperr "github.com/gmgui/gmgui/internal/common/errors"
	"github.com/gmgui/gmgui/internal/events"
	v1 "github.com/gmgui/gmgui/pkg/api/v1"
)

func (s *Server) listConversations(c *gin.Context) {
	conversations, err := s.store.ListConversations(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, conversations)
}

func (s *Server) createConversation(c *gin.Context) {
	var req v1.CreateConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, apperr.BadRequest("invalid request body: "+err.Error()))
		return
	}
	if _, ok := s.catalog.Get(req.AgentID); !ok {
		fail(c, apperr.NotFound("agent", req.AgentID))
		return
	}

	title := req.Title
	if title == "" {
		title = "New conversation"
	}
	workingDir := req.WorkingDir
	if workingDir == "" {
		workingDir = s.defaultCWD
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
	ctx := c.Request.Context()
	if err := s.store.CreateConversation(ctx, conv); err != nil {
		fail(c, err)
		return
	}
	s.publish(ctx, events.SubjectConversationCreated, events.ConversationCreatedType,
		&events.ConversationCreated{Conversation: conv})
	c.JSON(http.StatusCreated, conv)
}

// getConversation returns the full view: the row plus ordered messages and
// sessions.
func (s *Server) getConversation(c *gin.Context) {
	id := c.Param("id")
	ctx := c.Request.Context()
	conv, err := s.store.GetConversation(ctx, id)
	if err != nil {
		fail(c, err)
		return
	}

	const page = 100
	var messages []v1.Message
	for offset := 0; ; offset += page {
		batch, err := s.store.ListMessages(ctx, id, page, offset)
		if err != nil {
			fail(c, err)
			return
		}
		messages = append(messages, batch...)
		if len(batch) < page {
			break
		}
	}
	sessions, err := s.store.ListSessions(ctx, id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, &v1.ConversationWithHistory{
		Conversation: *conv,
		Messages:     messages,
		Sessions:     sessions,
	})
}

func (s *Server) deleteConversation(c *gin.Context) {
	id := c.Param("id")
	ctx := c.Request.Context()
	if s.scheduler.IsActive(id) {
		fail(c, apperr.Conflict("conversation has an active run"))
		return
	}
	if err := s.store.DeleteConversation(ctx, id); err != nil {
		fail(c, err)
		return
	}
	s.scheduler.DropConversation(ctx, id)
	s.publish(ctx, events.SubjectConversationDeleted, events.ConversationDeletedType,
		&events.ConversationDeleted{ConversationID: id})
	c.JSON(http.StatusOK, gin.H{"conversationId": id})
}

func (s *Server) listMessages(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	messages, err := s.store.ListMessages(c.Request.Context(), c.Param("id"), limit, offset)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, messages)
}

func (s *Server) sendMessage(c *gin.Context) {
	var req v1.SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, apperr.BadRequest("invalid request body: "+err.Error()))
		return
	}
	result, err := s.scheduler.SendMessage(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		fail(c, err)
		return
	}
	status := http.StatusOK
	if result.Queued {
		status = http.StatusAccepted
	}
	c.JSON(status, result)
}

func (s *Server) listChunks(c *gin.Context) {
	var since *time.Time
	if raw := c.Query("since"); raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			fail(c, apperr.BadRequest("since must be unix milliseconds"))
			return
		}
		ts := time.UnixMilli(ms).UTC()
		since = &ts
	}
	chunks, err := s.store.ListChunks(c.Request.Context(), c.Param("id"), since)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, chunks)
}

// listAgents reports the catalog with live supervisor state. Models are only
// queried from agents that are already up and healthy.
func (s *Server) listAgents(c *gin.Context) {
	type agentState struct {
		running bool
		healthy bool
		port    int
	}
	statusByID := make(map[string]agentState)
	for _, st := range s.sup.Status() {
		statusByID[st.ID] = agentState{running: st.Running, healthy: st.Healthy, port: st.Port}
	}

	entries := s.catalog.List()
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
			info.Models = s.sup.QueryModels(c.Request.Context(), entry.ID)
		}
		agents = append(agents, info)
	}
	c.JSON(http.StatusOK, agents)
}

func (s *Server) publish(ctx context.Context, subject, eventType string, payload any) {
	if err := s.eventBus.Publish(ctx, subject, events.Envelope(eventType, payload)); err != nil {
		s.logger.Warn("Failed to publish event",
			zap.String("subject", subject), zap.Error(err))
	}
}
