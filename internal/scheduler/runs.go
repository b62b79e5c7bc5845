package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	apperr "github.com/gmgui/gmgui/internal/common/errors"
	"github.com/gmgui/gmgui/internal/events"
	v1 "github.com/gmgui/gmgui/pkg/api/v1"
)

const webhookTimeout = 5 * time.Second

// CreateRun is the run-centric submission surface: it resolves or creates the
// thread, persists the run, and schedules it like a sent message.
func (s *Scheduler) CreateRun(ctx context.Context, req v1.CreateRunRequest) (*v1.Run, error) {
	if req.Input.Content == "" {
		return nil, apperr.BadRequest("input content is required")
	}
	entry, ok := s.catalog.Get(req.AgentID)
	if !ok {
		return nil, apperr.NotFound("agent", req.AgentID)
	}

	var conv *v1.Conversation
	var err error
	if req.ThreadID != "" {
		conv, err = s.store.GetConversation(ctx, req.ThreadID)
		if err != nil {
			return nil, err
		}
	} else {
		conv = &v1.Conversation{
			Title:   titleFromContent(req.Input.Content),
			AgentID: req.AgentID,
		}
		if err := s.store.CreateConversation(ctx, conv); err != nil {
			return nil, err
		}
		s.publish(ctx, events.SubjectConversationCreated, events.ConversationCreatedType,
			&events.ConversationCreated{Conversation: conv})
	}

	msg := &v1.Message{ConversationID: conv.ID, Role: v1.RoleUser, Content: req.Input.Content}
	if _, err := s.store.CreateMessage(ctx, msg); err != nil {
		return nil, err
	}
	s.publish(ctx, events.SubjectMessageCreated, events.MessageCreatedType, &events.MessageCreated{
		ConversationID: conv.ID,
		Message:        msg,
	})

	run := &v1.Run{
		AgentID:    req.AgentID,
		ThreadID:   conv.ID,
		Input:      req.Input,
		WebhookURL: req.WebhookURL,
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}

	turn := &QueuedTurn{
		MessageID:  msg.ID,
		RunID:      run.ID,
		Content:    req.Input.Content,
		Model:      configString(req.Input.Config, "model"),
		SubAgent:   configString(req.Input.Config, "subAgent"),
		EnqueuedAt: time.Now().UTC(),
	}

	queued, position, err := s.admit(conv.ID, turn)
	if err != nil {
		s.finishRun(ctx, run.ID, v1.RunCancelled, err.Error())
		return nil, err
	}
	if queued {
		s.publishQueueStatus(ctx, conv.ID, position)
		return run, nil
	}
	if _, err := s.launch(ctx, conv, entry, turn); err != nil {
		return nil, err
	}
	return s.store.GetRun(ctx, run.ID)
}

// CancelRun drives the run state machine and, when the run is the
// conversation's active one, cancels the execution too.
func (s *Scheduler) CancelRun(ctx context.Context, runID string) (*v1.Run, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.Terminal() {
		return nil, apperr.Conflict("run " + runID + " is already " + string(run.Status))
	}

	s.mu.Lock()
	var activeExec *execution
	for _, exec := range s.active {
		if exec.RunID == runID {
			activeExec = exec
			break
		}
	}
	s.mu.Unlock()

	if activeExec != nil && activeExec.cancel != nil {
		// Completion path records the cancelled state and the terminal event.
		activeExec.cancel()
		return run, nil
	}

	// Pending run: drop it from the queue (which cancels the run) or cancel
	// it directly when it never reached a queue.
	dequeued := false
	if run.ThreadID != "" {
		err := s.DeleteQueued(ctx, run.ThreadID, runID)
		if err != nil && !apperr.IsNotFound(err) {
			return nil, err
		}
		dequeued = err == nil
	}
	var updated *v1.Run
	if dequeued {
		if updated, err = s.store.GetRun(ctx, runID); err != nil {
			return nil, err
		}
	} else {
		if updated, err = s.store.UpdateRunStatus(ctx, runID, v1.RunCancelled, "cancelled"); err != nil {
			return nil, err
		}
	}
	s.publish(ctx, events.SubjectRunCancelled, events.RunCancelledType, &events.RunCancelled{
		RunID:          runID,
		ConversationID: run.ThreadID,
	})
	return updated, nil
}

// WaitRun blocks until the run reaches a terminal status or ctx expires.
func (s *Scheduler) WaitRun(ctx context.Context, runID string) (*v1.Run, error) {
	ch := make(chan *v1.Run, 1)
	s.waiterMu.Lock()
	s.waiters[runID] = append(s.waiters[runID], ch)
	s.waiterMu.Unlock()
	defer s.removeWaiter(runID, ch)

	// The run may already be terminal; check after registering so a finish
	// between the check and the wait cannot be missed.
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.Terminal() {
		return run, nil
	}

	select {
	case finished := <-ch:
		return finished, nil
	case <-ctx.Done():
		return nil, apperr.Timeout("timed out waiting for run " + runID)
	}
}

func (s *Scheduler) removeWaiter(runID string, ch chan *v1.Run) {
	s.waiterMu.Lock()
	defer s.waiterMu.Unlock()
	waiters := s.waiters[runID]
	for i, w := range waiters {
		if w == ch {
			s.waiters[runID] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(s.waiters[runID]) == 0 {
		delete(s.waiters, runID)
	}
}

func (s *Scheduler) notifyWaiters(run *v1.Run) {
	s.waiterMu.Lock()
	waiters := s.waiters[run.ID]
	delete(s.waiters, run.ID)
	s.waiterMu.Unlock()
	for _, ch := range waiters {
		ch <- run
	}
}

// deliverWebhook posts the terminal run status. Fire and forget: failures are
// logged, never retried.
func (s *Scheduler) deliverWebhook(run *v1.Run) {
	body, err := json.Marshal(map[string]string{
		"runId":    run.ID,
		"status":   string(run.Status),
		"threadId": run.ThreadID,
	})
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), webhookTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, run.WebhookURL, bytes.NewReader(body))
	if err != nil {
		s.logger.Warn("Invalid webhook URL", zap.String("run_id", run.ID), zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		s.logger.Warn("Webhook delivery failed", zap.String("run_id", run.ID), zap.Error(err))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		s.logger.Warn("Webhook rejected",
			zap.String("run_id", run.ID),
			zap.Int("status", resp.StatusCode))
	}
}

func titleFromContent(content string) string {
	title := strings.TrimSpace(content)
	if idx := strings.IndexByte(title, '\n'); idx >= 0 {
		title = title[:idx]
	}
	if len(title) > 80 {
		title = title[:80]
	}
	return title
}

func configString(config map[string]interface{}, key string) string {
	if config == nil {
		return ""
	}
	if v, ok := config[key].(string); ok {
		return v
	}
	return ""
}
