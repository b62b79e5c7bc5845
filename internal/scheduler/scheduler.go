// Package scheduler owns turn execution. It is the single writer of the
// active-execution and queue maps: one turn runs per conversation, later
// turns wait in a FIFO queue, and cross-conversation turns run in parallel.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gmgui/gmgui/internal/agent/adapter"
	"github.com/gmgui/gmgui/internal/agent/catalog"
	"github.com/gmgui/gmgui/internal/agent/supervisor"
	apperr "github.com/gmgui/gmgui/internal/common/errors"
	"github.com/gmgui/gmgui/internal/common/logger"
	"github.com/gmgui/gmgui/internal/common/metrics"
	"github.com/gmgui/gmgui/internal/events"
	"github.com/gmgui/gmgui/internal/events/bus"
	"github.com/gmgui/gmgui/internal/store"
	"github.com/gmgui/gmgui/internal/stream"
	v1 "github.com/gmgui/gmgui/pkg/api/v1"
)

const (
	// defaultCLITimeout bounds one CLI agent turn.
	defaultCLITimeout = 5 * time.Minute

	// queueCap is the soft bound on turns waiting per conversation.
	queueCap = 1000
)

// execution tracks the one running turn of a conversation.
type execution struct {
	ConversationID string
	SessionID      string
	RunID          string
	AgentID        string
	StartedAt      time.Time

	cancel context.CancelFunc
}

// QueuedTurn is one turn waiting for its conversation to go idle.
type QueuedTurn struct {
	MessageID  string    `json:"messageId"`
	RunID      string    `json:"runId"`
	Content    string    `json:"content"`
	Model      string    `json:"model,omitempty"`
	SubAgent   string    `json:"subAgent,omitempty"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// QueueEntry is a queue snapshot row; position 1 is next to run.
type QueueEntry struct {
	Position int `json:"position"`
	QueuedTurn
}

// Scheduler coordinates the store, the event bus, and the agent adapters.
type Scheduler struct {
	store   *store.Store
	bus     bus.EventBus
	catalog *catalog.Catalog
	sup     *supervisor.Supervisor
	logger  *logger.Logger

	cliTimeout time.Duration

	// newAdapter is swappable in tests.
	newAdapter func(entry *catalog.Entry) adapter.Adapter

	mu     sync.Mutex
	active map[string]*execution
	queues map[string][]*QueuedTurn

	// externalSessions remembers each conversation's agent-side session id so
	// the next turn can resume it. In-memory only; a restart costs resume, not
	// history.
	externalSessions map[string]string

	waiters  map[string][]chan *v1.Run
	waiterMu sync.Mutex

	shutdown bool
	wg       sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithCLITimeout overrides the default 5 min per-turn deadline for CLI agents.
func WithCLITimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.cliTimeout = d
		}
	}
}

// WithAdapterFactory swaps how executions get their adapter. Tests use it to
// substitute a scripted adapter.
func WithAdapterFactory(f func(entry *catalog.Entry) adapter.Adapter) Option {
	return func(s *Scheduler) {
		s.newAdapter = f
	}
}

// New creates a Scheduler.
func New(st *store.Store, eventBus bus.EventBus, cat *catalog.Catalog, sup *supervisor.Supervisor, log *logger.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:            st,
		bus:              eventBus,
		catalog:          cat,
		sup:              sup,
		logger:           log.WithFields(zap.String("component", "scheduler")),
		cliTimeout:       defaultCLITimeout,
		active:           make(map[string]*execution),
		queues:           make(map[string][]*QueuedTurn),
		externalSessions: make(map[string]string),
		waiters:          make(map[string][]chan *v1.Run),
	}
	s.newAdapter = func(entry *catalog.Entry) adapter.Adapter {
		return adapter.New(entry, s.sup, s.logger)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SendMessage persists a user turn and either starts it or queues it behind
// the conversation's running turn. A duplicate idempotency key returns the
// original message without any new work.
func (s *Scheduler) SendMessage(ctx context.Context, conversationID string, req v1.SendMessageRequest) (*v1.SendMessageResult, error) {
	if req.Content == "" {
		return nil, apperr.BadRequest("message content is required")
	}
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	agentID := conv.AgentID
	if req.AgentID != "" {
		agentID = req.AgentID
	}
	entry, ok := s.catalog.Get(agentID)
	if !ok {
		return nil, apperr.NotFound("agent", agentID)
	}
	model := conv.Model
	if req.Model != "" {
		model = req.Model
	}
	subAgent := conv.SubAgent
	if req.SubAgent != "" {
		subAgent = req.SubAgent
	}

	msg := &v1.Message{
		ConversationID: conversationID,
		Role:           v1.RoleUser,
		Content:        req.Content,
		IdempotencyKey: req.IdempotencyKey,
	}
	created, err := s.store.CreateMessage(ctx, msg)
	if err != nil {
		return nil, err
	}
	if !created {
		// Idempotent replay: the turn already ran or is running.
		return &v1.SendMessageResult{Message: *msg}, nil
	}
	s.publish(ctx, events.SubjectMessageCreated, events.MessageCreatedType, &events.MessageCreated{
		ConversationID: conversationID,
		Message:        msg,
	})

	run := &v1.Run{
		AgentID:  agentID,
		ThreadID: conversationID,
		Input:    v1.RunInput{Content: req.Content},
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}

	turn := &QueuedTurn{
		MessageID:  msg.ID,
		RunID:      run.ID,
		Content:    req.Content,
		Model:      model,
		SubAgent:   subAgent,
		EnqueuedAt: time.Now().UTC(),
	}

	queued, position, err := s.admit(conversationID, turn)
	if err != nil {
		s.finishRun(ctx, run.ID, v1.RunCancelled, err.Error())
		return nil, err
	}
	result := &v1.SendMessageResult{Message: *msg, Queued: queued, RunID: run.ID}
	if queued {
		result.QueuePosition = position
		s.publishQueueStatus(ctx, conversationID, position)
		return result, nil
	}

	sessionID, err := s.launch(ctx, conv, entry, turn)
	if err != nil {
		return nil, err
	}
	result.SessionID = sessionID
	return result, nil
}

// admit either reserves the active slot for the turn or appends it to the
// conversation's queue. It returns (queued, queueLength).
func (s *Scheduler) admit(conversationID string, turn *QueuedTurn) (bool, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shutdown {
		return false, 0, apperr.Unavailable("server is shutting down")
	}
	if _, busy := s.active[conversationID]; busy {
		if len(s.queues[conversationID]) >= queueCap {
			return false, 0, apperr.ResourceExhausted(
				fmt.Sprintf("conversation %s queue is full", conversationID))
		}
		s.queues[conversationID] = append(s.queues[conversationID], turn)
		metrics.QueuedTurns.Inc()
		return true, len(s.queues[conversationID]), nil
	}

	// Reserve the slot; launch fills in the session id.
	s.active[conversationID] = &execution{
		ConversationID: conversationID,
		RunID:          turn.RunID,
		StartedAt:      time.Now(),
	}
	return false, 0, nil
}

// launch transitions the reserved turn to running: session and run rows go
// active, the conversation starts streaming, and the adapter runs in its own
// goroutine. The caller must hold the conversation's active reservation.
func (s *Scheduler) launch(ctx context.Context, conv *v1.Conversation, entry *catalog.Entry, turn *QueuedTurn) (string, error) {
	sess := &v1.Session{ConversationID: conv.ID, AgentID: entry.ID}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		s.abortLaunch(ctx, conv.ID, turn.RunID, "", err)
		return "", err
	}
	if err := s.store.UpdateSessionStatus(ctx, sess.ID, v1.SessionActive, ""); err != nil {
		s.abortLaunch(ctx, conv.ID, turn.RunID, sess.ID, err)
		return "", err
	}
	if _, err := s.store.UpdateRunStatus(ctx, turn.RunID, v1.RunActive, ""); err != nil {
		s.abortLaunch(ctx, conv.ID, turn.RunID, sess.ID, err)
		return "", err
	}
	if err := s.store.SetConversationState(ctx, conv.ID, v1.ConversationBusy, true); err != nil {
		s.abortLaunch(ctx, conv.ID, turn.RunID, sess.ID, err)
		return "", err
	}

	var turnCtx context.Context
	var cancel context.CancelFunc
	if entry.Protocol == v1.ProtocolCLI {
		turnCtx, cancel = context.WithTimeout(context.Background(), s.cliTimeout)
	} else {
		turnCtx, cancel = context.WithCancel(context.Background())
	}

	s.mu.Lock()
	exec := s.active[conv.ID]
	exec.SessionID = sess.ID
	exec.AgentID = entry.ID
	exec.cancel = cancel
	externalID := s.externalSessions[conv.ID]
	s.mu.Unlock()

	persister := stream.NewPersister(s.store, s.bus, s.logger, sess.ID, conv.ID)
	persister.Start(ctx, entry.ID, turn.RunID)
	metrics.ActiveRuns.Inc()

	agentTurn := &adapter.Turn{
		ConversationID:    conv.ID,
		SessionID:         sess.ID,
		RunID:             turn.RunID,
		Prompt:            turn.Content,
		Model:             turn.Model,
		SystemPrompt:      systemPromptFor(turn.SubAgent),
		ExternalSessionID: externalID,
		Workdir:           conv.WorkingDir,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		outcome := s.newAdapter(entry).Execute(turnCtx, agentTurn, persister)
		s.onCompletion(conv.ID, exec, persister, outcome)
	}()

	s.logger.Info("Turn started",
		zap.String("conversation_id", conv.ID),
		zap.String("session_id", sess.ID),
		zap.String("run_id", turn.RunID),
		zap.String("agent", entry.ID))
	return sess.ID, nil
}

// release drops a reservation after a failed launch.
func (s *Scheduler) release(conversationID string) {
	s.mu.Lock()
	delete(s.active, conversationID)
	s.mu.Unlock()
}

// abortLaunch rolls a reserved turn back after a failed start so no run or
// session row stays non-terminal: the run goes to error, the session (when
// one was created) too, and the reservation is released.
func (s *Scheduler) abortLaunch(ctx context.Context, conversationID, runID, sessionID string, cause error) {
	s.release(conversationID)
	s.finishRun(ctx, runID, v1.RunError, cause.Error())
	if sessionID != "" {
		s.updateSession(ctx, sessionID, v1.SessionError, cause.Error())
	}
}

// onCompletion finalizes a finished turn and drains the next queued one.
func (s *Scheduler) onCompletion(conversationID string, exec *execution, persister *stream.Persister, outcome *adapter.Outcome) {
	ctx := context.Background()

	if outcome.ExternalSessionID != "" {
		s.mu.Lock()
		s.externalSessions[conversationID] = outcome.ExternalSessionID
		s.mu.Unlock()
	}

	var run *v1.Run
	switch outcome.Status {
	case v1.RunSuccess:
		run = s.finishRun(ctx, exec.RunID, v1.RunSuccess, "")
		s.updateSession(ctx, exec.SessionID, v1.SessionCompleted, "")
		if outcome.FinalText != "" {
			s.recordMessage(ctx, conversationID, v1.RoleAssistant, outcome.FinalText)
		}
		persister.Complete(ctx, false, outcome.FinalText)

	case v1.RunCancelled:
		run = s.finishRun(ctx, exec.RunID, v1.RunCancelled, "")
		s.updateSession(ctx, exec.SessionID, v1.SessionInterrupted, "cancelled")
		persister.Complete(ctx, true, "")
		s.publish(ctx, events.SubjectRunCancelled, events.RunCancelledType, &events.RunCancelled{
			RunID:          exec.RunID,
			ConversationID: conversationID,
		})

	default:
		errText := "agent run failed"
		if outcome.Err != nil {
			errText = outcome.Err.Error()
		}
		run = s.finishRun(ctx, exec.RunID, v1.RunError, errText)
		s.updateSession(ctx, exec.SessionID, v1.SessionError, errText)
		s.recordMessage(ctx, conversationID, v1.RoleError, errText)
		persister.Fail(ctx, string(outcome.Kind), errText)
	}

	if err := s.store.SetConversationState(ctx, conversationID, v1.ConversationIdle, false); err != nil {
		s.logger.Error("Failed to clear streaming state",
			zap.String("conversation_id", conversationID), zap.Error(err))
	}

	metrics.ActiveRuns.Dec()
	metrics.RunsTotal.WithLabelValues(string(outcome.Status)).Inc()

	if run != nil {
		s.notifyWaiters(run)
		if run.WebhookURL != "" {
			go s.deliverWebhook(run)
		}
	}

	s.logger.Info("Turn finished",
		zap.String("conversation_id", conversationID),
		zap.String("run_id", exec.RunID),
		zap.String("status", string(outcome.Status)))

	s.drainNext(conversationID, exec)
}

// drainNext pops the conversation's next queued turn and starts it.
func (s *Scheduler) drainNext(conversationID string, finished *execution) {
	s.mu.Lock()
	if current, ok := s.active[conversationID]; !ok || current != finished {
		s.mu.Unlock()
		return
	}
	delete(s.active, conversationID)

	queue := s.queues[conversationID]
	if len(queue) == 0 || s.shutdown {
		delete(s.queues, conversationID)
		s.mu.Unlock()
		return
	}
	next := queue[0]
	s.queues[conversationID] = queue[1:]
	metrics.QueuedTurns.Dec()
	remaining := len(s.queues[conversationID])

	// Reserve for the popped turn before releasing the lock.
	s.active[conversationID] = &execution{
		ConversationID: conversationID,
		RunID:          next.RunID,
		StartedAt:      time.Now(),
	}
	s.mu.Unlock()

	ctx := context.Background()
	s.publishQueueStatus(ctx, conversationID, remaining)

	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		s.logger.Error("Queued turn lost its conversation",
			zap.String("conversation_id", conversationID), zap.Error(err))
		s.release(conversationID)
		return
	}
	entry, ok := s.catalog.Get(conv.AgentID)
	if !ok {
		s.logger.Error("Queued turn references unknown agent",
			zap.String("agent", conv.AgentID))
		s.release(conversationID)
		return
	}
	if _, err := s.launch(ctx, conv, entry, next); err != nil {
		s.logger.Error("Failed to start queued turn",
			zap.String("conversation_id", conversationID), zap.Error(err))
	}
}

// Cancel stops the conversation's running turn. The adapter unwinds
// cooperatively; session, run, and terminal event updates happen on the
// completion path.
func (s *Scheduler) Cancel(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	exec, ok := s.active[conversationID]
	s.mu.Unlock()

	if !ok || exec.cancel == nil {
		return apperr.NotFound("active execution for conversation", conversationID)
	}
	s.logger.Info("Cancelling turn",
		zap.String("conversation_id", conversationID),
		zap.String("run_id", exec.RunID))
	exec.cancel()
	return nil
}

// IsActive reports whether the conversation has a running turn.
func (s *Scheduler) IsActive(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[conversationID]
	return ok
}

// Shutdown cancels all running turns and waits for them to unwind, bounded by
// ctx.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.shutdown = true
	for _, exec := range s.active {
		if exec.cancel != nil {
			exec.cancel()
		}
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.New("shutdown timed out waiting for running turns")
	}
}

// Inject appends a message to a conversation without starting a turn.
func (s *Scheduler) Inject(ctx context.Context, conversationID string, role v1.MessageRole, content string) (*v1.Message, error) {
	if content == "" {
		return nil, apperr.BadRequest("message content is required")
	}
	if _, err := s.store.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}
	msg := &v1.Message{ConversationID: conversationID, Role: role, Content: content}
	if _, err := s.store.CreateMessage(ctx, msg); err != nil {
		return nil, err
	}
	s.publish(ctx, events.SubjectMessageCreated, events.MessageCreatedType, &events.MessageCreated{
		ConversationID: conversationID,
		Message:        msg,
	})
	return msg, nil
}

func (s *Scheduler) finishRun(ctx context.Context, runID string, status v1.RunStatus, errText string) *v1.Run {
	run, err := s.store.UpdateRunStatus(ctx, runID, status, errText)
	if err != nil {
		// A user cancel may have won the race to the terminal state.
		if !apperr.IsConflict(err) {
			s.logger.Error("Failed to update run status",
				zap.String("run_id", runID), zap.Error(err))
		}
		run, err = s.store.GetRun(ctx, runID)
		if err != nil {
			return nil
		}
	}
	return run
}

func (s *Scheduler) updateSession(ctx context.Context, sessionID string, status v1.SessionStatus, errText string) {
	if err := s.store.UpdateSessionStatus(ctx, sessionID, status, errText); err != nil && !apperr.IsConflict(err) {
		s.logger.Error("Failed to update session status",
			zap.String("session_id", sessionID), zap.Error(err))
	}
}

func (s *Scheduler) recordMessage(ctx context.Context, conversationID string, role v1.MessageRole, content string) {
	msg := &v1.Message{ConversationID: conversationID, Role: role, Content: content}
	if _, err := s.store.CreateMessage(ctx, msg); err != nil {
		s.logger.Error("Failed to record message",
			zap.String("conversation_id", conversationID), zap.Error(err))
		return
	}
	s.publish(ctx, events.SubjectMessageCreated, events.MessageCreatedType, &events.MessageCreated{
		ConversationID: conversationID,
		Message:        msg,
	})
}

func (s *Scheduler) publishQueueStatus(ctx context.Context, conversationID string, length int) {
	s.publish(ctx, events.SubjectQueueStatus, events.QueueStatusType, &events.QueueStatus{
		ConversationID: conversationID,
		Length:         length,
	})
}

func (s *Scheduler) publish(ctx context.Context, subject, eventType string, payload any) {
	if err := s.bus.Publish(ctx, subject, events.Envelope(eventType, payload)); err != nil {
		s.logger.Warn("Failed to publish event",
			zap.String("event_type", eventType), zap.Error(err))
	}
}

// systemPromptFor maps a sub-agent selection onto an appended system prompt.
func systemPromptFor(subAgent string) string {
	if subAgent == "" {
		return ""
	}
	return fmt.Sprintf("Use the %s sub-agent for this task.", subAgent)
}
