package scheduler

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	apperr "github.com/gmgui/gmgui/internal/common/errors"
	"github.com/gmgui/gmgui/internal/common/metrics"
	v1 "github.com/gmgui/gmgui/pkg/api/v1"
)

// ListQueue snapshots a conversation's pending turns in FIFO order.
func (s *Scheduler) ListQueue(conversationID string) []QueueEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	queue := s.queues[conversationID]
	entries := make([]QueueEntry, 0, len(queue))
	for i, turn := range queue {
		entries = append(entries, QueueEntry{Position: i + 1, QueuedTurn: *turn})
	}
	return entries
}

// DeleteQueued drops a waiting turn by message id or run id and cancels its
// run.
func (s *Scheduler) DeleteQueued(ctx context.Context, conversationID, id string) error {
	s.mu.Lock()
	queue := s.queues[conversationID]
	idx := -1
	var removed *QueuedTurn
	for i, turn := range queue {
		if turn.MessageID == id || turn.RunID == id {
			idx = i
			removed = turn
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return apperr.NotFound("queued turn", id)
	}
	s.queues[conversationID] = append(queue[:idx], queue[idx+1:]...)
	metrics.QueuedTurns.Dec()
	remaining := len(s.queues[conversationID])
	s.mu.Unlock()

	if _, err := s.store.UpdateRunStatus(ctx, removed.RunID, v1.RunCancelled, "removed from queue"); err != nil {
		s.logger.Warn("Failed to cancel dequeued run",
			zap.String("run_id", removed.RunID), zap.Error(err))
	}
	s.publishQueueStatus(ctx, conversationID, remaining)
	return nil
}

// UpdateQueued replaces the content of a waiting turn.
func (s *Scheduler) UpdateQueued(ctx context.Context, conversationID, id, content string) (*QueuedTurn, error) {
	if content == "" {
		return nil, apperr.BadRequest("content is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, turn := range s.queues[conversationID] {
		if turn.MessageID == id || turn.RunID == id {
			turn.Content = content
			snapshot := *turn
			return &snapshot, nil
		}
	}
	return nil, apperr.NotFound("queued turn", id)
}

// QueueLength returns the number of waiting turns for a conversation.
func (s *Scheduler) QueueLength(conversationID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queues[conversationID])
}

// dropQueue removes an entire conversation's queue, cancelling the runs.
// Used when the conversation is deleted.
func (s *Scheduler) dropQueue(ctx context.Context, conversationID string) {
	s.mu.Lock()
	queue := s.queues[conversationID]
	delete(s.queues, conversationID)
	s.mu.Unlock()

	for _, turn := range queue {
		metrics.QueuedTurns.Dec()
		if _, err := s.store.UpdateRunStatus(ctx, turn.RunID, v1.RunCancelled, "conversation deleted"); err != nil {
			s.logger.Warn(fmt.Sprintf("Failed to cancel queued run %s", turn.RunID), zap.Error(err))
		}
	}
}

// DropConversation clears scheduler state for a deleted conversation.
func (s *Scheduler) DropConversation(ctx context.Context, conversationID string) {
	s.dropQueue(ctx, conversationID)
	s.mu.Lock()
	delete(s.externalSessions, conversationID)
	s.mu.Unlock()
}
