// Package stream turns raw agent output into durable chunks and live events.
// Every chunk is written to the store before the matching event is published,
// so a client that replays chunks after a reconnect never misses output it
// saw announced.
package stream

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/gmgui/gmgui/internal/common/logger"
	"github.com/gmgui/gmgui/internal/common/metrics"
	"github.com/gmgui/gmgui/internal/events"
	"github.com/gmgui/gmgui/internal/events/bus"
	"github.com/gmgui/gmgui/internal/store"
	v1 "github.com/gmgui/gmgui/pkg/api/v1"
)

// Persister writes agent output chunks for one session and fans them out on
// the bus. It implements adapter.EventSink.
type Persister struct {
	store  *store.Store
	bus    bus.EventBus
	logger *logger.Logger

	sessionID      string
	conversationID string
}

// NewPersister creates the sink for one session's output.
func NewPersister(st *store.Store, eventBus bus.EventBus, log *logger.Logger, sessionID, conversationID string) *Persister {
	return &Persister{
		store:          st,
		bus:            eventBus,
		logger:         log.WithFields(zap.String("component", "stream"), zap.String("session_id", sessionID)),
		sessionID:      sessionID,
		conversationID: conversationID,
	}
}

// OnEvent persists one agent output object and publishes the chunk event.
// A store failure drops the chunk from the live stream too; the sequence
// stays gap-free.
func (p *Persister) OnEvent(ctx context.Context, payload json.RawMessage) {
	chunk := &v1.Chunk{
		SessionID:      p.sessionID,
		ConversationID: p.conversationID,
		Type:           classify(payload),
		Payload:        payload,
	}

	start := time.Now()
	if err := p.store.CreateChunk(ctx, chunk); err != nil {
		p.logger.Error("Failed to persist stream chunk", zap.Error(err))
		return
	}
	metrics.ChunkWriteDuration.Observe(time.Since(start).Seconds())
	metrics.ChunksPersisted.Inc()

	p.publish(ctx, events.StreamingChunkType, &events.StreamingChunk{
		SessionID:      p.sessionID,
		ConversationID: p.conversationID,
		Sequence:       chunk.Sequence,
		ChunkType:      string(chunk.Type),
		Payload:        payload,
	})
}

// Complete publishes the terminal event of a finished or interrupted session.
func (p *Persister) Complete(ctx context.Context, interrupted bool, finalText string) {
	p.publish(ctx, events.StreamingCompleteType, &events.StreamingComplete{
		SessionID:      p.sessionID,
		ConversationID: p.conversationID,
		Interrupted:    interrupted,
		FinalText:      finalText,
	})
}

// Fail publishes the terminal event of a failed session.
func (p *Persister) Fail(ctx context.Context, kind, errText string) {
	p.publish(ctx, events.StreamingErrorType, &events.StreamingError{
		SessionID:      p.sessionID,
		ConversationID: p.conversationID,
		Kind:           kind,
		Error:          errText,
	})
}

// Cancelled publishes the terminal event of a session cancelled before any
// output arrived.
func (p *Persister) Cancelled(ctx context.Context) {
	p.publish(ctx, events.StreamingCancelledType, &events.StreamingCancelled{
		SessionID:      p.sessionID,
		ConversationID: p.conversationID,
	})
}

// Start announces the session on its stream subject.
func (p *Persister) Start(ctx context.Context, agentID, runID string) {
	p.publish(ctx, events.StreamingStartType, &events.StreamingStart{
		SessionID:      p.sessionID,
		ConversationID: p.conversationID,
		AgentID:        agentID,
		RunID:          runID,
	})
}

func (p *Persister) publish(ctx context.Context, eventType string, payload any) {
	subject := events.BuildStreamSubject(p.sessionID)
	if err := p.bus.Publish(ctx, subject, events.Envelope(eventType, payload)); err != nil {
		p.logger.Warn("Failed to publish stream event",
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}

// classify maps an agent output object to a chunk type. Unknown shapes are
// stored as system chunks rather than rejected.
func classify(payload json.RawMessage) v1.ChunkType {
	var probe struct {
		Type    string `json:"type"`
		Message *struct {
			Content []struct {
				Type string `json:"type"`
			} `json:"content"`
		} `json:"message"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return v1.ChunkSystem
	}

	switch probe.Type {
	case "result":
		return v1.ChunkResult
	case "system", "init":
		return v1.ChunkSystem
	case "content", "thinking", "text":
		return v1.ChunkText
	case "toolCall", "tool_use":
		return v1.ChunkToolUse
	case "tool_result", "toolResult":
		return v1.ChunkToolResult
	case "assistant", "user":
		// Claude-style wrapper: look at the first content block.
		if probe.Message != nil && len(probe.Message.Content) > 0 {
			switch probe.Message.Content[0].Type {
			case "tool_use":
				return v1.ChunkToolUse
			case "tool_result":
				return v1.ChunkToolResult
			}
		}
		return v1.ChunkText
	}
	return v1.ChunkSystem
}
