// Package events defines the typed events exchanged between the scheduler,
// the stream persister, and the WebSocket gateway, plus the bus subjects they
// travel on.
package events

import (
	"encoding/json"

	"github.com/gmgui/gmgui/internal/events/bus"
	v1 "github.com/gmgui/gmgui/pkg/api/v1"
)

// Source identifies this process as the event producer.
const Source = "gmgui"

// Event types for conversations
const (
	ConversationCreatedType = "conversation_created"
	ConversationUpdatedType = "conversation_updated"
	ConversationDeletedType = "conversation_deleted"
)

// Event types for messages
const (
	MessageCreatedType = "message_created"
)

// Event types for streaming sessions
const (
	StreamingStartType     = "streaming_start"
	StreamingChunkType     = "streaming_chunk"
	StreamingCompleteType  = "streaming_complete"
	StreamingErrorType     = "streaming_error"
	StreamingCancelledType = "streaming_cancelled"
)

// Event types for runs and queues
const (
	RunCancelledType = "run_cancelled"
	QueueStatusType  = "queue_status"
)

// Subjects. Stream events are published per session so that subscribers can
// follow a single session; everything else uses a fixed subject.
const (
	SubjectConversationCreated = "conversation.created"
	SubjectConversationUpdated = "conversation.updated"
	SubjectConversationDeleted = "conversation.deleted"
	SubjectMessageCreated      = "message.created"
	SubjectQueueStatus         = "queue.status"
	SubjectRunCancelled        = "run.cancelled"

	streamSubjectPrefix = "stream"
)

// BuildStreamSubject creates the subject for one session's stream events.
func BuildStreamSubject(sessionID string) string {
	return streamSubjectPrefix + "." + sessionID
}

// StreamWildcardSubject subscribes to every session's stream events.
func StreamWildcardSubject() string {
	return streamSubjectPrefix + ".*"
}

// ConversationWildcardSubject subscribes to all conversation lifecycle events.
func ConversationWildcardSubject() string {
	return "conversation.*"
}

// ConversationCreated is published after a conversation row exists.
type ConversationCreated struct {
	Conversation *v1.Conversation `json:"conversation"`
}

// ConversationUpdated is published after a conversation patch is applied.
type ConversationUpdated struct {
	Conversation *v1.Conversation `json:"conversation"`
}

// ConversationDeleted is published after a conversation is removed.
type ConversationDeleted struct {
	ConversationID string `json:"conversationId"`
}

// MessageCreated is published after a message row exists.
type MessageCreated struct {
	ConversationID string      `json:"conversationId"`
	Message        *v1.Message `json:"message"`
}

// StreamingStart announces that a session began producing output.
type StreamingStart struct {
	SessionID      string `json:"sessionId"`
	ConversationID string `json:"conversationId"`
	AgentID        string `json:"agentId"`
	RunID          string `json:"runId,omitempty"`
}

// StreamingChunk carries one persisted agent event. The chunk is on disk
// before this event is published.
type StreamingChunk struct {
	SessionID      string          `json:"sessionId"`
	ConversationID string          `json:"conversationId"`
	Sequence       int64           `json:"sequence"`
	ChunkType      string          `json:"chunkType"`
	Payload        json.RawMessage `json:"payload"`
}

// StreamingComplete is the terminal event of a session that finished or was
// interrupted by a cancel.
type StreamingComplete struct {
	SessionID      string `json:"sessionId"`
	ConversationID string `json:"conversationId"`
	Interrupted    bool   `json:"interrupted,omitempty"`
	FinalText      string `json:"finalText,omitempty"`
}

// StreamingError is the terminal event of a session that failed. Kind is one
// of the adapter error kinds (spawn_failed, timeout, non_zero_exit, ...).
type StreamingError struct {
	SessionID      string `json:"sessionId"`
	ConversationID string `json:"conversationId"`
	Kind           string `json:"kind,omitempty"`
	Error          string `json:"error"`
}

// StreamingCancelled is published when a run is cancelled before its session
// produced any output.
type StreamingCancelled struct {
	SessionID      string `json:"sessionId"`
	ConversationID string `json:"conversationId"`
}

// RunCancelled is published after a run transitions to cancelled.
type RunCancelled struct {
	RunID          string `json:"runId"`
	ConversationID string `json:"conversationId,omitempty"`
}

// QueueStatus reports the pending-turn count for a conversation. It is
// broadcast to every client.
type QueueStatus struct {
	ConversationID string `json:"conversationId"`
	Length         int    `json:"queueLength"`
}

// Envelope wraps a typed payload into a bus event.
func Envelope(eventType string, payload any) *bus.Event {
	return bus.NewEvent(eventType, Source, payload)
}

// DecodePayload extracts the typed payload from a bus event. It round-trips
// through JSON so it works for both in-process delivery (struct payload) and
// NATS delivery (decoded map payload).
func DecodePayload(event *bus.Event, out any) error {
	data, err := json.Marshal(event.Data)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// Routing carries the identifiers the gateway filters subscriptions on.
type Routing struct {
	SessionID      string `json:"sessionId"`
	ConversationID string `json:"conversationId"`
}

// Route extracts the session and conversation identifiers from an event's
// payload. Either field may be empty.
func Route(event *bus.Event) Routing {
	var r Routing
	_ = DecodePayload(event, &r)
	return r
}

// IsBroadcast reports whether an event type is delivered to every client
// regardless of its subscriptions.
func IsBroadcast(eventType string) bool {
	switch eventType {
	case ConversationCreatedType, ConversationUpdatedType, ConversationDeletedType, QueueStatusType:
		return true
	}
	return false
}
