package v1

import "time"

// MessageRole identifies the author of a message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleError     MessageRole = "error"
	RoleSystem    MessageRole = "system"
)

// Message is one entry in a conversation. Messages are append-only.
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversationId"`
	Role           MessageRole `json:"role"`
	Content        string      `json:"content"`
	IdempotencyKey string      `json:"idempotencyKey,omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`
}

// SendMessageRequest submits a user turn to a conversation.
type SendMessageRequest struct {
	Content        string `json:"content" binding:"required"`
	AgentID        string `json:"agentId,omitempty"`
	Model          string `json:"model,omitempty"`
	SubAgent       string `json:"subAgent,omitempty"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

// SendMessageResult is the outcome of submitting a turn. Queued is true when
// the conversation was already busy and the turn went to the queue instead of
// starting immediately; QueuePosition is then the 1-based place in line.
type SendMessageResult struct {
	Message       Message `json:"message"`
	Queued        bool    `json:"queued"`
	QueuePosition int     `json:"queuePosition,omitempty"`
	SessionID     string  `json:"sessionId,omitempty"`
	RunID         string  `json:"runId,omitempty"`
}

// ListMessagesRequest pages through a conversation's messages.
type ListMessagesRequest struct {
	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`
}
