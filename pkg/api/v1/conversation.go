// Package v1 defines the wire types shared by the HTTP, WebSocket, and MCP
// surfaces. All JSON field names are camelCase.
package v1

import "time"

// ConversationStatus represents the lifecycle state of a conversation.
type ConversationStatus string

const (
	ConversationIdle        ConversationStatus = "idle"
	ConversationBusy        ConversationStatus = "busy"
	ConversationInterrupted ConversationStatus = "interrupted"
)

// Conversation is a thread of messages bound to one agent.
type Conversation struct {
	ID          string             `json:"id"`
	Title       string             `json:"title"`
	AgentID     string             `json:"agentId"`
	Model       string             `json:"model,omitempty"`
	SubAgent    string             `json:"subAgent,omitempty"`
	WorkingDir  string             `json:"workingDir,omitempty"`
	Status      ConversationStatus `json:"status"`
	IsStreaming bool               `json:"isStreaming"`
	CreatedAt   time.Time          `json:"createdAt"`
	UpdatedAt   time.Time          `json:"updatedAt"`
}

// CreateConversationRequest creates a new conversation.
type CreateConversationRequest struct {
	AgentID    string `json:"agentId" binding:"required"`
	Title      string `json:"title,omitempty"`
	Model      string `json:"model,omitempty"`
	SubAgent   string `json:"subAgent,omitempty"`
	WorkingDir string `json:"workingDir,omitempty"`
}

// UpdateConversationRequest patches an existing conversation.
// Nil fields are left unchanged.
type UpdateConversationRequest struct {
	Title      *string `json:"title,omitempty"`
	AgentID    *string `json:"agentId,omitempty"`
	Model      *string `json:"model,omitempty"`
	SubAgent   *string `json:"subAgent,omitempty"`
	WorkingDir *string `json:"workingDir,omitempty"`
}

// ConversationWithHistory is the full view of a conversation: its row plus
// ordered messages and sessions.
type ConversationWithHistory struct {
	Conversation Conversation `json:"conversation"`
	Messages     []Message    `json:"messages"`
	Sessions     []Session    `json:"sessions"`
}

// QueueStatus reports the number of turns waiting for a conversation.
type QueueStatus struct {
	ConversationID string `json:"conversationId"`
	Length         int    `json:"length"`
}
