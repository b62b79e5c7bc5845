package v1

import "time"

// SessionStatus represents the lifecycle state of a streaming session.
type SessionStatus string

const (
	SessionPending     SessionStatus = "pending"
	SessionActive      SessionStatus = "active"
	SessionInterrupted SessionStatus = "interrupted"
	SessionError       SessionStatus = "error"
	SessionCompleted   SessionStatus = "completed"
)

// Session is one physical connection to an agent subprocess producing one
// turn of streamed output. A conversation accumulates many sessions.
type Session struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversationId"`
	AgentID        string        `json:"agentId"`
	Status         SessionStatus `json:"status"`
	ErrorText      string        `json:"errorText,omitempty"`
	StartedAt      time.Time     `json:"startedAt"`
	CompletedAt    *time.Time    `json:"completedAt,omitempty"`
}

// Terminal reports whether the session status is final.
func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionInterrupted, SessionError, SessionCompleted:
		return true
	}
	return false
}
