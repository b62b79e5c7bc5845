package v1

import "time"

// RunStatus represents the state of a run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunActive    RunStatus = "active"
	RunSuccess   RunStatus = "success"
	RunError     RunStatus = "error"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether the run status is final. Terminal runs never
// transition again.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunSuccess, RunError, RunCancelled:
		return true
	}
	return false
}

// RunInput carries the content of a run plus an opaque configuration blob.
type RunInput struct {
	Content string                 `json:"content"`
	Config  map[string]interface{} `json:"config,omitempty"`
}

// Run is one scheduled execution of an agent turn.
type Run struct {
	ID          string     `json:"id"`
	AgentID     string     `json:"agentId"`
	ThreadID    string     `json:"threadId,omitempty"`
	Input       RunInput   `json:"input"`
	WebhookURL  string     `json:"webhookUrl,omitempty"`
	Status      RunStatus  `json:"status"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// CreateRunRequest starts or enqueues a run. ThreadID is optional; when empty
// a new conversation is created for the run.
type CreateRunRequest struct {
	AgentID    string   `json:"agentId" binding:"required"`
	ThreadID   string   `json:"threadId,omitempty"`
	Input      RunInput `json:"input" binding:"required"`
	WebhookURL string   `json:"webhookUrl,omitempty"`
}

// SearchRunsRequest filters the run log.
type SearchRunsRequest struct {
	Query   string    `json:"query,omitempty"`
	Status  RunStatus `json:"status,omitempty"`
	AgentID string    `json:"agentId,omitempty"`
	Limit   int       `json:"limit,omitempty"`
	Offset  int       `json:"offset,omitempty"`
}

// RunSummary is a search result row. DurationMs is computed from the run's
// creation and completion timestamps; it is zero for unfinished runs.
type RunSummary struct {
	Run        Run   `json:"run"`
	DurationMs int64 `json:"durationMs"`
}
