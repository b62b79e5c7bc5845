package v1

import (
	"encoding/json"
	"time"
)

// ChunkType classifies a streamed agent event. Agents may emit types outside
// this set; they are stored and forwarded verbatim.
type ChunkType string

const (
	ChunkSystem     ChunkType = "system"
	ChunkText       ChunkType = "text"
	ChunkToolUse    ChunkType = "tool_use"
	ChunkToolResult ChunkType = "tool_result"
	ChunkResult     ChunkType = "result"
)

// Chunk is one persisted agent event. Sequence starts at 0 and is gap-free
// within a session.
type Chunk struct {
	ID             int64           `json:"id"`
	SessionID      string          `json:"sessionId"`
	ConversationID string          `json:"conversationId"`
	Sequence       int64           `json:"sequence"`
	Type           ChunkType       `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	CreatedAt      time.Time       `json:"createdAt"`
}
