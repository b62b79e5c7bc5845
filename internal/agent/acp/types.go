// Package acp speaks the agent client protocol: newline-delimited JSON-RPC
// 2.0 over a local TCP connection to a persistent agent process.
package acp

import (
	"encoding/json"
	"fmt"
)

// Request is a JSON-RPC 2.0 request. ID is omitted for notifications.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Methods the client sends and notifications the agent sends back.
const (
	MethodInitialize    = "initialize"
	MethodSessionNew    = "session/new"
	MethodSessionLoad   = "session/load"
	MethodSessionPrompt = "session/prompt"
	MethodSessionCancel = "session/cancel"

	NotificationSessionUpdate = "session/update"
)

// InitializeParams for the initialize handshake.
type InitializeParams struct {
	ProtocolVersion string             `json:"protocolVersion"`
	ClientInfo      ClientInfo         `json:"clientInfo"`
	Capabilities    ClientCapabilities `json:"capabilities,omitempty"`
}

// ClientInfo identifies this server to the agent.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ClientCapabilities describes what the client supports.
type ClientCapabilities struct {
	Streaming bool `json:"streaming,omitempty"`
}

// InitializeResult from the initialize handshake.
type InitializeResult struct {
	ProtocolVersion string     `json:"protocolVersion"`
	ServerInfo      ServerInfo `json:"serverInfo"`
}

// ServerInfo identifies the agent.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// SessionNewParams for session/new.
type SessionNewParams struct {
	Cwd string `json:"cwd"`
}

// SessionNewResult from session/new.
type SessionNewResult struct {
	SessionID string `json:"sessionId"`
}

// SessionLoadParams for session/load, resuming an earlier agent session.
type SessionLoadParams struct {
	SessionID string `json:"sessionId"`
}

// ContentBlock is one element of a prompt.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// SessionPromptParams for session/prompt. The prompt is an array of content
// blocks; streamed output arrives as session/update notifications until the
// prompt response carries the stop reason.
type SessionPromptParams struct {
	SessionID string         `json:"sessionId"`
	Prompt    []ContentBlock `json:"prompt"`
}

// SessionPromptResult from session/prompt.
type SessionPromptResult struct {
	StopReason string `json:"stopReason,omitempty"`
}

// SessionCancelParams for the session/cancel notification.
type SessionCancelParams struct {
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason,omitempty"`
}

// SessionUpdate is the payload of a session/update notification.
type SessionUpdate struct {
	SessionID string          `json:"sessionId"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Session update types.
const (
	UpdateContent  = "content"
	UpdateThinking = "thinking"
	UpdateToolCall = "toolCall"
	UpdateError    = "error"
)

// SessionUpdateContent for type "content" and "thinking".
type SessionUpdateContent struct {
	Text string `json:"text"`
}

// SessionUpdateToolCall for type "toolCall".
type SessionUpdateToolCall struct {
	ToolName string          `json:"toolName"`
	Args     json.RawMessage `json:"args,omitempty"`
	Status   string          `json:"status"`
	Result   string          `json:"result,omitempty"`
}
