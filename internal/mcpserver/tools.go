package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/gmgui/gmgui/internal/common/logger"
)

func registerTools(s *server.MCPServer, cfg Config, log *logger.Logger) {
	s.AddTool(
		mcp.NewTool("list_conversations",
			mcp.WithDescription("List all conversations with their status. Use this first to get conversation IDs for other operations."),
		),
		listConversationsHandler(cfg, log),
	)

	s.AddTool(
		mcp.NewTool("get_conversation",
			mcp.WithDescription("Get one conversation with its full message and session history."),
			mcp.WithString("conversation_id",
				mcp.Required(),
				mcp.Description("The conversation ID"),
			),
		),
		getConversationHandler(cfg, log),
	)

	s.AddTool(
		mcp.NewTool("list_messages",
			mcp.WithDescription("List the messages of a conversation, newest page first."),
			mcp.WithString("conversation_id",
				mcp.Required(),
				mcp.Description("The conversation ID"),
			),
			mcp.WithNumber("limit",
				mcp.Description("Maximum messages to return (default 50)"),
			),
			mcp.WithNumber("offset",
				mcp.Description("Messages to skip from the start"),
			),
		),
		listMessagesHandler(cfg, log),
	)

	s.AddTool(
		mcp.NewTool("send_message",
			mcp.WithDescription("Send a user message to a conversation. The bound agent runs a turn; the reply lands in the conversation when it finishes."),
			mcp.WithString("conversation_id",
				mcp.Required(),
				mcp.Description("The conversation ID"),
			),
			mcp.WithString("content",
				mcp.Required(),
				mcp.Description("The message text"),
			),
		),
		sendMessageHandler(cfg, log),
	)

	s.AddTool(
		mcp.NewTool("agent_status",
			mcp.WithDescription("Report every known agent with its availability, running state, and models."),
		),
		agentStatusHandler(cfg, log),
	)
}

func listConversationsHandler(cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return proxyGet(ctx, cfg, log, cfg.APIURL+"/api/conversations", "conversations")
	}
}

func getConversationHandler(cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		conversationID, err := req.RequireString("conversation_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		target := fmt.Sprintf("%s/api/conversations/%s", cfg.APIURL, url.PathEscape(conversationID))
		return proxyGet(ctx, cfg, log, target, "conversation")
	}
}

func listMessagesHandler(cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		conversationID, err := req.RequireString("conversation_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		limit := req.GetInt("limit", 50)
		offset := req.GetInt("offset", 0)
		target := fmt.Sprintf("%s/api/conversations/%s/messages?limit=%d&offset=%d",
			cfg.APIURL, url.PathEscape(conversationID), limit, offset)
		return proxyGet(ctx, cfg, log, target, "messages")
	}
}

func sendMessageHandler(cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		conversationID, err := req.RequireString("conversation_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		content, err := req.RequireString("content")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		body, _ := json.Marshal(map[string]string{"content": content})
		target := fmt.Sprintf("%s/api/conversations/%s/messages", cfg.APIURL, url.PathEscape(conversationID))

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to create request: %v", err)), nil
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := http.DefaultClient.Do(httpReq)
		if err != nil {
			log.Error("failed to send message", zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to send message: %v", err)), nil
		}
		defer func() { _ = resp.Body.Close() }()

		var result json.RawMessage
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to parse response: %v", err)), nil
		}
		if resp.StatusCode >= 400 {
			return mcp.NewToolResultError(fmt.Sprintf("API error (%d): %s", resp.StatusCode, string(result))), nil
		}

		formatted, _ := json.MarshalIndent(result, "", "  ")
		return mcp.NewToolResultText(string(formatted)), nil
	}
}

func agentStatusHandler(cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return proxyGet(ctx, cfg, log, cfg.APIURL+"/api/agents", "agents")
	}
}

// proxyGet fetches one façade endpoint and returns the pretty-printed JSON.
func proxyGet(ctx context.Context, cfg Config, log *logger.Logger, target, what string) (*mcp.CallToolResult, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to create request: %v", err)), nil
	}
	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		log.Error("failed to fetch "+what, zap.Error(err))
		return mcp.NewToolResultError(fmt.Sprintf("Failed to fetch %s: %v", what, err)), nil
	}
	defer func() { _ = resp.Body.Close() }()

	var result json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse response: %v", err)), nil
	}
	if resp.StatusCode >= 400 {
		return mcp.NewToolResultError(fmt.Sprintf("API error (%d): %s", resp.StatusCode, string(result))), nil
	}

	formatted, _ := json.MarshalIndent(result, "", "  ")
	return mcp.NewToolResultText(string(formatted)), nil
}
