package acp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/gmgui/gmgui/internal/common/logger"
)

const dialTimeout = 3 * time.Second

// Client is a JSON-RPC 2.0 client over a single agent connection. Requests
// are matched to responses through a pending map keyed by request id;
// notifications are delivered to the registered handler.
type Client struct {
	conn net.Conn

	writeMu sync.Mutex

	requestID atomic.Int64
	pending   map[int64]chan *Response
	mu        sync.Mutex

	onUpdate func(update *SessionUpdate)

	logger    *logger.Logger
	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to an agent's local ACP port and starts the read loop.
func Dial(ctx context.Context, port int, log *logger.Logger) (*Client, error) {
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to agent on port %d: %w", port, err)
	}
	return NewClient(conn, log), nil
}

// NewClient wraps an established connection and starts the read loop.
func NewClient(conn net.Conn, log *logger.Logger) *Client {
	c := &Client{
		conn:    conn,
		pending: make(map[int64]chan *Response),
		logger:  log.WithFields(zap.String("component", "acp-client")),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// OnSessionUpdate registers the handler for session/update notifications.
// Must be called before the first prompt.
func (c *Client) OnSessionUpdate(handler func(update *SessionUpdate)) {
	c.onUpdate = handler
}

// Close shuts the connection down and fails any in-flight calls.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// Call sends a request and blocks until the matching response or ctx expiry.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := c.requestID.Add(1)

	var paramsJSON json.RawMessage
	if params != nil {
		var err error
		paramsJSON, err = json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s params: %w", method, err)
		}
	}

	respCh := make(chan *Response, 1)
	c.mu.Lock()
	c.pending[id] = respCh
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	req := &Request{JSONRPC: "2.0", ID: &id, Method: method, Params: paramsJSON}
	if err := c.send(req); err != nil {
		return nil, err
	}

	select {
	case resp := <-respCh:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, fmt.Errorf("connection closed while waiting for %s response", method)
	}
}

// Notify sends a notification; no response is expected.
func (c *Client) Notify(method string, params any) error {
	var paramsJSON json.RawMessage
	if params != nil {
		var err error
		paramsJSON, err = json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to marshal %s params: %w", method, err)
		}
	}
	return c.send(&Request{JSONRPC: "2.0", Method: method, Params: paramsJSON})
}

// Initialize performs the protocol handshake.
func (c *Client) Initialize(ctx context.Context) (*InitializeResult, error) {
	params := InitializeParams{
		ProtocolVersion: "1.0",
		ClientInfo:      ClientInfo{Name: "gmgui", Version: "0.1.0"},
		Capabilities:    ClientCapabilities{Streaming: true},
	}
	raw, err := c.Call(ctx, MethodInitialize, params)
	if err != nil {
		return nil, fmt.Errorf("initialize failed: %w", err)
	}
	var result InitializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("failed to parse initialize result: %w", err)
	}
	return &result, nil
}

// NewSession opens a fresh agent session rooted at cwd and returns the
// agent-assigned session id.
func (c *Client) NewSession(ctx context.Context, cwd string) (string, error) {
	raw, err := c.Call(ctx, MethodSessionNew, SessionNewParams{Cwd: cwd})
	if err != nil {
		return "", fmt.Errorf("session/new failed: %w", err)
	}
	var result SessionNewResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", fmt.Errorf("failed to parse session/new result: %w", err)
	}
	if result.SessionID == "" {
		return "", fmt.Errorf("session/new returned no session id")
	}
	return result.SessionID, nil
}

// LoadSession resumes an earlier agent session.
func (c *Client) LoadSession(ctx context.Context, sessionID string) error {
	if _, err := c.Call(ctx, MethodSessionLoad, SessionLoadParams{SessionID: sessionID}); err != nil {
		return fmt.Errorf("session/load failed: %w", err)
	}
	return nil
}

// Prompt sends one turn and blocks until the agent's prompt response, which
// carries the stop reason. Streamed output arrives through the session update
// handler while this call is in flight.
func (c *Client) Prompt(ctx context.Context, sessionID, text string) (*SessionPromptResult, error) {
	params := SessionPromptParams{
		SessionID: sessionID,
		Prompt:    []ContentBlock{{Type: "text", Text: text}},
	}
	raw, err := c.Call(ctx, MethodSessionPrompt, params)
	if err != nil {
		return nil, err
	}
	var result SessionPromptResult
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &result); err != nil {
			return nil, fmt.Errorf("failed to parse session/prompt result: %w", err)
		}
	}
	return &result, nil
}

// CancelSession tells the agent to abandon the in-flight prompt.
func (c *Client) CancelSession(sessionID, reason string) error {
	return c.Notify(MethodSessionCancel, SessionCancelParams{SessionID: sessionID, Reason: reason})
}

func (c *Client) send(msg *Request) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.conn.Write(data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

func (c *Client) readLoop() {
	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	for scanner.Scan() {
		select {
		case <-c.done:
			return
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var resp Response
		if err := json.Unmarshal(line, &resp); err == nil && resp.ID != nil {
			c.handleResponse(&resp)
			continue
		}

		var notif Request
		if err := json.Unmarshal(line, &notif); err == nil && notif.Method != "" {
			c.handleNotification(&notif)
			continue
		}

		c.logger.Warn("Unrecognized message from agent", zap.ByteString("line", line))
	}

	if err := scanner.Err(); err != nil {
		select {
		case <-c.done:
		default:
			c.logger.Warn("Agent connection read failed", zap.Error(err))
		}
	}
	c.failPending()
}

func (c *Client) handleResponse(resp *Response) {
	c.mu.Lock()
	ch, ok := c.pending[*resp.ID]
	c.mu.Unlock()
	if !ok {
		c.logger.Warn("Response for unknown request", zap.Int64("id", *resp.ID))
		return
	}
	ch <- resp
}

func (c *Client) handleNotification(notif *Request) {
	if notif.Method != NotificationSessionUpdate {
		c.logger.Debug("Ignoring notification", zap.String("method", notif.Method))
		return
	}
	if c.onUpdate == nil {
		return
	}
	var update SessionUpdate
	if err := json.Unmarshal(notif.Params, &update); err != nil {
		c.logger.Warn("Malformed session update", zap.Error(err))
		return
	}
	c.onUpdate(&update)
}

// failPending unblocks callers after the connection drops.
func (c *Client) failPending() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}
