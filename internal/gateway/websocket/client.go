package websocket

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/gmgui/gmgui/internal/common/logger"
	"github.com/gmgui/gmgui/pkg/rpc"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Latency-probing pings (must be less than pongWait)
	pingPeriod = 30 * time.Second

	// Maximum message size allowed from peer
	maxMessageSize = 512 * 1024 // 512KB
)

// connWriter serializes socket writes. The outbound pipeline, RPC replies and
// the ping loop all share one connection.
type connWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *connWriter) WriteText(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

func (w *connWriter) WriteBinary(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return w.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (w *connWriter) WritePing(payload []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteControl(websocket.PingMessage, payload, time.Now().Add(writeWait))
}

// Client represents a single WebSocket connection.
type Client struct {
	ID string

	conn    *websocket.Conn
	writer  *connWriter
	hub     *Hub
	latency *latencyTracker
	sender  *sender
	logger  *logger.Logger

	// subscriptions is maintained by the hub under its lock.
	subscriptions map[subKey]bool

	done      chan struct{}
	closeOnce sync.Once
}

// NewClient wraps an upgraded connection.
func NewClient(id string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	writer := &connWriter{conn: conn}
	latency := newLatencyTracker()
	scoped := log.WithFields(zap.String("client_id", id))
	return &Client{
		ID:            id,
		conn:          conn,
		writer:        writer,
		hub:           hub,
		latency:       latency,
		sender:        newSender(writer, latency, scoped),
		logger:        scoped,
		subscriptions: make(map[subKey]bool),
		done:          make(chan struct{}),
	}
}

// controlFrame is the non-RPC inbound shape: subscribe, unsubscribe, ping and
// legacy terminal frames.
type controlFrame struct {
	Type           string `json:"type"`
	SessionID      string `json:"sessionId,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
	RequestID      string `json:"requestId,omitempty"`
}

// ReadPump pumps messages from the WebSocket connection. RPC requests
// dispatch on their own goroutine so a slow handler never stalls the socket.
func (c *Client) ReadPump(ctx context.Context) {
	defer c.Close()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(appData string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.observePong(appData)
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("WebSocket read error", zap.Error(err))
			}
			return
		}

		var req rpc.Request
		if err := json.Unmarshal(data, &req); err == nil && req.M != "" {
			go c.dispatch(ctx, &req)
			continue
		}

		var frame controlFrame
		if err := json.Unmarshal(data, &frame); err != nil || frame.Type == "" {
			c.logger.Debug("Unparseable frame", zap.Int("length", len(data)))
			continue
		}
		c.handleControl(&frame)
	}
}

// clientContextKey carries the calling client through RPC dispatch so
// handlers like msg.stream can subscribe the caller.
type clientContextKey struct{}

// ClientFromContext returns the client a request arrived on, if any. HTTP
// callers dispatch without one.
func ClientFromContext(ctx context.Context) (*Client, bool) {
	client, ok := ctx.Value(clientContextKey{}).(*Client)
	return client, ok
}

func (c *Client) dispatch(ctx context.Context, req *rpc.Request) {
	ctx = context.WithValue(ctx, clientContextKey{}, c)
	c.sendJSON(c.hub.dispatcher.Dispatch(ctx, req))
}

func (c *Client) handleControl(frame *controlFrame) {
	switch {
	case frame.Type == "subscribe":
		c.hub.Subscribe(c, frame.SessionID, frame.ConversationID)
	case frame.Type == "unsubscribe":
		c.hub.Unsubscribe(c, frame.SessionID, frame.ConversationID)
	case frame.Type == "ping":
		c.sendJSON(map[string]string{"type": "pong", "requestId": frame.RequestID})
	case strings.HasPrefix(frame.Type, "terminal_"):
		// Terminal sharing is not served here; frames are accepted and dropped
		// so older clients do not error out.
	default:
		c.logger.Debug("Ignoring frame", zap.String("type", frame.Type))
	}
}

func (c *Client) sendJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Error("Failed to marshal frame", zap.Error(err))
		return
	}
	if err := c.writer.WriteText(data); err != nil {
		c.logger.Debug("Write failed", zap.Error(err))
	}
}

// PingLoop sends timestamped pings; the pong handler turns them into RTT
// samples that drive the batching tier.
func (c *Client) PingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			payload := strconv.AppendInt(nil, time.Now().UnixNano(), 10)
			if err := c.writer.WritePing(payload); err != nil {
				c.Close()
				return
			}
		}
	}
}

func (c *Client) observePong(appData string) {
	sent, err := strconv.ParseInt(appData, 10, 64)
	if err != nil {
		return
	}
	if rtt := time.Since(time.Unix(0, sent)); rtt > 0 {
		c.latency.Observe(rtt)
	}
}

// Close tears the connection down once: the pipeline drains its pending
// batch, the hub drops its index entries, then the socket closes.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.sender.Close()
		c.hub.Unregister(c)
		if c.conn != nil {
			_ = c.conn.Close()
		}
	})
}
