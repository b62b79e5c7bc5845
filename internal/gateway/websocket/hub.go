// Package websocket is the WebSocket gateway: one hub fans bus events out to
// connected clients through a per-client outbound pipeline, and inbound RPC
// frames dispatch against the shared method table.
package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/gmgui/gmgui/internal/common/logger"
	"github.com/gmgui/gmgui/internal/common/metrics"
	"github.com/gmgui/gmgui/internal/events"
	"github.com/gmgui/gmgui/internal/events/bus"
	"github.com/gmgui/gmgui/pkg/rpc"
)

// subKey identifies one subscription: a session or a conversation.
type subKey struct {
	kind string // "session" or "conversation"
	id   string
}

// Hub manages all WebSocket client connections and routes bus events to the
// clients subscribed to them.
type Hub struct {
	clients     map[*Client]bool
	subscribers map[subKey]map[*Client]bool

	inbound chan *bus.Event

	dispatcher *rpc.Dispatcher
	eventBus   bus.EventBus
	busSubs    []bus.Subscription

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates a hub over the given bus and RPC method table.
func NewHub(eventBus bus.EventBus, dispatcher *rpc.Dispatcher, log *logger.Logger) *Hub {
	return &Hub{
		clients:     make(map[*Client]bool),
		subscribers: make(map[subKey]map[*Client]bool),
		inbound:     make(chan *bus.Event, 1024),
		dispatcher:  dispatcher,
		eventBus:    eventBus,
		logger:      log.WithFields(zap.String("component", "ws_hub")),
	}
}

// BindBus subscribes the hub to every subject clients can observe.
func (h *Hub) BindBus() error {
	subjects := []string{
		events.StreamWildcardSubject(),
		events.ConversationWildcardSubject(),
		events.SubjectMessageCreated,
		events.SubjectQueueStatus,
		events.SubjectRunCancelled,
	}
	for _, subject := range subjects {
		sub, err := h.eventBus.Subscribe(subject, h.enqueue)
		if err != nil {
			return err
		}
		h.busSubs = append(h.busSubs, sub)
	}
	return nil
}

// enqueue hands a bus event to the hub loop. The hub is not allowed to block
// the bus, so a saturated hub drops the event.
func (h *Hub) enqueue(ctx context.Context, event *bus.Event) error {
	select {
	case h.inbound <- event:
	default:
		metrics.WSMessagesDropped.WithLabelValues("hub_overflow").Inc()
		h.logger.Warn("Hub event buffer full, dropping event", zap.String("type", event.Type))
	}
	return nil
}

// Run is the hub's main processing loop.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("WebSocket hub started")
	defer h.logger.Info("WebSocket hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case event := <-h.inbound:
			h.deliver(event)
		}
	}
}

// shutdown unsubscribes from the bus and closes every client.
func (h *Hub) shutdown() {
	for _, sub := range h.busSubs {
		_ = sub.Unsubscribe()
	}
	h.busSubs = nil

	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.Unlock()

	for _, client := range clients {
		client.Close()
	}
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	for key := range client.subscriptions {
		h.dropSubscriberLocked(key, client)
	}
	metrics.WSClients.Dec()
	h.logger.Debug("Client unregistered", zap.String("client_id", client.ID))
}

// deliver fans one bus event out. Broadcast types reach every client; stream
// and message events reach the union of the session's and the conversation's
// subscribers.
func (h *Hub) deliver(event *bus.Event) {
	frame, err := eventFrame(event)
	if err != nil {
		h.logger.Error("Failed to encode event frame",
			zap.String("type", event.Type), zap.Error(err))
		return
	}

	h.mu.RLock()
	var audience []*Client
	if events.IsBroadcast(event.Type) {
		for client := range h.clients {
			audience = append(audience, client)
		}
	} else {
		route := events.Route(event)
		seen := make(map[*Client]bool)
		if route.SessionID != "" {
			for client := range h.subscribers[subKey{kind: "session", id: route.SessionID}] {
				if !seen[client] {
					seen[client] = true
					audience = append(audience, client)
				}
			}
		}
		if route.ConversationID != "" {
			for client := range h.subscribers[subKey{kind: "conversation", id: route.ConversationID}] {
				if !seen[client] {
					seen[client] = true
					audience = append(audience, client)
				}
			}
		}
	}
	h.mu.RUnlock()

	for _, client := range audience {
		client.sender.Enqueue(event.Type, frame)
	}
}

// eventFrame flattens a bus event into the pushed wire shape: the payload
// fields plus a "type" discriminator.
func eventFrame(event *bus.Event) ([]byte, error) {
	var fields map[string]any
	if err := events.DecodePayload(event, &fields); err != nil {
		return nil, err
	}
	if fields == nil {
		fields = make(map[string]any)
	}
	fields["type"] = event.Type
	return json.Marshal(fields)
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	h.clients[client] = true
	h.mu.Unlock()
	metrics.WSClients.Inc()
	h.logger.Debug("Client registered", zap.String("client_id", client.ID))
}

// Unregister removes a client and its subscriptions.
func (h *Hub) Unregister(client *Client) {
	h.removeClient(client)
}

// Subscribe attaches a client to a session and/or a conversation.
func (h *Hub) Subscribe(client *Client, sessionID, conversationID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, key := range subKeys(sessionID, conversationID) {
		if _, ok := h.subscribers[key]; !ok {
			h.subscribers[key] = make(map[*Client]bool)
		}
		h.subscribers[key][client] = true
		client.subscriptions[key] = true
		h.logger.Debug("Client subscribed",
			zap.String("client_id", client.ID),
			zap.String("kind", key.kind),
			zap.String("id", key.id))
	}
}

// Unsubscribe detaches a client from a session and/or a conversation.
func (h *Hub) Unsubscribe(client *Client, sessionID, conversationID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, key := range subKeys(sessionID, conversationID) {
		delete(client.subscriptions, key)
		h.dropSubscriberLocked(key, client)
	}
}

func (h *Hub) dropSubscriberLocked(key subKey, client *Client) {
	if clients, ok := h.subscribers[key]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.subscribers, key)
		}
	}
}

func subKeys(sessionID, conversationID string) []subKey {
	var keys []subKey
	if sessionID != "" {
		keys = append(keys, subKey{kind: "session", id: sessionID})
	}
	if conversationID != "" {
		keys = append(keys, subKey{kind: "conversation", id: conversationID})
	}
	return keys
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dispatcher exposes the RPC method table.
func (h *Hub) Dispatcher() *rpc.Dispatcher {
	return h.dispatcher
}
