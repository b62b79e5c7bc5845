package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperr "github.com/gmgui/gmgui/internal/common/errors"
	"github.com/gmgui/gmgui/internal/events"
	"github.com/gmgui/gmgui/internal/events/bus"
)

const sseHeartbeat = 15 * time.Second

// streamConversation re-publishes a conversation's bus events over SSE,
// after a catch-up pass over the persisted chunk log. Subscribing before the
// catch-up read means the union of both is complete; clients dedupe by
// sequence.
func (s *Server) streamConversation(c *gin.Context) {
	id := c.Param("id")
	ctx := c.Request.Context()
	if _, err := s.store.GetConversation(ctx, id); err != nil {
		fail(c, err)
		return
	}

	live := make(chan *bus.Event, 256)
	handler := func(ctx context.Context, event *bus.Event) error {
		if events.Route(event).ConversationID != id {
			return nil
		}
		select {
		case live <- event:
		default:
			// Slow consumer: drop; the chunk log remains authoritative.
		}
		return nil
	}

	subjects := []string{
		events.StreamWildcardSubject(),
		events.SubjectMessageCreated,
		events.SubjectQueueStatus,
		events.SubjectRunCancelled,
	}
	var subs []bus.Subscription
	for _, subject := range subjects {
		sub, err := s.eventBus.Subscribe(subject, handler)
		if err != nil {
			fail(c, apperr.Wrap(err, "failed to subscribe to event stream"))
			return
		}
		subs = append(subs, sub)
	}
	defer func() {
		for _, sub := range subs {
			_ = sub.Unsubscribe()
		}
	}()

	var since *time.Time
	if raw := c.Query("since"); raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			fail(c, apperr.BadRequest("since must be unix milliseconds"))
			return
		}
		ts := time.UnixMilli(ms).UTC()
		since = &ts
	}
	chunks, err := s.store.ListChunks(ctx, id, since)
	if err != nil {
		fail(c, err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Writer.Flush()

	write := func(frame []byte) bool {
		if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", frame); err != nil {
			return false
		}
		c.Writer.Flush()
		return true
	}

	for i := range chunks {
		frame, err := json.Marshal(map[string]any{
			"type":           events.StreamingChunkType,
			"sessionId":      chunks[i].SessionID,
			"conversationId": chunks[i].ConversationID,
			"sequence":       chunks[i].Sequence,
			"chunkType":      chunks[i].Type,
			"payload":        chunks[i].Payload,
		})
		if err != nil || !write(frame) {
			return
		}
	}

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(c.Writer, ": ping\n\n"); err != nil {
				return
			}
			c.Writer.Flush()
		case event := <-live:
			frame, err := flattenEvent(event)
			if err != nil {
				s.logger.Warn("Failed to encode SSE event",
					zap.String("type", event.Type), zap.Error(err))
				continue
			}
			if !write(frame) {
				return
			}
		}
	}
}

// flattenEvent turns a bus event into the pushed wire shape: payload fields
// plus a "type" discriminator.
func flattenEvent(event *bus.Event) ([]byte, error) {
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
