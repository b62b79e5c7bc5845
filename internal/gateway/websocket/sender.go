package websocket

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gmgui/gmgui/internal/common/logger"
	"github.com/gmgui/gmgui/internal/common/metrics"
	"github.com/gmgui/gmgui/internal/events"
	"github.com/gmgui/gmgui/pkg/rpc"
)

// Priority orders outbound messages. High flushes immediately; normal and
// low wait for the batch timer.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	}
	return "normal"
}

// priorityFor classifies an event type. Errors and terminal events are urgent,
// background progress is deferrable, everything else is normal.
func priorityFor(eventType string) Priority {
	switch eventType {
	case events.StreamingErrorType, events.StreamingCompleteType,
		events.StreamingCancelledType, events.RunCancelledType,
		rateLimitWarningType:
		return PriorityHigh
	}
	if strings.HasSuffix(eventType, "_progress") {
		return PriorityLow
	}
	return PriorityNormal
}

const (
	// Batch caps per flush.
	maxNormalPerFlush = 10
	maxLowPerFlush    = 5

	// Rolling 1 s rate limit per client.
	rateWindow = time.Second
	rateLimit  = 100

	// Compression threshold and minimum savings.
	compressMinBytes = 1024
	compressMinRatio = 0.9

	// Bandwidth warning: sustained throughput above the threshold.
	bandwidthLimit  = 1 << 20 // bytes per second
	bandwidthWindow = 3 * time.Second

	rateLimitWarningType = "rate_limit_warning"
)

// frameWriter is the socket-facing side of the pipeline. The write pump owns
// the real connection; tests substitute a buffer.
type frameWriter interface {
	WriteText(data []byte) error
	WriteBinary(data []byte) error
}

// sender is the per-client outbound pipeline: dedup, priority, batching,
// rate limiting, compression, and bandwidth accounting, in that order.
type sender struct {
	writer  frameWriter
	latency *latencyTracker
	logger  *logger.Logger

	mu           sync.Mutex
	lastEnqueued string
	normal       [][]byte
	low          [][]byte
	timer        *time.Timer
	sentAt       []time.Time
	lastRateWarn time.Time
	bwStart      time.Time
	bwBytes      int64
	bwWarned     bool
	closed       bool
}

func newSender(writer frameWriter, latency *latencyTracker, log *logger.Logger) *sender {
	return &sender{writer: writer, latency: latency, logger: log}
}

// Enqueue accepts one serialized event frame.
func (s *sender) Enqueue(eventType string, payload []byte) {
	priority := priorityFor(eventType)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		metrics.WSMessagesDropped.WithLabelValues("closed").Inc()
		return
	}

	// Dedup against the previously enqueued payload.
	if string(payload) == s.lastEnqueued {
		metrics.WSMessagesDropped.WithLabelValues("duplicate").Inc()
		return
	}
	s.lastEnqueued = string(payload)

	switch priority {
	case PriorityHigh:
		s.writeLocked([][]byte{payload}, PriorityHigh)
	case PriorityLow:
		s.low = append(s.low, payload)
		s.scheduleLocked()
	default:
		s.normal = append(s.normal, payload)
		s.scheduleLocked()
	}
}

// scheduleLocked arms the batch timer with the latency-tier interval.
func (s *sender) scheduleLocked() {
	if s.timer != nil {
		return
	}
	s.timer = time.AfterFunc(s.latency.Interval(), s.flush)
}

// flush drains one batch of deferred messages.
func (s *sender) flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timer = nil
	if s.closed {
		return
	}
	s.flushLocked()
	if len(s.normal) > 0 || len(s.low) > 0 {
		s.scheduleLocked()
	}
}

func (s *sender) flushLocked() {
	batch := make([][]byte, 0, maxNormalPerFlush+maxLowPerFlush)
	n := min(len(s.normal), maxNormalPerFlush)
	batch = append(batch, s.normal[:n]...)
	s.normal = s.normal[n:]
	l := min(len(s.low), maxLowPerFlush)
	batch = append(batch, s.low[:l]...)
	s.low = s.low[l:]

	if len(batch) == 0 {
		return
	}

	// Rolling rate limit; deferred messages are all droppable.
	allowed := s.rateBudgetLocked()
	if allowed < len(batch) {
		dropped := len(batch) - allowed
		batch = batch[:allowed]
		metrics.WSMessagesDropped.WithLabelValues("rate_limit").Add(float64(dropped))
		s.warnRateLimitLocked(dropped)
		if len(batch) == 0 {
			return
		}
	}

	s.writeLocked(batch, PriorityNormal)
}

// writeLocked serializes a batch (single object or JSON array), compresses
// it when worthwhile, and writes it to the socket.
func (s *sender) writeLocked(batch [][]byte, priority Priority) {
	var frame []byte
	if len(batch) == 1 {
		frame = batch[0]
	} else {
		frame = append(frame, '[')
		for i, msg := range batch {
			if i > 0 {
				frame = append(frame, ',')
			}
			frame = append(frame, msg...)
		}
		frame = append(frame, ']')
	}

	var err error
	if compressed, ok := maybeCompress(frame); ok {
		header, _ := json.Marshal(rpc.NewCompressedHeader())
		if err = s.writer.WriteText(header); err == nil {
			err = s.writer.WriteBinary(compressed)
		}
		frame = compressed
	} else {
		err = s.writer.WriteText(frame)
	}
	if err != nil {
		s.logger.Debug("Outbound write failed", zap.Error(err))
		return
	}

	now := time.Now()
	for range batch {
		s.sentAt = append(s.sentAt, now)
	}
	metrics.WSMessagesSent.WithLabelValues(priority.String()).Add(float64(len(batch)))
	metrics.WSBytesSent.Add(float64(len(frame)))
	s.accountBandwidthLocked(now, len(frame))
}

// rateBudgetLocked prunes the rolling window and returns how many more
// messages may be sent this second.
func (s *sender) rateBudgetLocked() int {
	cutoff := time.Now().Add(-rateWindow)
	keep := s.sentAt[:0]
	for _, ts := range s.sentAt {
		if ts.After(cutoff) {
			keep = append(keep, ts)
		}
	}
	s.sentAt = keep
	if len(s.sentAt) >= rateLimit {
		return 0
	}
	return rateLimit - len(s.sentAt)
}

// warnRateLimitLocked tells the client it is being throttled, at most once
// per second.
func (s *sender) warnRateLimitLocked(dropped int) {
	now := time.Now()
	if now.Sub(s.lastRateWarn) < time.Second {
		return
	}
	s.lastRateWarn = now
	s.logger.Warn("Client rate limit exceeded, dropping messages", zap.Int("dropped", dropped))

	warning := fmt.Sprintf(`{"type":%q,"dropped":%d}`, rateLimitWarningType, dropped)
	s.writeLocked([][]byte{[]byte(warning)}, PriorityHigh)
}

// accountBandwidthLocked warns when outbound throughput stays above the
// limit for the whole window.
func (s *sender) accountBandwidthLocked(now time.Time, n int) {
	if s.bwStart.IsZero() || now.Sub(s.bwStart) > bandwidthWindow {
		s.bwStart = now
		s.bwBytes = 0
		s.bwWarned = false
	}
	s.bwBytes += int64(n)

	elapsed := now.Sub(s.bwStart)
	if elapsed >= bandwidthWindow && !s.bwWarned {
		rate := float64(s.bwBytes) / elapsed.Seconds()
		if rate > bandwidthLimit {
			s.bwWarned = true
			s.logger.Warn("Client sustaining high outbound bandwidth",
				zap.Float64("bytes_per_sec", rate))
		}
	}
}

// Close drains any scheduled batch and stops the pipeline.
func (s *sender) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	for len(s.normal) > 0 || len(s.low) > 0 {
		s.flushLocked()
	}
	s.closed = true
}

// maybeCompress gzips a frame when it is large enough and compression
// actually pays for itself.
func maybeCompress(frame []byte) ([]byte, bool) {
	if len(frame) <= compressMinBytes {
		return nil, false
	}
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(frame); err != nil {
		return nil, false
	}
	if err := w.Close(); err != nil {
		return nil, false
	}
	if float64(buf.Len()) > compressMinRatio*float64(len(frame)) {
		return nil, false
	}
	return buf.Bytes(), true
}
