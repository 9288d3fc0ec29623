package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/awesomeposter/flex/api"
	"github.com/awesomeposter/flex/telemetry"
)

// slowWriteThreshold marks a frame write as backpressured.
const slowWriteThreshold = 200 * time.Millisecond

// Stream writes SSE frames over one HTTP response. Frames carry monotonic
// ids in emission order; after Finalize every send is a no-op.
type Stream struct {
	mu     sync.Mutex
	w      http.ResponseWriter
	flush  http.Flusher
	logger telemetry.Logger
	runID  string
	nextID int64
	closed bool
	now    func() time.Time
}

func newStream(w http.ResponseWriter, logger telemetry.Logger, now func() time.Time) (*Stream, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("sse: response writer does not support flushing")
	}
	return &Stream{w: w, flush: flusher, logger: logger, now: now}, nil
}

// open writes the stream headers plus the initial comment that flushes them
// through intermediaries.
func (s *Stream) open() {
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream; charset=utf-8")
	h.Set("Cache-Control", "no-cache, no-transform")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	h.Set("Content-Encoding", "identity")
	s.w.WriteHeader(http.StatusOK)
	_, _ = s.w.Write([]byte(":\n\n"))
	s.flush.Flush()
}

// SendEvent serializes one lifecycle event as a frame.
func (s *Stream) SendEvent(ev api.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("sse: marshal event: %w", err)
	}
	return s.send(string(ev.Type), data)
}

// Heartbeat writes a heartbeat frame with the current timestamp.
func (s *Stream) Heartbeat() {
	payload := fmt.Sprintf(`{"ts":%d}`, s.now().UnixMilli())
	_ = s.send("heartbeat", []byte(payload))
}

func (s *Stream) send(event string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.nextID++
	frame := fmt.Sprintf("event: %s\nid: %d\ndata: %s\n\n", event, s.nextID, data)

	start := s.now()
	if _, err := s.w.Write([]byte(frame)); err != nil {
		s.closed = true
		return fmt.Errorf("sse: write frame: %w", err)
	}
	s.flush.Flush()
	if wait := s.now().Sub(start); wait > slowWriteThreshold {
		ctx := context.Background()
		s.logger.Warn(ctx, "sse_backpressure", "runId", s.runID, "event", event)
		s.logger.Info(ctx, "sse_drain", "runId", s.runID, "waitMs", wait.Milliseconds())
	}
	return nil
}

// Finalize closes the stream. Safe to call more than once; later sends are
// dropped silently.
func (s *Stream) Finalize() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *Stream) setRunID(id string) {
	s.mu.Lock()
	s.runID = id
	s.mu.Unlock()
}
