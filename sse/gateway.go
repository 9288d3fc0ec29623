// Package sse exposes run execution over Server-Sent Events: one POST per
// run, lifecycle events streamed as frames, concurrency capped by a global
// semaphore with a bounded acceptance backlog.
package sse

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/awesomeposter/flex/api"
	"github.com/awesomeposter/flex/coordinator"
	"github.com/awesomeposter/flex/telemetry"
)

const (
	// DefaultConcurrency caps concurrent run streams.
	DefaultConcurrency = 4
	// DefaultMaxPending caps callers queued for a stream slot.
	DefaultMaxPending = 32
	// DefaultHeartbeatInterval separates heartbeat frames.
	DefaultHeartbeatInterval = 15 * time.Second
)

type (
	// RunRequest is the POST body accepted by the gateway.
	RunRequest struct {
		Envelope         *api.TaskEnvelope     `json:"envelope"`
		CorrelationID    string                `json:"correlationId,omitempty"`
		ResumeSubmission *api.ResumeSubmission `json:"resumeSubmission,omitempty"`
	}

	// Options configures a Gateway.
	Options struct {
		Coordinator *coordinator.Coordinator
		Logger      telemetry.Logger
		// Concurrency defaults to DefaultConcurrency.
		Concurrency int
		// MaxPending defaults to DefaultMaxPending.
		MaxPending int
		// HeartbeatInterval defaults to DefaultHeartbeatInterval.
		HeartbeatInterval time.Duration
		Now               func() time.Time
	}

	// Gateway admits run submissions and streams their events.
	Gateway struct {
		coordinator *coordinator.Coordinator
		logger      telemetry.Logger
		sem         *semaphore.Weighted
		pending     atomic.Int64
		maxPending  int64
		heartbeat   time.Duration
		now         func() time.Time
	}
)

// New builds a Gateway from options.
func New(opts Options) (*Gateway, error) {
	if opts.Coordinator == nil {
		return nil, errors.New("sse: coordinator is required")
	}
	g := &Gateway{
		coordinator: opts.Coordinator,
		logger:      opts.Logger,
		heartbeat:   opts.HeartbeatInterval,
		now:         opts.Now,
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	g.sem = semaphore.NewWeighted(int64(concurrency))
	g.maxPending = int64(opts.MaxPending)
	if g.maxPending <= 0 {
		g.maxPending = DefaultMaxPending
	}
	if g.heartbeat <= 0 {
		g.heartbeat = DefaultHeartbeatInterval
	}
	if g.logger == nil {
		g.logger = telemetry.NewNoopLogger()
	}
	if g.now == nil {
		g.now = time.Now
	}
	return g, nil
}

// ServeHTTP handles one run submission: admit, stream, run, finalize.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Envelope == nil {
		http.Error(w, "envelope is required", http.StatusBadRequest)
		return
	}
	if err := req.Envelope.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if g.pending.Add(1) > g.maxPending {
		g.pending.Add(-1)
		g.logger.Warn(r.Context(), "sse backlog full", "maxPending", g.maxPending)
		http.Error(w, "backlog full", http.StatusServiceUnavailable)
		return
	}
	err := g.sem.Acquire(r.Context(), 1)
	g.pending.Add(-1)
	if err != nil {
		// Client went away while queued.
		return
	}
	defer g.sem.Release(1)

	stream, err := newStream(w, g.logger, g.now)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	stream.open()
	defer stream.Finalize()

	done := make(chan struct{})
	defer close(done)
	go g.heartbeatLoop(stream, done)

	result, err := g.coordinator.Run(r.Context(), req.Envelope, coordinator.RunOptions{
		CorrelationID:    req.CorrelationID,
		ResumeSubmission: req.ResumeSubmission,
		OnEvent: func(ev api.Event) error {
			if ev.RunID != "" {
				stream.setRunID(ev.RunID)
			}
			return stream.SendEvent(ev)
		},
	})
	if err != nil {
		// Envelope or resume target errors surface as a terminal frame since
		// headers already went out.
		_ = stream.SendEvent(api.Event{
			Type:      api.EventComplete,
			Timestamp: g.now(),
			Payload:   map[string]any{"status": "failed", "error": err.Error()},
		})
		return
	}
	_ = result
}

func (g *Gateway) heartbeatLoop(stream *Stream, done <-chan struct{}) {
	ticker := time.NewTicker(g.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			stream.Heartbeat()
		}
	}
}
