package telemetry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/awesomeposter/flex/api"
)

type (
	// HistogramSnapshot is the aggregate view of one histogram series.
	HistogramSnapshot struct {
		Count int     `json:"count"`
		Sum   float64 `json:"sum"`
		Min   float64 `json:"min"`
		Max   float64 `json:"max"`
	}

	// Options configures a Service.
	Options struct {
		// Logger receives diagnostic logs. Defaults to a noop logger.
		Logger Logger
		// Metrics receives forwarded measurements. Defaults to noop.
		Metrics Metrics
		// Now overrides the clock, for tests.
		Now func() time.Time
	}

	// Service aggregates counters and histograms under serialized series
	// keys and fans lifecycle events out to subscribers. Series keys are
	// `name|k=v|k2=v2` with label keys sorted so equivalent label sets
	// always land on the same series.
	Service struct {
		logger  Logger
		metrics Metrics
		now     func() time.Time

		mu         sync.Mutex
		counters   map[string]float64
		histograms map[string]*HistogramSnapshot

		subMu   sync.Mutex
		subs    map[int]*subscription
		nextSub int
	}

	subscription struct {
		types   map[api.EventType]struct{}
		handler api.EventHandler
	}
)

// NewService builds a telemetry service.
func NewService(opts Options) *Service {
	s := &Service{
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		now:        opts.Now,
		counters:   make(map[string]float64),
		histograms: make(map[string]*HistogramSnapshot),
		subs:       make(map[int]*subscription),
	}
	if s.logger == nil {
		s.logger = NewNoopLogger()
	}
	if s.metrics == nil {
		s.metrics = NewNoopMetrics()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// SeriesKey serializes a metric name plus labels into the canonical series
// key. Label keys are sorted.
func SeriesKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	key := name
	for _, k := range keys {
		key += "|" + k + "=" + labels[k]
	}
	return key
}

// IncCounter adds delta to a counter series and forwards to the backend.
func (s *Service) IncCounter(name string, labels map[string]string, delta float64) {
	s.mu.Lock()
	s.counters[SeriesKey(name, labels)] += delta
	s.mu.Unlock()
	s.metrics.IncCounter(name, delta, labelTags(labels)...)
}

// RecordHistogram records one observation on a histogram series.
func (s *Service) RecordHistogram(name string, labels map[string]string, value float64) {
	key := SeriesKey(name, labels)
	s.mu.Lock()
	h, ok := s.histograms[key]
	if !ok {
		h = &HistogramSnapshot{Min: value, Max: value}
		s.histograms[key] = h
	}
	h.Count++
	h.Sum += value
	if value < h.Min {
		h.Min = value
	}
	if value > h.Max {
		h.Max = value
	}
	s.mu.Unlock()
	s.metrics.RecordTimer(name, time.Duration(value*float64(time.Millisecond)), labelTags(labels)...)
}

// Counters returns a copy of all counter series.
func (s *Service) Counters() map[string]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]float64, len(s.counters))
	for k, v := range s.counters {
		out[k] = v
	}
	return out
}

// Histograms returns a copy of all histogram series.
func (s *Service) Histograms() map[string]HistogramSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]HistogramSnapshot, len(s.histograms))
	for k, v := range s.histograms {
		out[k] = *v
	}
	return out
}

// Subscribe registers a handler for the given event types. An empty type
// list subscribes to every type. The returned function unsubscribes.
func (s *Service) Subscribe(types []api.EventType, handler api.EventHandler) func() {
	sub := &subscription{handler: handler}
	if len(types) > 0 {
		sub.types = make(map[api.EventType]struct{}, len(types))
		for _, t := range types {
			sub.types[t] = struct{}{}
		}
	}
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = sub
	s.subMu.Unlock()
	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

// Emit enriches the event with a timestamp and delivers it to matching
// subscribers in subscription order. Handler errors are logged, not
// propagated: telemetry must never fail a run.
func (s *Service) Emit(ctx context.Context, ev api.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = s.now()
	}
	s.subMu.Lock()
	ids := make([]int, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	handlers := make([]*subscription, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, s.subs[id])
	}
	s.subMu.Unlock()
	for _, sub := range handlers {
		if sub.types != nil {
			if _, ok := sub.types[ev.Type]; !ok {
				continue
			}
		}
		if err := sub.handler(ev); err != nil {
			s.logger.Warn(ctx, "telemetry handler failed",
				"event", string(ev.Type), "runId", ev.RunID, "err", err.Error())
		}
	}
}

// RecordPlannerRequest counts one planner invocation by phase
// (initial or replan).
func (s *Service) RecordPlannerRequest(phase string) {
	s.IncCounter("flex.planner.requests", map[string]string{"phase": phase}, 1)
}

// RecordPlannerGenerated counts an accepted planner draft.
func (s *Service) RecordPlannerGenerated() {
	s.IncCounter("flex.planner.generated", nil, 1)
}

// RecordPlannerRejection counts a rejected planner draft.
func (s *Service) RecordPlannerRejection() {
	s.IncCounter("flex.planner.rejections", nil, 1)
}

// RecordValidationRetry counts one validation-driven retry by scope.
func (s *Service) RecordValidationRetry(scope string) {
	s.IncCounter("flex.validation.retries", map[string]string{"scope": scope}, 1)
}

// RecordNodeDuration records a node execution duration.
func (s *Service) RecordNodeDuration(capabilityID string, d time.Duration) {
	s.RecordHistogram("flex.node.duration_ms",
		map[string]string{"capabilityId": capabilityID},
		float64(d.Milliseconds()))
}

// RecordHitl counts HITL lifecycle transitions: requests, resolved, rejected.
func (s *Service) RecordHitl(outcome string) {
	s.IncCounter("flex.hitl."+outcome, nil, 1)
}

// RecordRunStatus counts a run reaching a lifecycle status.
func (s *Service) RecordRunStatus(status api.RunStatus) {
	s.IncCounter("flex.run.status", map[string]string{"status": string(status)}, 1)
}

// RecordConditionFailed counts a failed capability post- or goal-condition.
func (s *Service) RecordConditionFailed(capabilityID, ruleID string) {
	s.IncCounter("flex.capability_condition_failed", map[string]string{
		"capabilityId": capabilityID,
		"ruleId":       ruleID,
	}, 1)
}

// RecordPlannerPromptSize records the assembled prompt dimensions.
func (s *Service) RecordPlannerPromptSize(system, user, facetRows, capabilityRows int) {
	s.RecordHistogram("flex.planner.prompt.system_chars", nil, float64(system))
	s.RecordHistogram("flex.planner.prompt.user_chars", nil, float64(user))
	s.RecordHistogram("flex.planner.prompt.facet_rows", nil, float64(facetRows))
	s.RecordHistogram("flex.planner.prompt.capability_rows", nil, float64(capabilityRows))
}

// RecordPlannerCrcsStats records the capability ranking snapshot dimensions.
func (s *Service) RecordPlannerCrcsStats(totalRows, mrcsSize, rowCap int, reasonCounts map[string]int, missingPinned []string) {
	s.RecordHistogram("flex.planner.crcs.rows", nil, float64(totalRows))
	s.RecordHistogram("flex.planner.crcs.mrcs", nil, float64(mrcsSize))
	for reason, count := range reasonCounts {
		s.IncCounter("flex.planner.crcs.reason", map[string]string{"reason": reason}, float64(count))
	}
	if totalRows > rowCap {
		s.IncCounter("flex.planner.crcs.truncated", nil, 1)
	}
	if len(missingPinned) > 0 {
		s.IncCounter("flex.planner.crcs.missing_pinned", nil, float64(len(missingPinned)))
	}
}

func labelTags(labels map[string]string) []string {
	if len(labels) == 0 {
		return nil
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	tags := make([]string, 0, len(labels)*2)
	for _, k := range keys {
		tags = append(tags, k, labels[k])
	}
	return tags
}

// Logf is a convenience for emitting a log event on the bus alongside the
// structured logger.
func (s *Service) Logf(ctx context.Context, runID, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	s.logger.Info(ctx, msg, "runId", runID)
	s.Emit(ctx, api.Event{
		Type:    api.EventLog,
		RunID:   runID,
		Payload: map[string]any{"message": msg},
	})
}

// EmitMetricsSnapshot publishes the current counter and histogram aggregates
// on the bus as a metrics event so stream subscribers can render live
// telemetry without scraping.
func (s *Service) EmitMetricsSnapshot(ctx context.Context, runID string) {
	s.Emit(ctx, api.Event{
		Type:  api.EventMetrics,
		RunID: runID,
		Payload: map[string]any{
			"counters":   s.Counters(),
			"histograms": s.Histograms(),
		},
	})
}
