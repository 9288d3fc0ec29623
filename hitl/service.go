package hitl

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxRequestsPerRun caps accepted HITL requests per run.
const DefaultMaxRequestsPerRun = 3

// ErrContextMissing is returned when RaiseRequest runs outside a scope
// established by WithScope.
var ErrContextMissing = errors.New("hitl: no request scope in context")

type (
	// Scope carries the run/node identity and callbacks a request raised
	// mid-execution needs. It travels on the context so concurrent runs
	// never observe each other's scope.
	Scope struct {
		// RunID identifies the run the request belongs to.
		RunID string
		// ThreadID optionally ties the request to a conversation thread.
		ThreadID string
		// StepID identifies the executing plan node.
		StepID string
		// CapabilityID identifies the raising capability.
		CapabilityID string
		// ContractSummary describes the node's expected output so operator
		// UIs can render the right form.
		ContractSummary map[string]any
		// OperatorPrompt overrides the default operator-facing prompt.
		OperatorPrompt string
		// Limit overrides the service cap for this scope. Zero means use
		// the service default.
		Limit int
		// OnRequest is invoked after a request is accepted and persisted.
		OnRequest func(state *RunState, req *RequestRecord)
		// OnDenied is invoked after a request is denied by the cap.
		OnDenied func(state *RunState, req *RequestRecord)
	}

	// RaiseResult reports the outcome of a RaiseRequest call.
	RaiseResult struct {
		Status  RequestStatus
		Request *RequestRecord
	}

	// Options configures a Service.
	Options struct {
		// Store persists the ledger. Required.
		Store Store
		// MaxRequestsPerRun caps accepted requests. Defaults to
		// DefaultMaxRequestsPerRun.
		MaxRequestsPerRun int
		// Now overrides the clock, for tests.
		Now func() time.Time
		// NewID overrides request/response ID generation, for tests.
		NewID func() string
	}

	// Service is the authoritative per-run HITL ledger.
	Service struct {
		store Store
		max   int
		now   func() time.Time
		newID func() string
	}
)

type scopeKey struct{}

// WithScope returns a context carrying the request scope.
func WithScope(ctx context.Context, scope *Scope) context.Context {
	return context.WithValue(ctx, scopeKey{}, scope)
}

// ScopeFrom extracts the request scope from the context, if any.
func ScopeFrom(ctx context.Context) (*Scope, bool) {
	scope, ok := ctx.Value(scopeKey{}).(*Scope)
	return scope, ok && scope != nil
}

// NewService builds a Service from options.
func NewService(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, errors.New("hitl: store is required")
	}
	svc := &Service{
		store: opts.Store,
		max:   opts.MaxRequestsPerRun,
		now:   opts.Now,
		newID: opts.NewID,
	}
	if svc.max <= 0 {
		svc.max = DefaultMaxRequestsPerRun
	}
	if svc.now == nil {
		svc.now = time.Now
	}
	if svc.newID == nil {
		svc.newID = uuid.NewString
	}
	return svc, nil
}

// MaxRequestsPerRun returns the configured accepted-request cap.
func (s *Service) MaxRequestsPerRun() int { return s.max }

// LoadRunState aggregates the persisted ledger for a run.
func (s *Service) LoadRunState(ctx context.Context, runID string) (*RunState, error) {
	requests, err := s.store.ListHitlRequests(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("load hitl requests: %w", err)
	}
	responses, err := s.store.ListHitlResponses(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("load hitl responses: %w", err)
	}
	state := &RunState{Requests: requests, Responses: responses}
	for _, req := range requests {
		switch req.Status {
		case StatusPending:
			state.PendingRequestID = req.ID
		case StatusDenied:
			state.DeniedCount++
		}
	}
	return state, nil
}

// RaiseRequest records a new HITL request for the scoped run. The scope must
// be installed with WithScope; callers outside a scope get ErrContextMissing.
// When the accepted-request count already equals the cap, the request is
// persisted as denied and the scope's OnDenied hook fires; otherwise it is
// persisted pending and OnRequest fires.
func (s *Service) RaiseRequest(ctx context.Context, payload Payload, metadata map[string]any) (*RaiseResult, error) {
	scope, ok := ScopeFrom(ctx)
	if !ok {
		return nil, ErrContextMissing
	}
	state, err := s.LoadRunState(ctx, scope.RunID)
	if err != nil {
		return nil, err
	}
	limit := scope.Limit
	if limit <= 0 {
		limit = s.max
	}
	accepted := 0
	for _, req := range state.Requests {
		if req.Accepted() {
			accepted++
		}
	}
	now := s.now()
	req := &RequestRecord{
		ID:              s.newID(),
		RunID:           scope.RunID,
		ThreadID:        scope.ThreadID,
		StepID:          scope.StepID,
		PendingNodeID:   scope.StepID,
		OriginAgent:     scope.CapabilityID,
		Payload:         payload,
		ContractSummary: scope.ContractSummary,
		OperatorPrompt:  scope.OperatorPrompt,
		Metadata:        metadata,
		CreatedAt:       now,
		UpdatedAt:       now,
		Metrics:         RequestMetrics{Attempt: accepted + state.DeniedCount + 1},
	}
	if accepted >= limit {
		req.Status = StatusDenied
		req.DenialReason = DenialTooManyRequests
		if err := s.store.PutHitlRequest(ctx, req); err != nil {
			return nil, fmt.Errorf("persist denied hitl request: %w", err)
		}
		state.Requests = append(state.Requests, req)
		state.DeniedCount++
		if scope.OnDenied != nil {
			scope.OnDenied(state, req)
		}
		return &RaiseResult{Status: StatusDenied, Request: req}, nil
	}
	if state.PendingRequestID != "" {
		return nil, fmt.Errorf("hitl: request %s still pending for run %s", state.PendingRequestID, scope.RunID)
	}
	req.Status = StatusPending
	if err := s.store.PutHitlRequest(ctx, req); err != nil {
		return nil, fmt.Errorf("persist hitl request: %w", err)
	}
	state.Requests = append(state.Requests, req)
	state.PendingRequestID = req.ID
	if scope.OnRequest != nil {
		scope.OnRequest(state, req)
	}
	return &RaiseResult{Status: StatusPending, Request: req}, nil
}

// ApplyResponses appends operator responses, resolves the matching requests,
// and clears the run's pending marker when the last pending request is
// answered. Responses for unknown or already-terminal requests are skipped.
func (s *Service) ApplyResponses(ctx context.Context, runID string, responses []*Response) (*RunState, error) {
	state, err := s.LoadRunState(ctx, runID)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*RequestRecord, len(state.Requests))
	for _, req := range state.Requests {
		byID[req.ID] = req
	}
	for _, res := range responses {
		if res == nil || res.RequestID == "" {
			continue
		}
		req, ok := byID[res.RequestID]
		if !ok || req.Status != StatusPending {
			continue
		}
		if res.ID == "" {
			res.ID = s.newID()
		}
		if res.CreatedAt.IsZero() {
			res.CreatedAt = s.now()
		}
		if err := s.store.PutHitlResponse(ctx, res); err != nil {
			return nil, fmt.Errorf("persist hitl response: %w", err)
		}
		req.Status = StatusResolved
		req.UpdatedAt = s.now()
		if err := s.store.PutHitlRequest(ctx, req); err != nil {
			return nil, fmt.Errorf("resolve hitl request: %w", err)
		}
		state.Responses = append(state.Responses, res)
		if state.PendingRequestID == req.ID {
			state.PendingRequestID = ""
		}
	}
	return state, nil
}
