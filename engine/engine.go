// Package engine drives plans to a terminal state: dependency-ordered node
// scheduling, AI and human executors, output contract enforcement, policy
// and goal conditions, HITL suspension, and replan triggers. Scheduling is
// single-threaded within one run; concurrency across runs is governed by the
// gateway semaphore.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/awesomeposter/flex/api"
	"github.com/awesomeposter/flex/capability"
	"github.com/awesomeposter/flex/facet"
	"github.com/awesomeposter/flex/hitl"
	"github.com/awesomeposter/flex/model"
	"github.com/awesomeposter/flex/plan"
	"github.com/awesomeposter/flex/run"
	"github.com/awesomeposter/flex/store"
	"github.com/awesomeposter/flex/telemetry"
)

const (
	// DefaultNodeTimeout bounds one AI executor attempt.
	DefaultNodeTimeout = 30 * time.Second
	// DefaultStructuringTimeout bounds structuring-node attempts, which
	// produce larger outputs.
	DefaultStructuringTimeout = 90 * time.Second
	// DefaultMaxRetries is the retry budget for non-structuring AI nodes.
	// Structuring nodes get no retries.
	DefaultMaxRetries = 1
	// DefaultAssignmentTimeout is the human task deadline.
	DefaultAssignmentTimeout = 900 * time.Second
	// retryBackoff separates AI attempt retries.
	retryBackoff = 500 * time.Millisecond
)

type (
	// NodeExecutor produces the structured output of one AI node. The
	// context carries the node's HITL scope so executors may raise
	// operator requests mid-execution.
	NodeExecutor interface {
		ExecuteNode(ctx context.Context, req NodeRequest) (map[string]any, error)
	}

	// NodeRequest is the executor's view of one node invocation.
	NodeRequest struct {
		RunID      string
		Node       *plan.Node
		Capability capability.Record
		// Inputs maps the node's input facet names to current ledger values.
		Inputs map[string]any
		// Objective echoes the envelope objective.
		Objective string
		// Clarifications is the answered clarification ledger.
		Clarifications []run.Clarification
	}

	// Options configures an Engine.
	Options struct {
		Store     store.Store
		Registry  *capability.Registry
		Model     model.Runtime
		Hitl      *hitl.Service
		Telemetry *telemetry.Service
		Logger    telemetry.Logger
		// Executor overrides the default model-backed AI executor.
		Executor NodeExecutor
		// NodeTimeout and StructuringTimeout bound AI attempts.
		NodeTimeout        time.Duration
		StructuringTimeout time.Duration
		// MaxRetries is the non-structuring AI retry budget.
		MaxRetries int
		// AssignmentTimeout sets human task deadlines.
		AssignmentTimeout time.Duration
		// Now and NewID override the clock and ID source, for tests.
		Now   func() time.Time
		NewID func() string
	}

	// Request is one engine pass over a plan.
	Request struct {
		RunID         string
		Envelope      *api.TaskEnvelope
		Plan          *plan.Plan
		RunContext    *run.Context
		CorrelationID string
		// OnEvent receives lifecycle events synchronously, in emission
		// order. Optional; the telemetry bus always receives them.
		OnEvent api.EventHandler
		// PolicyAttempts carries per-node post-condition retry counts across
		// passes and resumes.
		PolicyAttempts map[string]int
	}

	// Engine executes plans.
	Engine struct {
		store      store.Store
		registry   *capability.Registry
		hitl       *hitl.Service
		telemetry  *telemetry.Service
		logger     telemetry.Logger
		executor   NodeExecutor
		nodeTO     time.Duration
		structTO   time.Duration
		maxRetries int
		assignTO   time.Duration
		now        func() time.Time
		newID      func() string
	}
)

// New builds an Engine from options.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, errors.New("engine: store is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("engine: capability registry is required")
	}
	if opts.Executor == nil && opts.Model == nil {
		return nil, errors.New("engine: model runtime or executor is required")
	}
	e := &Engine{
		store:      opts.Store,
		registry:   opts.Registry,
		hitl:       opts.Hitl,
		telemetry:  opts.Telemetry,
		logger:     opts.Logger,
		executor:   opts.Executor,
		nodeTO:     opts.NodeTimeout,
		structTO:   opts.StructuringTimeout,
		maxRetries: opts.MaxRetries,
		assignTO:   opts.AssignmentTimeout,
		now:        opts.Now,
		newID:      opts.NewID,
	}
	if e.telemetry == nil {
		e.telemetry = telemetry.NewService(telemetry.Options{})
	}
	if e.logger == nil {
		e.logger = telemetry.NewNoopLogger()
	}
	if e.executor == nil {
		e.executor = &modelExecutor{model: opts.Model}
	}
	if e.nodeTO <= 0 {
		e.nodeTO = DefaultNodeTimeout
	}
	if e.structTO <= 0 {
		e.structTO = DefaultStructuringTimeout
	}
	if e.maxRetries < 0 {
		e.maxRetries = 0
	} else if e.maxRetries == 0 {
		e.maxRetries = DefaultMaxRetries
	}
	if e.assignTO <= 0 {
		e.assignTO = DefaultAssignmentTimeout
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.newID == nil {
		e.newID = uuid.NewString
	}
	return e, nil
}

// Execute drives the plan until it suspends, completes, fails, or asks for a
// replan. Nodes run one at a time in dependency order; every state
// transition is persisted before the matching event is emitted.
func (e *Engine) Execute(ctx context.Context, req Request) Outcome {
	if req.PolicyAttempts == nil {
		req.PolicyAttempts = make(map[string]int)
	}
	for {
		if err := ctx.Err(); err != nil {
			return e.cancel(req)
		}
		node := req.Plan.NextRunnable()
		if node == nil {
			return e.finish(ctx, req)
		}
		if node.Kind == string(capability.KindRouting) && node.CapabilityID == "" {
			if out := e.route(ctx, req, node); out != nil {
				return *out
			}
			continue
		}
		rec, found, err := e.registry.GetByID(ctx, node.CapabilityID)
		if err != nil {
			return Outcome{Kind: OutcomeFailed, Err: fmt.Errorf("resolve capability %q: %w", node.CapabilityID, err)}
		}
		if !found {
			e.failNode(ctx, req, node, &plan.NodeFailure{
				Name:    "CapabilityNotRegistered",
				Message: fmt.Sprintf("capability %q is not registered", node.CapabilityID),
			})
			continue
		}
		var out *Outcome
		switch rec.AgentType {
		case capability.AgentTypeHuman:
			out = e.suspendHuman(ctx, req, node, rec)
		default:
			out = e.executeAI(ctx, req, node, rec)
		}
		if out != nil {
			return *out
		}
	}
}

// finish runs after no runnable node remains: evaluate goal conditions,
// check required facets, and compose the final output.
func (e *Engine) finish(ctx context.Context, req Request) Outcome {
	if reason := e.unmetGoalConditions(ctx, req); reason != "" {
		return Outcome{Kind: OutcomeReplan, ReplanReason: reason}
	}
	if reason := e.unmetRequiredFacets(req); reason != "" {
		return Outcome{Kind: OutcomeReplan, ReplanReason: reason}
	}
	output, prov, err := req.RunContext.ComposeFinalOutput(&req.Envelope.OutputContract, req.Plan)
	if err != nil {
		var missing *run.MissingFacetsError
		if errors.As(err, &missing) {
			return Outcome{Kind: OutcomeReplan, ReplanReason: fmt.Sprintf("missing required facets %v", missing.Facets)}
		}
		return Outcome{Kind: OutcomeFailed, Err: err}
	}
	return Outcome{Kind: OutcomeCompleted, Output: output, Provenance: prov}
}

// unmetRequiredFacets reports required output facets no completed node
// produced, with the producing error context when one exists.
func (e *Engine) unmetRequiredFacets(req Request) string {
	required := req.Envelope.OutputContract.RequiredFacets()
	if len(required) == 0 || req.Envelope.OutputContract.AllowPartial {
		return ""
	}
	var missing []string
	for _, name := range required {
		if _, ok := req.RunContext.Get(name); !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return ""
	}
	for _, n := range req.Plan.Nodes {
		if n.Status == plan.NodeError {
			return fmt.Sprintf("node %s failed leaving required facets %v unproduced", n.ID, missing)
		}
	}
	return fmt.Sprintf("required facets %v unproduced", missing)
}

func (e *Engine) cancel(req Request) Outcome {
	bg := context.Background()
	e.persistSnapshot(bg, req, nil)
	if err := e.store.UpdateStatus(bg, req.RunID, api.RunStatusCancelled); err != nil {
		e.logger.Warn(bg, "persist cancelled status failed", "runId", req.RunID, "err", err.Error())
	}
	e.telemetry.RecordRunStatus(api.RunStatusCancelled)
	return Outcome{Kind: OutcomeCancelled}
}

// failNode marks a node errored and lets the loop proceed best-effort:
// independent branches still run, and finish() decides whether the failure
// matters for the contract.
func (e *Engine) failNode(ctx context.Context, req Request, node *plan.Node, failure *plan.NodeFailure) {
	node.Status = plan.NodeError
	node.Error = failure
	now := e.now()
	node.CompletedAt = &now
	status := plan.NodeError
	if err := e.store.MarkNode(ctx, req.RunID, node.ID, store.NodeUpdate{
		Status:      &status,
		Error:       failure,
		CompletedAt: &now,
	}); err != nil {
		e.logger.Warn(ctx, "persist node error failed", "runId", req.RunID, "nodeId", node.ID, "err", err.Error())
	}
	e.emit(ctx, req, api.Event{
		Type:   api.EventNodeError,
		NodeID: node.ID,
		Payload: map[string]any{
			"capabilityId": node.CapabilityID,
			"name":         failure.Name,
			"message":      failure.Message,
		},
	})
}

// emit enriches and delivers one event: telemetry bus first, then the
// caller's handler. Event order matches state transition order within a run.
func (e *Engine) emit(ctx context.Context, req Request, ev api.Event) {
	ev.RunID = req.RunID
	ev.CorrelationID = req.CorrelationID
	if req.Plan != nil {
		ev.PlanVersion = req.Plan.Version
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = e.now()
	}
	e.telemetry.Emit(ctx, ev)
	if req.OnEvent != nil {
		if err := req.OnEvent(ev); err != nil {
			e.logger.Warn(ctx, "event handler failed", "runId", req.RunID, "event", string(ev.Type), "err", err.Error())
		}
	}
}

// persistSnapshot saves the current plan plus pending state. Best effort on
// cancellation paths; callers that need the write to succeed check the
// returned error.
func (e *Engine) persistSnapshot(ctx context.Context, req Request, pending *plan.PendingState) error {
	facets := make(map[string]any)
	for name, value := range req.RunContext.Values(allFacetNames(req.Plan)) {
		facets[name] = value
	}
	snap := plan.NewSnapshot(req.Plan, pending, facets, plan.SchemaHash(req.Plan.Nodes), e.now())
	if err := e.store.SavePlanSnapshot(ctx, &snap); err != nil {
		return fmt.Errorf("save plan snapshot: %w", err)
	}
	if err := e.store.SaveRunContext(ctx, req.RunID, req.RunContext.Snapshot()); err != nil {
		return fmt.Errorf("save run context: %w", err)
	}
	return nil
}

// pendingState captures completed node ids and outputs for resume.
func pendingState(p *plan.Plan, mode plan.PendingMode, attempts map[string]int) *plan.PendingState {
	ps := &plan.PendingState{
		Mode:           mode,
		NodeOutputs:    make(map[string]map[string]any),
		PolicyAttempts: attempts,
	}
	for _, n := range p.Nodes {
		if n.Status == plan.NodeCompleted {
			ps.CompletedNodeIDs = append(ps.CompletedNodeIDs, n.ID)
			if n.Output != nil {
				ps.NodeOutputs[n.ID] = n.Output
			}
		}
	}
	return ps
}

func allFacetNames(p *plan.Plan) []string {
	seen := make(map[string]bool)
	var names []string
	for _, n := range p.Nodes {
		for _, name := range append(append([]string(nil), n.Facets.Input...), n.Facets.Output...) {
			if !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
		}
	}
	return names
}

// contractSummary renders a node's output contract for operator tooling.
func contractSummary(node *plan.Node) map[string]any {
	summary := map[string]any{"outputFacets": node.Facets.Output}
	if len(node.Contracts.Output) > 0 {
		var schema map[string]any
		if err := json.Unmarshal(node.Contracts.Output, &schema); err == nil {
			summary["schema"] = schema
		}
	}
	return summary
}

func validateOutput(node *plan.Node, output map[string]any) error {
	if err := facet.ValidateValue(node.Contracts.Output, output); err != nil {
		return &ValidationError{NodeID: node.ID, Cause: err}
	}
	return nil
}
