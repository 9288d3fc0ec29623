// Package coordinator is the thin state machine composing planner, engine,
// store, and HITL ledger into the single run(envelope) entry point callers
// and the HTTP gateway invoke.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/awesomeposter/flex/api"
	"github.com/awesomeposter/flex/engine"
	"github.com/awesomeposter/flex/hitl"
	"github.com/awesomeposter/flex/plan"
	"github.com/awesomeposter/flex/planner"
	"github.com/awesomeposter/flex/run"
	"github.com/awesomeposter/flex/store"
	"github.com/awesomeposter/flex/telemetry"
)

// DefaultPlannerMaxAttempts bounds planner invocations per run, counting the
// initial plan and every replan.
const DefaultPlannerMaxAttempts = 3

var (
	// ErrRunNotFound indicates a resume targeted an unknown run.
	ErrRunNotFound = errors.New("coordinator: run not found")
	// ErrPlannerExhausted indicates no valid plan emerged within the
	// attempt budget.
	ErrPlannerExhausted = errors.New("coordinator: planner attempts exhausted")
)

type (
	// Options configures a Coordinator.
	Options struct {
		Store     store.Store
		Planner   *planner.Service
		Engine    *engine.Engine
		Hitl      *hitl.Service
		Telemetry *telemetry.Service
		Logger    telemetry.Logger
		// PlannerMaxAttempts defaults to DefaultPlannerMaxAttempts.
		PlannerMaxAttempts int
		Now                func() time.Time
		NewID              func() string
	}

	// RunOptions carries per-invocation parameters.
	RunOptions struct {
		// CorrelationID is echoed on every event.
		CorrelationID string
		// OnEvent receives lifecycle events in order.
		OnEvent api.EventHandler
		// ResumeSubmission answers an awaiting_human node.
		ResumeSubmission *api.ResumeSubmission
	}

	// Coordinator drives runs end to end.
	Coordinator struct {
		store       store.Store
		planner     *planner.Service
		engine      *engine.Engine
		hitl        *hitl.Service
		telemetry   *telemetry.Service
		logger      telemetry.Logger
		maxAttempts int
		now         func() time.Time
		newID       func() string
	}

	// runState bundles everything one invocation operates on.
	runState struct {
		runID          string
		envelope       *api.TaskEnvelope
		row            *run.Row
		plan           *plan.Plan
		snapshot       *plan.Snapshot
		runContext     *run.Context
		policyAttempts map[string]int
		correlationID  string
		onEvent        api.EventHandler
		plannerCalls   int
	}
)

// New builds a Coordinator from options.
func New(opts Options) (*Coordinator, error) {
	if opts.Store == nil {
		return nil, errors.New("coordinator: store is required")
	}
	if opts.Planner == nil {
		return nil, errors.New("coordinator: planner is required")
	}
	if opts.Engine == nil {
		return nil, errors.New("coordinator: engine is required")
	}
	c := &Coordinator{
		store:       opts.Store,
		planner:     opts.Planner,
		engine:      opts.Engine,
		hitl:        opts.Hitl,
		telemetry:   opts.Telemetry,
		logger:      opts.Logger,
		maxAttempts: opts.PlannerMaxAttempts,
		now:         opts.Now,
		newID:       opts.NewID,
	}
	if c.telemetry == nil {
		c.telemetry = telemetry.NewService(telemetry.Options{})
	}
	if c.logger == nil {
		c.logger = telemetry.NewNoopLogger()
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = DefaultPlannerMaxAttempts
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.newID == nil {
		c.newID = uuid.NewString
	}
	return c, nil
}

// Run executes one invocation: create or load the run, resume any pending
// suspension, plan if needed, and drive the engine to a terminal or
// suspended state. The returned result mirrors the terminal complete frame;
// run failures are reported in the result, not as an error.
func (c *Coordinator) Run(ctx context.Context, envelope *api.TaskEnvelope, opts RunOptions) (*api.RunResult, error) {
	if err := envelope.Validate(); err != nil {
		return nil, err
	}

	st, err := c.resolveRun(ctx, envelope, opts)
	if err != nil {
		return nil, err
	}
	c.emit(ctx, st, api.Event{
		Type:    api.EventStart,
		Payload: map[string]any{"objective": envelope.Objective},
	})

	if res, done := c.applyResume(ctx, st, opts.ResumeSubmission); done {
		return res, nil
	}

	if st.plan == nil || allTerminal(st.plan) {
		if err := c.planFresh(ctx, st); err != nil {
			return c.finishFailed(ctx, st, err), nil
		}
	}

	// A resume that proceeds without replanning skips persistPlan, so move
	// the row off its awaiting status before execution continues.
	if st.row.Status == api.RunStatusAwaitingHuman || st.row.Status == api.RunStatusAwaitingHitl {
		if err := c.store.UpdateStatus(ctx, st.runID, api.RunStatusRunning); err != nil {
			c.logger.Warn(ctx, "mark run running failed", "runId", st.runID, "err", err.Error())
		} else {
			st.row.Status = api.RunStatusRunning
		}
	}

	return c.drive(ctx, st), nil
}

// resolveRun loads the targeted run for resume or creates a fresh row.
func (c *Coordinator) resolveRun(ctx context.Context, envelope *api.TaskEnvelope, opts RunOptions) (*runState, error) {
	st := &runState{
		envelope:       envelope,
		correlationID:  opts.CorrelationID,
		onEvent:        opts.OnEvent,
		policyAttempts: make(map[string]int),
	}

	if resumeID := envelope.ResumeRunID(); resumeID != "" {
		loaded, err := c.store.LoadRun(ctx, resumeID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, fmt.Errorf("%w: %s", ErrRunNotFound, resumeID)
			}
			return nil, fmt.Errorf("load run %s: %w", resumeID, err)
		}
		st.runID = resumeID
		st.row = loaded.Run
		if err := c.restoreState(ctx, st); err != nil {
			return nil, err
		}
		return st, nil
	}

	st.runID = c.newID()
	now := c.now()
	raw, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	st.row = &run.Row{
		RunID:     st.runID,
		Status:    api.RunStatusPending,
		Objective: envelope.Objective,
		Envelope:  raw,
		Metadata:  envelope.Metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := c.store.CreateOrUpdateRun(ctx, st.row); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	st.runContext = run.NewContext(envelope)
	return st, nil
}

// restoreState rebuilds the plan and facet ledger from the latest snapshot.
func (c *Coordinator) restoreState(ctx context.Context, st *runState) error {
	snap, err := c.store.LoadPlanSnapshot(ctx, st.runID, 0)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("load plan snapshot: %w", err)
	}
	if snap != nil {
		st.snapshot = snap
		st.plan = snap.Restore()
		if snap.PendingState != nil && snap.PendingState.PolicyAttempts != nil {
			st.policyAttempts = snap.PendingState.PolicyAttempts
		}
	}
	if st.row.ContextSnapshot != nil {
		st.runContext = run.RestoreContext(st.row.ContextSnapshot)
	} else {
		st.runContext = run.NewContext(st.envelope)
	}
	return nil
}

// applyResume handles a pending suspension before normal execution. The
// second return is true when the invocation is already finished, either
// because the resume produced a new suspension or because no usable
// submission arrived.
func (c *Coordinator) applyResume(ctx context.Context, st *runState, sub *api.ResumeSubmission) (*api.RunResult, bool) {
	if st.row == nil || st.plan == nil {
		return nil, false
	}
	switch st.row.Status {
	case api.RunStatusCompleted, api.RunStatusFailed, api.RunStatusCancelled:
		// The run already finished; replaying a submission changes nothing.
		return c.finishStill(ctx, st), true
	case api.RunStatusAwaitingHuman:
		if sub == nil {
			return c.finishStill(ctx, st), true
		}
		out := c.engine.ResumeHuman(ctx, c.engineRequest(st), sub)
		if out == nil {
			return nil, false
		}
		return c.finishOutcome(ctx, st, *out), true
	case api.RunStatusAwaitingHitl:
		return c.resumeHitl(ctx, st)
	default:
		return nil, false
	}
}

// resumeHitl applies operator responses attached to the envelope, records
// the answers as clarifications, and re-queues the suspended node.
func (c *Coordinator) resumeHitl(ctx context.Context, st *runState) (*api.RunResult, bool) {
	var responses []*hitl.Response
	if st.envelope.Metadata != nil {
		responses = hitl.ParseEnvelope(st.envelope.Metadata["hitl"])
	}
	if len(responses) == 0 || c.hitl == nil {
		return c.finishStill(ctx, st), true
	}
	state, err := c.hitl.ApplyResponses(ctx, st.runID, responses)
	if err != nil {
		return c.finishFailed(ctx, st, fmt.Errorf("apply hitl responses: %w", err)), true
	}
	c.telemetry.RecordHitl("resolved")

	byID := make(map[string]*hitl.RequestRecord, len(state.Requests))
	for _, req := range state.Requests {
		byID[req.ID] = req
	}
	for _, res := range responses {
		req, ok := byID[res.RequestID]
		if !ok {
			continue
		}
		st.runContext.RecordClarification(run.Clarification{
			QuestionID:   req.ID,
			NodeID:       req.PendingNodeID,
			CapabilityID: req.OriginAgent,
			Question:     req.Payload.Question,
			CreatedAt:    req.CreatedAt,
		})
		st.runContext.AnswerClarification(req.ID, answerText(res))
		c.emit(ctx, st, api.Event{
			Type:   api.EventHitlResolved,
			NodeID: req.PendingNodeID,
			Payload: map[string]any{
				"requestId": req.ID,
				"answer":    answerText(res),
			},
		})
	}

	// Re-queue every node parked on the now-answered requests.
	for _, n := range st.plan.Nodes {
		if n.Status == plan.NodeAwaitingHitl {
			n.Status = plan.NodePending
			pending := plan.NodePending
			if err := c.store.MarkNode(ctx, st.runID, n.ID, store.NodeUpdate{Status: &pending}); err != nil {
				c.logger.Warn(ctx, "requeue hitl node failed", "runId", st.runID, "nodeId", n.ID, "err", err.Error())
			}
		}
	}
	return nil, false
}

// planFresh generates the first plan of a run, retrying rejected drafts with
// their diagnostics replayed into the next prompt.
func (c *Coordinator) planFresh(ctx context.Context, st *runState) error {
	return c.plan(ctx, st, "initial", nil)
}

func (c *Coordinator) plan(ctx context.Context, st *runState, phase string, diags []planner.Diagnostic) error {
	for st.plannerCalls < c.maxAttempts {
		st.plannerCalls++
		c.emit(ctx, st, api.Event{
			Type:    api.EventPlanRequested,
			Payload: map[string]any{"phase": phase, "attempt": st.plannerCalls},
		})
		p, _, result, err := c.planner.GeneratePlan(ctx, planner.Input{
			RunID:       st.runID,
			Envelope:    st.envelope,
			RunContext:  st.runContext,
			Snapshot:    st.snapshot,
			Diagnostics: diags,
			Phase:       phase,
		})
		if err != nil {
			diags = result.Diagnostics
			c.emit(ctx, st, api.Event{
				Type: api.EventPlanRejected,
				Payload: map[string]any{
					"error":       err.Error(),
					"diagnostics": result.Diagnostics,
				},
			})
			continue
		}
		if err := c.persistPlan(ctx, st, p); err != nil {
			return err
		}
		evType := api.EventPlanGenerated
		if phase == "replan" {
			evType = api.EventPlanUpdated
		}
		c.emit(ctx, st, api.Event{
			Type: evType,
			Payload: map[string]any{
				"planVersion": p.Version,
				"nodeCount":   len(p.Nodes),
			},
		})
		return nil
	}
	return ErrPlannerExhausted
}

func (c *Coordinator) persistPlan(ctx context.Context, st *runState, p *plan.Plan) error {
	snap := plan.NewSnapshot(p, nil, nil, plan.SchemaHash(p.Nodes), c.now())
	if err := c.store.SavePlanSnapshot(ctx, &snap); err != nil {
		return fmt.Errorf("persist plan snapshot: %w", err)
	}
	if err := c.store.UpdateStatus(ctx, st.runID, api.RunStatusRunning); err != nil {
		return fmt.Errorf("mark run running: %w", err)
	}
	st.plan = p
	st.snapshot = &snap
	return nil
}

// drive loops engine passes and bounded replans until the run settles.
func (c *Coordinator) drive(ctx context.Context, st *runState) *api.RunResult {
	for {
		out := c.engine.Execute(ctx, c.engineRequest(st))
		if out.Kind != engine.OutcomeReplan {
			return c.finishOutcome(ctx, st, out)
		}
		// Persist the in-memory plan so the replan prompt sees the settled
		// node statuses; completed nodes are locked against the new draft.
		snap := plan.NewSnapshot(st.plan, nil, nil, plan.SchemaHash(st.plan.Nodes), c.now())
		if err := c.store.SavePlanSnapshot(ctx, &snap); err != nil {
			c.logger.Warn(ctx, "persist replan snapshot failed", "runId", st.runID, "err", err.Error())
		}
		st.snapshot = &snap
		if err := c.plan(ctx, st, "replan", []planner.Diagnostic{{
			Code:    "REPLAN_REQUESTED",
			Message: out.ReplanReason,
		}}); err != nil {
			return c.finishFailed(ctx, st, fmt.Errorf("%s: %w", out.ReplanReason, err))
		}
		c.emit(ctx, st, api.Event{
			Type: api.EventFeedbackResolution,
			Payload: map[string]any{
				"reason":      out.ReplanReason,
				"planVersion": st.plan.Version,
			},
		})
	}
}

func (c *Coordinator) engineRequest(st *runState) engine.Request {
	return engine.Request{
		RunID:          st.runID,
		Envelope:       st.envelope,
		Plan:           st.plan,
		RunContext:     st.runContext,
		CorrelationID:  st.correlationID,
		OnEvent:        st.onEvent,
		PolicyAttempts: st.policyAttempts,
	}
}

// finishOutcome converts an engine outcome into the terminal complete frame
// and the invocation result.
func (c *Coordinator) finishOutcome(ctx context.Context, st *runState, out engine.Outcome) *api.RunResult {
	switch out.Kind {
	case engine.OutcomeCompleted:
		result := map[string]any{"status": string(api.RunStatusCompleted), "output": out.Output}
		if err := c.store.RecordResult(ctx, st.runID, result, api.RunStatusCompleted); err != nil {
			c.logger.Warn(ctx, "persist result failed", "runId", st.runID, "err", err.Error())
		}
		c.telemetry.RecordRunStatus(api.RunStatusCompleted)
		c.emit(ctx, st, api.Event{
			Type:            api.EventComplete,
			FacetProvenance: out.Provenance,
			Payload:         map[string]any{"status": "completed", "output": out.Output},
		})
		return &api.RunResult{RunID: st.runID, Status: api.RunStatusCompleted, Output: out.Output}

	case engine.OutcomeAwaitingHuman:
		pending := map[string]any{"status": "awaiting_human", "assignment": out.Assignment}
		if err := c.store.RecordPendingResult(ctx, st.runID, pending); err != nil {
			c.logger.Warn(ctx, "persist pending result failed", "runId", st.runID, "err", err.Error())
		}
		c.telemetry.RecordRunStatus(api.RunStatusAwaitingHuman)
		c.emit(ctx, st, api.Event{Type: api.EventComplete, Payload: pending})
		return &api.RunResult{RunID: st.runID, Status: api.RunStatusAwaitingHuman, Assignment: out.Assignment}

	case engine.OutcomeAwaitingHitl:
		pending := map[string]any{
			"status":           "pending_hitl",
			"pendingRequestId": out.PendingRequestID,
			"question":         out.Question,
		}
		if err := c.store.RecordPendingResult(ctx, st.runID, pending); err != nil {
			c.logger.Warn(ctx, "persist pending result failed", "runId", st.runID, "err", err.Error())
		}
		c.telemetry.RecordRunStatus(api.RunStatusAwaitingHitl)
		c.emit(ctx, st, api.Event{Type: api.EventComplete, Payload: pending})
		return &api.RunResult{RunID: st.runID, Status: api.RunStatusAwaitingHitl, PendingRequestID: out.PendingRequestID}

	case engine.OutcomeCancelled:
		c.emit(ctx, st, api.Event{Type: api.EventComplete, Payload: map[string]any{"status": "cancelled"}})
		return &api.RunResult{RunID: st.runID, Status: api.RunStatusCancelled}

	default:
		return c.finishFailed(ctx, st, out.Err)
	}
}

// finishStill re-emits the current pending state for a resume invocation
// that carried nothing to apply.
func (c *Coordinator) finishStill(ctx context.Context, st *runState) *api.RunResult {
	res := &api.RunResult{RunID: st.runID, Status: st.row.Status}
	payload := map[string]any{"status": string(st.row.Status)}
	if st.row.Result != nil {
		for k, v := range st.row.Result {
			payload[k] = v
		}
		if id, ok := st.row.Result["pendingRequestId"].(string); ok {
			res.PendingRequestID = id
		}
		if out, ok := st.row.Result["output"].(map[string]any); ok {
			res.Output = out
		}
		if msg, ok := st.row.Result["error"].(string); ok {
			res.Error = msg
		}
	}
	c.emit(ctx, st, api.Event{Type: api.EventComplete, Payload: payload})
	return res
}

func (c *Coordinator) finishFailed(ctx context.Context, st *runState, cause error) *api.RunResult {
	msg := "run failed"
	if cause != nil {
		msg = cause.Error()
	}
	result := map[string]any{"status": string(api.RunStatusFailed), "error": msg}
	if err := c.store.RecordResult(ctx, st.runID, result, api.RunStatusFailed); err != nil {
		c.logger.Warn(ctx, "persist failure failed", "runId", st.runID, "err", err.Error())
	}
	c.telemetry.RecordRunStatus(api.RunStatusFailed)
	c.emit(ctx, st, api.Event{
		Type:    api.EventComplete,
		Payload: map[string]any{"status": "failed", "error": msg},
	})
	return &api.RunResult{RunID: st.runID, Status: api.RunStatusFailed, Error: msg}
}

func (c *Coordinator) emit(ctx context.Context, st *runState, ev api.Event) {
	ev.RunID = st.runID
	ev.CorrelationID = st.correlationID
	if st.plan != nil && ev.PlanVersion == 0 {
		ev.PlanVersion = st.plan.Version
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = c.now()
	}
	c.telemetry.Emit(ctx, ev)
	if st.onEvent != nil {
		if err := st.onEvent(ev); err != nil {
			c.logger.Warn(ctx, "event handler failed", "runId", st.runID, "event", string(ev.Type), "err", err.Error())
		}
	}
}

// allTerminal reports whether every node in the plan is settled, meaning a
// resumed run needs a fresh plan rather than the restored one.
func allTerminal(p *plan.Plan) bool {
	for _, n := range p.Nodes {
		switch n.Status {
		case plan.NodePending, plan.NodeRunning, plan.NodeAwaitingHitl, plan.NodeAwaitingHuman:
			return false
		}
	}
	return true
}

// answerText flattens an operator response into the clarification answer.
func answerText(res *hitl.Response) string {
	switch {
	case res.FreeformText != "":
		return res.FreeformText
	case res.SelectedOptionID != "":
		return res.SelectedOptionID
	case res.Approved != nil:
		if *res.Approved {
			return "approved"
		}
		return "rejected"
	default:
		return ""
	}
}
