// Package planner turns task envelopes into executable plans: deterministic
// prompt assembly, model invocation with a hard deadline, draft parsing and
// schema validation, semantic validation against the capability registry,
// and materialization into versioned plan graphs.
package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/awesomeposter/flex/api"
	"github.com/awesomeposter/flex/capability"
	"github.com/awesomeposter/flex/facet"
	"github.com/awesomeposter/flex/model"
	"github.com/awesomeposter/flex/plan"
	"github.com/awesomeposter/flex/run"
	"github.com/awesomeposter/flex/telemetry"
)

// DefaultTimeout bounds one planner model call.
const DefaultTimeout = 240 * time.Second

type (
	// Options configures a Service.
	Options struct {
		// Model issues the completion calls. Required.
		Model model.Runtime
		// Catalog is the facet catalog. Required.
		Catalog *facet.Catalog
		// Registry supplies capability snapshots and CRCS. Required.
		Registry *capability.Registry
		// Telemetry records planner metrics. Defaults to a fresh service.
		Telemetry *telemetry.Service
		// Timeout bounds the model call. Defaults to DefaultTimeout.
		Timeout time.Duration
		// ModelID overrides the adapter's default model.
		ModelID string
		// Now overrides the clock, for tests.
		Now func() time.Time
	}

	// Input is one plan generation request.
	Input struct {
		// RunID identifies the owning run.
		RunID string
		// Envelope is the validated task envelope.
		Envelope *api.TaskEnvelope
		// RunContext is the current facet ledger, nil on a fresh run.
		RunContext *run.Context
		// Snapshot is the existing plan snapshot when replanning or
		// resuming; nil for the first plan.
		Snapshot *plan.Snapshot
		// Diagnostics from a prior rejected draft, replayed into the prompt.
		Diagnostics []Diagnostic
		// Phase tags telemetry: "initial" or "replan".
		Phase string
		// Hints tune capability ranking.
		Hints capability.CrcsHints
	}

	// Service generates plans.
	Service struct {
		model     model.Runtime
		catalog   *facet.Catalog
		registry  *capability.Registry
		telemetry *telemetry.Service
		timeout   time.Duration
		modelID   string
		now       func() time.Time
	}
)

// NewService builds a planner from options.
func NewService(opts Options) (*Service, error) {
	if opts.Model == nil {
		return nil, errors.New("planner: model runtime is required")
	}
	if opts.Catalog == nil {
		return nil, errors.New("planner: facet catalog is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("planner: capability registry is required")
	}
	s := &Service{
		model:     opts.Model,
		catalog:   opts.Catalog,
		registry:  opts.Registry,
		telemetry: opts.Telemetry,
		timeout:   opts.Timeout,
		modelID:   opts.ModelID,
		now:       opts.Now,
	}
	if s.telemetry == nil {
		s.telemetry = telemetry.NewService(telemetry.Options{})
	}
	if s.timeout <= 0 {
		s.timeout = DefaultTimeout
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

// GeneratePlan produces a validated, materialized plan. The returned
// capability snapshot is the one the draft was validated against so callers
// can execute with the same view.
func (s *Service) GeneratePlan(ctx context.Context, in Input) (*plan.Plan, capability.Snapshot, ValidationResult, error) {
	caps, err := s.registry.GetSnapshot(ctx)
	if err != nil {
		return nil, capability.Snapshot{}, ValidationResult{}, fmt.Errorf("capability snapshot: %w", err)
	}
	crcs, err := s.registry.ComputeCrcsSnapshot(ctx, in.Envelope, in.Hints)
	if err != nil {
		return nil, caps, ValidationResult{}, fmt.Errorf("compute crcs: %w", err)
	}

	phase := in.Phase
	if phase == "" {
		phase = "initial"
	}
	s.telemetry.RecordPlannerRequest(phase)

	prompt := BuildPrompt(PromptInput{
		Envelope:    in.Envelope,
		Crcs:        crcs,
		Catalog:     s.catalog,
		RunContext:  in.RunContext,
		Snapshot:    in.Snapshot,
		Diagnostics: in.Diagnostics,
	})
	s.telemetry.RecordPlannerPromptSize(len(prompt.System), len(prompt.User), prompt.FacetRows, prompt.CapabilityRows)
	reasonCounts := make(map[string]int)
	for _, row := range crcs.Rows {
		for _, r := range row.Reasons {
			reasonCounts[string(r)]++
		}
	}
	s.telemetry.RecordPlannerCrcsStats(len(crcs.Rows), crcs.MrcsSize, crcs.RowCap, reasonCounts, crcs.MissingPinned)

	draft, err := s.invoke(ctx, prompt)
	if err != nil {
		s.telemetry.RecordPlannerRejection()
		return nil, caps, ValidationResult{}, err
	}

	result := NewValidator(s.catalog).Validate(draft, caps, in.Envelope)
	if !result.OK {
		s.telemetry.RecordPlannerRejection()
		return nil, caps, result, fmt.Errorf("planner draft rejected with %d diagnostics", len(result.Diagnostics))
	}

	p, err := s.Materialize(in.RunID, draft, caps, in.Snapshot)
	if err != nil {
		s.telemetry.RecordPlannerRejection()
		return nil, caps, result, err
	}
	s.telemetry.RecordPlannerGenerated()
	return p, caps, result, nil
}

// invoke runs the model call under the planner deadline and parses the
// draft. Parse and schema failures surface as planner errors; there is no
// silent fallback.
func (s *Service) invoke(ctx context.Context, prompt Prompt) (*plan.Draft, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	resp, err := model.Responses(callCtx, s.model, prompt.System, prompt.User,
		model.WithModel(s.modelID), model.WithJSONOutput())
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s", ErrTimeout, s.timeout)
		}
		return nil, fmt.Errorf("planner model call: %w", err)
	}
	var decoded any
	if err := model.DecodeJSON(resp.Text, &decoded); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParseFailed, err)
	}
	if err := facet.ValidateValue([]byte(draftSchema), decoded); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchemaInvalid, err)
	}
	raw, err := json.Marshal(decoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParseFailed, err)
	}
	draft, err := plan.ParseDraft(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchemaInvalid, err)
	}
	return draft, nil
}
