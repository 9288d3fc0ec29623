// Package api defines the wire-level types exchanged between callers and the
// Flex orchestration engine: task envelopes, output contracts, resume
// submissions, lifecycle events, and run results. These types are transport
// agnostic; the SSE gateway and in-process callers share them.
package api

import (
	"encoding/json"
	"time"
)

// ContractMode selects how a run's final output is assembled and validated.
type ContractMode string

const (
	// ContractModeFacets keys the final output by named facets produced by
	// plan nodes. Missing required facets fail composition.
	ContractModeFacets ContractMode = "facets"
	// ContractModeJSONSchema merges the facet ledger into a single object and
	// validates it against an inline JSON Schema.
	ContractModeJSONSchema ContractMode = "json_schema"
	// ContractModeFreeform returns the facet ledger values as-is.
	ContractModeFreeform ContractMode = "freeform"
)

type (
	// TaskEnvelope is the declarative unit of work submitted to the engine. It
	// carries the objective, structured facet inputs, policies, and the output
	// contract the run must satisfy.
	TaskEnvelope struct {
		// Objective is the human-stated goal. Must be non-empty.
		Objective string `json:"objective"`

		// Inputs maps facet names to caller-provided values. Values must
		// conform to the facet's schema; the planner surfaces them to
		// capability prompts.
		Inputs map[string]any `json:"inputs,omitempty"`

		// Constraints carries caller-imposed limits and resume hints.
		Constraints *EnvelopeConstraints `json:"constraints,omitempty"`

		// Policies influence planning and runtime behavior.
		Policies EnvelopePolicies `json:"policies"`

		// SpecialInstructions are verbatim caller notes forwarded to the
		// planner prompt.
		SpecialInstructions []string `json:"specialInstructions,omitempty"`

		// Metadata carries opaque caller metadata. The engine reads only
		// Metadata["runId"] (resume shortcut).
		Metadata map[string]any `json:"metadata,omitempty"`

		// OutputContract describes the final output the run must produce.
		OutputContract OutputContract `json:"outputContract"`
	}

	// EnvelopeConstraints bounds a run or points it at an existing one.
	EnvelopeConstraints struct {
		// ResumeRunID resumes the identified run instead of creating one.
		ResumeRunID string `json:"resumeRunId,omitempty"`
		// MaxNodes caps the number of nodes a plan may contain. Zero means
		// no cap.
		MaxNodes int `json:"maxNodes,omitempty"`
	}

	// EnvelopePolicies groups planner hints and runtime policy rules.
	EnvelopePolicies struct {
		// Planner carries free-form hints serialized into the planner prompt.
		Planner map[string]any `json:"planner,omitempty"`
		// Runtime lists policy rules evaluated during execution.
		Runtime []PolicyRule `json:"runtime,omitempty"`
	}

	// PolicyRule is a named condition evaluated against run-context facets.
	// Conditions use JSON-Logic over the facet value map.
	PolicyRule struct {
		// ID names the rule for diagnostics and telemetry.
		ID string `json:"id"`
		// Condition is a JSON-Logic expression over facet values.
		Condition json.RawMessage `json:"condition"`
		// Required marks the rule as a goal condition: unsatisfied required
		// rules trigger a replan, then fail the run when attempts run out.
		Required bool `json:"required,omitempty"`
		// Description is surfaced in diagnostics when the rule fails.
		Description string `json:"description,omitempty"`
	}

	// OutputContract describes the final output shape of a run. Exactly one of
	// Facets or Schema is consulted depending on Mode; freeform ignores both.
	OutputContract struct {
		// Mode selects the composition strategy.
		Mode ContractMode `json:"mode"`
		// Facets lists required facet names when Mode is "facets".
		Facets []string `json:"facets,omitempty"`
		// Schema is the inline JSON Schema when Mode is "json_schema".
		Schema json.RawMessage `json:"schema,omitempty"`
		// AllowPartial permits facets-mode composition to omit missing
		// required facets instead of failing.
		AllowPartial bool `json:"allowPartial,omitempty"`
	}

	// ResumeSubmission carries a human operator's answer for a suspended node.
	// Exactly one of Output or Decline is set.
	ResumeSubmission struct {
		// NodeID identifies the awaiting node.
		NodeID string `json:"nodeId"`
		// Output is the submitted facet output, validated against the node's
		// output contract before acceptance.
		Output map[string]any `json:"output,omitempty"`
		// Decline rejects the assignment.
		Decline *Decline `json:"decline,omitempty"`
		// SubmittedAt records when the operator submitted.
		SubmittedAt time.Time `json:"submittedAt"`
	}

	// Decline captures a human operator declining an assignment.
	Decline struct {
		Reason string `json:"reason"`
		Note   string `json:"note,omitempty"`
	}

	// RunResult is the terminal (or suspended) outcome returned by the
	// coordinator for one run invocation.
	RunResult struct {
		// RunID identifies the run.
		RunID string `json:"runId"`
		// Status is the run status after this invocation: completed,
		// awaiting_hitl, awaiting_human, failed, or cancelled.
		Status RunStatus `json:"status"`
		// Output is the composed final output when Status is completed.
		Output map[string]any `json:"output,omitempty"`
		// PendingRequestID identifies the pending HITL request when Status is
		// awaiting_hitl.
		PendingRequestID string `json:"pendingRequestId,omitempty"`
		// Assignment describes the pending human task when Status is
		// awaiting_human.
		Assignment *HumanAssignment `json:"assignment,omitempty"`
		// Error is a redacted error summary when Status is failed.
		Error string `json:"error,omitempty"`
	}

	// HumanAssignment summarizes a human task raised by a suspended node.
	HumanAssignment struct {
		TaskID         string         `json:"taskId"`
		NodeID         string         `json:"nodeId"`
		CapabilityID   string         `json:"capabilityId"`
		Role           string         `json:"role,omitempty"`
		DueAt          *time.Time     `json:"dueAt,omitempty"`
		Priority       string         `json:"priority,omitempty"`
		Instructions   string         `json:"instructions,omitempty"`
		OutputContract map[string]any `json:"outputContract,omitempty"`
	}
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	// RunStatusPending indicates the run was accepted but not started.
	RunStatusPending RunStatus = "pending"
	// RunStatusRunning indicates the run is executing.
	RunStatusRunning RunStatus = "running"
	// RunStatusAwaitingHitl indicates the run is suspended on a pending HITL
	// request.
	RunStatusAwaitingHitl RunStatus = "awaiting_hitl"
	// RunStatusAwaitingHuman indicates the run is suspended on a human-executed
	// node awaiting submission.
	RunStatusAwaitingHuman RunStatus = "awaiting_human"
	// RunStatusCompleted indicates the run finished and composed its output.
	RunStatusCompleted RunStatus = "completed"
	// RunStatusFailed indicates the run failed permanently.
	RunStatusFailed RunStatus = "failed"
	// RunStatusCancelled indicates the run was cancelled by the caller.
	RunStatusCancelled RunStatus = "cancelled"
)

// Validate checks structural envelope invariants the engine depends on.
func (e *TaskEnvelope) Validate() error {
	if e == nil {
		return ErrNilEnvelope
	}
	if e.Objective == "" {
		return ErrEmptyObjective
	}
	switch e.OutputContract.Mode {
	case ContractModeFacets:
		if len(e.OutputContract.Facets) == 0 {
			return ErrMissingContractFacets
		}
	case ContractModeJSONSchema:
		if len(e.OutputContract.Schema) == 0 {
			return ErrMissingContractSchema
		}
	case ContractModeFreeform:
	default:
		return ErrUnknownContractMode
	}
	return nil
}

// ResumeRunID returns the run identifier the envelope targets for resume, if
// any. Constraints take precedence over metadata.
func (e *TaskEnvelope) ResumeRunID() string {
	if e.Constraints != nil && e.Constraints.ResumeRunID != "" {
		return e.Constraints.ResumeRunID
	}
	if e.Metadata != nil {
		if id, ok := e.Metadata["runId"].(string); ok {
			return id
		}
	}
	return ""
}

// RequiredFacets returns the facet names the output contract requires, or nil
// when the contract is not facet-based.
func (c OutputContract) RequiredFacets() []string {
	if c.Mode != ContractModeFacets {
		return nil
	}
	return c.Facets
}
