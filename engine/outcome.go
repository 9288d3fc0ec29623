package engine

import (
	"fmt"

	"github.com/awesomeposter/flex/api"
)

// OutcomeKind discriminates the result variants of one engine pass.
// Suspensions are ordinary results, not errors; nothing unwinds across the
// engine boundary by panic or sentinel error.
type OutcomeKind string

const (
	// OutcomeCompleted means the plan reached a terminal state and the final
	// output was composed.
	OutcomeCompleted OutcomeKind = "completed"
	// OutcomeAwaitingHuman means execution suspended on a human-executed
	// node; Assignment describes the pending task.
	OutcomeAwaitingHuman OutcomeKind = "awaiting_human"
	// OutcomeAwaitingHitl means execution suspended on a pending HITL
	// request.
	OutcomeAwaitingHitl OutcomeKind = "awaiting_hitl"
	// OutcomeReplan means the engine wants a new plan version; the
	// coordinator decides whether attempts remain.
	OutcomeReplan OutcomeKind = "replan"
	// OutcomeFailed means the run failed permanently.
	OutcomeFailed OutcomeKind = "failed"
	// OutcomeCancelled means the caller aborted the run.
	OutcomeCancelled OutcomeKind = "cancelled"
)

type (
	// Outcome is the result of one ExecutionEngine pass over a plan.
	Outcome struct {
		Kind OutcomeKind
		// Output and Provenance are set on completion.
		Output     map[string]any
		Provenance map[string]string
		// Assignment is set on awaiting_human.
		Assignment *api.HumanAssignment
		// PendingRequestID and Question are set on awaiting_hitl.
		PendingRequestID string
		Question         string
		// ReplanReason is set on replan.
		ReplanReason string
		// Err is set on failed.
		Err error
	}

	// ValidationError reports a node output rejected by its compiled
	// output contract.
	ValidationError struct {
		NodeID string
		Cause  error
	}
)

func (e *ValidationError) Error() string {
	return fmt.Sprintf("node %s output validation failed: %v", e.NodeID, e.Cause)
}

func (e *ValidationError) Unwrap() error { return e.Cause }
