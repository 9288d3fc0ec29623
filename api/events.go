package api

import "time"

// EventType enumerates lifecycle event flavors emitted over the run stream.
type EventType string

const (
	// EventStart opens every run stream.
	EventStart EventType = "start"
	// EventPlanRequested signals a planner invocation.
	EventPlanRequested EventType = "plan_requested"
	// EventPlanRejected signals a draft that failed validation; the payload
	// carries structured diagnostics.
	EventPlanRejected EventType = "plan_rejected"
	// EventPlanGenerated signals a validated plan snapshot.
	EventPlanGenerated EventType = "plan_generated"
	// EventPlanUpdated signals a replan that produced a new plan version.
	EventPlanUpdated EventType = "plan_updated"
	// EventNodeStart signals a node transitioning to running (or to a human
	// pending state).
	EventNodeStart EventType = "node_start"
	// EventNodeComplete signals a node completing with output.
	EventNodeComplete EventType = "node_complete"
	// EventNodeError signals a node error after retries were exhausted.
	EventNodeError EventType = "node_error"
	// EventValidationError signals a node output failing its contract.
	EventValidationError EventType = "validation_error"
	// EventPolicyTriggered signals a post-condition failure acted upon.
	EventPolicyTriggered EventType = "policy_triggered"
	// EventGoalConditionFailed signals an unsatisfied required goal condition.
	EventGoalConditionFailed EventType = "goal_condition_failed"
	// EventFeedbackResolution signals a feedback entry resolved via replan.
	EventFeedbackResolution EventType = "feedback_resolution"
	// EventHitlRequest signals a raised HITL request (pending or denied).
	EventHitlRequest EventType = "hitl_request"
	// EventHitlResolved signals a HITL request resolution.
	EventHitlResolved EventType = "hitl_resolved"
	// EventWarning carries non-fatal diagnostics (timeouts being retried,
	// degraded persistence).
	EventWarning EventType = "warning"
	// EventMetrics carries periodic counter/histogram snapshots.
	EventMetrics EventType = "metrics"
	// EventLog carries structured log lines for the caller.
	EventLog EventType = "log"
	// EventComplete is the single terminal frame of every stream.
	EventComplete EventType = "complete"
)

type (
	// Event is one lifecycle frame on a run stream. Events for a single run
	// are totally ordered; the SSE gateway assigns monotonically increasing
	// frame ids in emission order.
	Event struct {
		// Type identifies the event flavor.
		Type EventType `json:"type"`
		// Timestamp is the emission time.
		Timestamp time.Time `json:"timestamp"`
		// RunID identifies the run that produced the event.
		RunID string `json:"runId"`
		// CorrelationID echoes the caller-supplied correlation id.
		CorrelationID string `json:"correlationId,omitempty"`
		// PlanVersion is the plan version active when the event fired.
		PlanVersion int `json:"planVersion,omitempty"`
		// NodeID identifies the node for node-scoped events.
		NodeID string `json:"nodeId,omitempty"`
		// Payload carries type-specific data.
		Payload map[string]any `json:"payload,omitempty"`
		// FacetProvenance maps facet names to the node that produced them,
		// for events that touch facet values.
		FacetProvenance map[string]string `json:"facetProvenance,omitempty"`
	}

	// FacetProvenanceEntry records which node/capability produced a facet.
	FacetProvenanceEntry struct {
		NodeID       string `json:"nodeId"`
		CapabilityID string `json:"capabilityId,omitempty"`
		Rationale    string `json:"rationale,omitempty"`
	}
)

// EventHandler consumes lifecycle events. Handlers must be safe for
// sequential invocation from the engine goroutine and should respect
// backpressure by blocking; returning an error aborts further delivery for
// the run but never fails the run itself.
type EventHandler func(ev Event) error
