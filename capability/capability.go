// Package capability maintains the live table of declared capabilities: units
// of work, AI or human, with facet-based input/output contracts. The registry
// validates registrations against the facet catalog, caches reads with a TTL,
// and produces the planner-facing CRCS candidate snapshot.
package capability

import (
	"context"
	"encoding/json"
	"time"
)

// AgentType distinguishes AI-executed from human-executed capabilities.
type AgentType string

const (
	// AgentTypeAI marks capabilities driven by the model runtime.
	AgentTypeAI AgentType = "ai"
	// AgentTypeHuman marks capabilities assigned to human operators.
	AgentTypeHuman AgentType = "human"
)

// Kind classifies what a capability does within a plan.
type Kind string

const (
	// KindStructuring capabilities shape raw inputs into structured facets.
	KindStructuring Kind = "structuring"
	// KindExecution capabilities perform the primary work of a plan.
	KindExecution Kind = "execution"
	// KindValidation capabilities check other nodes' outputs.
	KindValidation Kind = "validation"
	// KindTransformation capabilities reshape facets between nodes.
	KindTransformation Kind = "transformation"
	// KindRouting capabilities select between downstream branches.
	KindRouting Kind = "routing"
)

// Status is the registry lifecycle state of a capability.
type Status string

const (
	// StatusActive capabilities are eligible for planning.
	StatusActive Status = "active"
	// StatusInactive capabilities are retained but excluded from plans.
	StatusInactive Status = "inactive"
)

// OnDecline selects run behavior when a human operator declines a task.
type OnDecline string

const (
	// OnDeclineFailRun fails the run immediately on decline.
	OnDeclineFailRun OnDecline = "fail_run"
	// OnDeclineRequeue re-queues the task for another operator.
	OnDeclineRequeue OnDecline = "requeue"
)

type (
	// Record is the durable registration of one capability version.
	Record struct {
		// CapabilityID uniquely identifies the capability, e.g.
		// "StrategyManager.planStrategy" or "HumanAgent.clarifyBrief".
		CapabilityID string `json:"capabilityId"`
		// Version is the registration version string.
		Version string `json:"version"`
		// AgentType is ai or human.
		AgentType AgentType `json:"agentType"`
		// Kind classifies the capability's role in plans.
		Kind Kind `json:"kind"`
		// DisplayName is the human-readable name shown in CRCS tables.
		DisplayName string `json:"displayName"`
		// Summary is a one-line description for planner prompts.
		Summary string `json:"summary,omitempty"`
		// InputFacets lists consumed facet names.
		InputFacets []string `json:"inputFacets,omitempty"`
		// OutputFacets lists produced facet names. The output contract is
		// mandatory: either OutputFacets or OutputSchema must be set.
		OutputFacets []string `json:"outputFacets,omitempty"`
		// InputSchema is the compiled (or inline) input contract schema.
		InputSchema json.RawMessage `json:"inputSchema,omitempty"`
		// OutputSchema is the compiled (or inline) output contract schema.
		OutputSchema json.RawMessage `json:"outputSchema,omitempty"`
		// Cost carries optional cost hints for planner ranking.
		Cost *CostHint `json:"cost,omitempty"`
		// HeartbeatSeconds is the expected heartbeat interval; zero disables
		// staleness sweeps for the record.
		HeartbeatSeconds int `json:"heartbeatSeconds,omitempty"`
		// InstructionTemplates maps template keys (e.g. "app") to prompt
		// templates used when executing the capability.
		InstructionTemplates map[string]string `json:"instructionTemplates,omitempty"`
		// AssignmentDefaults configures human task assignment. Required for
		// human capabilities.
		AssignmentDefaults *AssignmentDefaults `json:"assignmentDefaults,omitempty"`
		// Metadata carries opaque registration metadata.
		Metadata map[string]any `json:"metadata,omitempty"`
		// Status is active or inactive.
		Status Status `json:"status"`
		// RegisteredAt is the first registration time.
		RegisteredAt time.Time `json:"registeredAt"`
		// LastSeenAt is the most recent registration or heartbeat.
		LastSeenAt time.Time `json:"lastSeenAt"`
	}

	// CostHint carries approximate cost metadata for ranking.
	CostHint struct {
		// Tier is a coarse bucket such as "low", "standard", "premium".
		Tier string `json:"tier,omitempty"`
		// EstimatedTokens approximates model token consumption per invocation.
		EstimatedTokens int `json:"estimatedTokens,omitempty"`
	}

	// AssignmentDefaults configures how human tasks derived from a capability
	// are assigned and escalated.
	AssignmentDefaults struct {
		// Role names the operator role the task is routed to.
		Role string `json:"role"`
		// TimeoutSeconds bounds how long a task may await submission.
		TimeoutSeconds int `json:"timeoutSeconds,omitempty"`
		// OnDecline selects fail_run or requeue behavior.
		OnDecline OnDecline `json:"onDecline"`
		// MaxNotifications caps re-queue notifications per task.
		MaxNotifications int `json:"maxNotifications,omitempty"`
	}

	// Snapshot is a point-in-time view of the registry.
	Snapshot struct {
		// Active lists capabilities eligible for planning.
		Active []Record
		// All lists every registered capability regardless of status.
		All []Record
	}

	// Store persists capability records. Implementations must serialize
	// concurrent registrations of the same capability id.
	Store interface {
		// Put writes a record through, replacing any prior version.
		Put(ctx context.Context, rec Record) error
		// Get loads one record by id.
		Get(ctx context.Context, capabilityID string) (Record, bool, error)
		// List returns all records.
		List(ctx context.Context) ([]Record, error)
		// SetStatus updates the status of the given ids.
		SetStatus(ctx context.Context, ids []string, status Status, now time.Time) error
	}
)

// IsHuman reports whether the capability is executed by a human operator.
func (r Record) IsHuman() bool { return r.AgentType == AgentTypeHuman }
