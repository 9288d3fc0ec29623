package plan

import "time"

// PendingMode marks why a snapshot carries pending state.
type PendingMode string

const (
	// PendingModeHuman marks suspension on a human-executed node.
	PendingModeHuman PendingMode = "human"
	// PendingModeHitl marks suspension on a pending HITL request.
	PendingModeHitl PendingMode = "hitl"
)

type (
	// Snapshot is the persisted, immutable copy of one plan version plus the
	// pending-state ledger used for resume.
	Snapshot struct {
		// RunID identifies the owning run.
		RunID string `json:"runId"`
		// PlanVersion is the snapshotted version.
		PlanVersion int `json:"planVersion"`
		// Nodes is the full node set of the version.
		Nodes []*Node `json:"nodes"`
		// Edges is the dependency set of the version.
		Edges []Edge `json:"edges"`
		// Metadata is the plan metadata at snapshot time.
		Metadata map[string]any `json:"metadata,omitempty"`
		// PendingState is the authoritative resume ledger, set while the run
		// is suspended.
		PendingState *PendingState `json:"pendingState,omitempty"`
		// FacetSnapshot captures facet values at snapshot time for resume.
		FacetSnapshot map[string]any `json:"facetSnapshot,omitempty"`
		// SchemaHash fingerprints the compiled contracts in the snapshot.
		SchemaHash string `json:"schemaHash,omitempty"`
		// PendingNodeIDs lists nodes still pending in this version.
		PendingNodeIDs []string `json:"pendingNodeIds,omitempty"`
		// CreatedAt and UpdatedAt bracket the snapshot lifecycle.
		CreatedAt time.Time `json:"createdAt"`
		UpdatedAt time.Time `json:"updatedAt"`
	}

	// PendingState is the resume ledger: the engine reconstructs the run
	// context from this blob rather than re-reading node rows so resumes see
	// a consistent picture.
	PendingState struct {
		// CompletedNodeIDs lists nodes whose outputs are locked in.
		CompletedNodeIDs []string `json:"completedNodeIds"`
		// NodeOutputs maps completed node ids to their outputs.
		NodeOutputs map[string]map[string]any `json:"nodeOutputs,omitempty"`
		// PolicyActions records policy decisions already taken.
		PolicyActions []string `json:"policyActions,omitempty"`
		// PolicyAttempts counts post-condition retries per node.
		PolicyAttempts map[string]int `json:"policyAttempts,omitempty"`
		// Mode is human or hitl.
		Mode PendingMode `json:"mode,omitempty"`
	}
)

// NewSnapshot captures a plan into a persistable snapshot.
func NewSnapshot(p *Plan, pending *PendingState, facetSnapshot map[string]any, schemaHash string, now time.Time) Snapshot {
	snap := Snapshot{
		RunID:         p.RunID,
		PlanVersion:   p.Version,
		Nodes:         p.Nodes,
		Edges:         p.Edges,
		Metadata:      p.Metadata,
		PendingState:  pending,
		FacetSnapshot: facetSnapshot,
		SchemaHash:    schemaHash,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	for _, n := range p.Nodes {
		if n.Status == NodePending {
			snap.PendingNodeIDs = append(snap.PendingNodeIDs, n.ID)
		}
	}
	return snap
}

// Restore rebuilds a Plan from a snapshot.
func (s Snapshot) Restore() *Plan {
	return &Plan{
		RunID:     s.RunID,
		Version:   s.PlanVersion,
		CreatedAt: s.CreatedAt,
		Nodes:     s.Nodes,
		Edges:     s.Edges,
		Metadata:  s.Metadata,
	}
}
