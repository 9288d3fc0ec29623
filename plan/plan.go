// Package plan defines the directed plan graph the planner produces and the
// execution engine walks: nodes bound to capabilities, edges encoding
// dependencies, and the versioned snapshots persisted per run. Nodes reference
// each other by id only; the graph is fully serializable.
package plan

import (
	"encoding/json"
	"fmt"
	"time"
)

// NodeStatus is the lifecycle state of one plan node.
type NodeStatus string

const (
	// NodePending nodes have not started.
	NodePending NodeStatus = "pending"
	// NodeRunning nodes are executing.
	NodeRunning NodeStatus = "running"
	// NodeCompleted nodes finished and recorded output.
	NodeCompleted NodeStatus = "completed"
	// NodeAwaitingHitl nodes are suspended on a pending HITL request.
	NodeAwaitingHitl NodeStatus = "awaiting_hitl"
	// NodeAwaitingHuman nodes are suspended awaiting operator submission.
	NodeAwaitingHuman NodeStatus = "awaiting_human"
	// NodeError nodes failed after retries.
	NodeError NodeStatus = "error"
	// NodeSkipped nodes were bypassed by routing or cancellation.
	NodeSkipped NodeStatus = "skipped"
)

type (
	// Plan is a versioned directed graph of capability invocations for one run.
	Plan struct {
		// RunID identifies the owning run.
		RunID string `json:"runId"`
		// Version is the plan version, strictly increasing per run.
		Version int `json:"version"`
		// CreatedAt records plan creation.
		CreatedAt time.Time `json:"createdAt"`
		// Nodes are the plan's capability invocations.
		Nodes []*Node `json:"nodes"`
		// Edges encode execution dependencies from node id to node id.
		Edges []Edge `json:"edges"`
		// Metadata carries planner-provided plan metadata.
		Metadata map[string]any `json:"metadata,omitempty"`
	}

	// Edge is a dependency from one node to another.
	Edge struct {
		From string `json:"from"`
		To   string `json:"to"`
	}

	// Node is one capability invocation in a plan.
	Node struct {
		// ID uniquely identifies the node within the plan.
		ID string `json:"id"`
		// Kind classifies the node (structuring, execution, validation,
		// transformation, routing).
		Kind string `json:"kind"`
		// CapabilityID binds the node to a registered capability. Empty only
		// for routing nodes.
		CapabilityID string `json:"capabilityId,omitempty"`
		// Label is the human-readable node name.
		Label string `json:"label"`
		// Contracts are the compiled input/output JSON Schemas.
		Contracts Contracts `json:"contracts"`
		// Facets name the input and output facets the node consumes/produces.
		Facets FacetBundle `json:"facets"`
		// Provenance lists the facet names contributing to each contract.
		Provenance FacetBundle `json:"provenance"`
		// Routing configures conditional branching for routing nodes.
		Routing *Routing `json:"routing,omitempty"`
		// Rationale is the planner's stated reason for the node.
		Rationale string `json:"rationale,omitempty"`
		// Instructions carries planner-specific guidance merged into the
		// capability prompt.
		Instructions string `json:"instructions,omitempty"`
		// Status is the node lifecycle state.
		Status NodeStatus `json:"status"`
		// StartedAt is set when the node first transitions to running.
		StartedAt *time.Time `json:"startedAt,omitempty"`
		// CompletedAt is set on completion or terminal error.
		CompletedAt *time.Time `json:"completedAt,omitempty"`
		// Output is the validated node output.
		Output map[string]any `json:"output,omitempty"`
		// Error carries the terminal error, if any.
		Error *NodeFailure `json:"error,omitempty"`
		// PostConditionResults records the last post-condition evaluation.
		PostConditionResults []ConditionResult `json:"postConditionResults,omitempty"`
		// Context carries executor-specific context such as human assignment
		// metadata.
		Context map[string]any `json:"context,omitempty"`
	}

	// Contracts holds the compiled input/output JSON Schemas of a node.
	Contracts struct {
		Input  json.RawMessage `json:"input,omitempty"`
		Output json.RawMessage `json:"output,omitempty"`
	}

	// FacetBundle names input and output facets.
	FacetBundle struct {
		Input  []string `json:"input,omitempty"`
		Output []string `json:"output,omitempty"`
	}

	// Routing selects a downstream branch by evaluating a JSON-Logic condition
	// against the run-context facet values. The not-taken subtree is skipped.
	Routing struct {
		// When is the JSON-Logic condition.
		When json.RawMessage `json:"when"`
		// To is the node taken when the condition holds.
		To string `json:"to"`
		// ElseTo is the node taken otherwise.
		ElseTo string `json:"elseTo,omitempty"`
	}

	// NodeFailure is the serializable terminal error of a node.
	NodeFailure struct {
		Name    string `json:"name"`
		Message string `json:"message"`
	}

	// ConditionResult records one post- or goal-condition evaluation.
	ConditionResult struct {
		RuleID    string `json:"ruleId"`
		Satisfied bool   `json:"satisfied"`
		Required  bool   `json:"required,omitempty"`
		Detail    string `json:"detail,omitempty"`
	}
)

// Node returns the node with the given id, or nil.
func (p *Plan) Node(id string) *Node {
	for _, n := range p.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}

// Predecessors returns the ids of nodes with an edge into the given node.
func (p *Plan) Predecessors(id string) []string {
	var preds []string
	for _, e := range p.Edges {
		if e.To == id {
			preds = append(preds, e.From)
		}
	}
	return preds
}

// Successors returns the ids of nodes the given node has edges into.
func (p *Plan) Successors(id string) []string {
	var succ []string
	for _, e := range p.Edges {
		if e.From == id {
			succ = append(succ, e.To)
		}
	}
	return succ
}

// NextRunnable selects the first pending node whose predecessors are all
// completed or skipped, in node declaration order. Returns nil when no node
// is runnable.
func (p *Plan) NextRunnable() *Node {
	for _, n := range p.Nodes {
		if n.Status != NodePending {
			continue
		}
		ready := true
		for _, pred := range p.Predecessors(n.ID) {
			pn := p.Node(pred)
			if pn == nil {
				continue
			}
			if pn.Status != NodeCompleted && pn.Status != NodeSkipped {
				ready = false
				break
			}
		}
		if ready {
			return n
		}
	}
	return nil
}

// Terminal reports whether no node can make further progress: every node is
// completed, skipped, or error, with nothing pending or suspended.
func (p *Plan) Terminal() bool {
	for _, n := range p.Nodes {
		switch n.Status {
		case NodePending, NodeRunning, NodeAwaitingHitl, NodeAwaitingHuman:
			return false
		}
	}
	return true
}

// CompletedNodeIDs returns ids of completed nodes in declaration order.
func (p *Plan) CompletedNodeIDs() []string {
	var ids []string
	for _, n := range p.Nodes {
		if n.Status == NodeCompleted {
			ids = append(ids, n.ID)
		}
	}
	return ids
}

// Validate checks graph structure: unique node ids, edges referencing known
// nodes, and acyclicity.
func (p *Plan) Validate() error {
	seen := make(map[string]bool, len(p.Nodes))
	for _, n := range p.Nodes {
		if n.ID == "" {
			return fmt.Errorf("plan %s v%d: node with empty id", p.RunID, p.Version)
		}
		if seen[n.ID] {
			return fmt.Errorf("plan %s v%d: duplicate node id %q", p.RunID, p.Version, n.ID)
		}
		seen[n.ID] = true
	}
	for _, e := range p.Edges {
		if !seen[e.From] || !seen[e.To] {
			return fmt.Errorf("plan %s v%d: edge %s->%s references unknown node", p.RunID, p.Version, e.From, e.To)
		}
	}
	return p.checkAcyclic()
}

func (p *Plan) checkAcyclic() error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(p.Nodes))
	var visit func(id string) error
	visit = func(id string) error {
		color[id] = gray
		for _, next := range p.Successors(id) {
			switch color[next] {
			case gray:
				return fmt.Errorf("plan %s v%d: cycle through node %q", p.RunID, p.Version, next)
			case white:
				if err := visit(next); err != nil {
					return err
				}
			}
		}
		color[id] = black
		return nil
	}
	for _, n := range p.Nodes {
		if color[n.ID] == white {
			if err := visit(n.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// OutputFacetUnion returns the set of facet names produced across all nodes.
func (p *Plan) OutputFacetUnion() map[string]bool {
	out := make(map[string]bool)
	for _, n := range p.Nodes {
		for _, f := range n.Facets.Output {
			out[f] = true
		}
	}
	return out
}
