package plan

import (
	"encoding/json"
	"fmt"
)

type (
	// Draft is the raw node-spec array the planner model emits before
	// validation and materialization into a Plan.
	Draft struct {
		// Nodes are the proposed node specs in execution-intent order.
		Nodes []DraftNode `json:"nodes"`
		// Metadata carries planner-provided plan metadata.
		Metadata map[string]any `json:"metadata,omitempty"`
	}

	// DraftNode is one proposed node. Stage doubles as the node id.
	DraftNode struct {
		// Stage is the unique stage identifier, used as the node id.
		Stage string `json:"stage"`
		// CapabilityID names the capability to invoke. Required except for
		// routing nodes.
		CapabilityID string `json:"capabilityId,omitempty"`
		// Kind classifies the node; defaults to the capability's kind.
		Kind string `json:"kind,omitempty"`
		// InputFacets and OutputFacets override the capability contract
		// subset this node uses.
		InputFacets  []string `json:"inputFacets,omitempty"`
		OutputFacets []string `json:"outputFacets,omitempty"`
		// Rationale is the planner's stated reason for the node.
		Rationale string `json:"rationale,omitempty"`
		// Instructions are merged into the capability prompt.
		Instructions string `json:"instructions,omitempty"`
		// Status is pending for new nodes; completed nodes echoed from a
		// snapshot must be preserved verbatim.
		Status NodeStatus `json:"status,omitempty"`
		// Routing configures conditional branching.
		Routing *Routing `json:"routing,omitempty"`
		// Derived marks nodes the planner added beyond explicit hints.
		Derived bool `json:"derived,omitempty"`
		// Label overrides the display label.
		Label string `json:"label,omitempty"`
	}
)

// ParseDraft decodes and structurally checks a planner draft. Unknown fields
// are tolerated; structural violations (no nodes, empty or duplicate stages)
// are rejected here so schema-level diagnostics stay focused on semantics.
// Semantic checks, including rejection of the retired "fallback" kind, live
// in the planner validator.
func ParseDraft(raw []byte) (*Draft, error) {
	var draft Draft
	if err := json.Unmarshal(raw, &draft); err != nil {
		return nil, fmt.Errorf("decode planner draft: %w", err)
	}
	if len(draft.Nodes) == 0 {
		return nil, fmt.Errorf("planner draft has no nodes")
	}
	seen := make(map[string]bool, len(draft.Nodes))
	for i := range draft.Nodes {
		n := &draft.Nodes[i]
		if n.Stage == "" {
			return nil, fmt.Errorf("planner draft node %d has empty stage", i)
		}
		if seen[n.Stage] {
			return nil, fmt.Errorf("planner draft has duplicate stage %q", n.Stage)
		}
		seen[n.Stage] = true
		if n.Status == "" {
			n.Status = NodePending
		}
	}
	return &draft, nil
}

// DeriveEdges computes dependency edges from facet data flow: a node depends
// on the most recent earlier node producing any of its input facets. Routing
// targets gain an edge from the routing node.
func DeriveEdges(nodes []*Node) []Edge {
	var edges []Edge
	seenEdge := make(map[Edge]bool)
	add := func(from, to string) {
		if from == to {
			return
		}
		e := Edge{From: from, To: to}
		if !seenEdge[e] {
			seenEdge[e] = true
			edges = append(edges, e)
		}
	}
	lastProducer := make(map[string]string)
	for _, n := range nodes {
		for _, in := range n.Facets.Input {
			if producer, ok := lastProducer[in]; ok {
				add(producer, n.ID)
			}
		}
		for _, out := range n.Facets.Output {
			lastProducer[out] = n.ID
		}
	}
	for _, n := range nodes {
		if n.Routing == nil {
			continue
		}
		if n.Routing.To != "" {
			add(n.ID, n.Routing.To)
		}
		if n.Routing.ElseTo != "" {
			add(n.ID, n.Routing.ElseTo)
		}
	}
	return edges
}
