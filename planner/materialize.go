package planner

import (
	"fmt"

	"github.com/awesomeposter/flex/capability"
	"github.com/awesomeposter/flex/facet"
	"github.com/awesomeposter/flex/plan"
)

// Materialize turns a validated draft into an executable plan: facet bundles
// default to the capability contract, contracts are compiled, edges are
// derived from facet flow, and completed nodes from the previous snapshot
// are carried over verbatim. The new version is strictly greater than the
// snapshot's.
func (s *Service) Materialize(runID string, draft *plan.Draft, caps capability.Snapshot, snap *plan.Snapshot) (*plan.Plan, error) {
	byID := make(map[string]capability.Record, len(caps.Active))
	for _, rec := range caps.Active {
		byID[rec.CapabilityID] = rec
	}
	var completed map[string]*plan.Node
	if snap != nil {
		completed = make(map[string]*plan.Node, len(snap.Nodes))
		for _, n := range snap.Nodes {
			if n.Status == plan.NodeCompleted || n.Status == plan.NodeSkipped {
				completed[n.ID] = n
			}
		}
	}

	nodes := make([]*plan.Node, 0, len(draft.Nodes))
	seen := make(map[string]bool, len(draft.Nodes))
	for i := range draft.Nodes {
		dn := &draft.Nodes[i]
		seen[dn.Stage] = true
		if prior, ok := completed[dn.Stage]; ok {
			nodes = append(nodes, prior)
			continue
		}
		node, err := s.materializeNode(dn, byID)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	for id := range completed {
		if !seen[id] {
			return nil, fmt.Errorf("planner: draft dropped completed node %q", id)
		}
	}

	version := 1
	if snap != nil {
		version = snap.PlanVersion + 1
		if version <= snap.PlanVersion {
			return nil, ErrStaleVersion
		}
	}
	p := &plan.Plan{
		RunID:    runID,
		Version:  version,
		Nodes:    nodes,
		Edges:    plan.DeriveEdges(nodes),
		Metadata: draft.Metadata,
	}
	p.CreatedAt = s.now()
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("materialized plan invalid: %w", err)
	}
	return p, nil
}

func (s *Service) materializeNode(dn *plan.DraftNode, byID map[string]capability.Record) (*plan.Node, error) {
	node := &plan.Node{
		ID:           dn.Stage,
		Kind:         dn.Kind,
		CapabilityID: dn.CapabilityID,
		Label:        dn.Label,
		Rationale:    dn.Rationale,
		Instructions: dn.Instructions,
		Status:       dn.Status,
		Routing:      dn.Routing,
		Facets: plan.FacetBundle{
			Input:  dn.InputFacets,
			Output: dn.OutputFacets,
		},
	}
	if rec, ok := byID[dn.CapabilityID]; ok {
		if node.Kind == "" {
			node.Kind = string(rec.Kind)
		}
		if node.Label == "" {
			node.Label = rec.DisplayName
		}
		if len(node.Facets.Input) == 0 {
			node.Facets.Input = append([]string(nil), rec.InputFacets...)
		}
		if len(node.Facets.Output) == 0 {
			node.Facets.Output = append([]string(nil), rec.OutputFacets...)
		}
	}
	contracts, err := s.catalog.CompileContracts(facet.ContractRequest{
		InputFacets:  node.Facets.Input,
		OutputFacets: node.Facets.Output,
	})
	if err != nil {
		return nil, fmt.Errorf("compile contracts for stage %q: %w", dn.Stage, err)
	}
	node.Contracts = plan.Contracts{
		Input:  contracts.InputSchema,
		Output: contracts.OutputSchema,
	}
	node.Provenance = plan.FacetBundle{
		Input:  append([]string(nil), node.Facets.Input...),
		Output: append([]string(nil), node.Facets.Output...),
	}
	return node, nil
}
