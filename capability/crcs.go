package capability

import (
	"context"
	"sort"

	"github.com/awesomeposter/flex/api"
)

// DefaultCrcsRowCap bounds the number of candidate rows handed to the planner.
const DefaultCrcsRowCap = 40

// ReasonCode explains why a capability row made it into the CRCS.
type ReasonCode string

const (
	// ReasonPath marks capabilities whose output facets lie on a path to the
	// envelope's required output facets.
	ReasonPath ReasonCode = "path"
	// ReasonPolicyReference marks capabilities named by envelope policies.
	ReasonPolicyReference ReasonCode = "policy_reference"
	// ReasonPinned marks capabilities pinned by planner hints.
	ReasonPinned ReasonCode = "pinned"
	// ReasonFallback marks remaining active capabilities admitted to fill the
	// row cap.
	ReasonFallback ReasonCode = "fallback"
)

type (
	// CrcsRow is one planner-ready candidate.
	CrcsRow struct {
		Record  Record
		Reasons []ReasonCode
	}

	// Crcs is the Capability-Ranking Context Set: the top-N candidates for
	// the planner prompt plus bookkeeping consumed by telemetry.
	Crcs struct {
		// Rows are the admitted candidates in rank order.
		Rows []CrcsRow
		// MrcsSize is the minimum-required set size: the count of rows that
		// are pinned or on a path to required output facets.
		MrcsSize int
		// Truncated reports whether the row cap cut candidates.
		Truncated bool
		// RowCap is the cap applied.
		RowCap int
		// Pinned lists the pinned ids that were found and admitted.
		Pinned []string
		// MissingPinned lists pinned ids absent from the active set.
		MissingPinned []string
	}

	// CrcsHints tunes CRCS computation.
	CrcsHints struct {
		// Pinned capability ids are always admitted first when active.
		Pinned []string
		// PolicyReferenced capability ids get the policy_reference reason.
		PolicyReferenced []string
		// RowCap overrides DefaultCrcsRowCap when positive.
		RowCap int
	}
)

// ComputeCrcsSnapshot ranks active capabilities for the planner prompt.
// Ranking is deterministic: pinned first, then capabilities producing facets
// reachable backwards from the envelope's required output facets, then
// policy-referenced ones, then the remainder, each group in id order.
func (r *Registry) ComputeCrcsSnapshot(ctx context.Context, envelope *api.TaskEnvelope, hints CrcsHints) (Crcs, error) {
	active, err := r.ListActive(ctx)
	if err != nil {
		return Crcs{}, err
	}
	cap_ := hints.RowCap
	if cap_ <= 0 {
		cap_ = DefaultCrcsRowCap
	}

	byID := make(map[string]Record, len(active))
	for _, rec := range active {
		byID[rec.CapabilityID] = rec
	}

	pinnedSet := make(map[string]bool, len(hints.Pinned))
	var pinned, missingPinned []string
	for _, id := range hints.Pinned {
		if _, ok := byID[id]; ok {
			pinnedSet[id] = true
			pinned = append(pinned, id)
		} else {
			missingPinned = append(missingPinned, id)
		}
	}
	policySet := make(map[string]bool, len(hints.PolicyReferenced))
	for _, id := range hints.PolicyReferenced {
		policySet[id] = true
	}

	required := requiredFacetClosure(envelope, active)
	reasons := make(map[string][]ReasonCode, len(active))
	for _, rec := range active {
		var rs []ReasonCode
		if pinnedSet[rec.CapabilityID] {
			rs = append(rs, ReasonPinned)
		}
		if producesAny(rec, required) {
			rs = append(rs, ReasonPath)
		}
		if policySet[rec.CapabilityID] {
			rs = append(rs, ReasonPolicyReference)
		}
		if len(rs) == 0 {
			rs = append(rs, ReasonFallback)
		}
		reasons[rec.CapabilityID] = rs
	}

	rank := func(id string) int {
		switch {
		case pinnedSet[id]:
			return 0
		case hasReason(reasons[id], ReasonPath):
			return 1
		case hasReason(reasons[id], ReasonPolicyReference):
			return 2
		default:
			return 3
		}
	}
	sorted := append([]Record(nil), active...)
	sort.Slice(sorted, func(i, j int) bool {
		ri, rj := rank(sorted[i].CapabilityID), rank(sorted[j].CapabilityID)
		if ri != rj {
			return ri < rj
		}
		return sorted[i].CapabilityID < sorted[j].CapabilityID
	})

	crcs := Crcs{RowCap: cap_, Pinned: pinned, MissingPinned: missingPinned}
	for _, rec := range sorted {
		if len(crcs.Rows) >= cap_ {
			crcs.Truncated = true
			break
		}
		row := CrcsRow{Record: rec, Reasons: reasons[rec.CapabilityID]}
		crcs.Rows = append(crcs.Rows, row)
		if rank(rec.CapabilityID) <= 1 {
			crcs.MrcsSize++
		}
	}
	return crcs, nil
}

// requiredFacetClosure walks backwards from the envelope's required output
// facets over capability contracts: a capability producing a required facet
// makes its input facets required too. The closure bounds the planner's facet
// table and the "path" reason.
func requiredFacetClosure(envelope *api.TaskEnvelope, active []Record) map[string]bool {
	required := make(map[string]bool)
	if envelope == nil {
		return required
	}
	queue := append([]string(nil), envelope.OutputContract.RequiredFacets()...)
	for _, f := range queue {
		required[f] = true
	}
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		for _, rec := range active {
			if !contains(rec.OutputFacets, name) {
				continue
			}
			for _, in := range rec.InputFacets {
				if !required[in] {
					required[in] = true
					queue = append(queue, in)
				}
			}
		}
	}
	return required
}

func producesAny(rec Record, facets map[string]bool) bool {
	for _, f := range rec.OutputFacets {
		if facets[f] {
			return true
		}
	}
	return false
}

func hasReason(rs []ReasonCode, want ReasonCode) bool {
	for _, r := range rs {
		if r == want {
			return true
		}
	}
	return false
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
