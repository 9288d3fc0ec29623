package planner

import (
	"errors"
	"fmt"

	"github.com/awesomeposter/flex/api"
	"github.com/awesomeposter/flex/capability"
	"github.com/awesomeposter/flex/facet"
	"github.com/awesomeposter/flex/plan"
)

// Diagnostic codes produced by draft validation.
const (
	CodeCapabilityMissing       = "CAPABILITY_MISSING"
	CodeCapabilityNotRegistered = "CAPABILITY_NOT_REGISTERED"
	CodeCapabilityInactive      = "CAPABILITY_INACTIVE"
	CodeUnknownFacet            = "UNKNOWN_FACET"
	CodeFacetDirection          = "FACET_CONTRACT_DIRECTION_MISMATCH"
	CodeFacetCompile            = "FACET_CONTRACT_COMPILE_FAILED"
	CodeOutputFacetUncovered    = "OUTPUT_FACET_UNCOVERED"
	CodeLegacyFallbackKind      = "LEGACY_FALLBACK_KIND"
)

type (
	// Diagnostic is one validation finding, attributable to a draft stage.
	Diagnostic struct {
		Code    string `json:"code"`
		Stage   string `json:"stage,omitempty"`
		Message string `json:"message"`
	}

	// ValidationResult is the accept/reject decision plus findings.
	ValidationResult struct {
		OK          bool         `json:"ok"`
		Diagnostics []Diagnostic `json:"diagnostics,omitempty"`
	}

	// Validator checks planner drafts against the capability snapshot, the
	// facet catalog, and the envelope output contract.
	Validator struct {
		catalog *facet.Catalog
	}
)

// NewValidator builds a draft validator over the given catalog.
func NewValidator(catalog *facet.Catalog) *Validator {
	return &Validator{catalog: catalog}
}

// Validate inspects a parsed draft. The returned result lists every finding;
// OK is true only when no diagnostics were produced.
func (v *Validator) Validate(draft *plan.Draft, caps capability.Snapshot, envelope *api.TaskEnvelope) ValidationResult {
	var diags []Diagnostic

	active := make(map[string]capability.Record, len(caps.Active))
	for _, rec := range caps.Active {
		active[rec.CapabilityID] = rec
	}
	known := make(map[string]capability.Record, len(caps.All))
	for _, rec := range caps.All {
		known[rec.CapabilityID] = rec
	}

	produced := make(map[string]bool)
	for i := range draft.Nodes {
		n := &draft.Nodes[i]
		if n.Kind == "fallback" {
			// Retired kind: rejected on ingest, tolerated only in
			// archived snapshots.
			diags = append(diags, Diagnostic{
				Code:    CodeLegacyFallbackKind,
				Stage:   n.Stage,
				Message: fmt.Sprintf("stage %q uses the retired kind %q", n.Stage, n.Kind),
			})
		}
		if n.CapabilityID == "" {
			if n.Kind != string(capability.KindRouting) {
				diags = append(diags, Diagnostic{
					Code:    CodeCapabilityMissing,
					Stage:   n.Stage,
					Message: fmt.Sprintf("stage %q names no capability", n.Stage),
				})
			}
		} else if _, ok := active[n.CapabilityID]; !ok {
			if _, registered := known[n.CapabilityID]; registered {
				diags = append(diags, Diagnostic{
					Code:    CodeCapabilityInactive,
					Stage:   n.Stage,
					Message: fmt.Sprintf("capability %q is inactive", n.CapabilityID),
				})
			} else {
				diags = append(diags, Diagnostic{
					Code:    CodeCapabilityNotRegistered,
					Stage:   n.Stage,
					Message: fmt.Sprintf("capability %q is not registered", n.CapabilityID),
				})
			}
		}
		diags = append(diags, v.checkContracts(n)...)
		outputs := n.OutputFacets
		if len(outputs) == 0 {
			// Drafts usually omit facet lists; materialization defaults
			// them from the capability contract, so coverage must too.
			if rec, ok := active[n.CapabilityID]; ok {
				outputs = rec.OutputFacets
			}
		}
		for _, out := range outputs {
			produced[out] = true
		}
	}

	if envelope.OutputContract.Mode == api.ContractModeFacets {
		for _, name := range envelope.OutputContract.Facets {
			if !produced[name] {
				diags = append(diags, Diagnostic{
					Code:    CodeOutputFacetUncovered,
					Message: fmt.Sprintf("no node produces required output facet %q", name),
				})
			}
		}
	}

	return ValidationResult{OK: len(diags) == 0, Diagnostics: diags}
}

func (v *Validator) checkContracts(n *plan.DraftNode) []Diagnostic {
	var diags []Diagnostic
	_, err := v.catalog.CompileContracts(facet.ContractRequest{
		InputFacets:  n.InputFacets,
		OutputFacets: n.OutputFacets,
	})
	if err == nil {
		return nil
	}
	var unknown *facet.UnknownFacetError
	var mismatch *facet.DirectionMismatchError
	switch {
	case errors.As(err, &unknown):
		diags = append(diags, Diagnostic{
			Code:    CodeUnknownFacet,
			Stage:   n.Stage,
			Message: fmt.Sprintf("facet %q is not in the catalog", unknown.Name),
		})
	case errors.As(err, &mismatch):
		diags = append(diags, Diagnostic{
			Code:    CodeFacetDirection,
			Stage:   n.Stage,
			Message: err.Error(),
		})
	default:
		diags = append(diags, Diagnostic{
			Code:    CodeFacetCompile,
			Stage:   n.Stage,
			Message: err.Error(),
		})
	}
	return diags
}
