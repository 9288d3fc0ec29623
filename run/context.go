package run

import (
	"fmt"
	"sort"
	"time"

	"github.com/awesomeposter/flex/api"
	"github.com/awesomeposter/flex/facet"
	"github.com/awesomeposter/flex/plan"
)

type (
	// Context is the append-only facet ledger for one run. Values are keyed
	// by facet name; a later write for the same name supersedes the earlier
	// one (last writer wins) while the earlier entry remains in the history.
	Context struct {
		facets         map[string]FacetValue
		history        []LedgerEntry
		clarifications []Clarification
		now            func() time.Time
	}

	// LedgerEntry is one append-only write to the facet ledger. The latest
	// entry per facet name is the live value; earlier entries remain for
	// provenance inspection.
	LedgerEntry struct {
		Name  string
		Value FacetValue
	}
)

// NewContext returns a ledger seeded from the envelope inputs. Seed entries
// carry an "envelope" provenance node so output composition can distinguish
// caller-supplied values from node-produced ones.
func NewContext(envelope *api.TaskEnvelope) *Context {
	c := &Context{
		facets: make(map[string]FacetValue),
		now:    time.Now,
	}
	if envelope == nil {
		return c
	}
	names := make([]string, 0, len(envelope.Inputs))
	for name := range envelope.Inputs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		c.put(name, FacetValue{
			Value:      envelope.Inputs[name],
			UpdatedAt:  c.now(),
			Provenance: Provenance{NodeID: "envelope"},
		})
	}
	return c
}

// RestoreContext rebuilds a ledger from a persisted snapshot.
func RestoreContext(snap *ContextSnapshot) *Context {
	c := &Context{
		facets: make(map[string]FacetValue),
		now:    time.Now,
	}
	if snap == nil {
		return c
	}
	names := make([]string, 0, len(snap.Facets))
	for name := range snap.Facets {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		c.put(name, snap.Facets[name])
	}
	c.clarifications = append(c.clarifications, snap.Clarifications...)
	return c
}

func (c *Context) put(name string, fv FacetValue) {
	c.facets[name] = fv
	c.history = append(c.history, LedgerEntry{Name: name, Value: fv})
}

// History returns a copy of the append-only ledger in write order.
func (c *Context) History() []LedgerEntry {
	return append([]LedgerEntry(nil), c.history...)
}

// UpdateFromNode records the output facets a completed node produced.
// Only facets declared in the node's output bundle are recorded; stray keys
// in the raw output are ignored.
func (c *Context) UpdateFromNode(node *plan.Node, output map[string]any) {
	if node == nil {
		return
	}
	names := append([]string(nil), node.Facets.Output...)
	sort.Strings(names)
	for _, name := range names {
		value, ok := output[name]
		if !ok {
			continue
		}
		c.put(name, FacetValue{
			Value:     value,
			UpdatedAt: c.now(),
			Provenance: Provenance{
				NodeID:       node.ID,
				CapabilityID: node.CapabilityID,
				Rationale:    node.Rationale,
			},
		})
	}
}

// Get returns the latest value for a facet.
func (c *Context) Get(name string) (FacetValue, bool) {
	fv, ok := c.facets[name]
	return fv, ok
}

// Values returns the latest value for each requested facet. Missing facets
// are omitted from the result.
func (c *Context) Values(names []string) map[string]any {
	out := make(map[string]any, len(names))
	for _, name := range names {
		if fv, ok := c.facets[name]; ok {
			out[name] = fv.Value
		}
	}
	return out
}

// Provenance returns facet name to producing node ID for the given facets.
func (c *Context) Provenance(names []string) map[string]string {
	out := make(map[string]string, len(names))
	for _, name := range names {
		if fv, ok := c.facets[name]; ok {
			out[name] = fv.Provenance.NodeID
		}
	}
	return out
}

// Snapshot captures the ledger for persistence.
func (c *Context) Snapshot() *ContextSnapshot {
	snap := &ContextSnapshot{Facets: make(map[string]FacetValue, len(c.facets))}
	for name, fv := range c.facets {
		snap.Facets[name] = fv
	}
	snap.Clarifications = append(snap.Clarifications, c.clarifications...)
	return snap
}

// RecordClarification appends a clarification exchange to the ledger.
func (c *Context) RecordClarification(cl Clarification) {
	if cl.CreatedAt.IsZero() {
		cl.CreatedAt = c.now()
	}
	c.clarifications = append(c.clarifications, cl)
}

// AnswerClarification records the answer for a pending clarification.
func (c *Context) AnswerClarification(questionID, answer string) bool {
	for i := range c.clarifications {
		if c.clarifications[i].QuestionID != questionID {
			continue
		}
		now := c.now()
		c.clarifications[i].Answer = answer
		c.clarifications[i].AnsweredAt = &now
		return true
	}
	return false
}

// Clarifications returns a copy of the clarification ledger.
func (c *Context) Clarifications() []Clarification {
	return append([]Clarification(nil), c.clarifications...)
}

// MissingFacetsError reports required output facets absent from the ledger.
type MissingFacetsError struct {
	Facets []string
}

func (e *MissingFacetsError) Error() string {
	return fmt.Sprintf("run: missing required output facets %v", e.Facets)
}

// ComposeFinalOutput assembles the run's final output per the envelope
// output contract.
//
// Mode "facets" selects the latest value for each contract facet; missing
// facets fail the composition unless the contract allows partial output.
// Mode "json_schema" composes the object from all ledger facets and
// validates it against the contract schema. Mode "freeform" returns the
// whole ledger keyed by facet name.
func (c *Context) ComposeFinalOutput(contract *api.OutputContract, p *plan.Plan) (map[string]any, map[string]string, error) {
	if contract == nil {
		contract = &api.OutputContract{Mode: api.ContractModeFreeform}
	}
	switch contract.Mode {
	case api.ContractModeFacets:
		out := make(map[string]any, len(contract.Facets))
		prov := make(map[string]string, len(contract.Facets))
		var missing []string
		for _, name := range contract.Facets {
			fv, ok := c.facets[name]
			if !ok {
				missing = append(missing, name)
				continue
			}
			out[name] = fv.Value
			prov[name] = fv.Provenance.NodeID
		}
		if len(missing) > 0 && !contract.AllowPartial {
			sort.Strings(missing)
			return nil, nil, &MissingFacetsError{Facets: missing}
		}
		return out, prov, nil
	case api.ContractModeJSONSchema:
		out, prov := c.all()
		if err := facet.ValidateValue(contract.Schema, out); err != nil {
			return nil, nil, fmt.Errorf("final output rejected by contract schema: %w", err)
		}
		return out, prov, nil
	case api.ContractModeFreeform, "":
		out, prov := c.all()
		return out, prov, nil
	default:
		return nil, nil, fmt.Errorf("%w: %q", api.ErrUnknownContractMode, contract.Mode)
	}
}

func (c *Context) all() (map[string]any, map[string]string) {
	out := make(map[string]any, len(c.facets))
	prov := make(map[string]string, len(c.facets))
	for name, fv := range c.facets {
		out[name] = fv.Value
		prov[name] = fv.Provenance.NodeID
	}
	return out, prov
}
