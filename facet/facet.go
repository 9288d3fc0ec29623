// Package facet owns the universe of facet definitions: named, versioned,
// schema-typed data items exchanged between capabilities. The catalog is
// loaded once at process start; all lookups are pure reads.
package facet

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Direction constrains how a facet may appear in capability contracts.
type Direction string

const (
	// DirectionInput marks a facet that can only be consumed, never produced.
	DirectionInput Direction = "input"
	// DirectionOutput marks a facet produced by nodes. Output facets may also
	// be consumed as inputs by later nodes.
	DirectionOutput Direction = "output"
)

type (
	// Facet is a named, versioned data type with a JSON Schema and a short
	// human instruction used in planner prompts.
	Facet struct {
		// Name uniquely identifies the facet within the catalog.
		Name string `json:"name" yaml:"name"`
		// Version is the facet schema version.
		Version string `json:"version" yaml:"version"`
		// Direction is input or output.
		Direction Direction `json:"direction" yaml:"direction"`
		// Schema is the JSON Schema for facet values.
		Schema json.RawMessage `json:"schema" yaml:"-"`
		// Summary is the one-line human description used in prompt tables.
		Summary string `json:"summary" yaml:"summary"`
		// Instruction guides capabilities producing or consuming the facet.
		Instruction string `json:"instruction,omitempty" yaml:"instruction,omitempty"`
	}

	// Catalog is the static registry of facets. Construct it once with
	// NewCatalog (or LoadCatalog) and share it; it is safe for concurrent
	// reads and never mutated afterwards.
	Catalog struct {
		facets map[string]Facet
		names  []string
	}

	// ContractRequest names the input and output facets of a capability or
	// plan node whose contracts should be compiled.
	ContractRequest struct {
		InputFacets  []string
		OutputFacets []string
	}

	// CompiledContracts is the result of unioning facet schemas into object
	// schemas keyed by facet name.
	CompiledContracts struct {
		// InputSchema is the synthesized JSON Schema for the input bundle.
		InputSchema json.RawMessage
		// OutputSchema is the synthesized JSON Schema for the output bundle.
		OutputSchema json.RawMessage
		// Provenance lists the facet names that contributed, inputs first.
		Provenance []string
	}
)

// NewCatalog builds a catalog from the given facets. Duplicate names and
// facets without schemas are rejected.
func NewCatalog(facets []Facet) (*Catalog, error) {
	m := make(map[string]Facet, len(facets))
	names := make([]string, 0, len(facets))
	for _, f := range facets {
		if f.Name == "" {
			return nil, fmt.Errorf("facet with empty name")
		}
		if _, dup := m[f.Name]; dup {
			return nil, fmt.Errorf("duplicate facet %q", f.Name)
		}
		if len(f.Schema) == 0 {
			return nil, fmt.Errorf("facet %q has no schema", f.Name)
		}
		if f.Direction != DirectionInput && f.Direction != DirectionOutput {
			return nil, fmt.Errorf("facet %q has unknown direction %q", f.Name, f.Direction)
		}
		m[f.Name] = f
		names = append(names, f.Name)
	}
	sort.Strings(names)
	return &Catalog{facets: m, names: names}, nil
}

// Get returns the facet with the given name, or false when unknown.
func (c *Catalog) Get(name string) (Facet, bool) {
	f, ok := c.facets[name]
	return f, ok
}

// List returns all facets in name order, for prompt assembly.
func (c *Catalog) List() []Facet {
	out := make([]Facet, 0, len(c.names))
	for _, n := range c.names {
		out = append(out, c.facets[n])
	}
	return out
}

// Len reports the number of registered facets.
func (c *Catalog) Len() int { return len(c.facets) }

// ResolveMany resolves the named facets for the given usage direction. A facet
// used as capability output must itself be an output facet; any facet may be
// consumed as input.
func (c *Catalog) ResolveMany(names []string, usage Direction) ([]Facet, error) {
	out := make([]Facet, 0, len(names))
	for _, n := range names {
		f, ok := c.facets[n]
		if !ok {
			return nil, &UnknownFacetError{Name: n}
		}
		if usage == DirectionOutput && f.Direction == DirectionInput {
			return nil, &DirectionMismatchError{Name: n, Declared: f.Direction, Usage: usage}
		}
		out = append(out, f)
	}
	return out, nil
}

// CompileContracts synthesizes JSON Schemas for a facet bundle by unioning the
// facet schemas: each facet becomes a required property keyed by its name.
func (c *Catalog) CompileContracts(req ContractRequest) (CompiledContracts, error) {
	inputs, err := c.ResolveMany(req.InputFacets, DirectionInput)
	if err != nil {
		return CompiledContracts{}, err
	}
	outputs, err := c.ResolveMany(req.OutputFacets, DirectionOutput)
	if err != nil {
		return CompiledContracts{}, err
	}
	inSchema, err := unionSchema(inputs)
	if err != nil {
		return CompiledContracts{}, err
	}
	outSchema, err := unionSchema(outputs)
	if err != nil {
		return CompiledContracts{}, err
	}
	prov := make([]string, 0, len(inputs)+len(outputs))
	for _, f := range inputs {
		prov = append(prov, f.Name)
	}
	for _, f := range outputs {
		prov = append(prov, f.Name)
	}
	return CompiledContracts{InputSchema: inSchema, OutputSchema: outSchema, Provenance: prov}, nil
}

// unionSchema builds {"type":"object","properties":{name:schema,...},
// "required":[names...],"additionalProperties":false} with properties in
// deterministic name order.
func unionSchema(facets []Facet) (json.RawMessage, error) {
	props := make(map[string]json.RawMessage, len(facets))
	required := make([]string, 0, len(facets))
	for _, f := range facets {
		props[f.Name] = f.Schema
		required = append(required, f.Name)
	}
	sort.Strings(required)
	doc := map[string]any{
		"type":                 "object",
		"properties":           props,
		"required":             required,
		"additionalProperties": false,
	}
	if len(facets) == 0 {
		doc["required"] = []string{}
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal contract schema: %w", err)
	}
	return data, nil
}
