package facet

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// fileFacet is the YAML representation of one catalog entry. Schemas are
// authored as YAML mappings and re-encoded to JSON.
type fileFacet struct {
	Name        string         `yaml:"name"`
	Version     string         `yaml:"version"`
	Direction   Direction      `yaml:"direction"`
	Summary     string         `yaml:"summary"`
	Instruction string         `yaml:"instruction"`
	Schema      map[string]any `yaml:"schema"`
}

type catalogFile struct {
	Facets []fileFacet `yaml:"facets"`
}

// LoadCatalog reads a YAML catalog file and builds the Catalog. The file holds
// a top-level "facets" list; each entry's schema mapping is converted to JSON.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read facet catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog builds a Catalog from YAML bytes.
func ParseCatalog(data []byte) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse facet catalog: %w", err)
	}
	facets := make([]Facet, 0, len(file.Facets))
	for _, ff := range file.Facets {
		schema, err := json.Marshal(normalizeYAML(ff.Schema))
		if err != nil {
			return nil, fmt.Errorf("facet %q: encode schema: %w", ff.Name, err)
		}
		facets = append(facets, Facet{
			Name:        ff.Name,
			Version:     ff.Version,
			Direction:   ff.Direction,
			Summary:     ff.Summary,
			Instruction: ff.Instruction,
			Schema:      schema,
		})
	}
	return NewCatalog(facets)
}

// normalizeYAML rewrites map[any]any trees produced by legacy YAML decoders
// into map[string]any so they marshal cleanly to JSON.
func normalizeYAML(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalizeYAML(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalizeYAML(val)
		}
		return out
	case []any:
		for i := range t {
			t[i] = normalizeYAML(t[i])
		}
		return t
	default:
		return v
	}
}
