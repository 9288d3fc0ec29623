package facet

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// CompileSchema compiles JSON Schema bytes into a validator.
func CompileSchema(schemaBytes []byte) (*jsonschema.Schema, error) {
	var doc any
	if err := json.Unmarshal(schemaBytes, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

// ValidateValue validates a decoded JSON value against JSON Schema bytes.
// An empty schema validates everything.
func ValidateValue(schemaBytes []byte, value any) error {
	if len(schemaBytes) == 0 {
		return nil
	}
	schema, err := CompileSchema(schemaBytes)
	if err != nil {
		return err
	}
	// The validator operates on decoded JSON; round-trip typed values so
	// struct-backed outputs validate the same as wire payloads.
	normalized, err := normalizeJSON(value)
	if err != nil {
		return err
	}
	return schema.Validate(normalized)
}

func normalizeJSON(value any) (any, error) {
	switch value.(type) {
	case nil, bool, string, float64, map[string]any, []any:
		return value, nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("normalize value: %w", err)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("normalize value: %w", err)
	}
	return out, nil
}
