package api

import "errors"

var (
	// ErrNilEnvelope indicates a nil TaskEnvelope was submitted.
	ErrNilEnvelope = errors.New("task envelope is required")
	// ErrEmptyObjective indicates the envelope objective is empty.
	ErrEmptyObjective = errors.New("envelope objective is required")
	// ErrMissingContractFacets indicates a facets-mode contract with no facets.
	ErrMissingContractFacets = errors.New("output contract requires at least one facet")
	// ErrMissingContractSchema indicates a json_schema-mode contract with no schema.
	ErrMissingContractSchema = errors.New("output contract requires an inline schema")
	// ErrUnknownContractMode indicates an unrecognized output contract mode.
	ErrUnknownContractMode = errors.New("unknown output contract mode")
)
