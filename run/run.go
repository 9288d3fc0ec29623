// Package run defines the durable run row and the in-memory per-run facet
// ledger (RunContext) used to feed downstream nodes and compose final outputs.
package run

import (
	"encoding/json"
	"time"

	"github.com/awesomeposter/flex/api"
)

type (
	// Row is the durable record of one run.
	Row struct {
		// RunID uniquely identifies the run.
		RunID string `json:"runId"`
		// ThreadID optionally groups runs into a conversation thread.
		ThreadID string `json:"threadId,omitempty"`
		// Status is the run lifecycle state.
		Status api.RunStatus `json:"status"`
		// Objective echoes the envelope objective for observability.
		Objective string `json:"objective,omitempty"`
		// Envelope is the submitted envelope, persisted verbatim.
		Envelope json.RawMessage `json:"envelope"`
		// SchemaHash fingerprints the active plan's compiled contracts.
		SchemaHash string `json:"schemaHash,omitempty"`
		// Metadata carries caller metadata.
		Metadata map[string]any `json:"metadata,omitempty"`
		// Result is the terminal (or pending) run result.
		Result map[string]any `json:"result,omitempty"`
		// ContextSnapshot is the last persisted RunContext snapshot.
		ContextSnapshot *ContextSnapshot `json:"contextSnapshot,omitempty"`
		// PlanVersion is the active plan version.
		PlanVersion int `json:"planVersion"`
		// CreatedAt and UpdatedAt bracket the row lifecycle.
		CreatedAt time.Time `json:"createdAt"`
		UpdatedAt time.Time `json:"updatedAt"`
	}

	// ContextSnapshot is the serializable form of a RunContext.
	ContextSnapshot struct {
		// Facets maps facet names to their latest recorded value.
		Facets map[string]FacetValue `json:"facets"`
		// Clarifications is the ordered clarification ledger.
		Clarifications []Clarification `json:"clarifications,omitempty"`
	}

	// FacetValue is one ledger entry: the value plus its provenance.
	FacetValue struct {
		Value      any        `json:"value"`
		UpdatedAt  time.Time  `json:"updatedAt"`
		Provenance Provenance `json:"provenance"`
	}

	// Provenance records which node produced a facet value.
	Provenance struct {
		NodeID       string `json:"nodeId"`
		CapabilityID string `json:"capabilityId,omitempty"`
		Rationale    string `json:"rationale,omitempty"`
	}

	// Clarification is one question/answer exchange recorded on the run.
	Clarification struct {
		QuestionID   string     `json:"questionId"`
		NodeID       string     `json:"nodeId"`
		CapabilityID string     `json:"capabilityId,omitempty"`
		Question     string     `json:"question"`
		CreatedAt    time.Time  `json:"createdAt"`
		Answer       string     `json:"answer,omitempty"`
		AnsweredAt   *time.Time `json:"answeredAt,omitempty"`
	}
)
