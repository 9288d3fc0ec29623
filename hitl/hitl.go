// Package hitl implements the per-run human-in-the-loop ledger: bounded
// request raising inside a scoped context, response application, and the
// persisted request/response records.
package hitl

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// RequestStatus is the lifecycle state of a HITL request.
type RequestStatus string

const (
	// StatusPending marks a request awaiting an operator response.
	StatusPending RequestStatus = "pending"
	// StatusResolved marks a request answered by an operator.
	StatusResolved RequestStatus = "resolved"
	// StatusDenied marks a request rejected by the per-run cap. Denied
	// requests are terminal and never pend.
	StatusDenied RequestStatus = "denied"
)

// RequestKind classifies what the request asks of the operator.
type RequestKind string

const (
	KindApproval RequestKind = "approval"
	KindClarify  RequestKind = "clarify"
	KindChoice   RequestKind = "choice"
)

// ResponseType classifies an operator response.
type ResponseType string

const (
	ResponseOption   ResponseType = "option"
	ResponseApproval ResponseType = "approval"
	ResponseRejected ResponseType = "rejection"
	ResponseFreeform ResponseType = "freeform"
)

type (
	// Payload is the operator-facing question raised by an agent.
	Payload struct {
		Question      string      `json:"question"`
		Kind          RequestKind `json:"kind"`
		Options       []Option    `json:"options,omitempty"`
		AllowFreeForm bool        `json:"allowFreeForm,omitempty"`
		Urgency       string      `json:"urgency,omitempty"`
	}

	// Option is one selectable answer for choice requests.
	Option struct {
		ID    string `json:"id"`
		Label string `json:"label"`
	}

	// RequestRecord is the persisted form of one HITL request.
	RequestRecord struct {
		ID              string         `json:"id"`
		RunID           string         `json:"runId"`
		ThreadID        string         `json:"threadId,omitempty"`
		StepID          string         `json:"stepId,omitempty"`
		PendingNodeID   string         `json:"pendingNodeId,omitempty"`
		OriginAgent     string         `json:"originAgent,omitempty"`
		Payload         Payload        `json:"payload"`
		ContractSummary map[string]any `json:"contractSummary,omitempty"`
		OperatorPrompt  string         `json:"operatorPrompt,omitempty"`
		Status          RequestStatus  `json:"status"`
		DenialReason    string         `json:"denialReason,omitempty"`
		Metadata        map[string]any `json:"metadata,omitempty"`
		CreatedAt       time.Time      `json:"createdAt"`
		UpdatedAt       time.Time      `json:"updatedAt"`
		Metrics         RequestMetrics `json:"metrics"`
	}

	// RequestMetrics carries per-request counters.
	RequestMetrics struct {
		Attempt int `json:"attempt"`
	}

	// Response is one operator answer to a request.
	Response struct {
		ID                   string         `json:"id"`
		RequestID            string         `json:"requestId"`
		ResponseType         ResponseType   `json:"responseType"`
		SelectedOptionID     string         `json:"selectedOptionId,omitempty"`
		FreeformText         string         `json:"freeformText,omitempty"`
		Approved             *bool          `json:"approved,omitempty"`
		ResponderID          string         `json:"responderId,omitempty"`
		ResponderDisplayName string         `json:"responderDisplayName,omitempty"`
		CreatedAt            time.Time      `json:"createdAt"`
		Metadata             map[string]any `json:"metadata,omitempty"`
	}

	// RunState is the aggregated ledger view for one run.
	RunState struct {
		Requests         []*RequestRecord `json:"requests"`
		Responses        []*Response      `json:"responses"`
		PendingRequestID string           `json:"pendingRequestId,omitempty"`
		DeniedCount      int              `json:"deniedCount"`
	}

	// Store persists the HITL ledger. Implementations live in the store
	// package alongside the other run collections.
	Store interface {
		// PutHitlRequest inserts or updates a request record.
		PutHitlRequest(ctx context.Context, req *RequestRecord) error
		// ListHitlRequests returns all requests for a run in creation order.
		ListHitlRequests(ctx context.Context, runID string) ([]*RequestRecord, error)
		// PutHitlResponse appends an operator response.
		PutHitlResponse(ctx context.Context, res *Response) error
		// ListHitlResponses returns all responses for a run in creation order.
		ListHitlResponses(ctx context.Context, runID string) ([]*Response, error)
	}
)

// ErrDenied signals the per-run request cap was exceeded. The engine treats
// it as advisory; execution continues without the answer.
var ErrDenied = errors.New("hitl: request denied")

// DenialTooManyRequests is the denial reason recorded when the cap trips.
const DenialTooManyRequests = "Too many HITL requests"

// Accepted reports whether the request counts against the run cap's
// accepted budget (pending or resolved).
func (r *RequestRecord) Accepted() bool {
	return r.Status == StatusPending || r.Status == StatusResolved
}

// ParseEnvelope extracts operator responses from the opaque resume state a
// caller attaches to an envelope (metadata key "hitl"). Malformed input
// yields nil rather than an error.
func ParseEnvelope(raw any) []*Response {
	if raw == nil {
		return nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var wrapper struct {
		Responses []*Response `json:"responses"`
	}
	if err := json.Unmarshal(data, &wrapper); err != nil {
		return nil
	}
	out := wrapper.Responses[:0]
	for _, res := range wrapper.Responses {
		if res == nil || res.RequestID == "" {
			continue
		}
		out = append(out, res)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
