package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/awesomeposter/flex/api"
	"github.com/awesomeposter/flex/capability"
	"github.com/awesomeposter/flex/hitl"
	"github.com/awesomeposter/flex/model"
	"github.com/awesomeposter/flex/plan"
	"github.com/awesomeposter/flex/store"
)

// executeAI drives one AI node: prompt, model call with timeout and retries,
// output contract validation, post-conditions, ledger update. Returns nil to
// keep the loop going, or a terminal/suspension outcome.
func (e *Engine) executeAI(ctx context.Context, req Request, node *plan.Node, rec capability.Record) *Outcome {
	started := e.markRunning(ctx, req, node, "ai")

	// The node's HITL scope travels on the context so an executor can raise
	// operator requests mid-execution. A raised request suspends the node.
	var raised *hitl.RequestRecord
	scope := &hitl.Scope{
		RunID:           req.RunID,
		StepID:          node.ID,
		CapabilityID:    node.CapabilityID,
		ContractSummary: contractSummary(node),
		OnRequest: func(_ *hitl.RunState, r *hitl.RequestRecord) {
			raised = r
		},
		OnDenied: func(_ *hitl.RunState, r *hitl.RequestRecord) {
			e.telemetry.RecordHitl("rejected")
			e.emit(ctx, req, api.Event{
				Type:   api.EventHitlRequest,
				NodeID: node.ID,
				Payload: map[string]any{
					"requestId": r.ID,
					"status":    string(r.Status),
					"reason":    r.DenialReason,
				},
			})
		},
	}
	nodeCtx := hitl.WithScope(ctx, scope)

	timeout := e.nodeTO
	retries := e.maxRetries
	if node.Kind == string(capability.KindStructuring) {
		timeout = e.structTO
		retries = 0
	}

	nreq := NodeRequest{
		RunID:          req.RunID,
		Node:           node,
		Capability:     rec,
		Inputs:         req.RunContext.Values(node.Facets.Input),
		Objective:      req.Envelope.Objective,
		Clarifications: req.RunContext.Clarifications(),
	}

	var output map[string]any
	for attempt := 0; ; attempt++ {
		attemptCtx, cancel := context.WithTimeout(nodeCtx, timeout)
		out, err := e.executor.ExecuteNode(attemptCtx, nreq)
		cancel()

		if raised != nil {
			return e.suspendHitl(ctx, req, node, raised)
		}
		if ctx.Err() != nil {
			out := e.cancel(req)
			return &out
		}
		if err == nil {
			if verr := validateOutput(node, out); verr != nil {
				e.telemetry.RecordValidationRetry("node_output")
				e.emit(ctx, req, api.Event{
					Type:   api.EventValidationError,
					NodeID: node.ID,
					Payload: map[string]any{
						"capabilityId": node.CapabilityID,
						"message":      verr.Error(),
					},
				})
				err = verr
			} else {
				output = out
				break
			}
		}
		if attempt >= retries {
			e.emit(ctx, req, api.Event{
				Type:   api.EventWarning,
				NodeID: node.ID,
				Payload: map[string]any{
					"capabilityId": node.CapabilityID,
					"message":      fmt.Sprintf("attempt %d failed: %s", attempt+1, err),
				},
			})
			e.failNode(ctx, req, node, &plan.NodeFailure{
				Name:    failureName(err),
				Message: err.Error(),
			})
			e.emit(ctx, req, api.Event{
				Type:   api.EventWarning,
				NodeID: node.ID,
				Payload: map[string]any{
					"capabilityId": node.CapabilityID,
					"message":      fmt.Sprintf("continuing best-effort after node %s failed", node.ID),
				},
			})
			return nil
		}
		e.emit(ctx, req, api.Event{
			Type:   api.EventWarning,
			NodeID: node.ID,
			Payload: map[string]any{
				"capabilityId": node.CapabilityID,
				"message":      fmt.Sprintf("attempt %d failed, retrying: %s", attempt+1, err),
			},
		})
		select {
		case <-time.After(retryBackoff):
		case <-ctx.Done():
			out := e.cancel(req)
			return &out
		}
	}

	return e.completeNode(ctx, req, node, output, started)
}

// completeNode validates post-conditions, records the output in the ledger,
// and persists the completed node. Shared by the AI path and human resumes.
func (e *Engine) completeNode(ctx context.Context, req Request, node *plan.Node, output map[string]any, started time.Time) *Outcome {
	results, anyFailed, requiredReason := e.evalPostConditions(ctx, req, node, output)
	node.PostConditionResults = results
	if anyFailed {
		if req.PolicyAttempts[node.ID] < e.maxRetries {
			req.PolicyAttempts[node.ID]++
			e.emit(ctx, req, api.Event{
				Type:   api.EventPolicyTriggered,
				NodeID: node.ID,
				Payload: map[string]any{
					"capabilityId": node.CapabilityID,
					"action":       "retry",
					"attempt":      req.PolicyAttempts[node.ID],
					"results":      results,
				},
			})
			node.Status = plan.NodePending
			pending := plan.NodePending
			if err := e.store.MarkNode(ctx, req.RunID, node.ID, store.NodeUpdate{Status: &pending}); err != nil {
				e.logger.Warn(ctx, "persist node retry failed", "runId", req.RunID, "nodeId", node.ID, "err", err.Error())
			}
			return nil
		}
		e.emit(ctx, req, api.Event{
			Type:   api.EventPolicyTriggered,
			NodeID: node.ID,
			Payload: map[string]any{
				"capabilityId": node.CapabilityID,
				"action":       "exhausted",
				"results":      results,
			},
		})
	}

	req.RunContext.UpdateFromNode(node, output)
	node.Status = plan.NodeCompleted
	node.Output = output
	now := e.now()
	node.CompletedAt = &now

	status := plan.NodeCompleted
	if err := e.store.MarkNode(ctx, req.RunID, node.ID, store.NodeUpdate{
		Status:      &status,
		Output:      output,
		CompletedAt: &now,
	}); err != nil {
		e.logger.Warn(ctx, "persist node completion failed", "runId", req.RunID, "nodeId", node.ID, "err", err.Error())
	}
	if err := e.store.SaveRunContext(ctx, req.RunID, req.RunContext.Snapshot()); err != nil {
		e.logger.Warn(ctx, "persist run context failed", "runId", req.RunID, "err", err.Error())
	}

	duration := now.Sub(started)
	e.telemetry.RecordNodeDuration(node.CapabilityID, duration)
	ev := api.Event{
		Type:            api.EventNodeComplete,
		NodeID:          node.ID,
		FacetProvenance: req.RunContext.Provenance(node.Facets.Output),
		Payload: map[string]any{
			"capabilityId": node.CapabilityID,
			"durationMs":   duration.Milliseconds(),
			"output":       outputSummary(output),
		},
	}
	e.emit(ctx, req, ev)

	if node.Routing != nil {
		if _, _, _, detail := e.applyRouting(ctx, req, node); detail != "" {
			e.logger.Warn(ctx, "routing condition failed", "runId", req.RunID, "nodeId", node.ID, "detail", detail)
		}
	}

	if requiredReason != "" {
		return &Outcome{Kind: OutcomeReplan, ReplanReason: requiredReason}
	}
	return nil
}

// markRunning transitions a node to running and emits node_start.
func (e *Engine) markRunning(ctx context.Context, req Request, node *plan.Node, executorType string) time.Time {
	now := e.now()
	node.Status = plan.NodeRunning
	node.StartedAt = &now
	status := plan.NodeRunning
	if err := e.store.MarkNode(ctx, req.RunID, node.ID, store.NodeUpdate{
		Status:    &status,
		StartedAt: &now,
	}); err != nil {
		e.logger.Warn(ctx, "persist node start failed", "runId", req.RunID, "nodeId", node.ID, "err", err.Error())
	}
	e.emit(ctx, req, api.Event{
		Type:   api.EventNodeStart,
		NodeID: node.ID,
		Payload: map[string]any{
			"capabilityId": node.CapabilityID,
			"label":        node.Label,
			"startedAt":    now,
			"executorType": executorType,
		},
	})
	return now
}

// suspendHitl parks the node on a pending HITL request and snapshots the run
// so it can be resumed after the operator responds.
func (e *Engine) suspendHitl(ctx context.Context, req Request, node *plan.Node, raised *hitl.RequestRecord) *Outcome {
	node.Status = plan.NodeAwaitingHitl
	status := plan.NodeAwaitingHitl
	if err := e.store.MarkNode(ctx, req.RunID, node.ID, store.NodeUpdate{Status: &status}); err != nil {
		e.logger.Warn(ctx, "persist node suspension failed", "runId", req.RunID, "nodeId", node.ID, "err", err.Error())
	}
	if err := e.persistSnapshot(ctx, req, pendingState(req.Plan, plan.PendingModeHitl, req.PolicyAttempts)); err != nil {
		return &Outcome{Kind: OutcomeFailed, Err: err}
	}
	if err := e.store.UpdateStatus(ctx, req.RunID, api.RunStatusAwaitingHitl); err != nil {
		return &Outcome{Kind: OutcomeFailed, Err: err}
	}
	e.telemetry.RecordHitl("requests")
	e.emit(ctx, req, api.Event{
		Type:   api.EventHitlRequest,
		NodeID: node.ID,
		Payload: map[string]any{
			"requestId": raised.ID,
			"question":  raised.Payload.Question,
			"kind":      string(raised.Payload.Kind),
			"status":    string(raised.Status),
		},
	})
	return &Outcome{
		Kind:             OutcomeAwaitingHitl,
		PendingRequestID: raised.ID,
		Question:         raised.Payload.Question,
	}
}

func failureName(err error) string {
	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		return "FlexValidationError"
	case errors.Is(err, context.DeadlineExceeded):
		return "NodeTimeout"
	default:
		return "ExecutorError"
	}
}

// outputSummary keeps node_complete payloads small: top-level keys plus a
// truncated preview of the serialized output.
func outputSummary(output map[string]any) map[string]any {
	keys := make([]string, 0, len(output))
	for k := range output {
		keys = append(keys, k)
	}
	preview, _ := json.Marshal(output)
	const maxPreview = 512
	text := string(preview)
	if len(text) > maxPreview {
		text = text[:maxPreview] + "..."
	}
	return map[string]any{"facets": keys, "preview": text}
}

// modelExecutor is the default NodeExecutor: one structured model call per
// node, decoded as JSON.
type modelExecutor struct {
	model model.Runtime
}

func (m *modelExecutor) ExecuteNode(ctx context.Context, req NodeRequest) (map[string]any, error) {
	system := req.Capability.InstructionTemplates["app"]
	if system == "" {
		system = req.Capability.Summary
	}
	user := buildNodePrompt(req)
	opts := []func(*model.Request){model.WithJSONOutput()}
	resp, err := model.Responses(ctx, m.model, system, user, opts...)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := model.DecodeJSON(resp.Text, &out); err != nil {
		return nil, fmt.Errorf("decode node output: %w", err)
	}
	return out, nil
}

// buildNodePrompt serializes the objective, input facet values, planner
// instructions, and the required output shape into one user message.
func buildNodePrompt(req NodeRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Objective: %s\n\n", req.Objective)
	if req.Node.Instructions != "" {
		fmt.Fprintf(&b, "Instructions: %s\n\n", req.Node.Instructions)
	}
	if len(req.Inputs) > 0 {
		b.WriteString("Input facets:\n")
		data, _ := json.MarshalIndent(req.Inputs, "", "  ")
		b.Write(data)
		b.WriteString("\n\n")
	}
	for _, cl := range req.Clarifications {
		if cl.Answer != "" {
			fmt.Fprintf(&b, "Clarification: Q: %s A: %s\n", cl.Question, cl.Answer)
		}
	}
	b.WriteString("Respond with a single JSON object containing the output facets: ")
	b.WriteString(strings.Join(req.Node.Facets.Output, ", "))
	b.WriteString(".")
	if len(req.Node.Contracts.Output) > 0 {
		b.WriteString("\nThe object must conform to this JSON Schema:\n")
		b.Write(req.Node.Contracts.Output)
	}
	return b.String()
}
