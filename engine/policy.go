package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/diegoholiveira/jsonlogic/v3"

	"github.com/awesomeposter/flex/api"
	"github.com/awesomeposter/flex/plan"
	"github.com/awesomeposter/flex/store"
)

// evalPostConditions evaluates the envelope's runtime policy rules against
// the facet ledger overlaid with the node's fresh output. It returns the
// per-rule results, whether any rule failed, and a non-empty replan reason
// when a failed rule is required.
func (e *Engine) evalPostConditions(ctx context.Context, req Request, node *plan.Node, output map[string]any) ([]plan.ConditionResult, bool, string) {
	rules := req.Envelope.Policies.Runtime
	if len(rules) == 0 {
		return nil, false, ""
	}
	data := req.RunContext.Values(allFacetNames(req.Plan))
	for _, name := range node.Facets.Output {
		if v, ok := output[name]; ok {
			data[name] = v
		}
	}
	var (
		results  []plan.ConditionResult
		failed   bool
		required string
	)
	for _, rule := range rules {
		ok, detail := evalRule(rule.Condition, data)
		results = append(results, plan.ConditionResult{
			RuleID:    rule.ID,
			Satisfied: ok,
			Required:  rule.Required,
			Detail:    detail,
		})
		if ok {
			continue
		}
		failed = true
		e.telemetry.RecordConditionFailed(node.CapabilityID, rule.ID)
		if rule.Required && required == "" {
			required = fmt.Sprintf("required condition %q unsatisfied after node %s", rule.ID, node.ID)
		}
	}
	return results, failed, required
}

// unmetGoalConditions evaluates required runtime rules against the final
// facet ledger. A non-empty return is a replan reason.
func (e *Engine) unmetGoalConditions(ctx context.Context, req Request) string {
	var reason string
	data := req.RunContext.Values(allFacetNames(req.Plan))
	for _, rule := range req.Envelope.Policies.Runtime {
		if !rule.Required {
			continue
		}
		ok, detail := evalRule(rule.Condition, data)
		if ok {
			continue
		}
		e.telemetry.RecordConditionFailed("", rule.ID)
		e.emit(ctx, req, api.Event{
			Type: api.EventGoalConditionFailed,
			Payload: map[string]any{
				"ruleId":      rule.ID,
				"description": rule.Description,
				"detail":      detail,
			},
		})
		if reason == "" {
			reason = fmt.Sprintf("goal condition %q unsatisfied", rule.ID)
		}
	}
	return reason
}

// evalRule applies one JSON-Logic condition to the facet value map. An
// evaluation error counts as unsatisfied, with the error in the detail.
func evalRule(condition json.RawMessage, data map[string]any) (bool, string) {
	if len(condition) == 0 {
		return true, ""
	}
	var rule any
	if err := json.Unmarshal(condition, &rule); err != nil {
		return false, fmt.Sprintf("condition parse error: %s", err)
	}
	res, err := jsonlogic.ApplyInterface(rule, anyMap(data))
	if err != nil {
		return false, fmt.Sprintf("condition evaluation error: %s", err)
	}
	return truthy(res), ""
}

func anyMap(m map[string]any) any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case nil:
		return false
	case float64:
		return t != 0
	case string:
		return t != ""
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		return true
	}
}

// route evaluates a routing node's condition, marks the node completed with
// its decision, and skips the subtree of the branch not taken. Returns nil
// to continue the loop.
func (e *Engine) route(ctx context.Context, req Request, node *plan.Node) *Outcome {
	started := e.markRunning(ctx, req, node, "routing")
	if node.Routing == nil {
		e.failNode(ctx, req, node, &plan.NodeFailure{
			Name:    "RoutingError",
			Message: "routing node has no routing configuration",
		})
		return nil
	}
	taken, skipped, ok, detail := e.applyRouting(ctx, req, node)
	if detail != "" {
		e.failNode(ctx, req, node, &plan.NodeFailure{Name: "RoutingError", Message: detail})
		return nil
	}

	node.Status = plan.NodeCompleted
	now := e.now()
	node.CompletedAt = &now
	node.Context = map[string]any{"decision": taken, "conditionResult": ok}
	status := plan.NodeCompleted
	if err := e.store.MarkNode(ctx, req.RunID, node.ID, store.NodeUpdate{
		Status:      &status,
		Context:     node.Context,
		CompletedAt: &now,
	}); err != nil {
		e.logger.Warn(ctx, "persist routing decision failed", "runId", req.RunID, "nodeId", node.ID, "err", err.Error())
	}
	e.emit(ctx, req, api.Event{
		Type:   api.EventNodeComplete,
		NodeID: node.ID,
		Payload: map[string]any{
			"durationMs":    e.now().Sub(started).Milliseconds(),
			"takenNodeId":   taken,
			"skippedNodeId": skipped,
		},
	})
	return nil
}

// applyRouting evaluates the node's branch condition against the facet
// ledger and skips the subtree of the branch not taken. Also used for
// capability-backed nodes that carry a routing decision.
func (e *Engine) applyRouting(ctx context.Context, req Request, node *plan.Node) (taken, skipped string, ok bool, detail string) {
	data := req.RunContext.Values(allFacetNames(req.Plan))
	ok, detail = evalRule(node.Routing.When, data)
	if detail != "" {
		return "", "", false, detail
	}
	taken, skipped = node.Routing.To, node.Routing.ElseTo
	if !ok {
		taken, skipped = node.Routing.ElseTo, node.Routing.To
	}
	if skipped != "" {
		e.skipSubtree(ctx, req, skipped)
	}
	return taken, skipped, ok, ""
}

// skipSubtree marks the root skipped, then iteratively skips every pending
// node all of whose predecessors are skipped. Join nodes with a live
// predecessor on the taken branch stay pending.
func (e *Engine) skipSubtree(ctx context.Context, req Request, rootID string) {
	p := req.Plan
	root := p.Node(rootID)
	if root == nil || root.Status != plan.NodePending {
		return
	}
	e.skipNode(ctx, req, root)
	for {
		progressed := false
		for _, n := range p.Nodes {
			if n.Status != plan.NodePending {
				continue
			}
			preds := p.Predecessors(n.ID)
			if len(preds) == 0 {
				continue
			}
			all := true
			for _, pred := range preds {
				pn := p.Node(pred)
				if pn == nil || pn.Status != plan.NodeSkipped {
					all = false
					break
				}
			}
			if all {
				e.skipNode(ctx, req, n)
				progressed = true
			}
		}
		if !progressed {
			return
		}
	}
}

func (e *Engine) skipNode(ctx context.Context, req Request, node *plan.Node) {
	node.Status = plan.NodeSkipped
	status := plan.NodeSkipped
	if err := e.store.MarkNode(ctx, req.RunID, node.ID, store.NodeUpdate{Status: &status}); err != nil {
		e.logger.Warn(ctx, "persist node skip failed", "runId", req.RunID, "nodeId", node.ID, "err", err.Error())
	}
}
