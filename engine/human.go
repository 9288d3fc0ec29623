package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/awesomeposter/flex/api"
	"github.com/awesomeposter/flex/capability"
	"github.com/awesomeposter/flex/plan"
	"github.com/awesomeposter/flex/store"
)

// suspendHuman composes a human task from the capability's assignment
// defaults, parks the node, snapshots the run, and returns the suspension
// outcome the coordinator converts to status awaiting_human.
func (e *Engine) suspendHuman(ctx context.Context, req Request, node *plan.Node, rec capability.Record) *Outcome {
	defaults := rec.AssignmentDefaults
	if defaults == nil {
		e.failNode(ctx, req, node, &plan.NodeFailure{
			Name:    "AssignmentError",
			Message: fmt.Sprintf("human capability %q has no assignment defaults", rec.CapabilityID),
		})
		return nil
	}

	now := e.now()
	timeout := e.assignTO
	if defaults.TimeoutSeconds > 0 {
		timeout = time.Duration(defaults.TimeoutSeconds) * time.Second
	}
	due := now.Add(timeout)
	instructions := node.Instructions
	if instructions == "" {
		instructions = rec.Summary
	}
	task := &store.HumanTask{
		TaskID:         e.newID(),
		RunID:          req.RunID,
		NodeID:         node.ID,
		CapabilityID:   rec.CapabilityID,
		Role:           defaults.Role,
		Status:         store.HumanTaskPending,
		Instructions:   instructions,
		OutputContract: contractSummary(node),
		CreatedAt:      now,
		DueAt:          &due,
	}
	if err := e.store.PutHumanTask(ctx, task); err != nil {
		return &Outcome{Kind: OutcomeFailed, Err: fmt.Errorf("persist human task: %w", err)}
	}

	assignment := &api.HumanAssignment{
		TaskID:         task.TaskID,
		NodeID:         node.ID,
		CapabilityID:   rec.CapabilityID,
		Role:           defaults.Role,
		DueAt:          &due,
		Instructions:   instructions,
		OutputContract: task.OutputContract,
	}
	node.Status = plan.NodeAwaitingHuman
	node.StartedAt = &now
	if node.Context == nil {
		node.Context = make(map[string]any)
	}
	node.Context["taskId"] = task.TaskID
	node.Context["role"] = defaults.Role

	status := plan.NodeAwaitingHuman
	if err := e.store.MarkNode(ctx, req.RunID, node.ID, store.NodeUpdate{
		Status:    &status,
		StartedAt: &now,
		Context:   node.Context,
	}); err != nil {
		e.logger.Warn(ctx, "persist human suspension failed", "runId", req.RunID, "nodeId", node.ID, "err", err.Error())
	}
	if err := e.persistSnapshot(ctx, req, pendingState(req.Plan, plan.PendingModeHuman, req.PolicyAttempts)); err != nil {
		return &Outcome{Kind: OutcomeFailed, Err: err}
	}
	if err := e.store.UpdateStatus(ctx, req.RunID, api.RunStatusAwaitingHuman); err != nil {
		return &Outcome{Kind: OutcomeFailed, Err: err}
	}

	e.emit(ctx, req, api.Event{
		Type:   api.EventNodeStart,
		NodeID: node.ID,
		Payload: map[string]any{
			"capabilityId": node.CapabilityID,
			"label":        node.Label,
			"startedAt":    now,
			"executorType": "human",
			"assignment":   assignment,
		},
	})
	return &Outcome{Kind: OutcomeAwaitingHuman, Assignment: assignment}
}

// ResumeHuman applies a human operator's submission to the awaiting node.
// A nil return means the node completed and normal execution may continue
// via Execute. A non-nil return is a new suspension or a terminal outcome:
// invalid output keeps the node awaiting_human so the operator can resubmit,
// a decline fails the run or re-queues per the capability's policy.
func (e *Engine) ResumeHuman(ctx context.Context, req Request, sub *api.ResumeSubmission) *Outcome {
	node := req.Plan.Node(sub.NodeID)
	if node == nil {
		return &Outcome{Kind: OutcomeFailed, Err: fmt.Errorf("resume: node %q not in plan", sub.NodeID)}
	}
	if node.Status != plan.NodeAwaitingHuman {
		return &Outcome{Kind: OutcomeFailed, Err: fmt.Errorf("resume: node %s is %s, not awaiting_human", node.ID, node.Status)}
	}
	if sub.Decline != nil {
		rec, _, err := e.registry.GetByID(ctx, node.CapabilityID)
		if err != nil {
			return &Outcome{Kind: OutcomeFailed, Err: fmt.Errorf("resume: resolve capability %q: %w", node.CapabilityID, err)}
		}
		return e.handleDecline(ctx, req, node, rec, sub)
	}

	if verr := validateOutput(node, sub.Output); verr != nil {
		e.telemetry.RecordValidationRetry("human_submission")
		// Record the failure on the node but keep it awaiting_human so the
		// operator can resubmit against the same task.
		failure := &plan.NodeFailure{Name: failureName(verr), Message: verr.Error()}
		node.Error = failure
		if err := e.store.MarkNode(ctx, req.RunID, node.ID, store.NodeUpdate{Error: failure}); err != nil {
			e.logger.Warn(ctx, "persist submission error failed", "runId", req.RunID, "nodeId", node.ID, "err", err.Error())
		}
		e.emit(ctx, req, api.Event{
			Type:   api.EventValidationError,
			NodeID: node.ID,
			Payload: map[string]any{
				"capabilityId": node.CapabilityID,
				"message":      verr.Error(),
				"resubmit":     true,
			},
		})
		e.emit(ctx, req, api.Event{
			Type:   api.EventNodeError,
			NodeID: node.ID,
			Payload: map[string]any{
				"capabilityId": node.CapabilityID,
				"name":         failure.Name,
				"message":      failure.Message,
				"resubmit":     true,
			},
		})
		return &Outcome{Kind: OutcomeAwaitingHuman, Assignment: e.assignmentFromNode(ctx, req, node)}
	}

	e.resolveTask(ctx, req, node, store.HumanTaskSubmitted)
	node.Error = nil

	started := e.now()
	if node.StartedAt != nil {
		started = *node.StartedAt
	}
	return e.completeNode(ctx, req, node, sub.Output, started)
}

// handleDecline applies the capability's on-decline policy: fail the run or
// re-queue a fresh task, bounded by the notification cap.
func (e *Engine) handleDecline(ctx context.Context, req Request, node *plan.Node, rec capability.Record, sub *api.ResumeSubmission) *Outcome {
	e.resolveTask(ctx, req, node, store.HumanTaskDeclined)
	defaults := rec.AssignmentDefaults

	if defaults == nil || defaults.OnDecline == capability.OnDeclineFailRun {
		e.declineNode(ctx, req, node, sub.Decline)
		return &Outcome{Kind: OutcomeFailed, Err: fmt.Errorf("operator declined node %s: %s", node.ID, declineMessage(sub.Decline))}
	}

	notifications := 1
	if node.Context != nil {
		if n, ok := node.Context["notifications"].(int); ok {
			notifications = n + 1
		} else if f, ok := node.Context["notifications"].(float64); ok {
			notifications = int(f) + 1
		}
	}
	if defaults.MaxNotifications > 0 && notifications >= defaults.MaxNotifications {
		e.declineNode(ctx, req, node, sub.Decline)
		return &Outcome{Kind: OutcomeFailed, Err: fmt.Errorf("node %s exhausted human assignments", node.ID)}
	}

	node.Status = plan.NodePending
	if node.Context == nil {
		node.Context = make(map[string]any)
	}
	node.Context["notifications"] = notifications
	out := e.suspendHuman(ctx, req, node, rec)
	if out == nil {
		out = &Outcome{Kind: OutcomeFailed, Err: fmt.Errorf("requeue node %s failed", node.ID)}
	}
	return out
}

// declineNode settles a declined node with a completion frame carrying the
// decline details. Failing the run, when the policy calls for it, is the
// caller's responsibility.
func (e *Engine) declineNode(ctx context.Context, req Request, node *plan.Node, decline *api.Decline) {
	now := e.now()
	node.Status = plan.NodeCompleted
	node.CompletedAt = &now
	if node.Context == nil {
		node.Context = make(map[string]any)
	}
	node.Context["outcome"] = "declined"

	status := plan.NodeCompleted
	if err := e.store.MarkNode(ctx, req.RunID, node.ID, store.NodeUpdate{
		Status:      &status,
		CompletedAt: &now,
		Context:     node.Context,
	}); err != nil {
		e.logger.Warn(ctx, "persist node decline failed", "runId", req.RunID, "nodeId", node.ID, "err", err.Error())
	}
	e.emit(ctx, req, api.Event{
		Type:   api.EventNodeComplete,
		NodeID: node.ID,
		Payload: map[string]any{
			"capabilityId": node.CapabilityID,
			"outcome":      "declined",
			"decline":      decline,
		},
	})
}

// resolveTask marks the node's open human task with the given status.
func (e *Engine) resolveTask(ctx context.Context, req Request, node *plan.Node, status store.HumanTaskStatus) {
	tasks, err := e.store.ListPendingHumanTasks(ctx, store.HumanTaskFilter{RunID: req.RunID})
	if err != nil {
		e.logger.Warn(ctx, "list human tasks failed", "runId", req.RunID, "err", err.Error())
		return
	}
	now := e.now()
	for _, t := range tasks {
		if t.NodeID != node.ID {
			continue
		}
		t.Status = status
		t.ResolvedAt = &now
		if err := e.store.PutHumanTask(ctx, t); err != nil {
			e.logger.Warn(ctx, "update human task failed", "runId", req.RunID, "taskId", t.TaskID, "err", err.Error())
		}
	}
}

// assignmentFromNode rebuilds the pending assignment summary for a node that
// stays awaiting_human after an invalid submission.
func (e *Engine) assignmentFromNode(ctx context.Context, req Request, node *plan.Node) *api.HumanAssignment {
	tasks, err := e.store.ListPendingHumanTasks(ctx, store.HumanTaskFilter{RunID: req.RunID})
	if err != nil {
		e.logger.Warn(ctx, "list human tasks failed", "runId", req.RunID, "err", err.Error())
		return nil
	}
	for _, t := range tasks {
		if t.NodeID != node.ID {
			continue
		}
		return &api.HumanAssignment{
			TaskID:         t.TaskID,
			NodeID:         t.NodeID,
			CapabilityID:   t.CapabilityID,
			Role:           t.Role,
			DueAt:          t.DueAt,
			Priority:       t.Priority,
			Instructions:   t.Instructions,
			OutputContract: t.OutputContract,
		}
	}
	return nil
}

func declineMessage(d *api.Decline) string {
	if d == nil {
		return "declined"
	}
	if d.Note != "" {
		return fmt.Sprintf("%s: %s", d.Reason, d.Note)
	}
	return d.Reason
}
