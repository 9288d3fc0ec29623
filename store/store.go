// Package store defines the persistence contract the engine drives runs
// through: run rows, versioned plan snapshots, node states, run-context
// snapshots, the HITL ledger, and pending human tasks. Backends live in the
// inmem, redis, and mongo subpackages.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/awesomeposter/flex/api"
	"github.com/awesomeposter/flex/hitl"
	"github.com/awesomeposter/flex/plan"
	"github.com/awesomeposter/flex/run"
)

// ErrNotFound is returned when a run, snapshot, or task does not exist.
var ErrNotFound = errors.New("store: not found")

type (
	// NodeUpdate is a partial update applied to one node row. Nil fields are
	// left untouched.
	NodeUpdate struct {
		Status      *plan.NodeStatus
		Output      map[string]any
		Error       *plan.NodeFailure
		Context     map[string]any
		StartedAt   *time.Time
		CompletedAt *time.Time
	}

	// LoadedRun bundles a run row with the node rows of its current plan
	// version.
	LoadedRun struct {
		Run   *run.Row
		Nodes []*plan.Node
	}

	// HumanTaskStatus is the lifecycle state of a persisted human task.
	HumanTaskStatus string

	// HumanTask is a pending assignment for a human-executed node.
	HumanTask struct {
		TaskID       string          `json:"taskId"`
		RunID        string          `json:"runId"`
		NodeID       string          `json:"nodeId"`
		CapabilityID string          `json:"capabilityId"`
		Role         string          `json:"role,omitempty"`
		Status       HumanTaskStatus `json:"status"`
		Priority     string          `json:"priority,omitempty"`
		Instructions string          `json:"instructions,omitempty"`
		// OutputContract is the compiled output schema the submission must
		// satisfy, rendered for operator tooling.
		OutputContract map[string]any `json:"outputContract,omitempty"`
		CreatedAt      time.Time      `json:"createdAt"`
		DueAt          *time.Time     `json:"dueAt,omitempty"`
		ResolvedAt     *time.Time     `json:"resolvedAt,omitempty"`
	}

	// HumanTaskFilter narrows ListPendingHumanTasks.
	HumanTaskFilter struct {
		RunID string
		Role  string
	}

	// Store is the unified persistence contract. Within one run all writes
	// are issued by a single goroutine; implementations only need cross-run
	// safety.
	Store interface {
		hitl.Store

		// CreateOrUpdateRun upserts the run row keyed by RunID.
		CreateOrUpdateRun(ctx context.Context, row *run.Row) error
		// UpdateStatus transitions the run's lifecycle status.
		UpdateStatus(ctx context.Context, runID string, status api.RunStatus) error
		// SavePlanSnapshot atomically replaces the snapshot for its plan
		// version and the run's node rows. Node rows absent from the
		// snapshot are removed.
		SavePlanSnapshot(ctx context.Context, snap *plan.Snapshot) error
		// MarkNode applies a partial update to one node row.
		MarkNode(ctx context.Context, runID, nodeID string, upd NodeUpdate) error
		// RecordResult stores the terminal result and status together.
		RecordResult(ctx context.Context, runID string, result map[string]any, status api.RunStatus) error
		// RecordPendingResult stores an interim result for awaiting states
		// without touching the status.
		RecordPendingResult(ctx context.Context, runID string, result map[string]any) error
		// SaveRunContext persists the facet ledger snapshot.
		SaveRunContext(ctx context.Context, runID string, snap *run.ContextSnapshot) error
		// LoadRun returns the run row plus current node rows, or ErrNotFound.
		LoadRun(ctx context.Context, runID string) (*LoadedRun, error)
		// FindRunByThreadID returns the most recent run on a thread, or
		// ErrNotFound.
		FindRunByThreadID(ctx context.Context, threadID string) (*LoadedRun, error)
		// LoadPlanSnapshot returns the snapshot for a plan version; version
		// zero selects the latest. ErrNotFound when none exists.
		LoadPlanSnapshot(ctx context.Context, runID string, version int) (*plan.Snapshot, error)
		// PutHumanTask upserts a human task keyed by TaskID.
		PutHumanTask(ctx context.Context, task *HumanTask) error
		// ListPendingHumanTasks returns open tasks matching the filter.
		ListPendingHumanTasks(ctx context.Context, filter HumanTaskFilter) ([]*HumanTask, error)
	}
)

const (
	// HumanTaskPending marks an open assignment awaiting a submission.
	HumanTaskPending HumanTaskStatus = "pending"
	// HumanTaskSubmitted marks an assignment answered by an operator.
	HumanTaskSubmitted HumanTaskStatus = "submitted"
	// HumanTaskDeclined marks an assignment declined by an operator.
	HumanTaskDeclined HumanTaskStatus = "declined"
	// HumanTaskExpired marks an assignment that outlived its deadline.
	HumanTaskExpired HumanTaskStatus = "expired"
)
