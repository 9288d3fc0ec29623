package inmem

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/awesomeposter/flex/api"
	"github.com/awesomeposter/flex/plan"
	"github.com/awesomeposter/flex/run"
	"github.com/awesomeposter/flex/store"
)

func TestRunRowLifecycle(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.CreateOrUpdateRun(ctx, &run.Row{
		RunID:     "run-1",
		ThreadID:  "thread-1",
		Status:    api.RunStatusPending,
		Objective: "summarize",
	}))
	require.NoError(t, s.UpdateStatus(ctx, "run-1", api.RunStatusRunning))

	loaded, err := s.LoadRun(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, api.RunStatusRunning, loaded.Run.Status)
	require.False(t, loaded.Run.CreatedAt.IsZero())

	byThread, err := s.FindRunByThreadID(ctx, "thread-1")
	require.NoError(t, err)
	require.Equal(t, "run-1", byThread.Run.RunID)

	_, err = s.LoadRun(ctx, "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestSavePlanSnapshotReplacesNodeRows(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.CreateOrUpdateRun(ctx, &run.Row{RunID: "run-1", Status: api.RunStatusRunning}))

	v1 := &plan.Snapshot{
		RunID:       "run-1",
		PlanVersion: 1,
		Nodes: []*plan.Node{
			{ID: "a", Status: plan.NodeCompleted},
			{ID: "b", Status: plan.NodePending},
		},
	}
	require.NoError(t, s.SavePlanSnapshot(ctx, v1))

	v2 := &plan.Snapshot{
		RunID:       "run-1",
		PlanVersion: 2,
		Nodes: []*plan.Node{
			{ID: "a", Status: plan.NodeCompleted},
			{ID: "c", Status: plan.NodePending},
		},
	}
	require.NoError(t, s.SavePlanSnapshot(ctx, v2))

	loaded, err := s.LoadRun(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, loaded.Nodes, 2)
	ids := []string{loaded.Nodes[0].ID, loaded.Nodes[1].ID}
	require.ElementsMatch(t, []string{"a", "c"}, ids)
	require.Equal(t, 2, loaded.Run.PlanVersion)

	latest, err := s.LoadPlanSnapshot(ctx, "run-1", 0)
	require.NoError(t, err)
	require.Equal(t, 2, latest.PlanVersion)

	first, err := s.LoadPlanSnapshot(ctx, "run-1", 1)
	require.NoError(t, err)
	require.Equal(t, 1, first.PlanVersion)
}

func TestMarkNodePartialUpdate(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.CreateOrUpdateRun(ctx, &run.Row{RunID: "run-1"}))
	require.NoError(t, s.SavePlanSnapshot(ctx, &plan.Snapshot{
		RunID:       "run-1",
		PlanVersion: 1,
		Nodes:       []*plan.Node{{ID: "a", Status: plan.NodePending}},
	}))

	status := plan.NodeCompleted
	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.MarkNode(ctx, "run-1", "a", store.NodeUpdate{
		Status:      &status,
		Output:      map[string]any{"summary": "done"},
		CompletedAt: &now,
	}))

	loaded, err := s.LoadRun(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, plan.NodeCompleted, loaded.Nodes[0].Status)
	require.Equal(t, "done", loaded.Nodes[0].Output["summary"])
	require.NotNil(t, loaded.Nodes[0].CompletedAt)

	require.ErrorIs(t, s.MarkNode(ctx, "run-1", "zz", store.NodeUpdate{}), store.ErrNotFound)
}

func TestStoredValuesAreIsolated(t *testing.T) {
	s := New()
	ctx := context.Background()
	row := &run.Row{RunID: "run-1", Metadata: map[string]any{"k": "v"}}
	require.NoError(t, s.CreateOrUpdateRun(ctx, row))

	row.Metadata["k"] = "mutated"
	loaded, err := s.LoadRun(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, "v", loaded.Run.Metadata["k"])

	loaded.Run.Metadata["k"] = "mutated again"
	again, err := s.LoadRun(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, "v", again.Run.Metadata["k"])
}

func TestHumanTasks(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.PutHumanTask(ctx, &store.HumanTask{
		TaskID:    "t1",
		RunID:     "run-1",
		NodeID:    "n1",
		Role:      "reviewer",
		Status:    store.HumanTaskPending,
		CreatedAt: time.Unix(100, 0),
	}))
	require.NoError(t, s.PutHumanTask(ctx, &store.HumanTask{
		TaskID:    "t2",
		RunID:     "run-2",
		Status:    store.HumanTaskSubmitted,
		CreatedAt: time.Unix(200, 0),
	}))

	tasks, err := s.ListPendingHumanTasks(ctx, store.HumanTaskFilter{})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, "t1", tasks[0].TaskID)

	tasks, err = s.ListPendingHumanTasks(ctx, store.HumanTaskFilter{Role: "other"})
	require.NoError(t, err)
	require.Empty(t, tasks)
}
