package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/awesomeposter/flex/api"
	"github.com/awesomeposter/flex/capability"
	"github.com/awesomeposter/flex/capability/memory"
	"github.com/awesomeposter/flex/engine"
	"github.com/awesomeposter/flex/facet"
	"github.com/awesomeposter/flex/hitl"
	"github.com/awesomeposter/flex/model"
	"github.com/awesomeposter/flex/planner"
	"github.com/awesomeposter/flex/store"
	"github.com/awesomeposter/flex/store/inmem"
)

type scriptedModel struct {
	responses []string
	calls     int
}

func (m *scriptedModel) Complete(_ context.Context, _ model.Request) (model.Response, error) {
	idx := m.calls
	if idx >= len(m.responses) {
		idx = len(m.responses) - 1
	}
	m.calls++
	return model.Response{Text: m.responses[idx]}, nil
}

type scriptedExecutor struct {
	outputs map[string][]map[string]any
	calls   map[string]int
	raise   map[string]*hitl.Service
	// onCall observes each node execution, for store-state assertions.
	onCall func(nodeID string)
}

func newScriptedExecutor() *scriptedExecutor {
	return &scriptedExecutor{
		outputs: make(map[string][]map[string]any),
		calls:   make(map[string]int),
		raise:   make(map[string]*hitl.Service),
	}
}

func (f *scriptedExecutor) ExecuteNode(ctx context.Context, req engine.NodeRequest) (map[string]any, error) {
	id := req.Node.ID
	attempt := f.calls[id]
	f.calls[id]++
	if f.onCall != nil {
		f.onCall(id)
	}
	if svc, ok := f.raise[id]; ok && attempt == 0 {
		if _, err := svc.RaiseRequest(ctx, hitl.Payload{Question: "which audience?", Kind: hitl.KindClarify}, nil); err != nil {
			return nil, err
		}
		return nil, errors.New("suspended on operator input")
	}
	outs := f.outputs[id]
	if len(outs) == 0 {
		return nil, fmt.Errorf("no scripted output for node %s", id)
	}
	if attempt >= len(outs) {
		attempt = len(outs) - 1
	}
	return outs[attempt], nil
}

type harness struct {
	store       *inmem.Store
	coordinator *Coordinator
	executor    *scriptedExecutor
	hitl        *hitl.Service
	model       *scriptedModel
}

func newHarness(t *testing.T, drafts ...string) *harness {
	t.Helper()
	str := json.RawMessage(`{"type":"string"}`)
	catalog, err := facet.NewCatalog([]facet.Facet{
		{Name: "sourceText", Version: "1", Direction: facet.DirectionInput, Schema: str, Summary: "raw source text"},
		{Name: "outline", Version: "1", Direction: facet.DirectionOutput, Schema: str, Summary: "structured outline"},
		{Name: "summary", Version: "1", Direction: facet.DirectionOutput, Schema: str, Summary: "final summary"},
	})
	require.NoError(t, err)

	reg, err := capability.NewRegistry(capability.RegistryOptions{Catalog: catalog, Store: memory.New()})
	require.NoError(t, err)
	ctx := context.Background()
	register := func(p capability.RegisterPayload) {
		t.Helper()
		_, err := reg.Register(ctx, p)
		require.NoError(t, err)
	}
	register(capability.RegisterPayload{
		CapabilityID: "cap.outline", Version: "1", AgentType: capability.AgentTypeAI,
		Kind: capability.KindExecution, DisplayName: "Outliner",
		InputFacets: []string{"sourceText"}, OutputFacets: []string{"outline"},
	})
	register(capability.RegisterPayload{
		CapabilityID: "cap.summarize", Version: "1", AgentType: capability.AgentTypeAI,
		Kind: capability.KindExecution, DisplayName: "Summarizer",
		InputFacets: []string{"outline"}, OutputFacets: []string{"summary"},
	})
	register(capability.RegisterPayload{
		CapabilityID: "cap.review", Version: "1", AgentType: capability.AgentTypeHuman,
		Kind: capability.KindValidation, DisplayName: "Reviewer",
		InputFacets: []string{"outline"}, OutputFacets: []string{"summary"},
		AssignmentDefaults: &capability.AssignmentDefaults{
			Role: "editor", OnDecline: capability.OnDeclineFailRun, TimeoutSeconds: 60,
		},
	})

	st := inmem.New()
	sm := &scriptedModel{responses: drafts}
	plannerSvc, err := planner.NewService(planner.Options{Model: sm, Catalog: catalog, Registry: reg})
	require.NoError(t, err)

	hitlSvc, err := hitl.NewService(hitl.Options{Store: st})
	require.NoError(t, err)

	exec := newScriptedExecutor()
	eng, err := engine.New(engine.Options{Store: st, Registry: reg, Executor: exec, Hitl: hitlSvc})
	require.NoError(t, err)

	coord, err := New(Options{Store: st, Planner: plannerSvc, Engine: eng, Hitl: hitlSvc})
	require.NoError(t, err)

	return &harness{store: st, coordinator: coord, executor: exec, hitl: hitlSvc, model: sm}
}

const aiDraft = `{
  "nodes": [
    {"stage": "outline", "capabilityId": "cap.outline"},
    {"stage": "summarize", "capabilityId": "cap.summarize"}
  ]
}`

const humanDraft = `{
  "nodes": [
    {"stage": "outline", "capabilityId": "cap.outline"},
    {"stage": "review", "capabilityId": "cap.review"}
  ]
}`

const badDraft = `{
  "nodes": [
    {"stage": "outline", "capabilityId": "cap.unknown"}
  ]
}`

func testEnvelope() *api.TaskEnvelope {
	return &api.TaskEnvelope{
		Objective: "summarize the document",
		Inputs:    map[string]any{"sourceText": "long text"},
		OutputContract: api.OutputContract{
			Mode:   api.ContractModeFacets,
			Facets: []string{"summary"},
		},
	}
}

func resumeEnvelope(runID string) *api.TaskEnvelope {
	env := testEnvelope()
	env.Constraints = &api.EnvelopeConstraints{ResumeRunID: runID}
	return env
}

func TestRunHappyPath(t *testing.T) {
	h := newHarness(t, aiDraft)
	h.executor.outputs["outline"] = []map[string]any{{"outline": "I. intro"}}
	h.executor.outputs["summarize"] = []map[string]any{{"summary": "short version"}}

	var events []api.Event
	res, err := h.coordinator.Run(context.Background(), testEnvelope(), RunOptions{
		CorrelationID: "corr-1",
		OnEvent: func(ev api.Event) error {
			events = append(events, ev)
			return nil
		},
	})
	require.NoError(t, err)
	require.Equal(t, api.RunStatusCompleted, res.Status)
	require.Equal(t, "short version", res.Output["summary"])
	require.NotEmpty(t, res.RunID)

	var types []api.EventType
	for _, ev := range events {
		require.Equal(t, res.RunID, ev.RunID)
		require.Equal(t, "corr-1", ev.CorrelationID)
		types = append(types, ev.Type)
	}
	require.Equal(t, []api.EventType{
		api.EventStart,
		api.EventPlanRequested, api.EventPlanGenerated,
		api.EventNodeStart, api.EventNodeComplete,
		api.EventNodeStart, api.EventNodeComplete,
		api.EventComplete,
	}, types)

	loaded, err := h.store.LoadRun(context.Background(), res.RunID)
	require.NoError(t, err)
	require.Equal(t, api.RunStatusCompleted, loaded.Run.Status)
	require.Equal(t, "completed", loaded.Run.Result["status"])
}

func TestRunRetriesRejectedDraft(t *testing.T) {
	h := newHarness(t, badDraft, aiDraft)
	h.executor.outputs["outline"] = []map[string]any{{"outline": "I. intro"}}
	h.executor.outputs["summarize"] = []map[string]any{{"summary": "done"}}

	var rejected int
	res, err := h.coordinator.Run(context.Background(), testEnvelope(), RunOptions{
		OnEvent: func(ev api.Event) error {
			if ev.Type == api.EventPlanRejected {
				rejected++
			}
			return nil
		},
	})
	require.NoError(t, err)
	require.Equal(t, api.RunStatusCompleted, res.Status)
	require.Equal(t, 1, rejected)
	require.Equal(t, 2, h.model.calls)
}

func TestRunFailsWhenPlannerExhausted(t *testing.T) {
	h := newHarness(t, badDraft)

	res, err := h.coordinator.Run(context.Background(), testEnvelope(), RunOptions{})
	require.NoError(t, err)
	require.Equal(t, api.RunStatusFailed, res.Status)
	require.Contains(t, res.Error, "planner attempts exhausted")
	require.Equal(t, DefaultPlannerMaxAttempts, h.model.calls)

	loaded, err := h.store.LoadRun(context.Background(), res.RunID)
	require.NoError(t, err)
	require.Equal(t, api.RunStatusFailed, loaded.Run.Status)
}

func TestRunRejectsInvalidEnvelope(t *testing.T) {
	h := newHarness(t, aiDraft)
	_, err := h.coordinator.Run(context.Background(), &api.TaskEnvelope{}, RunOptions{})
	require.Error(t, err)
}

func TestResumeUnknownRun(t *testing.T) {
	h := newHarness(t, aiDraft)
	_, err := h.coordinator.Run(context.Background(), resumeEnvelope("missing"), RunOptions{})
	require.ErrorIs(t, err, ErrRunNotFound)
}

func TestRunHumanSuspendAndResume(t *testing.T) {
	h := newHarness(t, humanDraft)
	h.executor.outputs["outline"] = []map[string]any{{"outline": "I. intro"}}

	res, err := h.coordinator.Run(context.Background(), testEnvelope(), RunOptions{})
	require.NoError(t, err)
	require.Equal(t, api.RunStatusAwaitingHuman, res.Status)
	require.NotNil(t, res.Assignment)
	require.Equal(t, "review", res.Assignment.NodeID)
	require.Equal(t, "editor", res.Assignment.Role)

	ctx := context.Background()
	tasks, err := h.store.ListPendingHumanTasks(ctx, store.HumanTaskFilter{RunID: res.RunID})
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	resumed, err := h.coordinator.Run(ctx, resumeEnvelope(res.RunID), RunOptions{
		ResumeSubmission: &api.ResumeSubmission{
			NodeID:      "review",
			Output:      map[string]any{"summary": "reviewed version"},
			SubmittedAt: time.Now(),
		},
	})
	require.NoError(t, err)
	require.Equal(t, api.RunStatusCompleted, resumed.Status)
	require.Equal(t, "reviewed version", resumed.Output["summary"])
}

func TestRunHumanDeclineFailsRun(t *testing.T) {
	h := newHarness(t, humanDraft)
	h.executor.outputs["outline"] = []map[string]any{{"outline": "I. intro"}}

	res, err := h.coordinator.Run(context.Background(), testEnvelope(), RunOptions{})
	require.NoError(t, err)
	require.Equal(t, api.RunStatusAwaitingHuman, res.Status)

	resumed, err := h.coordinator.Run(context.Background(), resumeEnvelope(res.RunID), RunOptions{
		ResumeSubmission: &api.ResumeSubmission{
			NodeID:      "review",
			Decline:     &api.Decline{Reason: "out of scope"},
			SubmittedAt: time.Now(),
		},
	})
	require.NoError(t, err)
	require.Equal(t, api.RunStatusFailed, resumed.Status)
	require.Contains(t, resumed.Error, "declined")

	tasks, err := h.store.ListPendingHumanTasks(context.Background(), store.HumanTaskFilter{RunID: res.RunID})
	require.NoError(t, err)
	require.Empty(t, tasks)
}

func TestRunHitlSuspendAndResume(t *testing.T) {
	h := newHarness(t, aiDraft)
	h.executor.raise["outline"] = h.hitl
	h.executor.outputs["outline"] = []map[string]any{{"outline": "I. intro"}}
	h.executor.outputs["summarize"] = []map[string]any{{"summary": "targeted version"}}

	res, err := h.coordinator.Run(context.Background(), testEnvelope(), RunOptions{})
	require.NoError(t, err)
	require.Equal(t, api.RunStatusAwaitingHitl, res.Status)
	require.NotEmpty(t, res.PendingRequestID)

	env := resumeEnvelope(res.RunID)
	env.Metadata = map[string]any{
		"hitl": map[string]any{
			"responses": []any{map[string]any{
				"requestId":    res.PendingRequestID,
				"responseType": "freeform",
				"freeformText": "executives",
			}},
		},
	}
	var resolved bool
	resumed, err := h.coordinator.Run(context.Background(), env, RunOptions{
		OnEvent: func(ev api.Event) error {
			if ev.Type == api.EventHitlResolved {
				resolved = true
			}
			return nil
		},
	})
	require.NoError(t, err)
	require.Equal(t, api.RunStatusCompleted, resumed.Status)
	require.Equal(t, "targeted version", resumed.Output["summary"])
	require.True(t, resolved)

	state, err := h.hitl.LoadRunState(context.Background(), res.RunID)
	require.NoError(t, err)
	require.Empty(t, state.PendingRequestID)
}

func TestResumeWithoutSubmissionReturnsPendingState(t *testing.T) {
	h := newHarness(t, humanDraft)
	h.executor.outputs["outline"] = []map[string]any{{"outline": "I. intro"}}

	res, err := h.coordinator.Run(context.Background(), testEnvelope(), RunOptions{})
	require.NoError(t, err)
	require.Equal(t, api.RunStatusAwaitingHuman, res.Status)

	again, err := h.coordinator.Run(context.Background(), resumeEnvelope(res.RunID), RunOptions{})
	require.NoError(t, err)
	require.Equal(t, api.RunStatusAwaitingHuman, again.Status)
}

func TestResumeTransitionsRunBackToRunning(t *testing.T) {
	draft := `{"nodes":[
	  {"stage":"outline","capabilityId":"cap.outline"},
	  {"stage":"review","capabilityId":"cap.review"},
	  {"stage":"summarize","capabilityId":"cap.summarize"}
	]}`
	h := newHarness(t, draft)
	h.executor.outputs["outline"] = []map[string]any{{"outline": "I. intro"}}
	h.executor.outputs["summarize"] = []map[string]any{{"summary": "final"}}

	ctx := context.Background()
	res, err := h.coordinator.Run(ctx, testEnvelope(), RunOptions{})
	require.NoError(t, err)
	require.Equal(t, api.RunStatusAwaitingHuman, res.Status)

	// The downstream AI node must observe the run back in running state.
	statusSeen := make(map[string]api.RunStatus)
	h.executor.onCall = func(nodeID string) {
		loaded, err := h.store.LoadRun(ctx, res.RunID)
		require.NoError(t, err)
		statusSeen[nodeID] = loaded.Run.Status
	}

	resumed, err := h.coordinator.Run(ctx, resumeEnvelope(res.RunID), RunOptions{
		ResumeSubmission: &api.ResumeSubmission{
			NodeID:      "review",
			Output:      map[string]any{"summary": "reviewed"},
			SubmittedAt: time.Now(),
		},
	})
	require.NoError(t, err)
	require.Equal(t, api.RunStatusCompleted, resumed.Status)
	require.Equal(t, api.RunStatusRunning, statusSeen["summarize"])
}

func TestResumeReplayAfterCompletionIsIdempotent(t *testing.T) {
	h := newHarness(t, humanDraft)
	h.executor.outputs["outline"] = []map[string]any{{"outline": "I. intro"}}

	ctx := context.Background()
	res, err := h.coordinator.Run(ctx, testEnvelope(), RunOptions{})
	require.NoError(t, err)
	require.Equal(t, api.RunStatusAwaitingHuman, res.Status)

	submission := &api.ResumeSubmission{
		NodeID:      "review",
		Output:      map[string]any{"summary": "reviewed version"},
		SubmittedAt: time.Now(),
	}
	resumed, err := h.coordinator.Run(ctx, resumeEnvelope(res.RunID), RunOptions{ResumeSubmission: submission})
	require.NoError(t, err)
	require.Equal(t, api.RunStatusCompleted, resumed.Status)

	plannerCalls := h.model.calls
	executorCalls := h.executor.calls["outline"]
	snap, err := h.store.LoadPlanSnapshot(ctx, res.RunID, 0)
	require.NoError(t, err)

	// Replaying the identical submission changes nothing: no new plan,
	// no node execution, no duplicate completion frames.
	var events []api.Event
	replayed, err := h.coordinator.Run(ctx, resumeEnvelope(res.RunID), RunOptions{
		ResumeSubmission: submission,
		OnEvent: func(ev api.Event) error {
			events = append(events, ev)
			return nil
		},
	})
	require.NoError(t, err)
	require.Equal(t, api.RunStatusCompleted, replayed.Status)
	require.Equal(t, "reviewed version", replayed.Output["summary"])

	require.Equal(t, plannerCalls, h.model.calls)
	require.Equal(t, executorCalls, h.executor.calls["outline"])

	after, err := h.store.LoadPlanSnapshot(ctx, res.RunID, 0)
	require.NoError(t, err)
	require.Equal(t, snap.PlanVersion, after.PlanVersion)

	for _, ev := range events {
		switch ev.Type {
		case api.EventNodeComplete, api.EventPlanRequested, api.EventPlanGenerated, api.EventPlanUpdated:
			t.Fatalf("unexpected %s event on replay", ev.Type)
		}
	}
}

func TestPlanVersionsIncreaseAcrossReplans(t *testing.T) {
	h := newHarness(t, aiDraft, aiDraft)
	h.executor.outputs["outline"] = []map[string]any{{"outline": "I. intro"}}
	// The first two summarize attempts fail validation, exhausting retries
	// and leaving the required summary facet unmet, which forces a replan.
	h.executor.outputs["summarize"] = []map[string]any{
		{"wrong": "shape"}, {"wrong": "shape"}, {"summary": "good"},
	}

	var versions []int
	res, err := h.coordinator.Run(context.Background(), testEnvelope(), RunOptions{
		OnEvent: func(ev api.Event) error {
			if ev.Type == api.EventPlanGenerated || ev.Type == api.EventPlanUpdated {
				if v, ok := ev.Payload["planVersion"].(int); ok {
					versions = append(versions, v)
				}
			}
			return nil
		},
	})
	require.NoError(t, err)
	require.Equal(t, api.RunStatusCompleted, res.Status)
	require.GreaterOrEqual(t, len(versions), 2)
	for i := 1; i < len(versions); i++ {
		require.Greater(t, versions[i], versions[i-1])
	}

	snap, err := h.store.LoadPlanSnapshot(context.Background(), res.RunID, 0)
	require.NoError(t, err)
	require.Equal(t, versions[len(versions)-1], snap.PlanVersion)
}
