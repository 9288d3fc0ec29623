package engine

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
	"github.com/awesomeposter/flex/facet"
	"github.com/awesomeposter/flex/hitl"
	"github.com/awesomeposter/flex/plan"
	"github.com/awesomeposter/flex/run"
	"github.com/awesomeposter/flex/store"
	"github.com/awesomeposter/flex/store/inmem"
)

type fakeExecutor struct {
	outputs map[string][]map[string]any
	errs    map[string][]error
	calls   map[string]int
	// raise makes the named node raise a HITL request on its first attempt.
	raise map[string]*hitl.Service
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{
		outputs: make(map[string][]map[string]any),
		errs:    make(map[string][]error),
		calls:   make(map[string]int),
		raise:   make(map[string]*hitl.Service),
	}
}

func (f *fakeExecutor) ExecuteNode(ctx context.Context, req NodeRequest) (map[string]any, error) {
	id := req.Node.ID
	attempt := f.calls[id]
	f.calls[id]++
	if svc, ok := f.raise[id]; ok && attempt == 0 {
		if _, err := svc.RaiseRequest(ctx, hitl.Payload{Question: "which tone?", Kind: hitl.KindClarify}, nil); err != nil {
			return nil, err
		}
		return nil, errors.New("suspended on operator input")
	}
	if errs := f.errs[id]; attempt < len(errs) && errs[attempt] != nil {
		return nil, errs[attempt]
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

func objectSchema(facetName string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(
		`{"type":"object","properties":{%q:{"type":"string"}},"required":[%q],"additionalProperties":false}`,
		facetName, facetName))
}

func testCatalog(t *testing.T) *facet.Catalog {
	t.Helper()
	str := json.RawMessage(`{"type":"string"}`)
	catalog, err := facet.NewCatalog([]facet.Facet{
		{Name: "sourceText", Version: "1", Direction: facet.DirectionInput, Schema: str, Summary: "raw source text"},
		{Name: "outline", Version: "1", Direction: facet.DirectionOutput, Schema: str, Summary: "structured outline"},
		{Name: "summary", Version: "1", Direction: facet.DirectionOutput, Schema: str, Summary: "final summary"},
	})
	require.NoError(t, err)
	return catalog
}

func testRegistry(t *testing.T) *capability.Registry {
	t.Helper()
	reg, err := capability.NewRegistry(capability.RegistryOptions{
		Catalog: testCatalog(t),
		Store:   memory.New(),
	})
	require.NoError(t, err)
	ctx := context.Background()
	_, err = reg.Register(ctx, capability.RegisterPayload{
		CapabilityID: "cap.outline",
		Version:      "1",
		AgentType:    capability.AgentTypeAI,
		Kind:         capability.KindExecution,
		DisplayName:  "Outliner",
		InputFacets:  []string{"sourceText"},
		OutputFacets: []string{"outline"},
	})
	require.NoError(t, err)
	_, err = reg.Register(ctx, capability.RegisterPayload{
		CapabilityID: "cap.summarize",
		Version:      "1",
		AgentType:    capability.AgentTypeAI,
		Kind:         capability.KindExecution,
		DisplayName:  "Summarizer",
		InputFacets:  []string{"outline"},
		OutputFacets: []string{"summary"},
	})
	require.NoError(t, err)
	_, err = reg.Register(ctx, capability.RegisterPayload{
		CapabilityID: "cap.review",
		Version:      "1",
		AgentType:    capability.AgentTypeHuman,
		Kind:         capability.KindValidation,
		DisplayName:  "Reviewer",
		InputFacets:  []string{"outline"},
		OutputFacets: []string{"summary"},
		AssignmentDefaults: &capability.AssignmentDefaults{
			Role:             "editor",
			OnDecline:        capability.OnDeclineFailRun,
			TimeoutSeconds:   60,
			MaxNotifications: 2,
		},
	})
	require.NoError(t, err)
	return reg
}

func aiNode(id, capID, inFacet, outFacet string) *plan.Node {
	n := &plan.Node{
		ID:           id,
		Kind:         string(capability.KindExecution),
		CapabilityID: capID,
		Label:        id,
		Status:       plan.NodePending,
		Facets: plan.FacetBundle{
			Input:  []string{inFacet},
			Output: []string{outFacet},
		},
		Contracts: plan.Contracts{Output: objectSchema(outFacet)},
	}
	return n
}

func twoNodePlan(runID string) *plan.Plan {
	return &plan.Plan{
		RunID:   runID,
		Version: 1,
		Nodes: []*plan.Node{
			aiNode("n1", "cap.outline", "sourceText", "outline"),
			aiNode("n2", "cap.summarize", "outline", "summary"),
		},
		Edges: []plan.Edge{{From: "n1", To: "n2"}},
	}
}

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

func seedRun(t *testing.T, st store.Store, runID string, p *plan.Plan) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.CreateOrUpdateRun(ctx, &run.Row{
		RunID:     runID,
		Status:    api.RunStatusRunning,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}))
	snap := plan.NewSnapshot(p, nil, nil, plan.SchemaHash(p.Nodes), time.Now())
	require.NoError(t, st.SavePlanSnapshot(ctx, &snap))
}

func newTestEngine(t *testing.T, st store.Store, exec NodeExecutor) *Engine {
	t.Helper()
	e, err := New(Options{
		Store:    st,
		Registry: testRegistry(t),
		Executor: exec,
	})
	require.NoError(t, err)
	return e
}

func newHitlService(t *testing.T, st store.Store) *hitl.Service {
	t.Helper()
	svc, err := hitl.NewService(hitl.Options{Store: st})
	require.NoError(t, err)
	return svc
}

func collectEvents(events *[]api.Event) api.EventHandler {
	return func(ev api.Event) error {
		*events = append(*events, ev)
		return nil
	}
}

func TestExecuteCompletesPlanInOrder(t *testing.T) {
	st := inmem.New()
	p := twoNodePlan("run-1")
	seedRun(t, st, "run-1", p)

	exec := newFakeExecutor()
	exec.outputs["n1"] = []map[string]any{{"outline": "I. intro"}}
	exec.outputs["n2"] = []map[string]any{{"summary": "short version"}}
	e := newTestEngine(t, st, exec)

	env := testEnvelope()
	var events []api.Event
	out := e.Execute(context.Background(), Request{
		RunID:      "run-1",
		Envelope:   env,
		Plan:       p,
		RunContext: run.NewContext(env),
		OnEvent:    collectEvents(&events),
	})

	require.Equal(t, OutcomeCompleted, out.Kind)
	require.Equal(t, map[string]any{"summary": "short version"}, out.Output)
	require.Equal(t, "n2", out.Provenance["summary"])

	var types []api.EventType
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	require.Equal(t, []api.EventType{
		api.EventNodeStart, api.EventNodeComplete,
		api.EventNodeStart, api.EventNodeComplete,
	}, types)

	loaded, err := st.LoadRun(context.Background(), "run-1")
	require.NoError(t, err)
	for _, n := range loaded.Nodes {
		require.Equal(t, plan.NodeCompleted, n.Status)
		require.NotNil(t, n.CompletedAt)
	}
}

func TestExecuteRetriesTransientFailure(t *testing.T) {
	st := inmem.New()
	p := twoNodePlan("run-2")
	seedRun(t, st, "run-2", p)

	exec := newFakeExecutor()
	exec.errs["n1"] = []error{context.DeadlineExceeded}
	exec.outputs["n1"] = []map[string]any{{"outline": "late"}, {"outline": "I. intro"}}
	exec.outputs["n2"] = []map[string]any{{"summary": "done"}}
	e := newTestEngine(t, st, exec)

	env := testEnvelope()
	var events []api.Event
	out := e.Execute(context.Background(), Request{
		RunID:      "run-2",
		Envelope:   env,
		Plan:       p,
		RunContext: run.NewContext(env),
		OnEvent:    collectEvents(&events),
	})

	require.Equal(t, OutcomeCompleted, out.Kind)
	require.Equal(t, 2, exec.calls["n1"])

	warned := false
	for _, ev := range events {
		if ev.Type == api.EventWarning && ev.NodeID == "n1" {
			warned = true
		}
	}
	require.True(t, warned)
}

func TestExecuteNodeFailureTriggersReplan(t *testing.T) {
	st := inmem.New()
	p := twoNodePlan("run-3")
	seedRun(t, st, "run-3", p)

	exec := newFakeExecutor()
	boom := errors.New("model unavailable")
	exec.errs["n1"] = []error{boom, boom}
	exec.outputs["n2"] = []map[string]any{{"summary": "unreached"}}
	e := newTestEngine(t, st, exec)

	env := testEnvelope()
	out := e.Execute(context.Background(), Request{
		RunID:      "run-3",
		Envelope:   env,
		Plan:       p,
		RunContext: run.NewContext(env),
	})

	// n1 exhausts retries and errors; n2 never becomes runnable, so the
	// required summary facet is unproduced and a replan is requested.
	require.Equal(t, OutcomeReplan, out.Kind)
	require.Contains(t, out.ReplanReason, "summary")
	require.Equal(t, plan.NodeError, p.Node("n1").Status)
	require.Equal(t, "ExecutorError", p.Node("n1").Error.Name)
}

func TestExecuteTimeoutWarningsPerAttempt(t *testing.T) {
	st := inmem.New()
	p := twoNodePlan("run-3b")
	seedRun(t, st, "run-3b", p)

	exec := newFakeExecutor()
	exec.errs["n1"] = []error{context.DeadlineExceeded, context.DeadlineExceeded}
	e := newTestEngine(t, st, exec)

	env := testEnvelope()
	var events []api.Event
	out := e.Execute(context.Background(), Request{
		RunID:      "run-3b",
		Envelope:   env,
		Plan:       p,
		RunContext: run.NewContext(env),
		OnEvent:    collectEvents(&events),
	})

	require.Equal(t, OutcomeReplan, out.Kind)
	require.Equal(t, "NodeTimeout", p.Node("n1").Error.Name)

	// One warning per timed-out attempt plus the best-effort continuation.
	var warnings []string
	for _, ev := range events {
		if ev.Type == api.EventWarning {
			warnings = append(warnings, ev.Payload["message"].(string))
		}
	}
	require.Len(t, warnings, 3)
	require.Contains(t, warnings[0], "retrying")
	require.Contains(t, warnings[1], "attempt 2 failed")
	require.Contains(t, warnings[2], "best-effort")
}

func TestExecuteInvalidOutputExhaustsRetries(t *testing.T) {
	st := inmem.New()
	p := twoNodePlan("run-4")
	seedRun(t, st, "run-4", p)

	exec := newFakeExecutor()
	exec.outputs["n1"] = []map[string]any{{"wrong": "shape"}}
	e := newTestEngine(t, st, exec)

	env := testEnvelope()
	var events []api.Event
	out := e.Execute(context.Background(), Request{
		RunID:      "run-4",
		Envelope:   env,
		Plan:       p,
		RunContext: run.NewContext(env),
		OnEvent:    collectEvents(&events),
	})

	require.Equal(t, OutcomeReplan, out.Kind)
	require.Equal(t, plan.NodeError, p.Node("n1").Status)
	require.Equal(t, "FlexValidationError", p.Node("n1").Error.Name)

	validationEvents := 0
	for _, ev := range events {
		if ev.Type == api.EventValidationError {
			validationEvents++
		}
	}
	require.Equal(t, 2, validationEvents)
}

func TestExecuteHumanSuspension(t *testing.T) {
	st := inmem.New()
	p := twoNodePlan("run-5")
	p.Nodes[1] = aiNode("n2", "cap.review", "outline", "summary")
	seedRun(t, st, "run-5", p)

	exec := newFakeExecutor()
	exec.outputs["n1"] = []map[string]any{{"outline": "I. intro"}}
	e := newTestEngine(t, st, exec)

	env := testEnvelope()
	var events []api.Event
	out := e.Execute(context.Background(), Request{
		RunID:      "run-5",
		Envelope:   env,
		Plan:       p,
		RunContext: run.NewContext(env),
		OnEvent:    collectEvents(&events),
	})

	require.Equal(t, OutcomeAwaitingHuman, out.Kind)
	require.NotNil(t, out.Assignment)
	require.Equal(t, "n2", out.Assignment.NodeID)
	require.Equal(t, "editor", out.Assignment.Role)
	require.Equal(t, plan.NodeAwaitingHuman, p.Node("n2").Status)

	ctx := context.Background()
	loaded, err := st.LoadRun(ctx, "run-5")
	require.NoError(t, err)
	require.Equal(t, api.RunStatusAwaitingHuman, loaded.Run.Status)

	tasks, err := st.ListPendingHumanTasks(ctx, store.HumanTaskFilter{RunID: "run-5"})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, "cap.review", tasks[0].CapabilityID)

	snap, err := st.LoadPlanSnapshot(ctx, "run-5", 0)
	require.NoError(t, err)
	require.NotNil(t, snap.PendingState)
	require.Equal(t, plan.PendingModeHuman, snap.PendingState.Mode)
	require.Equal(t, []string{"n1"}, snap.PendingState.CompletedNodeIDs)
}

func TestResumeHumanSubmission(t *testing.T) {
	st := inmem.New()
	p := twoNodePlan("run-6")
	p.Nodes[1] = aiNode("n2", "cap.review", "outline", "summary")
	seedRun(t, st, "run-6", p)

	exec := newFakeExecutor()
	exec.outputs["n1"] = []map[string]any{{"outline": "I. intro"}}
	e := newTestEngine(t, st, exec)

	var events []api.Event
	env := testEnvelope()
	rc := run.NewContext(env)
	req := Request{RunID: "run-6", Envelope: env, Plan: p, RunContext: rc, OnEvent: collectEvents(&events)}
	out := e.Execute(context.Background(), req)
	require.Equal(t, OutcomeAwaitingHuman, out.Kind)

	// An invalid submission keeps the node awaiting resubmission and
	// surfaces the rejection as both validation_error and node_error.
	resume := e.ResumeHuman(context.Background(), req, &api.ResumeSubmission{
		NodeID: "n2",
		Output: map[string]any{"summary": 42},
	})
	require.NotNil(t, resume)
	require.Equal(t, OutcomeAwaitingHuman, resume.Kind)
	require.Equal(t, plan.NodeAwaitingHuman, p.Node("n2").Status)
	require.Equal(t, "FlexValidationError", p.Node("n2").Error.Name)

	var sawValidation, sawNodeError bool
	for _, ev := range events {
		switch {
		case ev.Type == api.EventValidationError && ev.NodeID == "n2":
			sawValidation = true
		case ev.Type == api.EventNodeError && ev.NodeID == "n2":
			sawNodeError = true
			require.Equal(t, "FlexValidationError", ev.Payload["name"])
		}
	}
	require.True(t, sawValidation)
	require.True(t, sawNodeError)

	stillPending, err := st.ListPendingHumanTasks(context.Background(), store.HumanTaskFilter{RunID: "run-6"})
	require.NoError(t, err)
	require.Len(t, stillPending, 1)

	// A valid submission completes the node and the run finishes.
	resume = e.ResumeHuman(context.Background(), req, &api.ResumeSubmission{
		NodeID: "n2",
		Output: map[string]any{"summary": "reviewed version"},
	})
	require.Nil(t, resume)
	require.Equal(t, plan.NodeCompleted, p.Node("n2").Status)

	out = e.Execute(context.Background(), req)
	require.Equal(t, OutcomeCompleted, out.Kind)
	require.Equal(t, "reviewed version", out.Output["summary"])

	tasks, err := st.ListPendingHumanTasks(context.Background(), store.HumanTaskFilter{RunID: "run-6"})
	require.NoError(t, err)
	require.Empty(t, tasks)
}

func TestResumeHumanDeclineFailsRun(t *testing.T) {
	st := inmem.New()
	p := twoNodePlan("run-7")
	p.Nodes[1] = aiNode("n2", "cap.review", "outline", "summary")
	seedRun(t, st, "run-7", p)

	exec := newFakeExecutor()
	exec.outputs["n1"] = []map[string]any{{"outline": "I. intro"}}
	e := newTestEngine(t, st, exec)

	var events []api.Event
	env := testEnvelope()
	req := Request{RunID: "run-7", Envelope: env, Plan: p, RunContext: run.NewContext(env), OnEvent: collectEvents(&events)}
	out := e.Execute(context.Background(), req)
	require.Equal(t, OutcomeAwaitingHuman, out.Kind)

	resume := e.ResumeHuman(context.Background(), req, &api.ResumeSubmission{
		NodeID:  "n2",
		Decline: &api.Decline{Reason: "out of scope"},
	})
	require.NotNil(t, resume)
	require.Equal(t, OutcomeFailed, resume.Kind)

	// A declined node settles as completed with the decline recorded, not
	// as a node error.
	require.Equal(t, plan.NodeCompleted, p.Node("n2").Status)
	require.Equal(t, "declined", p.Node("n2").Context["outcome"])

	var declined *api.Event
	for i := range events {
		if events[i].Type == api.EventNodeComplete && events[i].NodeID == "n2" {
			declined = &events[i]
		}
		require.NotEqual(t, api.EventNodeError, events[i].Type)
	}
	require.NotNil(t, declined)
	require.Equal(t, "declined", declined.Payload["outcome"])
	require.Equal(t, &api.Decline{Reason: "out of scope"}, declined.Payload["decline"])
}

func TestExecuteHitlSuspension(t *testing.T) {
	st := inmem.New()
	p := twoNodePlan("run-8")
	seedRun(t, st, "run-8", p)

	hitlSvc := newHitlService(t, st)
	exec := newFakeExecutor()
	exec.raise["n1"] = hitlSvc
	exec.outputs["n1"] = []map[string]any{{"outline": "I. intro"}}
	e := newTestEngine(t, st, exec)

	env := testEnvelope()
	var events []api.Event
	out := e.Execute(context.Background(), Request{
		RunID:      "run-8",
		Envelope:   env,
		Plan:       p,
		RunContext: run.NewContext(env),
		OnEvent:    collectEvents(&events),
	})

	require.Equal(t, OutcomeAwaitingHitl, out.Kind)
	require.NotEmpty(t, out.PendingRequestID)
	require.Equal(t, "which tone?", out.Question)
	require.Equal(t, plan.NodeAwaitingHitl, p.Node("n1").Status)

	ctx := context.Background()
	loaded, err := st.LoadRun(ctx, "run-8")
	require.NoError(t, err)
	require.Equal(t, api.RunStatusAwaitingHitl, loaded.Run.Status)

	reqs, err := st.ListHitlRequests(ctx, "run-8")
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	require.Equal(t, out.PendingRequestID, reqs[0].ID)
}

func TestRoutingSkipsUntakenBranch(t *testing.T) {
	st := inmem.New()
	longNode := aiNode("long", "cap.summarize", "outline", "summary")
	shortNode := aiNode("short", "cap.summarize", "outline", "summary")
	p := &plan.Plan{
		RunID:   "run-9",
		Version: 1,
		Nodes: []*plan.Node{
			aiNode("n1", "cap.outline", "sourceText", "outline"),
			{
				ID:     "router",
				Kind:   string(capability.KindRouting),
				Label:  "router",
				Status: plan.NodePending,
				Routing: &plan.Routing{
					When:   json.RawMessage(`{"==":[{"var":"outline"},"I. intro"]}`),
					To:     "long",
					ElseTo: "short",
				},
			},
			longNode,
			shortNode,
		},
		Edges: []plan.Edge{
			{From: "n1", To: "router"},
			{From: "router", To: "long"},
			{From: "router", To: "short"},
		},
	}
	seedRun(t, st, "run-9", p)

	exec := newFakeExecutor()
	exec.outputs["n1"] = []map[string]any{{"outline": "I. intro"}}
	exec.outputs["long"] = []map[string]any{{"summary": "the long treatment"}}
	exec.outputs["short"] = []map[string]any{{"summary": "tl;dr"}}
	e := newTestEngine(t, st, exec)

	env := testEnvelope()
	out := e.Execute(context.Background(), Request{
		RunID:      "run-9",
		Envelope:   env,
		Plan:       p,
		RunContext: run.NewContext(env),
	})

	require.Equal(t, OutcomeCompleted, out.Kind)
	require.Equal(t, "the long treatment", out.Output["summary"])
	require.Equal(t, plan.NodeSkipped, p.Node("short").Status)
	require.Equal(t, plan.NodeCompleted, p.Node("long").Status)
	require.Zero(t, exec.calls["short"])
}

func TestExecuteCancellation(t *testing.T) {
	st := inmem.New()
	p := twoNodePlan("run-10")
	seedRun(t, st, "run-10", p)

	exec := newFakeExecutor()
	e := newTestEngine(t, st, exec)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	env := testEnvelope()
	out := e.Execute(ctx, Request{
		RunID:      "run-10",
		Envelope:   env,
		Plan:       p,
		RunContext: run.NewContext(env),
	})

	require.Equal(t, OutcomeCancelled, out.Kind)
	require.Zero(t, exec.calls["n1"])

	loaded, err := st.LoadRun(context.Background(), "run-10")
	require.NoError(t, err)
	require.Equal(t, api.RunStatusCancelled, loaded.Run.Status)
}

func TestPostConditionRetryThenReplan(t *testing.T) {
	st := inmem.New()
	p := twoNodePlan("run-11")
	seedRun(t, st, "run-11", p)

	exec := newFakeExecutor()
	exec.outputs["n1"] = []map[string]any{{"outline": "draft"}, {"outline": "draft"}}
	exec.outputs["n2"] = []map[string]any{{"summary": "ok"}}
	e := newTestEngine(t, st, exec)

	env := testEnvelope()
	env.Policies.Runtime = []api.PolicyRule{{
		ID:        "outline-approved",
		Condition: json.RawMessage(`{"==":[{"var":"outline"},"approved"]}`),
		Required:  true,
	}}

	var events []api.Event
	attempts := map[string]int{}
	out := e.Execute(context.Background(), Request{
		RunID:          "run-11",
		Envelope:       env,
		Plan:           p,
		RunContext:     run.NewContext(env),
		OnEvent:        collectEvents(&events),
		PolicyAttempts: attempts,
	})

	// One policy retry is allowed; the second failure completes the node and
	// requests a replan because the rule is required.
	require.Equal(t, OutcomeReplan, out.Kind)
	require.Contains(t, out.ReplanReason, "outline-approved")
	require.Equal(t, 2, exec.calls["n1"])
	require.Equal(t, 1, attempts["n1"])

	triggered := 0
	for _, ev := range events {
		if ev.Type == api.EventPolicyTriggered {
			triggered++
		}
	}
	require.Equal(t, 2, triggered)
}
