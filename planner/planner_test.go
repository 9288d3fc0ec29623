package planner

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/awesomeposter/flex/api"
	"github.com/awesomeposter/flex/capability"
	"github.com/awesomeposter/flex/capability/memory"
	"github.com/awesomeposter/flex/facet"
	"github.com/awesomeposter/flex/model"
	"github.com/awesomeposter/flex/plan"
)

type scriptedModel struct {
	responses []string
	calls     int
	err       error
	delay     time.Duration
}

func (m *scriptedModel) Complete(ctx context.Context, _ model.Request) (model.Response, error) {
	if m.delay > 0 {
		select {
		case <-ctx.Done():
			return model.Response{}, ctx.Err()
		case <-time.After(m.delay):
		}
	}
	if m.err != nil {
		return model.Response{}, m.err
	}
	idx := m.calls
	if idx >= len(m.responses) {
		idx = len(m.responses) - 1
	}
	m.calls++
	return model.Response{Text: m.responses[idx]}, nil
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

func testRegistry(t *testing.T, catalog *facet.Catalog) *capability.Registry {
	t.Helper()
	reg, err := capability.NewRegistry(capability.RegistryOptions{
		Catalog: catalog,
		Store:   memory.New(),
	})
	require.NoError(t, err)
	ctx := context.Background()
	_, err = reg.Register(ctx, capability.RegisterPayload{
		CapabilityID: "cap.outline",
		Version:      "1",
		AgentType:    capability.AgentTypeAI,
		Kind:         capability.KindStructuring,
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
	return reg
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

const goodDraft = `{
  "nodes": [
    {"stage": "outline", "capabilityId": "cap.outline", "rationale": "structure first"},
    {"stage": "summarize", "capabilityId": "cap.summarize"}
  ]
}`

func newTestService(t *testing.T, rt model.Runtime) *Service {
	t.Helper()
	catalog := testCatalog(t)
	svc, err := NewService(Options{
		Model:    rt,
		Catalog:  catalog,
		Registry: testRegistry(t, catalog),
	})
	require.NoError(t, err)
	return svc
}

func TestGeneratePlanMaterializesDraft(t *testing.T) {
	svc := newTestService(t, &scriptedModel{responses: []string{goodDraft}})

	p, caps, result, err := svc.GeneratePlan(context.Background(), Input{
		RunID:    "run-1",
		Envelope: testEnvelope(),
	})
	require.NoError(t, err)
	require.True(t, result.OK)
	require.NotEmpty(t, caps.Active)

	require.Equal(t, 1, p.Version)
	require.Len(t, p.Nodes, 2)

	outline := p.Node("outline")
	require.NotNil(t, outline)
	require.Equal(t, []string{"sourceText"}, outline.Facets.Input)
	require.Equal(t, []string{"outline"}, outline.Facets.Output)
	require.Equal(t, "structuring", outline.Kind)
	require.NotEmpty(t, outline.Contracts.Output)

	// Edge derived from outline facet flow.
	require.Equal(t, []plan.Edge{{From: "outline", To: "summarize"}}, p.Edges)
}

func TestGeneratePlanRejectsUnknownCapability(t *testing.T) {
	draft := `{"nodes":[{"stage":"s1","capabilityId":"cap.nope","outputFacets":["summary"]}]}`
	svc := newTestService(t, &scriptedModel{responses: []string{draft}})

	_, _, result, err := svc.GeneratePlan(context.Background(), Input{RunID: "run-1", Envelope: testEnvelope()})
	require.Error(t, err)
	require.False(t, result.OK)
	require.Equal(t, CodeCapabilityNotRegistered, result.Diagnostics[0].Code)
}

func TestGeneratePlanRejectsUncoveredOutput(t *testing.T) {
	draft := `{"nodes":[{"stage":"outline","capabilityId":"cap.outline"}]}`
	svc := newTestService(t, &scriptedModel{responses: []string{draft}})

	_, _, result, err := svc.GeneratePlan(context.Background(), Input{RunID: "run-1", Envelope: testEnvelope()})
	require.Error(t, err)
	requireDiagnostic(t, result, CodeOutputFacetUncovered)
}

func TestGeneratePlanRejectsLegacyFallbackKind(t *testing.T) {
	draft := `{"nodes":[
	  {"stage":"outline","capabilityId":"cap.outline"},
	  {"stage":"route","capabilityId":"cap.summarize","kind":"fallback"}
	]}`
	svc := newTestService(t, &scriptedModel{responses: []string{draft}})

	_, _, result, err := svc.GeneratePlan(context.Background(), Input{RunID: "run-1", Envelope: testEnvelope()})
	require.Error(t, err)
	requireDiagnostic(t, result, CodeLegacyFallbackKind)
}

func TestValidateCoversOmittedOutputFacets(t *testing.T) {
	catalog := testCatalog(t)
	caps, err := testRegistry(t, catalog).GetSnapshot(context.Background())
	require.NoError(t, err)

	// Nodes name no facets; coverage comes from the capability contracts.
	draft, err := plan.ParseDraft([]byte(goodDraft))
	require.NoError(t, err)

	result := NewValidator(catalog).Validate(draft, caps, testEnvelope())
	require.True(t, result.OK, "diagnostics: %v", result.Diagnostics)
}

func TestGeneratePlanParseAndSchemaFailures(t *testing.T) {
	svc := newTestService(t, &scriptedModel{responses: []string{"not json at all"}})
	_, _, _, err := svc.GeneratePlan(context.Background(), Input{RunID: "r", Envelope: testEnvelope()})
	require.ErrorIs(t, err, ErrParseFailed)

	svc = newTestService(t, &scriptedModel{responses: []string{`{"nodes":[]}`}})
	_, _, _, err = svc.GeneratePlan(context.Background(), Input{RunID: "r", Envelope: testEnvelope()})
	require.ErrorIs(t, err, ErrSchemaInvalid)
}

func TestGeneratePlanTimeout(t *testing.T) {
	rt := &scriptedModel{responses: []string{goodDraft}, delay: 50 * time.Millisecond}
	catalog := testCatalog(t)
	svc, err := NewService(Options{
		Model:    rt,
		Catalog:  catalog,
		Registry: testRegistry(t, catalog),
		Timeout:  10 * time.Millisecond,
	})
	require.NoError(t, err)

	_, _, _, err = svc.GeneratePlan(context.Background(), Input{RunID: "r", Envelope: testEnvelope()})
	require.ErrorIs(t, err, ErrTimeout)
}

func TestGeneratePlanModelError(t *testing.T) {
	svc := newTestService(t, &scriptedModel{err: errors.New("provider down")})
	_, _, _, err := svc.GeneratePlan(context.Background(), Input{RunID: "r", Envelope: testEnvelope()})
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrTimeout)
}

func TestMaterializePreservesCompletedNodes(t *testing.T) {
	svc := newTestService(t, &scriptedModel{responses: []string{goodDraft}})
	reg := testRegistry(t, testCatalog(t))
	caps, err := reg.GetSnapshot(context.Background())
	require.NoError(t, err)

	done := time.Now()
	snap := &plan.Snapshot{
		RunID:       "run-1",
		PlanVersion: 2,
		Nodes: []*plan.Node{
			{
				ID:           "outline",
				CapabilityID: "cap.outline",
				Status:       plan.NodeCompleted,
				Output:       map[string]any{"outline": "done"},
				CompletedAt:  &done,
				Facets:       plan.FacetBundle{Input: []string{"sourceText"}, Output: []string{"outline"}},
			},
		},
	}
	draft, err := plan.ParseDraft([]byte(goodDraft))
	require.NoError(t, err)

	p, err := svc.Materialize("run-1", draft, caps, snap)
	require.NoError(t, err)
	require.Equal(t, 3, p.Version)

	outline := p.Node("outline")
	require.Equal(t, plan.NodeCompleted, outline.Status)
	require.Equal(t, "done", outline.Output["outline"])
}

func TestMaterializeRejectsDroppedCompletedNode(t *testing.T) {
	svc := newTestService(t, &scriptedModel{responses: []string{goodDraft}})
	reg := testRegistry(t, testCatalog(t))
	caps, err := reg.GetSnapshot(context.Background())
	require.NoError(t, err)

	snap := &plan.Snapshot{
		RunID:       "run-1",
		PlanVersion: 1,
		Nodes: []*plan.Node{
			{ID: "vanished", Status: plan.NodeCompleted},
		},
	}
	draft, err := plan.ParseDraft([]byte(goodDraft))
	require.NoError(t, err)

	_, err = svc.Materialize("run-1", draft, caps, snap)
	require.Error(t, err)
}

func TestBuildPromptIsDeterministic(t *testing.T) {
	catalog := testCatalog(t)
	reg := testRegistry(t, catalog)
	crcs, err := reg.ComputeCrcsSnapshot(context.Background(), testEnvelope(), capability.CrcsHints{})
	require.NoError(t, err)

	in := PromptInput{Envelope: testEnvelope(), Crcs: crcs, Catalog: catalog}
	first := BuildPrompt(in)
	second := BuildPrompt(in)
	require.Equal(t, first, second)
	require.Contains(t, first.System, "| cap.outline |")
	require.Contains(t, first.System, "| summary |")
	require.Contains(t, first.User, "Objective: summarize the document")
	require.Positive(t, first.FacetRows)
	require.Equal(t, 2, first.CapabilityRows)
}

func TestBuildPromptTruncatesLongInputs(t *testing.T) {
	catalog := testCatalog(t)
	reg := testRegistry(t, catalog)
	env := testEnvelope()
	long := make([]byte, 2000)
	for i := range long {
		long[i] = 'x'
	}
	env.Inputs["sourceText"] = string(long)
	crcs, err := reg.ComputeCrcsSnapshot(context.Background(), env, capability.CrcsHints{})
	require.NoError(t, err)

	prompt := BuildPrompt(PromptInput{Envelope: env, Crcs: crcs, Catalog: catalog})
	require.Contains(t, prompt.User, "...")
	require.NotContains(t, prompt.User, string(long))
}

func requireDiagnostic(t *testing.T, result ValidationResult, code string) {
	t.Helper()
	for _, d := range result.Diagnostics {
		if d.Code == code {
			return
		}
	}
	t.Fatalf("diagnostic %s not found in %v", code, result.Diagnostics)
}
