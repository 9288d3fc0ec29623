package capability_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/awesomeposter/flex/api"
	"github.com/awesomeposter/flex/capability"
	"github.com/awesomeposter/flex/capability/memory"
	"github.com/awesomeposter/flex/facet"
)

func registryCatalog(t *testing.T) *facet.Catalog {
	t.Helper()
	str := json.RawMessage(`{"type":"string"}`)
	catalog, err := facet.NewCatalog([]facet.Facet{
		{Name: "sourceText", Version: "1", Direction: facet.DirectionInput, Schema: str, Summary: "raw source text"},
		{Name: "outline", Version: "1", Direction: facet.DirectionOutput, Schema: str, Summary: "structured outline"},
		{Name: "summary", Version: "1", Direction: facet.DirectionOutput, Schema: str, Summary: "final summary"},
		{Name: "headline", Version: "1", Direction: facet.DirectionOutput, Schema: str, Summary: "one-line headline"},
	})
	require.NoError(t, err)
	return catalog
}

func newRegistry(t *testing.T, now *time.Time) *capability.Registry {
	t.Helper()
	reg, err := capability.NewRegistry(capability.RegistryOptions{
		Catalog: registryCatalog(t),
		Store:   memory.New(),
		Now: func() time.Time {
			if now != nil {
				return *now
			}
			return time.Unix(1700000000, 0)
		},
	})
	require.NoError(t, err)
	return reg
}

func aiPayload(id string, in, out []string) capability.RegisterPayload {
	return capability.RegisterPayload{
		CapabilityID: id,
		Version:      "1.0.0",
		AgentType:    capability.AgentTypeAI,
		Kind:         capability.KindExecution,
		DisplayName:  id,
		InputFacets:  in,
		OutputFacets: out,
	}
}

func TestRegisterCompilesContracts(t *testing.T) {
	reg := newRegistry(t, nil)
	rec, err := reg.Register(context.Background(), aiPayload("cap.outline", []string{"sourceText"}, []string{"outline"}))
	require.NoError(t, err)
	require.Equal(t, capability.StatusActive, rec.Status)
	require.NotEmpty(t, rec.InputSchema)
	require.NotEmpty(t, rec.OutputSchema)
	require.Equal(t, rec.RegisteredAt, rec.LastSeenAt)

	got, found, err := reg.GetByID(context.Background(), "cap.outline")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, rec.CapabilityID, got.CapabilityID)
}

func TestRegisterRejectsInvalidPayloads(t *testing.T) {
	reg := newRegistry(t, nil)
	ctx := context.Background()

	_, err := reg.Register(ctx, capability.RegisterPayload{})
	require.Error(t, err)

	p := aiPayload("cap.bad", nil, []string{"outline"})
	p.Kind = "fallback"
	_, err = reg.Register(ctx, p)
	require.ErrorIs(t, err, capability.ErrLegacyFallbackKind)

	p = aiPayload("cap.bad", nil, nil)
	_, err = reg.Register(ctx, p)
	require.ErrorIs(t, err, capability.ErrMissingOutputContract)

	p = aiPayload("cap.bad", nil, []string{"unknownFacet"})
	_, err = reg.Register(ctx, p)
	require.Error(t, err)

	human := aiPayload("cap.review", nil, []string{"summary"})
	human.AgentType = capability.AgentTypeHuman
	_, err = reg.Register(ctx, human)
	require.ErrorIs(t, err, capability.ErrMissingAssignmentDefaults)

	human.AssignmentDefaults = &capability.AssignmentDefaults{Role: "editor", OnDecline: "escalate"}
	_, err = reg.Register(ctx, human)
	require.Error(t, err)

	// Nothing invalid was persisted.
	_, found, err := reg.GetByID(ctx, "cap.bad")
	require.NoError(t, err)
	require.False(t, found)
}

func TestReRegisterKeepsFirstRegistrationTime(t *testing.T) {
	now := time.Unix(1700000000, 0)
	reg := newRegistry(t, &now)
	ctx := context.Background()

	first, err := reg.Register(ctx, aiPayload("cap.outline", []string{"sourceText"}, []string{"outline"}))
	require.NoError(t, err)

	now = now.Add(time.Hour)
	second, err := reg.Register(ctx, aiPayload("cap.outline", []string{"sourceText"}, []string{"outline"}))
	require.NoError(t, err)
	require.Equal(t, first.RegisteredAt, second.RegisteredAt)
	require.True(t, second.LastSeenAt.After(first.LastSeenAt))
}

func TestMarkStaleDeactivatesLapsedHeartbeats(t *testing.T) {
	now := time.Unix(1700000000, 0)
	reg := newRegistry(t, &now)
	ctx := context.Background()

	fresh := aiPayload("cap.fresh", nil, []string{"outline"})
	fresh.HeartbeatSeconds = 30
	_, err := reg.Register(ctx, fresh)
	require.NoError(t, err)

	stale := aiPayload("cap.stale", nil, []string{"summary"})
	stale.HeartbeatSeconds = 30
	_, err = reg.Register(ctx, stale)
	require.NoError(t, err)

	// No heartbeat field means no sweep.
	exempt := aiPayload("cap.exempt", nil, []string{"headline"})
	_, err = reg.Register(ctx, exempt)
	require.NoError(t, err)

	// Refresh cap.fresh two minutes later, then sweep with the default
	// grace factor (3x the 30s interval).
	now = now.Add(2 * time.Minute)
	_, err = reg.Register(ctx, fresh)
	require.NoError(t, err)

	ids, err := reg.MarkStale(ctx, now, 0)
	require.NoError(t, err)
	require.Equal(t, []string{"cap.stale"}, ids)

	active, err := reg.ListActive(ctx)
	require.NoError(t, err)
	names := make([]string, len(active))
	for i, rec := range active {
		names[i] = rec.CapabilityID
	}
	require.ElementsMatch(t, []string{"cap.fresh", "cap.exempt"}, names)
}

func TestComputeCrcsSnapshotRanking(t *testing.T) {
	reg := newRegistry(t, nil)
	ctx := context.Background()

	// cap.outline and cap.summarize sit on the path to the required
	// "summary" facet; cap.headline does not.
	for _, p := range []capability.RegisterPayload{
		aiPayload("cap.outline", []string{"sourceText"}, []string{"outline"}),
		aiPayload("cap.summarize", []string{"outline"}, []string{"summary"}),
		aiPayload("cap.headline", []string{"sourceText"}, []string{"headline"}),
	} {
		_, err := reg.Register(ctx, p)
		require.NoError(t, err)
	}

	envelope := &api.TaskEnvelope{
		Objective: "Summarize the source text.",
		OutputContract: api.OutputContract{
			Mode:   api.ContractModeFacets,
			Facets: []string{"summary"},
		},
	}

	crcs, err := reg.ComputeCrcsSnapshot(ctx, envelope, capability.CrcsHints{
		Pinned: []string{"cap.headline", "cap.missing"},
	})
	require.NoError(t, err)

	ids := make([]string, len(crcs.Rows))
	for i, row := range crcs.Rows {
		ids[i] = row.Record.CapabilityID
	}
	require.Equal(t, []string{"cap.headline", "cap.outline", "cap.summarize"}, ids)
	require.Equal(t, []capability.ReasonCode{capability.ReasonPinned}, crcs.Rows[0].Reasons)
	require.Contains(t, crcs.Rows[1].Reasons, capability.ReasonPath)
	require.Contains(t, crcs.Rows[2].Reasons, capability.ReasonPath)
	require.Equal(t, []string{"cap.headline"}, crcs.Pinned)
	require.Equal(t, []string{"cap.missing"}, crcs.MissingPinned)
	require.False(t, crcs.Truncated)
	require.Equal(t, 3, crcs.MrcsSize)
}

func TestComputeCrcsSnapshotRowCap(t *testing.T) {
	reg := newRegistry(t, nil)
	ctx := context.Background()
	for _, id := range []string{"cap.a", "cap.b", "cap.c"} {
		_, err := reg.Register(ctx, aiPayload(id, nil, []string{"headline"}))
		require.NoError(t, err)
	}

	envelope := &api.TaskEnvelope{
		Objective:      "Write a headline.",
		OutputContract: api.OutputContract{Mode: api.ContractModeFacets, Facets: []string{"summary"}},
	}
	crcs, err := reg.ComputeCrcsSnapshot(ctx, envelope, capability.CrcsHints{RowCap: 2})
	require.NoError(t, err)
	require.Len(t, crcs.Rows, 2)
	require.True(t, crcs.Truncated)
}
