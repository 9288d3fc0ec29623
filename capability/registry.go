package capability

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/awesomeposter/flex/facet"
)

// DefaultCacheTTL bounds how stale the registry's in-memory snapshot may get
// before reads fall through to the store.
const DefaultCacheTTL = 30 * time.Second

var (
	// ErrMissingOutputContract indicates a registration without output facets
	// or an inline output schema.
	ErrMissingOutputContract = errors.New("capability output contract is required")
	// ErrMissingAssignmentDefaults indicates a human capability registered
	// without assignment defaults.
	ErrMissingAssignmentDefaults = errors.New("human capability requires assignment defaults")
	// ErrLegacyFallbackKind indicates the retired "fallback" kind on ingest.
	ErrLegacyFallbackKind = errors.New(`capability kind "fallback" is no longer accepted`)
)

type (
	// Registry validates and serves capability registrations. Reads are served
	// from a TTL cache refreshed from the store; writes go through to the
	// store and invalidate the cache.
	Registry struct {
		catalog *facet.Catalog
		store   Store
		ttl     time.Duration
		now     func() time.Time

		mu        sync.Mutex
		cached    []Record
		refreshed time.Time
	}

	// RegistryOptions configures a Registry.
	RegistryOptions struct {
		// Catalog is the facet catalog registrations are validated against.
		Catalog *facet.Catalog
		// Store is the backing record store.
		Store Store
		// CacheTTL overrides DefaultCacheTTL when positive.
		CacheTTL time.Duration
		// Now overrides the clock for tests.
		Now func() time.Time
	}

	// RegisterPayload is the caller-facing registration request.
	RegisterPayload struct {
		CapabilityID         string
		Version              string
		AgentType            AgentType
		Kind                 Kind
		DisplayName          string
		Summary              string
		InputFacets          []string
		OutputFacets         []string
		HeartbeatSeconds     int
		Cost                 *CostHint
		InstructionTemplates map[string]string
		AssignmentDefaults   *AssignmentDefaults
		Metadata             map[string]any
	}
)

// NewRegistry builds a Registry from the given options.
func NewRegistry(opts RegistryOptions) (*Registry, error) {
	if opts.Catalog == nil {
		return nil, errors.New("facet catalog is required")
	}
	if opts.Store == nil {
		return nil, errors.New("capability store is required")
	}
	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Registry{catalog: opts.Catalog, store: opts.Store, ttl: ttl, now: now}, nil
}

// Register validates the payload against the facet catalog, compiles its
// contracts, stamps lastSeenAt, and writes the record through to the store.
// Registration fails atomically: invalid payloads leave no trace.
func (r *Registry) Register(ctx context.Context, p RegisterPayload) (Record, error) {
	if p.CapabilityID == "" {
		return Record{}, errors.New("capability id is required")
	}
	if p.Kind == "fallback" {
		return Record{}, ErrLegacyFallbackKind
	}
	switch p.Kind {
	case KindStructuring, KindExecution, KindValidation, KindTransformation, KindRouting:
	default:
		return Record{}, fmt.Errorf("unknown capability kind %q", p.Kind)
	}
	if len(p.OutputFacets) == 0 {
		return Record{}, ErrMissingOutputContract
	}
	if p.AgentType == AgentTypeHuman {
		d := p.AssignmentDefaults
		if d == nil || d.Role == "" {
			return Record{}, ErrMissingAssignmentDefaults
		}
		if d.OnDecline != OnDeclineFailRun && d.OnDecline != OnDeclineRequeue {
			return Record{}, fmt.Errorf("capability %s: unknown onDecline %q", p.CapabilityID, d.OnDecline)
		}
	}
	contracts, err := r.catalog.CompileContracts(facet.ContractRequest{
		InputFacets:  p.InputFacets,
		OutputFacets: p.OutputFacets,
	})
	if err != nil {
		return Record{}, fmt.Errorf("capability %s: %w", p.CapabilityID, err)
	}

	now := r.now().UTC()
	rec := Record{
		CapabilityID:         p.CapabilityID,
		Version:              p.Version,
		AgentType:            p.AgentType,
		Kind:                 p.Kind,
		DisplayName:          p.DisplayName,
		Summary:              p.Summary,
		InputFacets:          append([]string(nil), p.InputFacets...),
		OutputFacets:         append([]string(nil), p.OutputFacets...),
		InputSchema:          contracts.InputSchema,
		OutputSchema:         contracts.OutputSchema,
		Cost:                 p.Cost,
		HeartbeatSeconds:     p.HeartbeatSeconds,
		InstructionTemplates: p.InstructionTemplates,
		AssignmentDefaults:   p.AssignmentDefaults,
		Metadata:             p.Metadata,
		Status:               StatusActive,
		RegisteredAt:         now,
		LastSeenAt:           now,
	}
	if prior, ok, err := r.store.Get(ctx, p.CapabilityID); err != nil {
		return Record{}, err
	} else if ok && !prior.RegisteredAt.IsZero() {
		rec.RegisteredAt = prior.RegisteredAt
	}
	if err := r.store.Put(ctx, rec); err != nil {
		return Record{}, err
	}
	r.invalidate()
	return rec, nil
}

// GetByID returns one capability record.
func (r *Registry) GetByID(ctx context.Context, id string) (Record, bool, error) {
	all, err := r.load(ctx)
	if err != nil {
		return Record{}, false, err
	}
	for _, rec := range all {
		if rec.CapabilityID == id {
			return rec, true, nil
		}
	}
	return Record{}, false, nil
}

// ListActive returns active capabilities in id order.
func (r *Registry) ListActive(ctx context.Context) ([]Record, error) {
	all, err := r.load(ctx)
	if err != nil {
		return nil, err
	}
	active := make([]Record, 0, len(all))
	for _, rec := range all {
		if rec.Status == StatusActive {
			active = append(active, rec)
		}
	}
	return active, nil
}

// GetSnapshot returns the active and full capability sets.
func (r *Registry) GetSnapshot(ctx context.Context) (Snapshot, error) {
	all, err := r.load(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{All: all}
	for _, rec := range all {
		if rec.Status == StatusActive {
			snap.Active = append(snap.Active, rec)
		}
	}
	return snap, nil
}

// MarkInactive deactivates the given capability ids, typically because they
// stopped heartbeating within the configured window.
func (r *Registry) MarkInactive(ctx context.Context, ids []string, now time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	if err := r.store.SetStatus(ctx, ids, StatusInactive, now); err != nil {
		return err
	}
	r.invalidate()
	return nil
}

// MarkStale sweeps the registry and deactivates capabilities whose last
// heartbeat is older than their declared interval times the grace factor.
// Returns the deactivated ids.
func (r *Registry) MarkStale(ctx context.Context, now time.Time, graceFactor float64) ([]string, error) {
	if graceFactor <= 0 {
		graceFactor = 3
	}
	all, err := r.load(ctx)
	if err != nil {
		return nil, err
	}
	var stale []string
	for _, rec := range all {
		if rec.Status != StatusActive || rec.HeartbeatSeconds <= 0 {
			continue
		}
		window := time.Duration(float64(rec.HeartbeatSeconds)*graceFactor) * time.Second
		if now.Sub(rec.LastSeenAt) > window {
			stale = append(stale, rec.CapabilityID)
		}
	}
	if len(stale) == 0 {
		return nil, nil
	}
	if err := r.MarkInactive(ctx, stale, now); err != nil {
		return nil, err
	}
	return stale, nil
}

func (r *Registry) load(ctx context.Context) ([]Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cached != nil && r.now().Sub(r.refreshed) < r.ttl {
		return r.cached, nil
	}
	recs, err := r.store.List(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].CapabilityID < recs[j].CapabilityID })
	r.cached = recs
	r.refreshed = r.now()
	return recs, nil
}

func (r *Registry) invalidate() {
	r.mu.Lock()
	r.cached = nil
	r.mu.Unlock()
}
