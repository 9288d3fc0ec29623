// Package inmem provides the in-memory persistence backend used by tests and
// single-process deployments.
package inmem

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/awesomeposter/flex/api"
	"github.com/awesomeposter/flex/hitl"
	"github.com/awesomeposter/flex/plan"
	"github.com/awesomeposter/flex/run"
	"github.com/awesomeposter/flex/store"
)

// Store keeps all run state in process memory. Values are deep-copied on the
// way in and out so callers cannot mutate stored state.
type Store struct {
	mu         sync.RWMutex
	runs       map[string]*run.Row
	snapshots  map[string][]*plan.Snapshot // ordered by plan version
	nodes      map[string][]*plan.Node     // current version's rows
	requests   map[string][]*hitl.RequestRecord
	responses  map[string][]*hitl.Response
	humanTasks map[string]*store.HumanTask
	now        func() time.Time
}

var _ store.Store = (*Store)(nil)

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		runs:       make(map[string]*run.Row),
		snapshots:  make(map[string][]*plan.Snapshot),
		nodes:      make(map[string][]*plan.Node),
		requests:   make(map[string][]*hitl.RequestRecord),
		responses:  make(map[string][]*hitl.Response),
		humanTasks: make(map[string]*store.HumanTask),
		now:        time.Now,
	}
}

// Reset drops all stored state. Intended for tests.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = make(map[string]*run.Row)
	s.snapshots = make(map[string][]*plan.Snapshot)
	s.nodes = make(map[string][]*plan.Node)
	s.requests = make(map[string][]*hitl.RequestRecord)
	s.responses = make(map[string][]*hitl.Response)
	s.humanTasks = make(map[string]*store.HumanTask)
}

// CreateOrUpdateRun upserts the run row.
func (s *Store) CreateOrUpdateRun(_ context.Context, row *run.Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := cloneVia[run.Row](row)
	if existing, ok := s.runs[row.RunID]; ok {
		cp.CreatedAt = existing.CreatedAt
	} else if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now()
	}
	cp.UpdatedAt = s.now()
	s.runs[row.RunID] = cp
	return nil
}

// UpdateStatus transitions the run status.
func (s *Store) UpdateStatus(_ context.Context, runID string, status api.RunStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.runs[runID]
	if !ok {
		return store.ErrNotFound
	}
	row.Status = status
	row.UpdatedAt = s.now()
	return nil
}

// SavePlanSnapshot replaces the snapshot for its version and the run's node
// rows under one lock acquisition, keeping the two consistent.
func (s *Store) SavePlanSnapshot(_ context.Context, snap *plan.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := cloneVia[plan.Snapshot](snap)
	cp.UpdatedAt = s.now()
	list := s.snapshots[snap.RunID]
	replaced := false
	for i, existing := range list {
		if existing.PlanVersion == cp.PlanVersion {
			list[i] = cp
			replaced = true
			break
		}
	}
	if !replaced {
		list = append(list, cp)
		sort.Slice(list, func(i, j int) bool { return list[i].PlanVersion < list[j].PlanVersion })
	}
	s.snapshots[snap.RunID] = list

	rows := make([]*plan.Node, 0, len(cp.Nodes))
	for _, n := range cp.Nodes {
		rows = append(rows, cloneVia[plan.Node](n))
	}
	s.nodes[snap.RunID] = rows
	if row, ok := s.runs[snap.RunID]; ok {
		row.PlanVersion = cp.PlanVersion
		row.SchemaHash = cp.SchemaHash
		row.UpdatedAt = s.now()
	}
	return nil
}

// MarkNode applies a partial update to one node row.
func (s *Store) MarkNode(_ context.Context, runID, nodeID string, upd store.NodeUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range s.nodes[runID] {
		if n.ID != nodeID {
			continue
		}
		if upd.Status != nil {
			n.Status = *upd.Status
		}
		if upd.Output != nil {
			n.Output = cloneMap(upd.Output)
		}
		if upd.Error != nil {
			errCopy := *upd.Error
			n.Error = &errCopy
		}
		if upd.Context != nil {
			n.Context = cloneMap(upd.Context)
		}
		if upd.StartedAt != nil {
			at := *upd.StartedAt
			n.StartedAt = &at
		}
		if upd.CompletedAt != nil {
			at := *upd.CompletedAt
			n.CompletedAt = &at
		}
		return nil
	}
	return store.ErrNotFound
}

// RecordResult stores the terminal result and status.
func (s *Store) RecordResult(_ context.Context, runID string, result map[string]any, status api.RunStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.runs[runID]
	if !ok {
		return store.ErrNotFound
	}
	row.Result = cloneMap(result)
	row.Status = status
	row.UpdatedAt = s.now()
	return nil
}

// RecordPendingResult stores an interim result without touching status.
func (s *Store) RecordPendingResult(_ context.Context, runID string, result map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.runs[runID]
	if !ok {
		return store.ErrNotFound
	}
	row.Result = cloneMap(result)
	row.UpdatedAt = s.now()
	return nil
}

// SaveRunContext persists the facet ledger snapshot.
func (s *Store) SaveRunContext(_ context.Context, runID string, snap *run.ContextSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.runs[runID]
	if !ok {
		return store.ErrNotFound
	}
	row.ContextSnapshot = cloneVia[run.ContextSnapshot](snap)
	row.UpdatedAt = s.now()
	return nil
}

// LoadRun returns the run row plus current node rows.
func (s *Store) LoadRun(_ context.Context, runID string) (*store.LoadedRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.runs[runID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return s.loadLocked(row), nil
}

// FindRunByThreadID returns the most recently updated run on a thread.
func (s *Store) FindRunByThreadID(_ context.Context, threadID string) (*store.LoadedRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *run.Row
	for _, row := range s.runs {
		if row.ThreadID != threadID {
			continue
		}
		if latest == nil || row.UpdatedAt.After(latest.UpdatedAt) {
			latest = row
		}
	}
	if latest == nil {
		return nil, store.ErrNotFound
	}
	return s.loadLocked(latest), nil
}

func (s *Store) loadLocked(row *run.Row) *store.LoadedRun {
	loaded := &store.LoadedRun{Run: cloneVia[run.Row](row)}
	for _, n := range s.nodes[row.RunID] {
		loaded.Nodes = append(loaded.Nodes, cloneVia[plan.Node](n))
	}
	return loaded
}

// LoadPlanSnapshot returns the snapshot for a version; zero selects latest.
func (s *Store) LoadPlanSnapshot(_ context.Context, runID string, version int) (*plan.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.snapshots[runID]
	if len(list) == 0 {
		return nil, store.ErrNotFound
	}
	if version == 0 {
		return cloneVia[plan.Snapshot](list[len(list)-1]), nil
	}
	for _, snap := range list {
		if snap.PlanVersion == version {
			return cloneVia[plan.Snapshot](snap), nil
		}
	}
	return nil, store.ErrNotFound
}

// PutHumanTask upserts a human task.
func (s *Store) PutHumanTask(_ context.Context, task *store.HumanTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.humanTasks[task.TaskID] = cloneVia[store.HumanTask](task)
	return nil
}

// ListPendingHumanTasks returns open tasks matching the filter.
func (s *Store) ListPendingHumanTasks(_ context.Context, filter store.HumanTaskFilter) ([]*store.HumanTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*store.HumanTask
	for _, task := range s.humanTasks {
		if task.Status != store.HumanTaskPending {
			continue
		}
		if filter.RunID != "" && task.RunID != filter.RunID {
			continue
		}
		if filter.Role != "" && task.Role != filter.Role {
			continue
		}
		out = append(out, cloneVia[store.HumanTask](task))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// PutHitlRequest upserts a HITL request record.
func (s *Store) PutHitlRequest(_ context.Context, req *hitl.RequestRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.requests[req.RunID]
	cp := cloneVia[hitl.RequestRecord](req)
	for i, existing := range list {
		if existing.ID == req.ID {
			list[i] = cp
			return nil
		}
	}
	s.requests[req.RunID] = append(list, cp)
	return nil
}

// ListHitlRequests returns a run's requests in creation order.
func (s *Store) ListHitlRequests(_ context.Context, runID string) ([]*hitl.RequestRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*hitl.RequestRecord
	for _, req := range s.requests[runID] {
		out = append(out, cloneVia[hitl.RequestRecord](req))
	}
	return out, nil
}

// PutHitlResponse appends an operator response. The run association comes
// from the owning request record.
func (s *Store) PutHitlResponse(_ context.Context, res *hitl.Response) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	runID := s.runForRequestLocked(res.RequestID)
	s.responses[runID] = append(s.responses[runID], cloneVia[hitl.Response](res))
	return nil
}

// ListHitlResponses returns a run's responses in creation order.
func (s *Store) ListHitlResponses(_ context.Context, runID string) ([]*hitl.Response, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*hitl.Response
	for _, res := range s.responses[runID] {
		out = append(out, cloneVia[hitl.Response](res))
	}
	return out, nil
}

func (s *Store) runForRequestLocked(requestID string) string {
	for runID, list := range s.requests {
		for _, req := range list {
			if req.ID == requestID {
				return runID
			}
		}
	}
	return ""
}

// cloneVia deep-copies a value through JSON, which matches how durable
// backends round-trip the same types.
func cloneVia[T any](v *T) *T {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		cp := *v
		return &cp
	}
	out := new(T)
	if err := json.Unmarshal(data, out); err != nil {
		cp := *v
		return &cp
	}
	return out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		out := make(map[string]any, len(m))
		for k, v := range m {
			out[k] = v
		}
		return out
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}
