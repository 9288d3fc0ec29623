// Package redis provides a Redis-backed persistence layer. State is stored
// as JSON blobs keyed per run, with small index structures for thread and
// version lookups.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/awesomeposter/flex/api"
	"github.com/awesomeposter/flex/hitl"
	"github.com/awesomeposter/flex/plan"
	"github.com/awesomeposter/flex/run"
	"github.com/awesomeposter/flex/store"
)

// DefaultTimeout bounds each Redis round trip.
const DefaultTimeout = 5 * time.Second

type (
	// Options configures a Store.
	Options struct {
		// Client is the Redis client. Required.
		Client redis.UniversalClient
		// KeyPrefix namespaces all keys. Defaults to "flex".
		KeyPrefix string
		// Timeout bounds each operation. Defaults to DefaultTimeout.
		Timeout time.Duration
	}

	// Store persists run state in Redis.
	Store struct {
		client  redis.UniversalClient
		prefix  string
		timeout time.Duration
	}
)

var _ store.Store = (*Store)(nil)

// New builds a Store from options.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("redis: client is required")
	}
	s := &Store{
		client:  opts.Client,
		prefix:  opts.KeyPrefix,
		timeout: opts.Timeout,
	}
	if s.prefix == "" {
		s.prefix = "flex"
	}
	if s.timeout <= 0 {
		s.timeout = DefaultTimeout
	}
	return s, nil
}

func (s *Store) key(parts ...string) string {
	key := s.prefix
	for _, p := range parts {
		key += ":" + p
	}
	return key
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// CreateOrUpdateRun upserts the run row and the thread index.
func (s *Store) CreateOrUpdateRun(ctx context.Context, row *run.Row) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	existing, err := s.loadRow(ctx, row.RunID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	cp := *row
	if existing != nil {
		cp.CreatedAt = existing.CreatedAt
	} else if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	cp.UpdatedAt = time.Now()
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if err := setJSON(ctx, pipe, s.key("run", cp.RunID), &cp); err != nil {
			return err
		}
		if cp.ThreadID != "" {
			pipe.Set(ctx, s.key("thread", cp.ThreadID), cp.RunID, 0)
		}
		return nil
	})
	return err
}

// UpdateStatus transitions the run status.
func (s *Store) UpdateStatus(ctx context.Context, runID string, status api.RunStatus) error {
	return s.mutateRow(ctx, runID, func(row *run.Row) {
		row.Status = status
	})
}

// SavePlanSnapshot writes the snapshot, the node hash, and the version index
// in one transaction.
func (s *Store) SavePlanSnapshot(ctx context.Context, snap *plan.Snapshot) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cp := *snap
	cp.UpdatedAt = time.Now()
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		version := strconv.Itoa(cp.PlanVersion)
		if err := setJSON(ctx, pipe, s.key("snapshot", cp.RunID, version), &cp); err != nil {
			return err
		}
		pipe.ZAdd(ctx, s.key("snapshots", cp.RunID), redis.Z{
			Score:  float64(cp.PlanVersion),
			Member: version,
		})
		nodesKey := s.key("nodes", cp.RunID)
		pipe.Del(ctx, nodesKey)
		for _, n := range cp.Nodes {
			data, err := json.Marshal(n)
			if err != nil {
				return fmt.Errorf("marshal node %s: %w", n.ID, err)
			}
			pipe.HSet(ctx, nodesKey, n.ID, data)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save plan snapshot: %w", err)
	}
	return s.mutateRow(ctx, cp.RunID, func(row *run.Row) {
		row.PlanVersion = cp.PlanVersion
		row.SchemaHash = cp.SchemaHash
	})
}

// MarkNode applies a partial update to one node row.
func (s *Store) MarkNode(ctx context.Context, runID, nodeID string, upd store.NodeUpdate) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	nodesKey := s.key("nodes", runID)
	data, err := s.client.HGet(ctx, nodesKey, nodeID).Bytes()
	if errors.Is(err, redis.Nil) {
		return store.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("load node %s: %w", nodeID, err)
	}
	var node plan.Node
	if err := json.Unmarshal(data, &node); err != nil {
		return fmt.Errorf("decode node %s: %w", nodeID, err)
	}
	applyNodeUpdate(&node, upd)
	updated, err := json.Marshal(&node)
	if err != nil {
		return fmt.Errorf("marshal node %s: %w", nodeID, err)
	}
	return s.client.HSet(ctx, nodesKey, nodeID, updated).Err()
}

// RecordResult stores the terminal result and status.
func (s *Store) RecordResult(ctx context.Context, runID string, result map[string]any, status api.RunStatus) error {
	return s.mutateRow(ctx, runID, func(row *run.Row) {
		row.Result = result
		row.Status = status
	})
}

// RecordPendingResult stores an interim result without touching status.
func (s *Store) RecordPendingResult(ctx context.Context, runID string, result map[string]any) error {
	return s.mutateRow(ctx, runID, func(row *run.Row) {
		row.Result = result
	})
}

// SaveRunContext persists the facet ledger snapshot on the run row.
func (s *Store) SaveRunContext(ctx context.Context, runID string, snap *run.ContextSnapshot) error {
	return s.mutateRow(ctx, runID, func(row *run.Row) {
		row.ContextSnapshot = snap
	})
}

// LoadRun returns the run row plus current node rows.
func (s *Store) LoadRun(ctx context.Context, runID string) (*store.LoadedRun, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	row, err := s.loadRow(ctx, runID)
	if err != nil {
		return nil, err
	}
	entries, err := s.client.HGetAll(ctx, s.key("nodes", runID)).Result()
	if err != nil {
		return nil, fmt.Errorf("load nodes: %w", err)
	}
	loaded := &store.LoadedRun{Run: row}
	for id, raw := range entries {
		var node plan.Node
		if err := json.Unmarshal([]byte(raw), &node); err != nil {
			return nil, fmt.Errorf("decode node %s: %w", id, err)
		}
		loaded.Nodes = append(loaded.Nodes, &node)
	}
	return loaded, nil
}

// FindRunByThreadID resolves the thread index then loads the run.
func (s *Store) FindRunByThreadID(ctx context.Context, threadID string) (*store.LoadedRun, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	runID, err := s.client.Get(ctx, s.key("thread", threadID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("resolve thread %s: %w", threadID, err)
	}
	return s.LoadRun(ctx, runID)
}

// LoadPlanSnapshot returns the snapshot for a version; zero selects latest.
func (s *Store) LoadPlanSnapshot(ctx context.Context, runID string, version int) (*plan.Snapshot, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if version == 0 {
		members, err := s.client.ZRevRange(ctx, s.key("snapshots", runID), 0, 0).Result()
		if err != nil {
			return nil, fmt.Errorf("list snapshots: %w", err)
		}
		if len(members) == 0 {
			return nil, store.ErrNotFound
		}
		version, err = strconv.Atoi(members[0])
		if err != nil {
			return nil, fmt.Errorf("decode snapshot version %q: %w", members[0], err)
		}
	}
	var snap plan.Snapshot
	if err := s.getJSON(ctx, s.key("snapshot", runID, strconv.Itoa(version)), &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// PutHumanTask upserts a human task and indexes it per run.
func (s *Store) PutHumanTask(ctx context.Context, task *store.HumanTask) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if err := setJSON(ctx, pipe, s.key("humantask", task.TaskID), task); err != nil {
			return err
		}
		pipe.SAdd(ctx, s.key("humantasks"), task.TaskID)
		return nil
	})
	return err
}

// ListPendingHumanTasks scans the task index and filters client-side.
func (s *Store) ListPendingHumanTasks(ctx context.Context, filter store.HumanTaskFilter) ([]*store.HumanTask, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	ids, err := s.client.SMembers(ctx, s.key("humantasks")).Result()
	if err != nil {
		return nil, fmt.Errorf("list human tasks: %w", err)
	}
	var out []*store.HumanTask
	for _, id := range ids {
		var task store.HumanTask
		if err := s.getJSON(ctx, s.key("humantask", id), &task); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if task.Status != store.HumanTaskPending {
			continue
		}
		if filter.RunID != "" && task.RunID != filter.RunID {
			continue
		}
		if filter.Role != "" && task.Role != filter.Role {
			continue
		}
		out = append(out, &task)
	}
	return out, nil
}

// PutHitlRequest upserts a request record and keeps the request index.
func (s *Store) PutHitlRequest(ctx context.Context, req *hitl.RequestRecord) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	listKey := s.key("hitl", "requests", req.RunID)
	_, err := s.client.LPos(ctx, listKey, req.ID, redis.LPosArgs{}).Result()
	exists := err == nil
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("index hitl request: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if err := setJSON(ctx, pipe, s.key("hitl", "request", req.ID), req); err != nil {
			return err
		}
		if !exists {
			pipe.RPush(ctx, listKey, req.ID)
		}
		pipe.Set(ctx, s.key("hitl", "reqrun", req.ID), req.RunID, 0)
		return nil
	})
	return err
}

// ListHitlRequests returns a run's requests in creation order.
func (s *Store) ListHitlRequests(ctx context.Context, runID string) ([]*hitl.RequestRecord, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	ids, err := s.client.LRange(ctx, s.key("hitl", "requests", runID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list hitl requests: %w", err)
	}
	out := make([]*hitl.RequestRecord, 0, len(ids))
	for _, id := range ids {
		var req hitl.RequestRecord
		if err := s.getJSON(ctx, s.key("hitl", "request", id), &req); err != nil {
			return nil, err
		}
		out = append(out, &req)
	}
	return out, nil
}

// PutHitlResponse appends an operator response under the owning run.
func (s *Store) PutHitlResponse(ctx context.Context, res *hitl.Response) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	runID, err := s.client.Get(ctx, s.key("hitl", "reqrun", res.RequestID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("resolve hitl response run: %w", err)
	}
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal hitl response: %w", err)
	}
	return s.client.RPush(ctx, s.key("hitl", "responses", runID), data).Err()
}

// ListHitlResponses returns a run's responses in creation order.
func (s *Store) ListHitlResponses(ctx context.Context, runID string) ([]*hitl.Response, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	raws, err := s.client.LRange(ctx, s.key("hitl", "responses", runID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list hitl responses: %w", err)
	}
	out := make([]*hitl.Response, 0, len(raws))
	for _, raw := range raws {
		var res hitl.Response
		if err := json.Unmarshal([]byte(raw), &res); err != nil {
			return nil, fmt.Errorf("decode hitl response: %w", err)
		}
		out = append(out, &res)
	}
	return out, nil
}

func (s *Store) mutateRow(ctx context.Context, runID string, mutate func(*run.Row)) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	row, err := s.loadRow(ctx, runID)
	if err != nil {
		return err
	}
	mutate(row)
	row.UpdatedAt = time.Now()
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("marshal run row: %w", err)
	}
	return s.client.Set(ctx, s.key("run", runID), data, 0).Err()
}

func (s *Store) loadRow(ctx context.Context, runID string) (*run.Row, error) {
	var row run.Row
	if err := s.getJSON(ctx, s.key("run", runID), &row); err != nil {
		return nil, err
	}
	return &row, nil
}

func (s *Store) getJSON(ctx context.Context, key string, out any) error {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return store.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

func setJSON(ctx context.Context, pipe redis.Pipeliner, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	pipe.Set(ctx, key, data, 0)
	return nil
}

func applyNodeUpdate(node *plan.Node, upd store.NodeUpdate) {
	if upd.Status != nil {
		node.Status = *upd.Status
	}
	if upd.Output != nil {
		node.Output = upd.Output
	}
	if upd.Error != nil {
		node.Error = upd.Error
	}
	if upd.Context != nil {
		node.Context = upd.Context
	}
	if upd.StartedAt != nil {
		node.StartedAt = upd.StartedAt
	}
	if upd.CompletedAt != nil {
		node.CompletedAt = upd.CompletedAt
	}
}
