// Package mongo provides a MongoDB-backed persistence layer. Each record is
// stored as a wrapper document carrying the JSON-encoded payload plus the
// fields the store filters and sorts on, so all backends round-trip the same
// JSON shapes.
package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/awesomeposter/flex/api"
	"github.com/awesomeposter/flex/hitl"
	"github.com/awesomeposter/flex/plan"
	"github.com/awesomeposter/flex/run"
	"github.com/awesomeposter/flex/store"
)

// DefaultTimeout bounds each database round trip.
const DefaultTimeout = 10 * time.Second

type (
	// Options configures a Store.
	Options struct {
		// Client is the connected Mongo client. Required.
		Client *mongo.Client
		// Database is the database name. Required.
		Database string
		// Timeout bounds each operation. Defaults to DefaultTimeout.
		Timeout time.Duration
	}

	// Store persists run state in MongoDB.
	Store struct {
		client    *mongo.Client
		runs      *mongo.Collection
		snapshots *mongo.Collection
		nodes     *mongo.Collection
		requests  *mongo.Collection
		responses *mongo.Collection
		tasks     *mongo.Collection
		timeout   time.Duration
	}

	runDoc struct {
		ID        string    `bson:"_id"`
		ThreadID  string    `bson:"threadId,omitempty"`
		UpdatedAt time.Time `bson:"updatedAt"`
		Data      []byte    `bson:"data"`
	}

	snapshotDoc struct {
		ID      string `bson:"_id"`
		RunID   string `bson:"runId"`
		Version int    `bson:"planVersion"`
		Data    []byte `bson:"data"`
	}

	nodeDoc struct {
		ID     string `bson:"_id"`
		RunID  string `bson:"runId"`
		NodeID string `bson:"nodeId"`
		Data   []byte `bson:"data"`
	}

	requestDoc struct {
		ID        string    `bson:"_id"`
		RunID     string    `bson:"runId"`
		CreatedAt time.Time `bson:"createdAt"`
		Data      []byte    `bson:"data"`
	}

	responseDoc struct {
		ID        string    `bson:"_id"`
		RunID     string    `bson:"runId"`
		CreatedAt time.Time `bson:"createdAt"`
		Data      []byte    `bson:"data"`
	}

	taskDoc struct {
		ID        string    `bson:"_id"`
		RunID     string    `bson:"runId"`
		Role      string    `bson:"role,omitempty"`
		Status    string    `bson:"status"`
		CreatedAt time.Time `bson:"createdAt"`
		Data      []byte    `bson:"data"`
	}
)

var _ store.Store = (*Store)(nil)

// New builds a Store from options.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo: client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("mongo: database is required")
	}
	db := opts.Client.Database(opts.Database)
	s := &Store{
		client:    opts.Client,
		runs:      db.Collection("flex_runs"),
		snapshots: db.Collection("flex_plan_snapshots"),
		nodes:     db.Collection("flex_nodes"),
		requests:  db.Collection("flex_hitl_requests"),
		responses: db.Collection("flex_hitl_responses"),
		tasks:     db.Collection("flex_human_tasks"),
		timeout:   opts.Timeout,
	}
	if s.timeout <= 0 {
		s.timeout = DefaultTimeout
	}
	return s, nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// CreateOrUpdateRun upserts the run row.
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
	return s.saveRow(ctx, &cp)
}

// UpdateStatus transitions the run status.
func (s *Store) UpdateStatus(ctx context.Context, runID string, status api.RunStatus) error {
	return s.mutateRow(ctx, runID, func(row *run.Row) {
		row.Status = status
	})
}

// SavePlanSnapshot writes the snapshot and replaces the run's node rows in a
// transaction so a crash cannot leave dangling nodes.
func (s *Store) SavePlanSnapshot(ctx context.Context, snap *plan.Snapshot) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cp := *snap
	cp.UpdatedAt = time.Now()
	data, err := json.Marshal(&cp)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	session, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(ctx context.Context) (any, error) {
		doc := snapshotDoc{
			ID:      fmt.Sprintf("%s:%d", cp.RunID, cp.PlanVersion),
			RunID:   cp.RunID,
			Version: cp.PlanVersion,
			Data:    data,
		}
		if _, err := s.snapshots.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, options.Replace().SetUpsert(true)); err != nil {
			return nil, fmt.Errorf("save snapshot: %w", err)
		}
		if _, err := s.nodes.DeleteMany(ctx, bson.M{"runId": cp.RunID}); err != nil {
			return nil, fmt.Errorf("clear node rows: %w", err)
		}
		for _, n := range cp.Nodes {
			nodeData, err := json.Marshal(n)
			if err != nil {
				return nil, fmt.Errorf("marshal node %s: %w", n.ID, err)
			}
			doc := nodeDoc{
				ID:     fmt.Sprintf("%s:%s", cp.RunID, n.ID),
				RunID:  cp.RunID,
				NodeID: n.ID,
				Data:   nodeData,
			}
			if _, err := s.nodes.InsertOne(ctx, doc); err != nil {
				return nil, fmt.Errorf("insert node %s: %w", n.ID, err)
			}
		}
		return nil, nil
	})
	if err != nil {
		return err
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
	id := fmt.Sprintf("%s:%s", runID, nodeID)
	var doc nodeDoc
	if err := s.nodes.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return store.ErrNotFound
		}
		return fmt.Errorf("load node %s: %w", nodeID, err)
	}
	var node plan.Node
	if err := json.Unmarshal(doc.Data, &node); err != nil {
		return fmt.Errorf("decode node %s: %w", nodeID, err)
	}
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
	data, err := json.Marshal(&node)
	if err != nil {
		return fmt.Errorf("marshal node %s: %w", nodeID, err)
	}
	_, err = s.nodes.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{"data": data}})
	return err
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
	cursor, err := s.nodes.Find(ctx, bson.M{"runId": runID})
	if err != nil {
		return nil, fmt.Errorf("load nodes: %w", err)
	}
	defer cursor.Close(ctx)
	loaded := &store.LoadedRun{Run: row}
	for cursor.Next(ctx) {
		var doc nodeDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode node doc: %w", err)
		}
		var node plan.Node
		if err := json.Unmarshal(doc.Data, &node); err != nil {
			return nil, fmt.Errorf("decode node %s: %w", doc.NodeID, err)
		}
		loaded.Nodes = append(loaded.Nodes, &node)
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("iterate nodes: %w", err)
	}
	return loaded, nil
}

// FindRunByThreadID returns the most recently updated run on a thread.
func (s *Store) FindRunByThreadID(ctx context.Context, threadID string) (*store.LoadedRun, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	opts := options.FindOne().SetSort(bson.D{{Key: "updatedAt", Value: -1}})
	var doc runDoc
	if err := s.runs.FindOne(ctx, bson.M{"threadId": threadID}, opts).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("find run by thread: %w", err)
	}
	return s.LoadRun(ctx, doc.ID)
}

// LoadPlanSnapshot returns the snapshot for a version; zero selects latest.
func (s *Store) LoadPlanSnapshot(ctx context.Context, runID string, version int) (*plan.Snapshot, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"runId": runID}
	opts := options.FindOne()
	if version > 0 {
		filter["planVersion"] = version
	} else {
		opts = opts.SetSort(bson.D{{Key: "planVersion", Value: -1}})
	}
	var doc snapshotDoc
	if err := s.snapshots.FindOne(ctx, filter, opts).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	var snap plan.Snapshot
	if err := json.Unmarshal(doc.Data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}

// PutHumanTask upserts a human task.
func (s *Store) PutHumanTask(ctx context.Context, task *store.HumanTask) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal human task: %w", err)
	}
	doc := taskDoc{
		ID:        task.TaskID,
		RunID:     task.RunID,
		Role:      task.Role,
		Status:    string(task.Status),
		CreatedAt: task.CreatedAt,
		Data:      data,
	}
	_, err = s.tasks.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, options.Replace().SetUpsert(true))
	return err
}

// ListPendingHumanTasks returns open tasks matching the filter.
func (s *Store) ListPendingHumanTasks(ctx context.Context, filter store.HumanTaskFilter) ([]*store.HumanTask, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	query := bson.M{"status": string(store.HumanTaskPending)}
	if filter.RunID != "" {
		query["runId"] = filter.RunID
	}
	if filter.Role != "" {
		query["role"] = filter.Role
	}
	cursor, err := s.tasks.Find(ctx, query, options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("list human tasks: %w", err)
	}
	defer cursor.Close(ctx)
	var out []*store.HumanTask
	for cursor.Next(ctx) {
		var doc taskDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode task doc: %w", err)
		}
		var task store.HumanTask
		if err := json.Unmarshal(doc.Data, &task); err != nil {
			return nil, fmt.Errorf("decode task %s: %w", doc.ID, err)
		}
		out = append(out, &task)
	}
	return out, cursor.Err()
}

// PutHitlRequest upserts a request record.
func (s *Store) PutHitlRequest(ctx context.Context, req *hitl.RequestRecord) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal hitl request: %w", err)
	}
	doc := requestDoc{ID: req.ID, RunID: req.RunID, CreatedAt: req.CreatedAt, Data: data}
	_, err = s.requests.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, options.Replace().SetUpsert(true))
	return err
}

// ListHitlRequests returns a run's requests in creation order.
func (s *Store) ListHitlRequests(ctx context.Context, runID string) ([]*hitl.RequestRecord, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cursor, err := s.requests.Find(ctx, bson.M{"runId": runID}, options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("list hitl requests: %w", err)
	}
	defer cursor.Close(ctx)
	var out []*hitl.RequestRecord
	for cursor.Next(ctx) {
		var doc requestDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode request doc: %w", err)
		}
		var req hitl.RequestRecord
		if err := json.Unmarshal(doc.Data, &req); err != nil {
			return nil, fmt.Errorf("decode request %s: %w", doc.ID, err)
		}
		out = append(out, &req)
	}
	return out, cursor.Err()
}

// PutHitlResponse appends an operator response.
func (s *Store) PutHitlResponse(ctx context.Context, res *hitl.Response) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	runID := ""
	var reqDoc requestDoc
	if err := s.requests.FindOne(ctx, bson.M{"_id": res.RequestID}).Decode(&reqDoc); err == nil {
		runID = reqDoc.RunID
	}
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal hitl response: %w", err)
	}
	doc := responseDoc{ID: res.ID, RunID: runID, CreatedAt: res.CreatedAt, Data: data}
	_, err = s.responses.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, options.Replace().SetUpsert(true))
	return err
}

// ListHitlResponses returns a run's responses in creation order.
func (s *Store) ListHitlResponses(ctx context.Context, runID string) ([]*hitl.Response, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cursor, err := s.responses.Find(ctx, bson.M{"runId": runID}, options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("list hitl responses: %w", err)
	}
	defer cursor.Close(ctx)
	var out []*hitl.Response
	for cursor.Next(ctx) {
		var doc responseDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode response doc: %w", err)
		}
		var res hitl.Response
		if err := json.Unmarshal(doc.Data, &res); err != nil {
			return nil, fmt.Errorf("decode response %s: %w", doc.ID, err)
		}
		out = append(out, &res)
	}
	return out, cursor.Err()
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
	return s.saveRow(ctx, row)
}

func (s *Store) saveRow(ctx context.Context, row *run.Row) error {
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("marshal run row: %w", err)
	}
	doc := runDoc{ID: row.RunID, ThreadID: row.ThreadID, UpdatedAt: row.UpdatedAt, Data: data}
	_, err = s.runs.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, options.Replace().SetUpsert(true))
	return err
}

func (s *Store) loadRow(ctx context.Context, runID string) (*run.Row, error) {
	var doc runDoc
	if err := s.runs.FindOne(ctx, bson.M{"_id": runID}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("load run %s: %w", runID, err)
	}
	var row run.Row
	if err := json.Unmarshal(doc.Data, &row); err != nil {
		return nil, fmt.Errorf("decode run %s: %w", runID, err)
	}
	return &row, nil
}
