// Package mock provides in-memory test doubles for the store adapter
// interfaces ([store.VectorStore], [store.GraphStore], [store.RecordStore],
// [store.ModelGateway], [store.JobBroker]).
//
// Each mock records every method call for assertion in tests and exposes
// exported fields that control what it returns. All mocks are safe for
// concurrent use via an internal [sync.Mutex].
//
// Typical usage:
//
//	vs := &mock.VectorStore{}
//	vs.QueryResult = []store.VectorHit{{ID: "v1", Score: 0.92}}
//
//	// inject vs into the system under test …
//
//	if got := vs.CallCount("Query"); got != 1 {
//	    t.Errorf("expected 1 Query call, got %d", got)
//	}
package mock

import (
	"context"
	"sync"

	"github.com/lucidgraph/memengine/pkg/store"
	"github.com/lucidgraph/memengine/pkg/types"
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	Method string
	Args   []any
}

func recordAndCount(mu *sync.Mutex, calls *[]Call, method string, args []any) {
	mu.Lock()
	defer mu.Unlock()
	*calls = append(*calls, Call{Method: method, Args: args})
}

func callCount(mu *sync.Mutex, calls []Call, method string) int {
	mu.Lock()
	defer mu.Unlock()
	n := 0
	for _, c := range calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// ─────────────────────────────────────────────────────────────────────────────
// VectorStore mock
// ─────────────────────────────────────────────────────────────────────────────

// VectorStore is a configurable test double for [store.VectorStore].
type VectorStore struct {
	mu    sync.Mutex
	calls []Call

	EnsureCollectionErr error
	UpsertErr           error
	DeleteErr           error
	QueryResult         []store.VectorHit
	QueryErr            error
}

func (m *VectorStore) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

func (m *VectorStore) CallCount(method string) int { return callCount(&m.mu, m.calls, method) }

func (m *VectorStore) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

func (m *VectorStore) EnsureCollection(_ context.Context, owner types.Owner) error {
	recordAndCount(&m.mu, &m.calls, "EnsureCollection", []any{owner})
	return m.EnsureCollectionErr
}

func (m *VectorStore) Upsert(_ context.Context, owner types.Owner, point store.VectorPoint) error {
	recordAndCount(&m.mu, &m.calls, "Upsert", []any{owner, point})
	return m.UpsertErr
}

func (m *VectorStore) Delete(_ context.Context, owner types.Owner, ids []types.VectorID) error {
	recordAndCount(&m.mu, &m.calls, "Delete", []any{owner, ids})
	return m.DeleteErr
}

func (m *VectorStore) Query(_ context.Context, owner types.Owner, vector []float32, k int, scoreFloor float64, filter store.VectorFilter) ([]store.VectorHit, error) {
	recordAndCount(&m.mu, &m.calls, "Query", []any{owner, vector, k, scoreFloor, filter})
	if m.QueryResult == nil {
		return []store.VectorHit{}, m.QueryErr
	}
	out := make([]store.VectorHit, len(m.QueryResult))
	copy(out, m.QueryResult)
	return out, m.QueryErr
}

var _ store.VectorStore = (*VectorStore)(nil)

// ─────────────────────────────────────────────────────────────────────────────
// GraphStore mock
// ─────────────────────────────────────────────────────────────────────────────

// GraphStore is a configurable test double for [store.GraphStore].
type GraphStore struct {
	mu    sync.Mutex
	calls []Call

	UpsertEntityErr    error
	UpsertEdgeErr      error
	DeleteEdgeErr      error
	DeleteEntityErr    error
	CountIncidentResult int
	CountIncidentErr   error
	NeighborsResult    []types.Entity
	NeighborsErr       error
}

func (m *GraphStore) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

func (m *GraphStore) CallCount(method string) int { return callCount(&m.mu, m.calls, method) }

func (m *GraphStore) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

func (m *GraphStore) UpsertEntity(_ context.Context, owner types.Owner, name, entityType string, properties map[string]any) error {
	recordAndCount(&m.mu, &m.calls, "UpsertEntity", []any{owner, name, entityType, properties})
	return m.UpsertEntityErr
}

func (m *GraphStore) UpsertEdge(_ context.Context, owner types.Owner, src, tgt, relType string) error {
	recordAndCount(&m.mu, &m.calls, "UpsertEdge", []any{owner, src, tgt, relType})
	return m.UpsertEdgeErr
}

func (m *GraphStore) DeleteEdge(_ context.Context, owner types.Owner, src, tgt, relType string) error {
	recordAndCount(&m.mu, &m.calls, "DeleteEdge", []any{owner, src, tgt, relType})
	return m.DeleteEdgeErr
}

func (m *GraphStore) DeleteEntity(_ context.Context, owner types.Owner, name string) error {
	recordAndCount(&m.mu, &m.calls, "DeleteEntity", []any{owner, name})
	return m.DeleteEntityErr
}

func (m *GraphStore) CountIncident(_ context.Context, owner types.Owner, name string) (int, error) {
	recordAndCount(&m.mu, &m.calls, "CountIncident", []any{owner, name})
	return m.CountIncidentResult, m.CountIncidentErr
}

func (m *GraphStore) Neighbors(_ context.Context, owner types.Owner, name string, k int) ([]types.Entity, error) {
	recordAndCount(&m.mu, &m.calls, "Neighbors", []any{owner, name, k})
	if m.NeighborsResult == nil {
		return []types.Entity{}, m.NeighborsErr
	}
	out := make([]types.Entity, len(m.NeighborsResult))
	copy(out, m.NeighborsResult)
	return out, m.NeighborsErr
}

var _ store.GraphStore = (*GraphStore)(nil)

// ─────────────────────────────────────────────────────────────────────────────
// RecordStore mock
// ─────────────────────────────────────────────────────────────────────────────

// RecordStore is a configurable test double for [store.RecordStore]. Unlike
// the VectorStore and GraphStore mocks, it keeps a minimal in-memory table
// so that the reconciliation executor's CreateFact/UpdateFact/DeleteFact
// round trips can be exercised without a real database.
type RecordStore struct {
	mu    sync.Mutex
	calls []Call

	memories  map[types.MemoryID]store.Memory
	facts     map[types.FactID]store.Fact
	audits    map[types.TraceID]store.JudgmentAudit
	nextMemID int64
	nextFID   int64

	CreateMemoryErr error
	CreateFactErr   error
	UpdateFactErr   error
	DeleteFactErr   error
}

func NewRecordStore() *RecordStore {
	return &RecordStore{
		memories: make(map[types.MemoryID]store.Memory),
		facts:    make(map[types.FactID]store.Fact),
		audits:   make(map[types.TraceID]store.JudgmentAudit),
	}
}

func (m *RecordStore) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

func (m *RecordStore) CallCount(method string) int { return callCount(&m.mu, m.calls, method) }

func (m *RecordStore) CreateMemory(_ context.Context, owner types.Owner, content string, metadata map[string]any) (store.Memory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "CreateMemory", Args: []any{owner, content, metadata}})
	if m.CreateMemoryErr != nil {
		return store.Memory{}, m.CreateMemoryErr
	}
	m.nextMemID++
	mem := store.Memory{ID: types.MemoryID(m.nextMemID), Owner: owner, Content: content, Metadata: metadata}
	m.memories[mem.ID] = mem
	return mem, nil
}

func (m *RecordStore) CreateFact(_ context.Context, f store.Fact) (store.Fact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "CreateFact", Args: []any{f}})
	if m.CreateFactErr != nil {
		return store.Fact{}, m.CreateFactErr
	}
	m.nextFID++
	f.ID = types.FactID(m.nextFID)
	m.facts[f.ID] = f
	return f, nil
}

func (m *RecordStore) UpdateFact(_ context.Context, f store.Fact) (store.Fact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "UpdateFact", Args: []any{f}})
	if m.UpdateFactErr != nil {
		return store.Fact{}, m.UpdateFactErr
	}
	existing, ok := m.facts[f.ID]
	if !ok {
		return store.Fact{}, store.ErrNotFound
	}
	f.VectorID = existing.VectorID
	m.facts[f.ID] = f
	return f, nil
}

func (m *RecordStore) DeleteFact(_ context.Context, _ types.Owner, id types.FactID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "DeleteFact", Args: []any{id}})
	if m.DeleteFactErr != nil {
		return m.DeleteFactErr
	}
	if _, ok := m.facts[id]; !ok {
		return store.ErrNotFound
	}
	delete(m.facts, id)
	return nil
}

func (m *RecordStore) FactByID(_ context.Context, _ types.Owner, id types.FactID) (store.Fact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "FactByID", Args: []any{id}})
	f, ok := m.facts[id]
	if !ok {
		return store.Fact{}, store.ErrNotFound
	}
	return f, nil
}

func (m *RecordStore) FactByVectorID(_ context.Context, owner types.Owner, vectorID types.VectorID) (store.Fact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "FactByVectorID", Args: []any{owner, vectorID}})
	for _, f := range m.facts {
		if f.Owner == owner && f.VectorID == vectorID {
			return f, nil
		}
	}
	return store.Fact{}, store.ErrNotFound
}

func (m *RecordStore) FactsByOwner(_ context.Context, owner types.Owner) ([]store.Fact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "FactsByOwner", Args: []any{owner}})
	out := []store.Fact{}
	for _, f := range m.facts {
		if f.Owner == owner {
			out = append(out, f)
		}
	}
	return out, nil
}

func (m *RecordStore) FactsByIDs(_ context.Context, owner types.Owner, ids []types.FactID) ([]store.Fact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "FactsByIDs", Args: []any{owner, ids}})
	out := []store.Fact{}
	for _, id := range ids {
		if f, ok := m.facts[id]; ok && f.Owner == owner {
			out = append(out, f)
		}
	}
	return out, nil
}

func (m *RecordStore) CreateJudgmentAudit(_ context.Context, a store.JudgmentAudit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "CreateJudgmentAudit", Args: []any{a}})
	m.audits[a.TraceID] = a
	return nil
}

func (m *RecordStore) UpdateJudgmentAuditSummary(_ context.Context, traceID types.TraceID, summary string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "UpdateJudgmentAuditSummary", Args: []any{traceID, summary}})
	a, ok := m.audits[traceID]
	if !ok {
		return store.ErrNotFound
	}
	a.ExecutedSummary = summary
	m.audits[traceID] = a
	return nil
}

var _ store.RecordStore = (*RecordStore)(nil)

// ─────────────────────────────────────────────────────────────────────────────
// ModelGateway mock
// ─────────────────────────────────────────────────────────────────────────────

// ModelGateway is a configurable test double for [store.ModelGateway].
type ModelGateway struct {
	mu    sync.Mutex
	calls []Call

	ChatResult  string
	ChatErr     error
	EmbedResult [][]float32
	EmbedErr    error
}

func (m *ModelGateway) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

func (m *ModelGateway) CallCount(method string) int { return callCount(&m.mu, m.calls, method) }

func (m *ModelGateway) Chat(_ context.Context, model string, messages []types.Message, temperature float64, responseFormat string) (string, error) {
	recordAndCount(&m.mu, &m.calls, "Chat", []any{model, messages, temperature, responseFormat})
	return m.ChatResult, m.ChatErr
}

func (m *ModelGateway) Embed(_ context.Context, model string, texts []string) ([][]float32, error) {
	recordAndCount(&m.mu, &m.calls, "Embed", []any{model, texts})
	if m.EmbedResult == nil {
		out := make([][]float32, len(texts))
		for i := range out {
			out[i] = []float32{0}
		}
		return out, m.EmbedErr
	}
	return m.EmbedResult, m.EmbedErr
}

var _ store.ModelGateway = (*ModelGateway)(nil)

// ─────────────────────────────────────────────────────────────────────────────
// JobBroker mock
// ─────────────────────────────────────────────────────────────────────────────

// JobBroker is a configurable test double for [store.JobBroker].
type JobBroker struct {
	mu    sync.Mutex
	calls []Call

	EnqueueResult string
	EnqueueErr    error
	DequeueTaskID string
	DequeuePayload []byte
	DequeueErr    error
	AckErr        error
	NackErr       error
	StatusResult  store.TaskStatus
	StatusErr     error
}

func (m *JobBroker) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

func (m *JobBroker) CallCount(method string) int { return callCount(&m.mu, m.calls, method) }

func (m *JobBroker) Enqueue(_ context.Context, queue string, payload []byte, policy store.RetryPolicy) (string, error) {
	recordAndCount(&m.mu, &m.calls, "Enqueue", []any{queue, payload, policy})
	return m.EnqueueResult, m.EnqueueErr
}

func (m *JobBroker) Dequeue(_ context.Context, queue string, workerID string, visibilityTimeout int64) (string, []byte, error) {
	recordAndCount(&m.mu, &m.calls, "Dequeue", []any{queue, workerID, visibilityTimeout})
	return m.DequeueTaskID, m.DequeuePayload, m.DequeueErr
}

func (m *JobBroker) Ack(_ context.Context, taskID string) error {
	recordAndCount(&m.mu, &m.calls, "Ack", []any{taskID})
	return m.AckErr
}

func (m *JobBroker) Nack(_ context.Context, taskID string, reason string, backoff int64) error {
	recordAndCount(&m.mu, &m.calls, "Nack", []any{taskID, reason, backoff})
	return m.NackErr
}

func (m *JobBroker) Status(_ context.Context, taskID string) (store.TaskStatus, error) {
	recordAndCount(&m.mu, &m.calls, "Status", []any{taskID})
	return m.StatusResult, m.StatusErr
}

var _ store.JobBroker = (*JobBroker)(nil)
