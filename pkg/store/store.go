package store

import (
	"context"
	"errors"

	"github.com/lucidgraph/memengine/pkg/types"
)

// ErrTransient marks a store-adapter failure the caller should retry
// (network blip, 5xx, timeout). Implementations wrap it with %w so
// [errors.Is] keeps working through fmt.Errorf chains.
var ErrTransient = errors.New("store: transient failure")

// ErrPermanent marks a store-adapter failure that will not succeed on
// retry (validation rejection, malformed input).
var ErrPermanent = errors.New("store: permanent rejection")

// ErrNotFound is returned when a lookup target (Fact, Memory, entity, edge)
// does not exist. Callers on the UPDATE/DELETE path treat this as "skip,
// continue the batch" per the error taxonomy.
var ErrNotFound = errors.New("store: not found")

// ErrConflict is returned when a write collides with an existing row under
// a uniqueness constraint (e.g. a duplicate vector id on ADD).
var ErrConflict = errors.New("store: conflict")

// VectorStore is the contract over the per-owner vector index.
//
// Every owner gets its own collection, created lazily and idempotently.
// Distance metric and dimensionality are fixed at collection creation and
// never altered afterward.
type VectorStore interface {
	// EnsureCollection creates the owner's collection if absent, using
	// cosine distance and the embedder's fixed dimensionality. Idempotent;
	// concurrent calls for the same owner must not race.
	EnsureCollection(ctx context.Context, owner types.Owner) error

	// Upsert writes or overwrites the point with id, inserting it into the
	// owner's collection if it does not already exist.
	Upsert(ctx context.Context, owner types.Owner, point VectorPoint) error

	// Delete removes the points with the given ids from the owner's
	// collection. Deleting ids that do not exist is not an error.
	Delete(ctx context.Context, owner types.Owner, ids []types.VectorID) error

	// Query returns up to k points nearest to vector, ordered by descending
	// cosine score, scoped to owner. scoreFloor of 0 disables filtering by
	// score; a zero-value filter applies no payload filtering.
	Query(ctx context.Context, owner types.Owner, vector []float32, k int, scoreFloor float64, filter VectorFilter) ([]VectorHit, error)
}

// GraphStore is the contract over the labeled property graph: nodes keyed
// by (owner, name), edges labeled by a sanitized relation type.
type GraphStore interface {
	// UpsertEntity merges properties into the node keyed by (owner, name),
	// creating it if absent.
	UpsertEntity(ctx context.Context, owner types.Owner, name, entityType string, properties map[string]any) error

	// UpsertEdge merges the edge (owner, src, tgt, relType), creating it if
	// absent. Both endpoints must already exist.
	UpsertEdge(ctx context.Context, owner types.Owner, src, tgt, relType string) error

	// DeleteEdge removes the edge matching (owner, src, tgt, relType).
	// Deleting a non-existent edge is not an error.
	DeleteEdge(ctx context.Context, owner types.Owner, src, tgt, relType string) error

	// DeleteEntity removes all edges incident to (owner, name), then the
	// node itself (total-delete policy). Deleting a non-existent entity is
	// not an error.
	DeleteEntity(ctx context.Context, owner types.Owner, name string) error

	// CountIncident returns the number of edges (either direction) touching
	// (owner, name). Used to decide whether an orphaned node survives an
	// UPDATE graph diff.
	CountIncident(ctx context.Context, owner types.Owner, name string) (int, error)

	// Neighbors returns up to k one-hop entities reachable from (owner,
	// name), excluding the start node itself.
	Neighbors(ctx context.Context, owner types.Owner, name string, k int) ([]types.Entity, error)
}

// RecordStore is the contract over the authoritative relational store:
// Memory, Fact, and JudgmentAudit rows.
type RecordStore interface {
	// CreateMemory persists a new Memory row and returns it with ID and
	// CreatedAt populated.
	CreateMemory(ctx context.Context, owner types.Owner, content string, metadata map[string]any) (Memory, error)

	// CreateFact persists a new Fact row (the ADD path) and returns it with
	// ID and timestamps populated.
	CreateFact(ctx context.Context, f Fact) (Fact, error)

	// UpdateFact overwrites content, entities, and relations on the Fact
	// identified by f.ID, preserving its ID and VectorID. Returns
	// [ErrNotFound] if no such Fact exists.
	UpdateFact(ctx context.Context, f Fact) (Fact, error)

	// DeleteFact removes the Fact row with the given id. Returns
	// [ErrNotFound] if no such Fact exists.
	DeleteFact(ctx context.Context, owner types.Owner, id types.FactID) error

	// FactByID returns the Fact with the given id, scoped to owner.
	FactByID(ctx context.Context, owner types.Owner, id types.FactID) (Fact, error)

	// FactByVectorID returns the Fact whose VectorID matches vectorID,
	// scoped to owner.
	FactByVectorID(ctx context.Context, owner types.Owner, vectorID types.VectorID) (Fact, error)

	// FactsByOwner returns every Fact belonging to owner.
	FactsByOwner(ctx context.Context, owner types.Owner) ([]Fact, error)

	// FactsByIDs returns the Facts matching the given ids, scoped to owner,
	// in a single round trip. Missing ids are silently omitted.
	FactsByIDs(ctx context.Context, owner types.Owner, ids []types.FactID) ([]Fact, error)

	// CreateJudgmentAudit persists a new audit row at judgment time.
	CreateJudgmentAudit(ctx context.Context, a JudgmentAudit) error

	// UpdateJudgmentAuditSummary attaches the executed-operations summary to
	// the audit row identified by traceID, after reconciliation completes.
	UpdateJudgmentAuditSummary(ctx context.Context, traceID types.TraceID, summary string) error
}

// ModelGateway is the contract over the language model used for chat
// completion and text embedding. chat returns the raw completion text;
// embed returns one vector per input text, in order.
type ModelGateway interface {
	// Chat issues a single chat completion call at the given temperature.
	// responseFormat, when non-empty, requests a structured response (e.g.
	// "json") from providers that support it.
	Chat(ctx context.Context, model string, messages []types.Message, temperature float64, responseFormat string) (string, error)

	// Embed returns one embedding per text, in the same order as texts. A
	// single-item call is a valid shortcut; implementations batch
	// internally when the provider supports it.
	Embed(ctx context.Context, model string, texts []string) ([][]float32, error)
}

// RetryPolicy tunes how a [JobBroker] retries a failed task.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  int64 // milliseconds
}

// TaskStatusKind is the state of a task as exposed through the status seam.
type TaskStatusKind string

const (
	TaskPending TaskStatusKind = "PENDING"
	TaskStarted TaskStatusKind = "STARTED"
	TaskSuccess TaskStatusKind = "SUCCESS"
	TaskFailure TaskStatusKind = "FAILURE"
	TaskRetry   TaskStatusKind = "RETRY"
)

// TaskStatus is the result of a [JobBroker.Status] lookup.
type TaskStatus struct {
	Status TaskStatusKind
	Result string
	Error  string
}

// JobBroker is the contract over the durable task queue backing the tiered
// task runtime.
type JobBroker interface {
	// Enqueue places payload on queue under the given retry policy and
	// returns a task id.
	Enqueue(ctx context.Context, queue string, payload []byte, policy RetryPolicy) (string, error)

	// Dequeue blocks until a task is available on queue or ctx is done. The
	// returned task is invisible to other workers for visibilityTimeout,
	// which must exceed the configured soft time limit.
	Dequeue(ctx context.Context, queue string, workerID string, visibilityTimeout int64) (taskID string, payload []byte, err error)

	// Ack marks taskID as successfully completed.
	Ack(ctx context.Context, taskID string) error

	// Nack returns taskID to the queue for retry after backoff
	// milliseconds, recording reason for diagnostics. A negative backoff
	// dead-letters the task immediately, bypassing the retry policy, for
	// failures the caller has classified as non-retryable.
	Nack(ctx context.Context, taskID string, reason string, backoff int64) error

	// Status returns the current state of taskID.
	Status(ctx context.Context, taskID string) (TaskStatus, error)
}
