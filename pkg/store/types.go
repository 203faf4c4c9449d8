// Package store defines the narrow contracts the memory-write pipeline uses
// to reach the vector index, the labeled property graph, the relational
// record store, the model gateway, and the job broker. Implementations live
// in sibling packages ([github.com/lucidgraph/memengine/pkg/store/postgres]
// for production, [github.com/lucidgraph/memengine/pkg/store/mock] for
// tests) and are swapped in behind these interfaces.
package store

import (
	"time"

	"github.com/lucidgraph/memengine/pkg/types"
)

// Memory is the raw authored unit ingested by the write pipeline. It is
// created once at task intake, persisted before extraction begins, and
// never mutated afterward.
type Memory struct {
	ID        types.MemoryID
	Owner     types.Owner
	Content   string
	Metadata  map[string]any
	CreatedAt time.Time
}

// Fact is the atomic distilled claim extracted from a Memory. It is the unit
// the judgment engine acts upon: ADD births one, UPDATE mutates one in
// place (keeping ID and VectorID), DELETE reaps one.
type Fact struct {
	ID         types.FactID
	Owner      types.Owner
	MemoryID   types.MemoryID
	Content    string
	Category   types.Category
	Importance types.Importance
	Entities   []types.Entity
	Relations  []types.Relation
	VectorID   types.VectorID
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// VectorPoint is a single point in an owner's vector collection. Payload is
// denormalized for filtering at query time; the Fact row in the relational
// store remains authoritative for the same fields.
type VectorPoint struct {
	ID      types.VectorID
	Vector  []float32
	Payload VectorPayload
}

// VectorPayload is the denormalized metadata stored alongside a vector
// embedding so that filtered queries need not join out to the record store.
type VectorPayload struct {
	Owner         types.Owner
	Content       string
	EntityNames   []string
	RelationStrs  []string
	Category      types.Category
	Importance    types.Importance
	FactID        types.FactID
}

// VectorHit is a single ranked result from [VectorStore.Query].
type VectorHit struct {
	ID      types.VectorID
	Score   float64
	Payload VectorPayload
}

// VectorFilter restricts a vector query to points whose payload matches.
// A zero-value field is not applied.
type VectorFilter struct {
	Category   types.Category
	Importance types.Importance
}

// JudgmentOp is the operation type a judgment decided for one fact.
type JudgmentOp string

const (
	JudgmentAdd    JudgmentOp = "ADD"
	JudgmentUpdate JudgmentOp = "UPDATE"
	JudgmentDelete JudgmentOp = "DELETE"
	JudgmentNone   JudgmentOp = "NONE"
)

// JudgmentAudit is the durable record tying one judgment invocation to its
// reasoning and its eventual outcome. Created at judgment time with a fresh
// TraceID; updated once more with ExecutedSummary after reconciliation.
type JudgmentAudit struct {
	TraceID            types.TraceID
	Owner              types.Owner
	APIKeyID           string
	OperationType      string
	InputContent       string
	ExtractedFacts     []string
	CandidateMemories  []JudgmentCandidate
	RawModelResponse   string
	ParsedOperations   []JudgmentResult
	Reasoning          string
	ExecutedSummary    string
	Success            bool
	Error              string
	ModelName          string
	LatencyMS          int64
	Timestamp          time.Time
	Verified           bool
	VerificationReason string
}

// JudgmentCandidate is one semantically-nearest existing fact shown to the
// judgment model as context.
type JudgmentCandidate struct {
	ID   types.FactID
	Text string
}

// JudgmentResult is one decision line from the judgment model's response,
// `{id, text, event, old_memory?, reason}`.
type JudgmentResult struct {
	ID        types.FactID
	Text      string
	Event     JudgmentOp
	OldMemory string
	Reason    string
}
