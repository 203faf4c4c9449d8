package postgres

import (
	"encoding/json"
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	memstore "github.com/lucidgraph/memengine/pkg/store"
	"github.com/lucidgraph/memengine/pkg/types"
)

// RecordStoreImpl is the [memstore.RecordStore] implementation backed by the
// memories, facts, and judgment_audits tables.
//
// Obtain one via [Store.Records] rather than constructing directly.
type RecordStoreImpl struct {
	pool *pgxpool.Pool
}

var _ memstore.RecordStore = (*RecordStoreImpl)(nil)

// CreateMemory implements [memstore.RecordStore].
func (r *RecordStoreImpl) CreateMemory(ctx context.Context, owner types.Owner, content string, metadata map[string]any) (memstore.Memory, error) {
	if metadata == nil {
		metadata = map[string]any{}
	}
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return memstore.Memory{}, fmt.Errorf("record store: marshal metadata: %w", err)
	}

	const q = `
		INSERT INTO memories (owner, content, metadata, created_at)
		VALUES ($1, $2, $3, now())
		RETURNING id, created_at`

	var m memstore.Memory
	m.Owner = owner
	m.Content = content
	m.Metadata = metadata
	var id int64
	if err := r.pool.QueryRow(ctx, q, owner, content, metaJSON).Scan(&id, &m.CreatedAt); err != nil {
		return memstore.Memory{}, fmt.Errorf("record store: create memory: %w", err)
	}
	m.ID = types.MemoryID(id)
	return m, nil
}

// CreateFact implements [memstore.RecordStore].
func (r *RecordStoreImpl) CreateFact(ctx context.Context, f memstore.Fact) (memstore.Fact, error) {
	entitiesJSON, relationsJSON, err := marshalFactLists(f)
	if err != nil {
		return memstore.Fact{}, err
	}

	const q = `
		INSERT INTO facts (owner, memory_id, content, category, importance, entities, relations, vector_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now(), now())
		RETURNING id, created_at, updated_at`

	if err := r.pool.QueryRow(ctx, q,
		f.Owner, int64(f.MemoryID), f.Content, string(f.Category), string(f.Importance),
		entitiesJSON, relationsJSON, string(f.VectorID),
	).Scan((*int64)(&f.ID), &f.CreatedAt, &f.UpdatedAt); err != nil {
		return memstore.Fact{}, fmt.Errorf("record store: create fact: %w", err)
	}
	return f, nil
}

// UpdateFact implements [memstore.RecordStore]. It preserves f.ID and
// f.VectorID, overwriting content, category, importance, entities, and
// relations. Returns [memstore.ErrNotFound] if no Fact with f.ID exists.
func (r *RecordStoreImpl) UpdateFact(ctx context.Context, f memstore.Fact) (memstore.Fact, error) {
	entitiesJSON, relationsJSON, err := marshalFactLists(f)
	if err != nil {
		return memstore.Fact{}, err
	}

	const q = `
		UPDATE facts
		SET    content     = $3,
		       category    = $4,
		       importance  = $5,
		       entities    = $6,
		       relations   = $7,
		       updated_at  = now()
		WHERE  owner = $1 AND id = $2
		RETURNING vector_id, created_at, updated_at`

	var vectorID string
	err = r.pool.QueryRow(ctx, q,
		f.Owner, int64(f.ID), f.Content, string(f.Category), string(f.Importance),
		entitiesJSON, relationsJSON,
	).Scan(&vectorID, &f.CreatedAt, &f.UpdatedAt)
	if isNoRows(err) {
		return memstore.Fact{}, fmt.Errorf("record store: update fact %d: %w", f.ID, memstore.ErrNotFound)
	}
	if err != nil {
		return memstore.Fact{}, fmt.Errorf("record store: update fact: %w", err)
	}
	f.VectorID = types.VectorID(vectorID)
	return f, nil
}

// DeleteFact implements [memstore.RecordStore]. Returns
// [memstore.ErrNotFound] if no Fact with id exists.
func (r *RecordStoreImpl) DeleteFact(ctx context.Context, owner types.Owner, id types.FactID) error {
	const q = `DELETE FROM facts WHERE owner = $1 AND id = $2`
	tag, err := r.pool.Exec(ctx, q, owner, int64(id))
	if err != nil {
		return fmt.Errorf("record store: delete fact: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("record store: delete fact %d: %w", id, memstore.ErrNotFound)
	}
	return nil
}

// FactByID implements [memstore.RecordStore].
func (r *RecordStoreImpl) FactByID(ctx context.Context, owner types.Owner, id types.FactID) (memstore.Fact, error) {
	const q = `
		SELECT id, owner, memory_id, content, category, importance, entities, relations, vector_id, created_at, updated_at
		FROM   facts
		WHERE  owner = $1 AND id = $2`

	rows, err := r.pool.Query(ctx, q, owner, int64(id))
	if err != nil {
		return memstore.Fact{}, fmt.Errorf("record store: fact by id: %w", err)
	}
	facts, err := collectFacts(rows)
	if err != nil {
		return memstore.Fact{}, fmt.Errorf("record store: fact by id: %w", err)
	}
	if len(facts) == 0 {
		return memstore.Fact{}, fmt.Errorf("record store: fact %d: %w", id, memstore.ErrNotFound)
	}
	return facts[0], nil
}

// FactByVectorID implements [memstore.RecordStore].
func (r *RecordStoreImpl) FactByVectorID(ctx context.Context, owner types.Owner, vectorID types.VectorID) (memstore.Fact, error) {
	const q = `
		SELECT id, owner, memory_id, content, category, importance, entities, relations, vector_id, created_at, updated_at
		FROM   facts
		WHERE  owner = $1 AND vector_id = $2`

	rows, err := r.pool.Query(ctx, q, owner, string(vectorID))
	if err != nil {
		return memstore.Fact{}, fmt.Errorf("record store: fact by vector id: %w", err)
	}
	facts, err := collectFacts(rows)
	if err != nil {
		return memstore.Fact{}, fmt.Errorf("record store: fact by vector id: %w", err)
	}
	if len(facts) == 0 {
		return memstore.Fact{}, fmt.Errorf("record store: fact with vector id %q: %w", vectorID, memstore.ErrNotFound)
	}
	return facts[0], nil
}

// FactsByOwner implements [memstore.RecordStore].
func (r *RecordStoreImpl) FactsByOwner(ctx context.Context, owner types.Owner) ([]memstore.Fact, error) {
	const q = `
		SELECT id, owner, memory_id, content, category, importance, entities, relations, vector_id, created_at, updated_at
		FROM   facts
		WHERE  owner = $1
		ORDER  BY id`

	rows, err := r.pool.Query(ctx, q, owner)
	if err != nil {
		return nil, fmt.Errorf("record store: facts by owner: %w", err)
	}
	return collectFacts(rows)
}

// FactsByIDs implements [memstore.RecordStore]. Missing ids are silently
// omitted from the result.
func (r *RecordStoreImpl) FactsByIDs(ctx context.Context, owner types.Owner, ids []types.FactID) ([]memstore.Fact, error) {
	if len(ids) == 0 {
		return []memstore.Fact{}, nil
	}
	raw := make([]int64, len(ids))
	for i, id := range ids {
		raw[i] = int64(id)
	}

	const q = `
		SELECT id, owner, memory_id, content, category, importance, entities, relations, vector_id, created_at, updated_at
		FROM   facts
		WHERE  owner = $1 AND id = ANY($2::bigint[])`

	rows, err := r.pool.Query(ctx, q, owner, raw)
	if err != nil {
		return nil, fmt.Errorf("record store: facts by ids: %w", err)
	}
	return collectFacts(rows)
}

// CreateJudgmentAudit implements [memstore.RecordStore].
func (r *RecordStoreImpl) CreateJudgmentAudit(ctx context.Context, a memstore.JudgmentAudit) error {
	extractedJSON, err := json.Marshal(a.ExtractedFacts)
	if err != nil {
		return fmt.Errorf("record store: marshal extracted facts: %w", err)
	}
	candidatesJSON, err := json.Marshal(a.CandidateMemories)
	if err != nil {
		return fmt.Errorf("record store: marshal candidate memories: %w", err)
	}
	parsedJSON, err := json.Marshal(a.ParsedOperations)
	if err != nil {
		return fmt.Errorf("record store: marshal parsed operations: %w", err)
	}

	const q = `
		INSERT INTO judgment_audits
		    (trace_id, owner, api_key_id, operation_type, input_content, extracted_facts,
		     candidate_memories, raw_model_response, parsed_operations, reasoning,
		     success, error, model_name, latency_ms, "timestamp")
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, now())`

	_, err = r.pool.Exec(ctx, q,
		string(a.TraceID), a.Owner, a.APIKeyID, a.OperationType, a.InputContent, extractedJSON,
		candidatesJSON, a.RawModelResponse, parsedJSON, a.Reasoning,
		a.Success, a.Error, a.ModelName, a.LatencyMS,
	)
	if err != nil {
		return fmt.Errorf("record store: create judgment audit: %w", err)
	}
	return nil
}

// UpdateJudgmentAuditSummary implements [memstore.RecordStore].
func (r *RecordStoreImpl) UpdateJudgmentAuditSummary(ctx context.Context, traceID types.TraceID, summary string) error {
	const q = `UPDATE judgment_audits SET executed_summary = $2 WHERE trace_id = $1`
	tag, err := r.pool.Exec(ctx, q, string(traceID), summary)
	if err != nil {
		return fmt.Errorf("record store: update judgment audit summary: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("record store: judgment audit %q: %w", traceID, memstore.ErrNotFound)
	}
	return nil
}

// marshalFactLists encodes a Fact's Entities and Relations as JSON for
// storage in the facts table's jsonb columns.
func marshalFactLists(f memstore.Fact) (entitiesJSON, relationsJSON []byte, err error) {
	entitiesJSON, err = json.Marshal(f.Entities)
	if err != nil {
		return nil, nil, fmt.Errorf("record store: marshal entities: %w", err)
	}
	relationsJSON, err = json.Marshal(f.Relations)
	if err != nil {
		return nil, nil, fmt.Errorf("record store: marshal relations: %w", err)
	}
	return entitiesJSON, relationsJSON, nil
}

// collectFacts scans pgx rows into a slice of Fact values.
func collectFacts(rows pgx.Rows) ([]memstore.Fact, error) {
	facts, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memstore.Fact, error) {
		var (
			f                        memstore.Fact
			id, memoryID             int64
			category, importance     string
			vectorID                 string
			entitiesJSON, relJSON    []byte
		)
		if err := row.Scan(
			&id, &f.Owner, &memoryID, &f.Content, &category, &importance,
			&entitiesJSON, &relJSON, &vectorID, &f.CreatedAt, &f.UpdatedAt,
		); err != nil {
			return memstore.Fact{}, err
		}
		f.ID = types.FactID(id)
		f.MemoryID = types.MemoryID(memoryID)
		f.Category = types.Category(category)
		f.Importance = types.Importance(importance)
		f.VectorID = types.VectorID(vectorID)
		if len(entitiesJSON) > 0 {
			if err := json.Unmarshal(entitiesJSON, &f.Entities); err != nil {
				return memstore.Fact{}, fmt.Errorf("unmarshal entities: %w", err)
			}
		}
		if len(relJSON) > 0 {
			if err := json.Unmarshal(relJSON, &f.Relations); err != nil {
				return memstore.Fact{}, fmt.Errorf("unmarshal relations: %w", err)
			}
		}
		return f, nil
	})
	if err != nil {
		return nil, err
	}
	if facts == nil {
		facts = []memstore.Fact{}
	}
	return facts, nil
}
