package postgres

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/lucidgraph/memengine/pkg/store"
	"github.com/lucidgraph/memengine/pkg/types"
)

// collectionPrefix names every owner's logical vector collection.
const collectionPrefix = "mem_"

// CollectionName derives the stable, deterministic, collision-free
// collection name for owner: a fixed prefix plus the full lowercase hex
// SHA-256 digest of the owner id. The full digest is used rather than a
// truncated prefix so two distinct owners can never be mapped onto the same
// collection.
func CollectionName(owner types.Owner) string {
	sum := sha256.Sum256([]byte(owner))
	return collectionPrefix + hex.EncodeToString(sum[:])
}

// VectorStoreImpl is the [store.VectorStore] implementation backed by a
// shared vector_points table with an HNSW cosine index, partitioned
// logically by the owner column rather than by physical table.
//
// Obtain one via [Store.Vector] rather than constructing directly.
type VectorStoreImpl struct {
	pool *pgxpool.Pool

	mu       sync.Mutex
	ensured  map[types.Owner]bool
}

var _ store.VectorStore = (*VectorStoreImpl)(nil)

// EnsureCollection implements [store.VectorStore]. It registers owner in the
// vector_collections marker table under its deterministic [CollectionName]
// if absent. A per-process map, guarded by mu, short-circuits repeat calls;
// mu is not held across the INSERT, so concurrent first-calls for the same
// owner may both reach it, and ON CONFLICT DO NOTHING keeps creation
// idempotent under races.
func (v *VectorStoreImpl) EnsureCollection(ctx context.Context, owner types.Owner) error {
	v.mu.Lock()
	if v.ensured == nil {
		v.ensured = make(map[types.Owner]bool)
	}
	if v.ensured[owner] {
		v.mu.Unlock()
		return nil
	}
	v.mu.Unlock()

	const q = `
		INSERT INTO vector_collections (owner, name)
		VALUES ($1, $2)
		ON CONFLICT (owner) DO NOTHING`

	if _, err := v.pool.Exec(ctx, q, owner, CollectionName(owner)); err != nil {
		return fmt.Errorf("vector store: ensure collection: %w", err)
	}

	v.mu.Lock()
	v.ensured[owner] = true
	v.mu.Unlock()
	return nil
}

// Upsert implements [store.VectorStore]. It writes or replaces the point
// with the given id in owner's collection.
func (v *VectorStoreImpl) Upsert(ctx context.Context, owner types.Owner, point store.VectorPoint) error {
	const q = `
		INSERT INTO vector_points
		    (id, owner, embedding, content, entity_names, relation_strs, category, importance, fact_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
		    embedding      = EXCLUDED.embedding,
		    content        = EXCLUDED.content,
		    entity_names   = EXCLUDED.entity_names,
		    relation_strs  = EXCLUDED.relation_strs,
		    category       = EXCLUDED.category,
		    importance     = EXCLUDED.importance,
		    fact_id        = EXCLUDED.fact_id`

	vec := pgvector.NewVector(point.Vector)
	_, err := v.pool.Exec(ctx, q,
		string(point.ID),
		owner,
		vec,
		point.Payload.Content,
		point.Payload.EntityNames,
		point.Payload.RelationStrs,
		string(point.Payload.Category),
		string(point.Payload.Importance),
		int64(point.Payload.FactID),
	)
	if err != nil {
		return fmt.Errorf("vector store: upsert: %w", err)
	}
	return nil
}

// Delete implements [store.VectorStore]. Deleting ids that do not exist is
// not an error.
func (v *VectorStoreImpl) Delete(ctx context.Context, owner types.Owner, ids []types.VectorID) error {
	if len(ids) == 0 {
		return nil
	}
	raw := make([]string, len(ids))
	for i, id := range ids {
		raw[i] = string(id)
	}

	const q = `DELETE FROM vector_points WHERE owner = $1 AND id = ANY($2::text[])`
	if _, err := v.pool.Exec(ctx, q, owner, raw); err != nil {
		return fmt.Errorf("vector store: delete: %w", err)
	}
	return nil
}

// Query implements [store.VectorStore]. It returns up to k points nearest
// to vector in owner's collection, ordered by descending cosine score.
// scoreFloor of 0 disables score filtering.
func (v *VectorStoreImpl) Query(ctx context.Context, owner types.Owner, vector []float32, k int, scoreFloor float64, filter store.VectorFilter) ([]store.VectorHit, error) {
	queryVec := pgvector.NewVector(vector)

	args := []any{queryVec, owner} // $1 = query vector, $2 = owner
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	conditions := []string{"owner = $2"}
	if filter.Category != "" {
		conditions = append(conditions, "category = "+next(string(filter.Category)))
	}
	if filter.Importance != "" {
		conditions = append(conditions, "importance = "+next(string(filter.Importance)))
	}

	args = append(args, k)
	limitArg := fmt.Sprintf("$%d", len(args))

	q := fmt.Sprintf(`
		SELECT id, content, entity_names, relation_strs, category, importance, fact_id,
		       1 - (embedding <=> $1) AS score
		FROM   vector_points
		WHERE  %s
		ORDER  BY embedding <=> $1
		LIMIT  %s`, strings.Join(conditions, "\n  AND "), limitArg)

	rows, err := v.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("vector store: query: %w", err)
	}

	hits, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.VectorHit, error) {
		var (
			hit         store.VectorHit
			id          string
			category    string
			importance  string
			factID      int64
		)
		if err := row.Scan(
			&id,
			&hit.Payload.Content,
			&hit.Payload.EntityNames,
			&hit.Payload.RelationStrs,
			&category,
			&importance,
			&factID,
			&hit.Score,
		); err != nil {
			return store.VectorHit{}, err
		}
		hit.ID = types.VectorID(id)
		hit.Payload.Owner = owner
		hit.Payload.Category = types.Category(category)
		hit.Payload.Importance = types.Importance(importance)
		hit.Payload.FactID = types.FactID(factID)
		return hit, nil
	})
	if err != nil {
		return nil, fmt.Errorf("vector store: query: scan: %w", err)
	}
	if scoreFloor > 0 {
		filtered := hits[:0]
		for _, h := range hits {
			if h.Score >= scoreFloor {
				filtered = append(filtered, h)
			}
		}
		hits = filtered
	}
	if hits == nil {
		hits = []store.VectorHit{}
	}
	return hits, nil
}
