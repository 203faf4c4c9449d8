package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lucidgraph/memengine/pkg/store"
	"github.com/lucidgraph/memengine/pkg/types"
)

// GraphStoreImpl is the [store.GraphStore] implementation backed by an
// owner-scoped entities/relationships table pair.
//
// Obtain one via [Store.Graph] rather than constructing directly.
type GraphStoreImpl struct {
	pool *pgxpool.Pool
}

var _ store.GraphStore = (*GraphStoreImpl)(nil)

// UpsertEntity implements [store.GraphStore]. It merges properties into the
// node keyed by (owner, name), creating it if absent.
func (g *GraphStoreImpl) UpsertEntity(ctx context.Context, owner types.Owner, name, entityType string, properties map[string]any) error {
	if properties == nil {
		properties = map[string]any{}
	}
	propsJSON, err := json.Marshal(properties)
	if err != nil {
		return fmt.Errorf("graph store: marshal properties: %w", err)
	}

	const q = `
		INSERT INTO entities (owner, name, type, properties, created_at, updated_at)
		VALUES ($1, $2, $3, $4, now(), now())
		ON CONFLICT (owner, name) DO UPDATE SET
		    type        = EXCLUDED.type,
		    properties  = entities.properties || EXCLUDED.properties,
		    updated_at  = now()`

	if _, err := g.pool.Exec(ctx, q, owner, name, entityType, propsJSON); err != nil {
		return fmt.Errorf("graph store: upsert entity: %w", err)
	}
	return nil
}

// UpsertEdge implements [store.GraphStore]. Both endpoints must already
// exist as nodes for owner.
func (g *GraphStoreImpl) UpsertEdge(ctx context.Context, owner types.Owner, src, tgt, relType string) error {
	const q = `
		INSERT INTO relationships (owner, source_name, target_name, rel_type, created_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (owner, source_name, target_name, rel_type) DO NOTHING`

	if _, err := g.pool.Exec(ctx, q, owner, src, tgt, relType); err != nil {
		return fmt.Errorf("graph store: upsert edge: %w", err)
	}
	return nil
}

// DeleteEdge implements [store.GraphStore]. The match is undirected: either
// (src, tgt) or (tgt, src) with the given relType is removed. Deleting a
// non-existent edge is not an error.
func (g *GraphStoreImpl) DeleteEdge(ctx context.Context, owner types.Owner, src, tgt, relType string) error {
	const q = `
		DELETE FROM relationships
		WHERE owner = $1 AND rel_type = $4
		  AND ((source_name = $2 AND target_name = $3) OR (source_name = $3 AND target_name = $2))`

	if _, err := g.pool.Exec(ctx, q, owner, src, tgt, relType); err != nil {
		return fmt.Errorf("graph store: delete edge: %w", err)
	}
	return nil
}

// DeleteEntity implements [store.GraphStore]'s total-delete policy: first
// every edge incident to (owner, name) is removed, then the node itself.
// Deleting a non-existent entity is not an error.
func (g *GraphStoreImpl) DeleteEntity(ctx context.Context, owner types.Owner, name string) error {
	tx, err := g.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("graph store: delete entity: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	const qEdges = `
		DELETE FROM relationships
		WHERE owner = $1 AND (source_name = $2 OR target_name = $2)`
	if _, err := tx.Exec(ctx, qEdges, owner, name); err != nil {
		return fmt.Errorf("graph store: delete entity: edges: %w", err)
	}

	const qNode = `DELETE FROM entities WHERE owner = $1 AND name = $2`
	if _, err := tx.Exec(ctx, qNode, owner, name); err != nil {
		return fmt.Errorf("graph store: delete entity: node: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("graph store: delete entity: commit: %w", err)
	}
	return nil
}

// CountIncident implements [store.GraphStore]. It counts edges touching
// (owner, name) in either direction.
func (g *GraphStoreImpl) CountIncident(ctx context.Context, owner types.Owner, name string) (int, error) {
	const q = `
		SELECT count(*)
		FROM   relationships
		WHERE  owner = $1 AND (source_name = $2 OR target_name = $2)`

	var n int
	if err := g.pool.QueryRow(ctx, q, owner, name).Scan(&n); err != nil {
		return 0, fmt.Errorf("graph store: count incident: %w", err)
	}
	return n, nil
}

// Neighbors implements [store.GraphStore]. It returns up to k one-hop
// entities reachable from (owner, name) in either direction, excluding the
// start node itself.
func (g *GraphStoreImpl) Neighbors(ctx context.Context, owner types.Owner, name string, k int) ([]types.Entity, error) {
	args := []any{owner, name}
	q := `
		SELECT DISTINCT e.name, e.type
		FROM   relationships rel
		JOIN   entities e ON e.owner = rel.owner
		                 AND e.name  = CASE WHEN rel.source_name = $2 THEN rel.target_name ELSE rel.source_name END
		WHERE  rel.owner = $1
		  AND  (rel.source_name = $2 OR rel.target_name = $2)
		  AND  e.name != $2
		ORDER  BY e.name`

	if k > 0 {
		args = append(args, k)
		q += fmt.Sprintf("\nLIMIT $%d", len(args))
	}

	rows, err := g.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("graph store: neighbors: %w", err)
	}

	entities, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.Entity, error) {
		var e types.Entity
		if err := row.Scan(&e.Name, &e.Type); err != nil {
			return types.Entity{}, err
		}
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("graph store: neighbors: scan: %w", err)
	}
	if entities == nil {
		entities = []types.Entity{}
	}
	return entities, nil
}
