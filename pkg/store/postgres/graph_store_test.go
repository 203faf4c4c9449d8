package postgres_test

import (
	"context"
	"testing"

	"github.com/lucidgraph/memengine/pkg/types"
)

func TestGraphStore_UpsertEntityIsIdempotent(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	owner := types.Owner("owner-a")

	for i := 0; i < 2; i++ {
		if err := st.Graph().UpsertEntity(ctx, owner, "Alibaba", "organization", map[string]any{"industry": "tech"}); err != nil {
			t.Fatalf("UpsertEntity (call %d): %v", i, err)
		}
	}

	n, err := st.Graph().CountIncident(ctx, owner, "Alibaba")
	if err != nil {
		t.Fatalf("CountIncident: %v", err)
	}
	if n != 0 {
		t.Errorf("expected 0 incident edges for a freshly created node, got %d", n)
	}
}

func TestGraphStore_UpsertEdgeAndNeighbors(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	owner := types.Owner("owner-a")

	must(t, st.Graph().UpsertEntity(ctx, owner, "ZhangSan", "person", nil))
	must(t, st.Graph().UpsertEntity(ctx, owner, "Alibaba", "organization", nil))
	must(t, st.Graph().UpsertEdge(ctx, owner, "ZhangSan", "Alibaba", "WORKS_AT"))

	neighbors, err := st.Graph().Neighbors(ctx, owner, "ZhangSan", 10)
	if err != nil {
		t.Fatalf("Neighbors: %v", err)
	}
	if len(neighbors) != 1 || neighbors[0].Name != "Alibaba" {
		t.Fatalf("expected [Alibaba], got %+v", neighbors)
	}

	n, err := st.Graph().CountIncident(ctx, owner, "Alibaba")
	if err != nil {
		t.Fatalf("CountIncident: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 incident edge on Alibaba, got %d", n)
	}
}

func TestGraphStore_DeleteEntityRemovesIncidentEdges(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	owner := types.Owner("owner-a")

	must(t, st.Graph().UpsertEntity(ctx, owner, "ZhangSan", "person", nil))
	must(t, st.Graph().UpsertEntity(ctx, owner, "Beijing", "location", nil))
	must(t, st.Graph().UpsertEdge(ctx, owner, "ZhangSan", "Beijing", "LIVES_IN"))

	if err := st.Graph().DeleteEntity(ctx, owner, "ZhangSan"); err != nil {
		t.Fatalf("DeleteEntity: %v", err)
	}

	n, err := st.Graph().CountIncident(ctx, owner, "Beijing")
	if err != nil {
		t.Fatalf("CountIncident: %v", err)
	}
	if n != 0 {
		t.Errorf("expected Beijing to have no incident edges after ZhangSan deletion, got %d", n)
	}
}

func TestGraphStore_DeleteEdgeIsUndirected(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	owner := types.Owner("owner-a")

	must(t, st.Graph().UpsertEntity(ctx, owner, "A", "item", nil))
	must(t, st.Graph().UpsertEntity(ctx, owner, "B", "item", nil))
	must(t, st.Graph().UpsertEdge(ctx, owner, "A", "B", "RELATED_TO"))

	if err := st.Graph().DeleteEdge(ctx, owner, "B", "A", "RELATED_TO"); err != nil {
		t.Fatalf("DeleteEdge: %v", err)
	}

	n, err := st.Graph().CountIncident(ctx, owner, "A")
	if err != nil {
		t.Fatalf("CountIncident: %v", err)
	}
	if n != 0 {
		t.Errorf("expected edge removed regardless of direction, got %d incident", n)
	}
}

func TestGraphStore_DeleteNonexistentIsNotAnError(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	owner := types.Owner("owner-a")

	if err := st.Graph().DeleteEdge(ctx, owner, "ghost", "also-ghost", "RELATED_TO"); err != nil {
		t.Errorf("deleting a nonexistent edge should not error, got: %v", err)
	}
	if err := st.Graph().DeleteEntity(ctx, owner, "ghost"); err != nil {
		t.Errorf("deleting a nonexistent entity should not error, got: %v", err)
	}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
