package postgres_test

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/lucidgraph/memengine/pkg/store"
	"github.com/lucidgraph/memengine/pkg/store/postgres"
	"github.com/lucidgraph/memengine/pkg/types"
)

const testEmbeddingDim = 4

// testDSN returns the test database DSN from the environment, or skips the
// test if MEMENGINE_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("MEMENGINE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("MEMENGINE_TEST_POSTGRES_DSN not set — skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore creates a fresh [postgres.Store] with a clean schema.
func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	cleanPool := mustPool(t, ctx, dsn)
	t.Cleanup(cleanPool.Close)
	dropSchema(t, ctx, cleanPool)

	st, err := postgres.NewStore(ctx, dsn, testEmbeddingDim)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(st.Close)
	return st
}

func mustPool(t *testing.T, ctx context.Context, dsn string) *pgxpool.Pool {
	t.Helper()
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		_ = pgxvec.RegisterTypes(ctx, conn)
		return nil
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	return pool
}

func dropSchema(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	for _, stmt := range []string{
		"DROP TABLE IF EXISTS relationships CASCADE",
		"DROP TABLE IF EXISTS entities CASCADE",
		"DROP TABLE IF EXISTS facts CASCADE",
		"DROP TABLE IF EXISTS memories CASCADE",
		"DROP TABLE IF EXISTS judgment_audits CASCADE",
		"DROP TABLE IF EXISTS vector_points CASCADE",
		"DROP TABLE IF EXISTS vector_collections CASCADE",
	} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			t.Fatalf("dropSchema %q: %v", stmt, err)
		}
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// CollectionName — pure function, no database needed
// ─────────────────────────────────────────────────────────────────────────────

func TestCollectionName_Deterministic(t *testing.T) {
	t.Parallel()
	a := postgres.CollectionName(types.Owner("user-42"))
	b := postgres.CollectionName(types.Owner("user-42"))
	if a != b {
		t.Errorf("CollectionName not deterministic: %q != %q", a, b)
	}
}

func TestCollectionName_DistinctOwners(t *testing.T) {
	t.Parallel()
	a := postgres.CollectionName(types.Owner("user-1"))
	b := postgres.CollectionName(types.Owner("user-2"))
	if a == b {
		t.Errorf("expected distinct collection names, both were %q", a)
	}
}

func TestCollectionName_HasPrefix(t *testing.T) {
	t.Parallel()
	name := postgres.CollectionName(types.Owner("anyone"))
	if len(name) != len("mem_")+64 {
		t.Errorf("expected prefix + 64 hex chars, got %q (len=%d)", name, len(name))
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// VectorStore — integration (requires MEMENGINE_TEST_POSTGRES_DSN)
// ─────────────────────────────────────────────────────────────────────────────

func TestVectorStore_UpsertAndQuery(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	owner := types.Owner("owner-a")

	if err := st.Vector().EnsureCollection(ctx, owner); err != nil {
		t.Fatalf("EnsureCollection: %v", err)
	}

	point := store.VectorPoint{
		ID:     types.VectorID("v1"),
		Vector: []float32{1, 0, 0, 0},
		Payload: store.VectorPayload{
			Owner:   owner,
			Content: "Zhang San works at Alibaba",
			FactID:  types.FactID(1),
		},
	}
	if err := st.Vector().Upsert(ctx, owner, point); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	hits, err := st.Vector().Query(ctx, owner, []float32{1, 0, 0, 0}, 1, 0, store.VectorFilter{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(hits) != 1 || hits[0].ID != point.ID {
		t.Fatalf("expected top hit %q, got %+v", point.ID, hits)
	}
}

func TestVectorStore_QueryScopedByOwner(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	for _, owner := range []types.Owner{"owner-a", "owner-b"} {
		_ = st.Vector().EnsureCollection(ctx, owner)
		_ = st.Vector().Upsert(ctx, owner, store.VectorPoint{
			ID:     types.VectorID(string(owner) + "-v1"),
			Vector: []float32{1, 0, 0, 0},
		})
	}

	hits, err := st.Vector().Query(ctx, "owner-a", []float32{1, 0, 0, 0}, 10, 0, store.VectorFilter{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	for _, h := range hits {
		if h.ID != "owner-a-v1" {
			t.Errorf("query for owner-a returned foreign point %q", h.ID)
		}
	}
}

func TestVectorStore_DeleteIsIdempotent(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	owner := types.Owner("owner-a")

	if err := st.Vector().Delete(ctx, owner, []types.VectorID{"nonexistent"}); err != nil {
		t.Errorf("deleting a nonexistent id should not error, got: %v", err)
	}
}
