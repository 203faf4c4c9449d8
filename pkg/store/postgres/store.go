package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	memstore "github.com/lucidgraph/memengine/pkg/store"
)

// Compile-time interface checks.
var (
	_ memstore.VectorStore = (*VectorStoreImpl)(nil)
	_ memstore.GraphStore  = (*GraphStoreImpl)(nil)
	_ memstore.RecordStore = (*RecordStoreImpl)(nil)
)

// Store is the single-Postgres-instance backing for the three-store
// coherent memory view. It holds one [pgxpool.Pool] shared by the vector
// index, the labeled property graph, and the relational record store.
//
// All operations are safe for concurrent use.
type Store struct {
	pool    *pgxpool.Pool
	vector  *VectorStoreImpl
	graph   *GraphStoreImpl
	records *RecordStoreImpl
}

// NewStore establishes a connection pool to the PostgreSQL database at dsn,
// registers pgvector types on every connection, and runs [Migrate] to
// ensure all required tables and extensions exist.
//
// embeddingDimensions must match the output dimension of the embedding
// model backing the deployment (e.g. 1536 for OpenAI
// text-embedding-3-small). Changing it after the first migration requires a
// manual schema change.
func NewStore(ctx context.Context, dsn string, embeddingDimensions int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool, embeddingDimensions); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	return &Store{
		pool:    pool,
		vector:  &VectorStoreImpl{pool: pool},
		graph:   &GraphStoreImpl{pool: pool},
		records: &RecordStoreImpl{pool: pool},
	}, nil
}

// Vector returns the [memstore.VectorStore] implementation.
func (s *Store) Vector() *VectorStoreImpl { return s.vector }

// Graph returns the [memstore.GraphStore] implementation.
func (s *Store) Graph() *GraphStoreImpl { return s.graph }

// Records returns the [memstore.RecordStore] implementation.
func (s *Store) Records() *RecordStoreImpl { return s.records }

// Pool exposes the underlying connection pool for components (health
// checks, migrations tooling) that need raw access.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Close releases all connections held by the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// isNoRows reports whether err is the pgx "no rows" sentinel.
func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
