// Package postgres provides a PostgreSQL-backed implementation of the
// three-store memory architecture — vector index, labeled property graph,
// and relational record store — collapsed onto a single [pgxpool.Pool].
//
// The pgvector extension must be available in the target database;
// [Migrate] installs it automatically via CREATE EXTENSION IF NOT EXISTS.
//
// Usage:
//
//	st, err := postgres.NewStore(ctx, dsn, 1536)
//	if err != nil { … }
//
//	_ = st.Vector().EnsureCollection(ctx, owner)
//	_ = st.Graph().UpsertEntity(ctx, owner, "Alibaba", "organization", nil)
//	f, _ := st.Records().CreateFact(ctx, fact)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ─────────────────────────────────────────────────────────────────────────────
// Vector index DDL
// ─────────────────────────────────────────────────────────────────────────────

const ddlVectorCollections = `
CREATE TABLE IF NOT EXISTS vector_collections (
    owner       TEXT         PRIMARY KEY,
    name        TEXT         NOT NULL,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

// ddlVectorPoints returns the vector-point DDL with the embedding dimension
// substituted. The dimension is baked into the column type at creation time
// and must match the embedder configured for the deployment.
func ddlVectorPoints(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS vector_points (
    id             TEXT         PRIMARY KEY,
    owner          TEXT         NOT NULL,
    embedding      vector(%d)   NOT NULL,
    content        TEXT         NOT NULL DEFAULT '',
    entity_names   TEXT[]       NOT NULL DEFAULT '{}',
    relation_strs  TEXT[]       NOT NULL DEFAULT '{}',
    category       TEXT         NOT NULL DEFAULT '',
    importance     TEXT         NOT NULL DEFAULT '',
    fact_id        BIGINT       NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_vector_points_owner
    ON vector_points (owner);

CREATE INDEX IF NOT EXISTS idx_vector_points_embedding
    ON vector_points USING hnsw (embedding vector_cosine_ops);
`, embeddingDimensions)
}

// ─────────────────────────────────────────────────────────────────────────────
// Labeled property graph DDL
// ─────────────────────────────────────────────────────────────────────────────

const ddlGraph = `
CREATE TABLE IF NOT EXISTS entities (
    owner       TEXT         NOT NULL,
    name        TEXT         NOT NULL,
    type        TEXT         NOT NULL,
    properties  JSONB        NOT NULL DEFAULT '{}',
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    PRIMARY KEY (owner, name)
);

CREATE INDEX IF NOT EXISTS idx_entities_owner_type ON entities (owner, type);

CREATE TABLE IF NOT EXISTS relationships (
    owner       TEXT         NOT NULL,
    source_name TEXT         NOT NULL,
    target_name TEXT         NOT NULL,
    rel_type    TEXT         NOT NULL,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    PRIMARY KEY (owner, source_name, target_name, rel_type),
    FOREIGN KEY (owner, source_name) REFERENCES entities (owner, name) ON DELETE CASCADE,
    FOREIGN KEY (owner, target_name) REFERENCES entities (owner, name) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_rel_owner_source ON relationships (owner, source_name);
CREATE INDEX IF NOT EXISTS idx_rel_owner_target ON relationships (owner, target_name);
`

// ─────────────────────────────────────────────────────────────────────────────
// Relational record store DDL
// ─────────────────────────────────────────────────────────────────────────────

const ddlRecords = `
CREATE TABLE IF NOT EXISTS memories (
    id          BIGSERIAL    PRIMARY KEY,
    owner       TEXT         NOT NULL,
    content     TEXT         NOT NULL,
    metadata    JSONB        NOT NULL DEFAULT '{}',
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_memories_owner ON memories (owner);

CREATE TABLE IF NOT EXISTS facts (
    id          BIGSERIAL    PRIMARY KEY,
    owner       TEXT         NOT NULL,
    memory_id   BIGINT       NOT NULL REFERENCES memories (id) ON DELETE CASCADE,
    content     TEXT         NOT NULL,
    category    TEXT         NOT NULL,
    importance  TEXT         NOT NULL,
    entities    JSONB        NOT NULL DEFAULT '[]',
    relations   JSONB        NOT NULL DEFAULT '[]',
    vector_id   TEXT         NOT NULL,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    UNIQUE (vector_id)
);

CREATE INDEX IF NOT EXISTS idx_facts_owner ON facts (owner);

CREATE TABLE IF NOT EXISTS judgment_audits (
    trace_id             UUID         PRIMARY KEY,
    owner                TEXT         NOT NULL,
    api_key_id           TEXT         NOT NULL DEFAULT '',
    operation_type       TEXT         NOT NULL,
    input_content        TEXT         NOT NULL,
    extracted_facts      JSONB        NOT NULL DEFAULT '[]',
    candidate_memories   JSONB        NOT NULL DEFAULT '[]',
    raw_model_response   TEXT         NOT NULL DEFAULT '',
    parsed_operations    JSONB        NOT NULL DEFAULT '[]',
    reasoning            TEXT         NOT NULL DEFAULT '',
    executed_summary     TEXT         NOT NULL DEFAULT '',
    success              BOOLEAN      NOT NULL DEFAULT false,
    error                TEXT         NOT NULL DEFAULT '',
    model_name           TEXT         NOT NULL DEFAULT '',
    latency_ms           BIGINT       NOT NULL DEFAULT 0,
    "timestamp"          TIMESTAMPTZ  NOT NULL DEFAULT now(),
    verified             BOOLEAN      NOT NULL DEFAULT false,
    verification_reason  TEXT         NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_judgment_audits_owner ON judgment_audits (owner);
`

// Migrate creates or ensures all required database tables and extensions
// exist. It is idempotent (CREATE TABLE/INDEX IF NOT EXISTS) and safe to
// call on every process start.
//
// embeddingDimensions must match the output dimension of the configured
// embedding model (e.g. 1536 for OpenAI text-embedding-3-small). Changing
// it after the first migration requires a manual schema change — migrations
// here are additive only, never destructive.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	statements := []string{
		ddlVectorPoints(embeddingDimensions),
		ddlVectorCollections,
		ddlGraph,
		ddlRecords,
	}
	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
