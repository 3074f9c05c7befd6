// Package postgres provides a pgvector-backed implementation of
// memory.Store, holding every MemoryNode consolidated from a
// StructuredEvent and serving similarity-ranked retrieval over them.
//
// The pgvector extension must be available in the target database;
// [Migrate] installs it automatically via CREATE EXTENSION IF NOT EXISTS.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ddlMemoryNodes returns the DDL with the embedding dimension substituted.
// The vector dimension is baked into the column type at schema creation
// time; changing it after the first migration requires a manual schema
// change (same constraint the teacher's L2 chunks table carried).
func ddlMemoryNodes(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS memory_nodes (
    id                      TEXT         PRIMARY KEY,
    source_segment_id       TEXT         NOT NULL,
    source_transcription_id TEXT         NOT NULL,
    content                 TEXT         NOT NULL,
    summary                 TEXT         NOT NULL DEFAULT '',
    topics                  TEXT[]       NOT NULL DEFAULT '{}',
    entities                TEXT[]       NOT NULL DEFAULT '{}',
    embedding               vector(%d),
    created_at              TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_memory_nodes_source_transcription
    ON memory_nodes (source_transcription_id);

CREATE INDEX IF NOT EXISTS idx_memory_nodes_created_at
    ON memory_nodes (created_at);

CREATE INDEX IF NOT EXISTS idx_memory_nodes_embedding
    ON memory_nodes USING hnsw (embedding vector_cosine_ops);

CREATE INDEX IF NOT EXISTS idx_memory_nodes_fts
    ON memory_nodes USING GIN (to_tsvector('english', content));
`, embeddingDimensions)
}

// Migrate creates or ensures the memory_nodes table and its indexes exist.
// It is idempotent and safe to call on every application start.
//
// embeddingDimensions must match the configured embeddings.Provider's
// Dimensions(); a zero-dimension vector column is legal in pgvector and is
// used when embeddings are disabled (lexical-only retrieval).
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	if _, err := pool.Exec(ctx, ddlMemoryNodes(embeddingDimensions)); err != nil {
		return fmt.Errorf("postgres memory store: migrate: %w", err)
	}
	return nil
}
