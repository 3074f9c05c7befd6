package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/glyphoxa/ingestd/pkg/domain"
	"github.com/glyphoxa/ingestd/pkg/memory"
)

var _ memory.Store = (*Store)(nil)

// Store is the PostgreSQL + pgvector backed implementation of memory.Store
// (spec §4.10). Every consolidated MemoryNode is written to a single
// memory_nodes table; retrieval ranks by cosine distance when a node
// carries an embedding via SearchByEmbedding, or falls back to
// memory.RankByLexicalScore through Search otherwise.
//
// All methods are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a Store, establishes a connection pool to dsn, registers
// pgvector types on every connection, and runs Migrate.
//
// embeddingDimensions must match the Dimensions() of the embeddings.Provider
// passed to memory.New; pass 0 to disable the vector column's dimension
// constraint when running in lexical-only mode.
func NewStore(ctx context.Context, dsn string, embeddingDimensions int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres memory store: parse dsn: %w", err)
	}

	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres memory store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres memory store: ping: %w", err)
	}

	if err := Migrate(ctx, pool, embeddingDimensions); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres memory store: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Close releases all connections held by the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Save implements memory.Store. It upserts node keyed by node.ID.
func (s *Store) Save(ctx context.Context, node domain.MemoryNode) error {
	const q = `
		INSERT INTO memory_nodes
		    (id, source_segment_id, source_transcription_id, content, summary, topics, entities, embedding, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
		    content   = EXCLUDED.content,
		    summary   = EXCLUDED.summary,
		    topics    = EXCLUDED.topics,
		    entities  = EXCLUDED.entities,
		    embedding = EXCLUDED.embedding`

	var vec *pgvector.Vector
	if node.Embedding != nil {
		v := pgvector.NewVector(node.Embedding)
		vec = &v
	}

	_, err := s.pool.Exec(ctx, q,
		node.ID,
		node.SourceSegmentID,
		node.SourceTranscriptionID,
		node.Content,
		node.Summary,
		node.Topics,
		node.Entities,
		vec,
		node.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres memory store: save node: %w", err)
	}
	return nil
}

// Search implements memory.Store. It fetches a bounded candidate set
// matching q's time/topic filters and re-ranks it client-side with
// memory.RankByLexicalScore, matching spec §4.10's MVP retrieval
// behavior. Callers that have a configured embeddings.Provider should
// prefer SearchByEmbedding for cosine-ranked results.
func (s *Store) Search(ctx context.Context, q memory.Query) ([]memory.Result, error) {
	var args []any
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	var conditions []string
	if !q.After.IsZero() {
		conditions = append(conditions, "created_at > "+next(q.After))
	}
	if !q.Before.IsZero() {
		conditions = append(conditions, "created_at < "+next(q.Before))
	}
	if len(q.Topics) > 0 {
		conditions = append(conditions, "topics && "+next(q.Topics))
	}

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = "WHERE " + conditions[0]
		for _, c := range conditions[1:] {
			whereClause += "\n  AND " + c
		}
	}

	// Candidate fan-out: fetch a bounded set and re-rank client side,
	// since a full-text-search ranking function would need its own
	// tuning pass that spec §4.10 leaves as future work.
	limit := q.TopK * 10
	if limit <= 0 {
		limit = 200
	}
	args = append(args, limit)
	limitArg := fmt.Sprintf("$%d", len(args))

	query := fmt.Sprintf(`
		SELECT id, source_segment_id, source_transcription_id, content, summary, topics, entities, created_at
		FROM   memory_nodes
		%s
		ORDER  BY created_at DESC
		LIMIT  %s`, whereClause, limitArg)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres memory store: search: %w", err)
	}

	nodes, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.MemoryNode, error) {
		var n domain.MemoryNode
		if err := row.Scan(&n.ID, &n.SourceSegmentID, &n.SourceTranscriptionID, &n.Content, &n.Summary, &n.Topics, &n.Entities, &n.CreatedAt); err != nil {
			return domain.MemoryNode{}, err
		}
		return n, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres memory store: scan rows: %w", err)
	}

	return memory.RankByLexicalScore(q, nodes), nil
}

// SearchByEmbedding ranks memory_nodes by cosine distance to embedding,
// the vector-search path spec §4.10 earmarks as the upgrade from lexical
// scoring once an embeddings.Provider is configured.
func (s *Store) SearchByEmbedding(ctx context.Context, embedding []float32, topK int) ([]memory.Result, error) {
	vec := pgvector.NewVector(embedding)

	const q = `
		SELECT id, source_segment_id, source_transcription_id, content, summary, topics, entities, created_at,
		       embedding <=> $1 AS distance
		FROM   memory_nodes
		WHERE  embedding IS NOT NULL
		ORDER  BY distance
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, vec, topK)
	if err != nil {
		return nil, fmt.Errorf("postgres memory store: search by embedding: %w", err)
	}

	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.Result, error) {
		var r memory.Result
		if err := row.Scan(&r.Node.ID, &r.Node.SourceSegmentID, &r.Node.SourceTranscriptionID, &r.Node.Content, &r.Node.Summary, &r.Node.Topics, &r.Node.Entities, &r.Node.CreatedAt, &r.Distance); err != nil {
			return memory.Result{}, err
		}
		return r, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres memory store: scan rows: %w", err)
	}
	if results == nil {
		results = []memory.Result{}
	}
	return results, nil
}
