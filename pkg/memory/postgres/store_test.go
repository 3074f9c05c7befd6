package postgres_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/glyphoxa/ingestd/pkg/domain"
	"github.com/glyphoxa/ingestd/pkg/memory"
	"github.com/glyphoxa/ingestd/pkg/memory/postgres"
)

const testEmbeddingDim = 4

// testDSN returns the test database DSN from the environment, or skips the
// test if INGESTD_TEST_POSTGRES_DSN is not set, the same convention used by
// pkg/storage's integration tests.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("INGESTD_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("INGESTD_TEST_POSTGRES_DSN not set — skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore creates a fresh postgres.Store with a clean schema.
func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	cleanPool := mustPool(t, ctx, dsn)
	t.Cleanup(cleanPool.Close)
	dropSchema(t, ctx, cleanPool)

	store, err := postgres.NewStore(ctx, dsn, testEmbeddingDim)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

func mustPool(t *testing.T, ctx context.Context, dsn string) *pgxpool.Pool {
	t.Helper()
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		// best-effort: pgvector may not be installed yet on a fresh DB
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
	if _, err := pool.Exec(ctx, "DROP TABLE IF EXISTS memory_nodes CASCADE"); err != nil {
		t.Fatalf("dropSchema: %v", err)
	}
}

func TestStore_SaveAndSearch_LexicalFallback(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := time.Now()
	nodes := []domain.MemoryNode{
		{
			ID:                    "mem-1",
			SourceSegmentID:       "seg-1",
			SourceTranscriptionID: "t-1",
			Content:               "need to call Ivan tomorrow about the project deadline",
			Summary:               "call Ivan about deadline",
			Topics:                []string{"work", "calls"},
			CreatedAt:             now.Add(-10 * time.Minute),
		},
		{
			ID:                    "mem-2",
			SourceSegmentID:       "seg-2",
			SourceTranscriptionID: "t-2",
			Content:               "doctor appointment next week for a checkup",
			Summary:               "doctor appointment",
			Topics:                []string{"health"},
			CreatedAt:             now.Add(-5 * time.Minute),
		},
	}
	for _, n := range nodes {
		if err := store.Save(ctx, n); err != nil {
			t.Fatalf("Save %s: %v", n.ID, err)
		}
	}

	results, err := store.Search(ctx, memory.Query{Text: "Ivan deadline", TopK: 5})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) == 0 || results[0].Node.ID != "mem-1" {
		t.Fatalf("expected mem-1 to rank first for an Ivan/deadline query, got %+v", results)
	}
}

func TestStore_Search_FiltersByTopic(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	if err := store.Save(ctx, domain.MemoryNode{ID: "mem-a", Content: "budget review meeting", Topics: []string{"work"}, CreatedAt: now}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := store.Save(ctx, domain.MemoryNode{ID: "mem-b", Content: "budget review meeting", Topics: []string{"finance"}, CreatedAt: now}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	results, err := store.Search(ctx, memory.Query{Text: "budget", Topics: []string{"finance"}, TopK: 5})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	for _, r := range results {
		if r.Node.ID == "mem-a" {
			t.Fatal("expected topic filter to exclude mem-a (tagged work, not finance)")
		}
	}
}

func TestStore_Save_UpsertsOnConflict(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	node := domain.MemoryNode{ID: "mem-dup", Content: "first version", Summary: "v1", CreatedAt: time.Now()}
	if err := store.Save(ctx, node); err != nil {
		t.Fatalf("Save 1: %v", err)
	}
	node.Content = "second version"
	node.Summary = "v2"
	if err := store.Save(ctx, node); err != nil {
		t.Fatalf("Save 2 (upsert): %v", err)
	}

	results, err := store.Search(ctx, memory.Query{Text: "second version", TopK: 5})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) == 0 || results[0].Node.Summary != "v2" {
		t.Fatalf("expected upsert to replace content/summary, got %+v", results)
	}
}
