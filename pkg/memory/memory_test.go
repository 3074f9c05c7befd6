package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/glyphoxa/ingestd/pkg/domain"
	"github.com/glyphoxa/ingestd/pkg/memory"
	"github.com/glyphoxa/ingestd/pkg/memory/mock"
	embeddingsmock "github.com/glyphoxa/ingestd/pkg/provider/embeddings/mock"
)

func TestConsolidator_Consolidate_WithoutEmbedder(t *testing.T) {
	store := &mock.Store{}
	c := memory.New(store, nil)

	ev := domain.StructuredEvent{
		TranscriptionID: "t-1",
		Summary:         "call Ivan tomorrow about the project",
		Topics:          []string{"calls"},
		Domains:         []string{"work"},
		Tasks:           []domain.Task{{Text: "call Ivan"}},
	}

	if err := c.Consolidate(context.Background(), ev, "seg-1", "t-1"); err != nil {
		t.Fatalf("Consolidate: %v", err)
	}
	if len(store.Saved) != 1 {
		t.Fatalf("expected 1 node saved, got %d", len(store.Saved))
	}
	node := store.Saved[0]
	if node.SourceSegmentID != "seg-1" || node.SourceTranscriptionID != "t-1" {
		t.Fatalf("expected node to carry source ids, got %+v", node)
	}
	if node.Embedding != nil {
		t.Fatal("expected nil embedding when no embedder is configured")
	}
	foundWork := false
	for _, topic := range node.Topics {
		if topic == "work" {
			foundWork = true
		}
	}
	if !foundWork {
		t.Fatalf("expected domains to be merged into topics, got %v", node.Topics)
	}
}

func TestConsolidator_Consolidate_WithEmbedder(t *testing.T) {
	store := &mock.Store{}
	embedder := &embeddingsmock.Provider{EmbedResult: []float32{0.1, 0.2, 0.3}}
	c := memory.New(store, embedder)

	ev := domain.StructuredEvent{TranscriptionID: "t-2", Summary: "doctor appointment next week"}
	if err := c.Consolidate(context.Background(), ev, "seg-2", "t-2"); err != nil {
		t.Fatalf("Consolidate: %v", err)
	}
	if len(store.Saved) != 1 || len(store.Saved[0].Embedding) != 3 {
		t.Fatalf("expected embedding to be attached, got %+v", store.Saved)
	}
}

func TestConsolidator_Consolidate_EmbedErrorPropagates(t *testing.T) {
	store := &mock.Store{}
	embedder := &embeddingsmock.Provider{EmbedErr: errors.New("embedding backend down")}
	c := memory.New(store, embedder)

	err := c.Consolidate(context.Background(), domain.StructuredEvent{TranscriptionID: "t-3"}, "seg-3", "t-3")
	if err == nil {
		t.Fatal("expected error when embedder fails")
	}
	if len(store.Saved) != 0 {
		t.Fatal("expected no node saved when embedding fails")
	}
}

func TestRankByLexicalScore_OrdersBySimilarity(t *testing.T) {
	now := time.Now()
	nodes := []domain.MemoryNode{
		{ID: "a", Content: "need to call Ivan about the deadline", CreatedAt: now},
		{ID: "b", Content: "doctor appointment checkup", CreatedAt: now},
	}
	results := memory.RankByLexicalScore(memory.Query{Text: "call ivan deadline", TopK: 5}, nodes)
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Node.ID != "a" {
		t.Fatalf("expected node a to rank first, got %s", results[0].Node.ID)
	}
	if results[0].Distance >= results[1].Distance {
		t.Fatalf("expected closer match to have lower distance: %v vs %v", results[0].Distance, results[1].Distance)
	}
}

func TestRankByLexicalScore_RespectsTopKAndTopicFilter(t *testing.T) {
	now := time.Now()
	nodes := []domain.MemoryNode{
		{ID: "a", Content: "budget review", Topics: []string{"finance"}, CreatedAt: now},
		{ID: "b", Content: "budget review", Topics: []string{"work"}, CreatedAt: now},
		{ID: "c", Content: "budget review", Topics: []string{"finance"}, CreatedAt: now},
	}
	results := memory.RankByLexicalScore(memory.Query{Text: "budget", Topics: []string{"finance"}, TopK: 1}, nodes)
	if len(results) != 1 {
		t.Fatalf("expected TopK=1 to cap results, got %d", len(results))
	}
	if results[0].Node.ID == "b" {
		t.Fatal("expected topic filter to exclude node b")
	}
}
