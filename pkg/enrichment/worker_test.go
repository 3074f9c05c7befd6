package enrichment

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/glyphoxa/ingestd/pkg/domain"
	"github.com/glyphoxa/ingestd/pkg/provider/llm"
	llmmock "github.com/glyphoxa/ingestd/pkg/provider/llm/mock"
)

// fakeIntegrity records every Append call without any chaining logic.
type fakeIntegrity struct {
	mu     sync.Mutex
	events []domain.IntegrityEvent
}

func (f *fakeIntegrity) Append(ctx context.Context, segmentID string, stage domain.IntegrityStage, metadata map[string]any) (domain.IntegrityEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ev := domain.IntegrityEvent{SegmentID: segmentID, Stage: stage, Metadata: metadata, CreatedAt: time.Now()}
	f.events = append(f.events, ev)
	return ev, nil
}

func (f *fakeIntegrity) stageCounts() map[domain.IntegrityStage]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	counts := make(map[domain.IntegrityStage]int)
	for _, e := range f.events {
		counts[e.Stage]++
	}
	return counts
}

// fakeStore records PersistStructuredEvent calls and simulates idempotence.
type fakeStore struct {
	mu      sync.Mutex
	created map[string]domain.StructuredEvent
}

func newFakeStore() *fakeStore { return &fakeStore{created: make(map[string]domain.StructuredEvent)} }

func (s *fakeStore) PersistStructuredEvent(ctx context.Context, ev domain.StructuredEvent, segmentID string, meta map[string]any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.created[ev.TranscriptionID]; exists {
		return false, nil
	}
	s.created[ev.TranscriptionID] = ev
	return true, nil
}

type fakeConsolidator struct {
	mu    sync.Mutex
	calls int
}

func (c *fakeConsolidator) Consolidate(ctx context.Context, ev domain.StructuredEvent, segmentID, transcriptionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return nil
}

const validJSON = `{"summary":"Needs to call Ivan tomorrow about the project deadline and follow up on the budget.","topics":["calls","work"],"domains":[],"emotions":["neutral"],"tasks":[{"text":"call Ivan","priority":"high"}],"decisions":[],"urgency":"high","sentiment":"neutral"}`

func TestWorker_Enrich_SuccessOnFirstAttempt(t *testing.T) {
	provider := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: validJSON, Usage: llm.Usage{TotalTokens: 120}},
	}
	integrityChain := &fakeIntegrity{}
	store := newFakeStore()
	consolidator := &fakeConsolidator{}

	w := New(provider, integrityChain, store, consolidator, DefaultConfig())
	w.sleep = func(time.Duration) {}

	tr := domain.Transcription{ID: "t-1", SegmentID: "seg-1", Text: "Нужно позвонить Ивану завтра в три по работе."}
	ev, err := w.Enrich(context.Background(), "seg-1", tr, 0.9)
	if err != nil {
		t.Fatalf("Enrich: %v", err)
	}
	if ev.EnrichmentConfidence <= 0 {
		t.Fatal("expected non-zero confidence")
	}
	if len(ev.Tasks) != 1 {
		t.Fatalf("expected 1 task, got %d", len(ev.Tasks))
	}
	if consolidator.calls != 1 {
		t.Fatalf("expected consolidator called once, got %d", consolidator.calls)
	}
	if counts := integrityChain.stageCounts(); counts[domain.StageEnrichmentFailed] != 0 {
		t.Fatalf("expected no enrichment_failed events, got %d", counts[domain.StageEnrichmentFailed])
	}
}

func TestWorker_Enrich_RetriesThenSucceeds(t *testing.T) {
	callCount := 0
	provider := &transientThenSuccessProvider{failTimes: 2}
	integrityChain := &fakeIntegrity{}
	store := newFakeStore()

	w := New(provider, integrityChain, store, nil, DefaultConfig())
	w.sleep = func(time.Duration) { callCount++ }
	// Each clock read advances 100ms, so every attempt measures 100ms and
	// the sum over all three attempts would be 300ms.
	var clock time.Time
	w.now = func() time.Time { clock = clock.Add(100 * time.Millisecond); return clock }

	tr := domain.Transcription{ID: "t-2", SegmentID: "seg-2", Text: "some transcript text"}
	ev, err := w.Enrich(context.Background(), "seg-2", tr, 0.8)
	if err != nil {
		t.Fatalf("Enrich: %v", err)
	}
	if callCount != 2 {
		t.Fatalf("expected 2 backoff sleeps (2 failed attempts before success), got %d", callCount)
	}
	// Latency must reflect only the successful attempt, not the sum of all
	// attempts (spec testable property 7).
	if ev.EnrichmentLatencyMs != 100 {
		t.Fatalf("expected latency of the successful attempt only (100ms), got %dms", ev.EnrichmentLatencyMs)
	}
	counts := integrityChain.stageCounts()
	if counts[domain.StageEnrichmentFailed] != 2 {
		t.Fatalf("expected 2 enrichment_failed events, got %d", counts[domain.StageEnrichmentFailed])
	}
}

func TestWorker_Enrich_AllAttemptsFail_NoStructuredEvent(t *testing.T) {
	provider := &llmmock.Provider{CompleteErr: errors.New("upstream down")}
	integrityChain := &fakeIntegrity{}
	store := newFakeStore()

	w := New(provider, integrityChain, store, nil, DefaultConfig())
	w.sleep = func(time.Duration) {}

	tr := domain.Transcription{ID: "t-3", SegmentID: "seg-3", Text: "text"}
	_, err := w.Enrich(context.Background(), "seg-3", tr, 0.5)
	if err == nil {
		t.Fatal("expected error after exhausting all attempts")
	}
	if _, ok := store.created[tr.ID]; ok {
		t.Fatal("expected no StructuredEvent to be persisted on final failure")
	}
	counts := integrityChain.stageCounts()
	if counts[domain.StageEnrichmentFailed] != DefaultConfig().MaxAttempts {
		t.Fatalf("expected %d enrichment_failed events, got %d", DefaultConfig().MaxAttempts, counts[domain.StageEnrichmentFailed])
	}
}

func TestClassifyDomains_LexicalPrecedesLLMFallback(t *testing.T) {
	w := New(&llmmock.Provider{}, &fakeIntegrity{}, newFakeStore(), nil, DefaultConfig())

	domains := w.classifyDomains("Нужно сходить к врачу, болит спина", []string{"leisure"})
	if len(domains) != 1 || domains[0] != "health" {
		t.Fatalf("expected lexical match to win with [health], got %v", domains)
	}

	ambiguous := w.classifyDomains("просто какой-то текст без ключевых слов", []string{"growth"})
	if len(ambiguous) != 1 || ambiguous[0] != "growth" {
		t.Fatalf("expected LLM fallback domains when no lexical match, got %v", ambiguous)
	}
}

func TestConfidence_NotConstant(t *testing.T) {
	low := confidence(domain.StructuredEvent{Summary: "short", Urgency: domain.UrgencyMedium}, 40)
	high := confidence(domain.StructuredEvent{
		Summary:  "a very long and detailed summary exceeding the minimum threshold length by a good margin",
		Topics:   []string{"a", "b"},
		Emotions: []string{"calm"},
		Urgency:  domain.UrgencyHigh,
		Tasks:    []domain.Task{{Text: "do something"}},
	}, 40)
	if low == high {
		t.Fatal("expected confidence to vary with content, not be constant")
	}
	if high != 1.0 {
		t.Fatalf("expected max heuristic score to clip to 1.0, got %v", high)
	}
}

// transientThenSuccessProvider fails failTimes times then succeeds, to
// exercise the retry path without sharing mutable call-count state through
// llmmock.Provider's single CompleteErr field.
type transientThenSuccessProvider struct {
	mu        sync.Mutex
	calls     int
	failTimes int
}

func (p *transientThenSuccessProvider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.calls <= p.failTimes {
		return nil, errors.New("transient upstream error")
	}
	return &llm.CompletionResponse{Content: validJSON, Usage: llm.Usage{TotalTokens: 90}}, nil
}

func (p *transientThenSuccessProvider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	return nil, errors.New("not implemented")
}

func (p *transientThenSuccessProvider) CountTokens(messages []llm.Message) (int, error) { return 0, nil }

func (p *transientThenSuccessProvider) Capabilities() llm.ModelCapabilities { return llm.ModelCapabilities{} }
