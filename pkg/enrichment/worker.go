// Package enrichment implements the EnrichmentWorker (spec §4.9): an
// out-of-band LLM call that turns a persisted Transcription into a
// StructuredEvent, retried with exponential backoff and decoupled from the
// client response path.
package enrichment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/glyphoxa/ingestd/pkg/domain"
	"github.com/glyphoxa/ingestd/pkg/provider/llm"
)

// DefaultBackoff is the exponential retry schedule from spec §4.9: the wait
// after failed attempt n is entry n-1, so with MaxAttempts (3) attempts 2
// and 3 are preceded by 2s and 4s waits; the 8s entry is reached only when
// MaxAttempts exceeds 3, and later attempts reuse it.
var DefaultBackoff = []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}

// MaxAttempts is the number of LLM-call-and-parse attempts before giving
// up (spec §4.9: "up to 3 attempts").
const MaxAttempts = 3

// DomainVocabulary is the closed set of life-area domains a StructuredEvent
// may report (spec §3 invariant 5), plus room for operator-defined custom
// domains appended by config.
var DomainVocabulary = []string{"work", "health", "family", "finance", "psychology", "relations", "growth", "leisure"}

// Persister is the subset of pkg/storage's Store this worker writes
// through, kept as an interface so tests can inject an in-memory double.
type Persister interface {
	PersistStructuredEvent(ctx context.Context, ev domain.StructuredEvent, segmentID string, integrityMetadata map[string]any) (bool, error)
}

// IntegrityAppender is the subset of pkg/integrity.Chain this worker uses.
type IntegrityAppender interface {
	Append(ctx context.Context, segmentID string, stage domain.IntegrityStage, metadata map[string]any) (domain.IntegrityEvent, error)
}

// Consolidator is triggered once per successful enrichment (spec §4.9:
// "triggers MemoryConsolidator"), implemented by pkg/memory.
type Consolidator interface {
	Consolidate(ctx context.Context, ev domain.StructuredEvent, segmentID, transcriptionID string) error
}

// Config parameterizes a Worker.
type Config struct {
	Model            string
	MaxAttempts      int
	Backoff          []time.Duration
	SummaryMinLength int
	DomainKeywords   map[string][]string
}

// DefaultConfig returns sensible defaults matching spec §4.9.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:      MaxAttempts,
		Backoff:          DefaultBackoff,
		SummaryMinLength: 40,
		DomainKeywords:   defaultDomainKeywords(),
	}
}

func defaultDomainKeywords() map[string][]string {
	return map[string][]string{
		"work":       {"работа", "проект", "встреча", "клиент", "задача", "отчет", "дедлайн"},
		"health":     {"врач", "здоровье", "болит", "таблетки", "больница", "анализ"},
		"family":     {"мама", "папа", "сын", "дочь", "семья", "жена", "муж"},
		"finance":    {"деньги", "кредит", "банк", "оплата", "счет", "бюджет"},
		"psychology": {"тревога", "стресс", "терапия", "чувствую", "эмоции"},
		"relations":  {"друг", "подруга", "отношения", "партнер", "свидание"},
		"growth":     {"учеба", "курс", "книга", "развитие", "цель"},
		"leisure":    {"отдых", "путешествие", "кино", "игра", "хобби"},
	}
}

// Worker performs enrichment: it calls an LLM provider, parses the
// response into a StructuredEvent, computes a confidence heuristic,
// persists the result, and triggers memory consolidation.
type Worker struct {
	cfg          Config
	llm          llm.Provider
	integrity    IntegrityAppender
	store        Persister
	consolidator Consolidator
	sleep        func(time.Duration)
	now          func() time.Time
}

// New constructs a Worker.
func New(provider llm.Provider, integrityChain IntegrityAppender, store Persister, consolidator Consolidator, cfg Config) *Worker {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = MaxAttempts
	}
	if len(cfg.Backoff) == 0 {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.DomainKeywords == nil {
		cfg.DomainKeywords = defaultDomainKeywords()
	}
	return &Worker{
		cfg:          cfg,
		llm:          provider,
		integrity:    integrityChain,
		store:        store,
		consolidator: consolidator,
		sleep:        time.Sleep,
		now:          time.Now,
	}
}

// llmPayload is the JSON shape the enrichment prompt asks the model to
// return. Prompt wording itself is an external collaborator concern (spec
// §1 Non-goals); this worker only depends on the response contract.
type llmPayload struct {
	Summary   string        `json:"summary"`
	Topics    []string      `json:"topics"`
	Domains   []string      `json:"domains"`
	Emotions  []string      `json:"emotions"`
	Tasks     []taskPayload `json:"tasks"`
	Decisions []string      `json:"decisions"`
	Urgency   string        `json:"urgency"`
	Sentiment string        `json:"sentiment"`
}

type taskPayload struct {
	Text     string `json:"text"`
	Priority string `json:"priority"`
	Deadline string `json:"deadline,omitempty"`
}

// Enrich runs the full contract for one transcription: up to
// cfg.MaxAttempts LLM calls with exponential backoff, confidence scoring,
// persistence, integrity bookkeeping, and memory consolidation.
//
// On final failure it returns an error; no StructuredEvent is written and
// the Transcription remains valid (spec invariant 4).
func (w *Worker) Enrich(ctx context.Context, segmentID string, t domain.Transcription, asrConfidence float64) (domain.StructuredEvent, error) {
	var (
		lastErr    error
		payload    llmPayload
		latencyMs  int64
		tokensUsed int
	)

	for attempt := 1; attempt <= w.cfg.MaxAttempts; attempt++ {
		start := w.now()
		resp, err := w.llm.Complete(ctx, w.buildRequest(t))
		elapsed := w.now().Sub(start)

		if err == nil {
			payload, err = parsePayload(resp.Content)
		}
		if err == nil {
			latencyMs = elapsed.Milliseconds()
			tokensUsed = resp.Usage.TotalTokens
			lastErr = nil
			break
		}

		lastErr = err
		slog.Warn("enrichment attempt failed", "segment_id", segmentID, "attempt", attempt, "error", err)

		if attempt < w.cfg.MaxAttempts {
			if _, aerr := w.integrity.Append(ctx, segmentID, domain.StageEnrichmentFailed, map[string]any{"attempt": attempt, "error": err.Error()}); aerr != nil {
				slog.Warn("failed to record enrichment_failed integrity event", "segment_id", segmentID, "error", aerr)
			}
			backoff := w.cfg.Backoff[min(attempt-1, len(w.cfg.Backoff)-1)]
			select {
			case <-ctx.Done():
				return domain.StructuredEvent{}, ctx.Err()
			default:
			}
			w.sleep(backoff)
		}
	}

	if lastErr != nil {
		if _, aerr := w.integrity.Append(ctx, segmentID, domain.StageEnrichmentFailed, map[string]any{"attempt": w.cfg.MaxAttempts, "final": true, "error": lastErr.Error()}); aerr != nil {
			slog.Warn("failed to record final enrichment_failed integrity event", "segment_id", segmentID, "error", aerr)
		}
		return domain.StructuredEvent{}, fmt.Errorf("enrichment: all %d attempts failed: %w: %w", w.cfg.MaxAttempts, ErrFinalFailure, lastErr)
	}

	domains := w.classifyDomains(t.Text, payload.Domains)
	ev := domain.StructuredEvent{
		ID:                  newEventID(),
		TranscriptionID:     t.ID,
		Summary:             payload.Summary,
		Topics:              payload.Topics,
		Domains:             domains,
		Emotions:            payload.Emotions,
		Tasks:               convertTasks(payload.Tasks),
		Decisions:           payload.Decisions,
		Urgency:             parseUrgency(payload.Urgency),
		Sentiment:           parseSentiment(payload.Sentiment),
		ASRConfidence:       asrConfidence,
		EnrichmentModel:     w.cfg.Model,
		EnrichmentTokens:    tokensUsed,
		EnrichmentLatencyMs: latencyMs,
		CreatedAt:           w.now(),
	}
	ev.EnrichmentConfidence = confidence(ev, w.cfg.SummaryMinLength)

	created, err := w.store.PersistStructuredEvent(ctx, ev, segmentID, map[string]any{"model": ev.EnrichmentModel})
	if err != nil {
		return domain.StructuredEvent{}, fmt.Errorf("enrichment: persist structured event: %w", err)
	}
	if !created {
		// Another worker already enriched this transcription (spec
		// invariant 1): nothing left to do.
		return ev, nil
	}

	if w.consolidator != nil {
		if err := w.consolidator.Consolidate(ctx, ev, segmentID, t.ID); err != nil {
			slog.Warn("memory consolidation failed", "segment_id", segmentID, "error", err)
		}
	}

	return ev, nil
}

func (w *Worker) buildRequest(t domain.Transcription) llm.CompletionRequest {
	return llm.CompletionRequest{
		SystemPrompt: "Extract structured insight from a personal voice note transcript. Respond with JSON only.",
		Messages: []llm.Message{
			{Role: "user", Content: t.Text},
		},
		Temperature: 0.2,
	}
}

// classifyDomains implements the token-and-LLM hybrid (spec §4.9): exact
// lexical keyword matches take precedence; the LLM's own domain guess
// (already produced by the same completion call) is used only when no
// keyword matched, i.e. the ambiguous case.
func (w *Worker) classifyDomains(text string, llmDomains []string) []string {
	lower := strings.ToLower(text)
	var matched []string
	for _, d := range DomainVocabulary {
		for _, kw := range w.cfg.DomainKeywords[d] {
			if strings.Contains(lower, kw) {
				matched = append(matched, d)
				break
			}
		}
	}
	if len(matched) > 0 {
		return matched
	}
	return filterToVocabulary(llmDomains)
}

func filterToVocabulary(domains []string) []string {
	allowed := make(map[string]bool, len(DomainVocabulary))
	for _, d := range DomainVocabulary {
		allowed[d] = true
	}
	var out []string
	for _, d := range domains {
		if allowed[d] {
			out = append(out, d)
		}
	}
	return out
}

// confidence aggregates the bounded heuristic from spec §4.9.
func confidence(ev domain.StructuredEvent, summaryMinLength int) float64 {
	var c float64
	if len(ev.Summary) >= summaryMinLength {
		c += 0.3
	}
	if len(ev.Topics) >= 2 {
		c += 0.2
	}
	if len(ev.Emotions) >= 1 {
		c += 0.2
	}
	if ev.Urgency != domain.UrgencyMedium {
		c += 0.15
	}
	if len(ev.Tasks) >= 1 {
		c += 0.15
	}
	if c > 1.0 {
		c = 1.0
	}
	return c
}

func parsePayload(content string) (llmPayload, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")

	var p llmPayload
	if err := json.Unmarshal([]byte(content), &p); err != nil {
		return llmPayload{}, fmt.Errorf("enrichment: parse LLM response: %w", err)
	}
	return p, nil
}

func parseUrgency(s string) domain.Urgency {
	switch domain.Urgency(strings.ToLower(s)) {
	case domain.UrgencyLow, domain.UrgencyMedium, domain.UrgencyHigh:
		return domain.Urgency(strings.ToLower(s))
	default:
		return domain.UrgencyLow
	}
}

func parseSentiment(s string) domain.Sentiment {
	switch domain.Sentiment(strings.ToLower(s)) {
	case domain.SentimentPositive, domain.SentimentNeutral, domain.SentimentNegative:
		return domain.Sentiment(strings.ToLower(s))
	default:
		return domain.SentimentNeutral
	}
}

func convertTasks(tasks []taskPayload) []domain.Task {
	out := make([]domain.Task, 0, len(tasks))
	for _, tp := range tasks {
		task := domain.Task{Text: tp.Text, Priority: tp.Priority}
		if tp.Deadline != "" {
			if dl, err := time.Parse(time.RFC3339, tp.Deadline); err == nil {
				task.Deadline = &dl
			}
		}
		out = append(out, task)
	}
	return out
}

// newEventID derives a StructuredEvent id.
func newEventID() string {
	return "se-" + uuid.NewString()
}

// ErrFinalFailure is a sentinel callers may match against with errors.Is
// for metrics/alerting purposes.
var ErrFinalFailure = errors.New("enrichment: final failure")
