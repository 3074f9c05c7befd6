// Package memory implements the MemoryConsolidator (spec §4.10): it turns a
// successfully enriched StructuredEvent into a durable, retrievable
// MemoryNode and exposes a top-k retrieval surface over the accumulated
// memory.
//
// A Store is the storage-backed half of this package; pkg/memory/postgres
// provides a pgvector-backed implementation and pkg/memory/mock provides an
// in-memory test double. Consolidator is storage-agnostic: it only depends
// on Store and an embeddings.Provider.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/glyphoxa/ingestd/pkg/domain"
	"github.com/glyphoxa/ingestd/pkg/provider/embeddings"
)

// Query narrows a retrieval call. All non-zero fields are applied as AND
// conditions on top of the similarity ranking.
type Query struct {
	// Text is the natural-language query; Store.Search implementations rank
	// candidates against it lexically (see RankByLexicalScore).
	Text string

	// Topics restricts results to nodes sharing at least one of these
	// topics, if non-empty.
	Topics []string

	// After filters nodes created after this instant (exclusive).
	After time.Time

	// Before filters nodes created before this instant (exclusive).
	Before time.Time

	// TopK caps the number of results. A value of 0 means the
	// implementation's own default.
	TopK int
}

// Result pairs a retrieved MemoryNode with its distance from the query
// embedding. Lower Distance means more similar; interpretation (cosine,
// L2, or the MVP lexical-overlap score) is implementation-defined.
type Result struct {
	Node     domain.MemoryNode
	Distance float64
}

// Store is the storage contract a Consolidator writes through and a
// retrieval API reads through. pkg/memory/postgres and pkg/memory/mock both
// implement it.
type Store interface {
	// Save upserts node, keyed by node.ID.
	Save(ctx context.Context, node domain.MemoryNode) error

	// Search returns the topK nodes most similar to q, most similar first.
	Search(ctx context.Context, q Query) ([]Result, error)
}

// Consolidator turns a StructuredEvent into a MemoryNode and writes it
// through Store. It satisfies pkg/enrichment.Consolidator.
type Consolidator struct {
	store      Store
	embedder   embeddings.Provider
	now        func() time.Time
	newID      func() string
}

// New constructs a Consolidator. embedder may be nil, in which case nodes
// are written with a nil Embedding and Store.Search implementations fall
// back to lexical scoring (spec §4.10's MVP retrieval mode).
func New(store Store, embedder embeddings.Provider) *Consolidator {
	return &Consolidator{
		store:    store,
		embedder: embedder,
		now:      time.Now,
		newID:    func() string { return "mem-" + uuid.NewString() },
	}
}

// Consolidate builds a MemoryNode from ev and writes it to the store. It
// satisfies enrichment.Consolidator's interface exactly so an
// *enrichment.Worker can hold a *Consolidator as its consolidator
// collaborator without any adapter.
func (c *Consolidator) Consolidate(ctx context.Context, ev domain.StructuredEvent, segmentID, transcriptionID string) error {
	node := domain.MemoryNode{
		ID:                    c.newID(),
		SourceSegmentID:       segmentID,
		SourceTranscriptionID: transcriptionID,
		Content:               buildContent(ev),
		Summary:               ev.Summary,
		Topics:                mergeTopics(ev.Topics, ev.Domains),
		Entities:              extractEntities(ev),
		CreatedAt:             c.now(),
	}

	if c.embedder != nil {
		vec, err := c.embedder.Embed(ctx, node.Content)
		if err != nil {
			return fmt.Errorf("memory: embed consolidated node: %w", err)
		}
		node.Embedding = vec
	}

	if err := c.store.Save(ctx, node); err != nil {
		return fmt.Errorf("memory: save node: %w", err)
	}
	return nil
}

// buildContent concatenates the fields a retrieval query is most likely to
// match against into a single indexable string.
func buildContent(ev domain.StructuredEvent) string {
	var b strings.Builder
	b.WriteString(ev.Summary)
	if len(ev.Topics) > 0 {
		b.WriteString(" | topics: ")
		b.WriteString(strings.Join(ev.Topics, ", "))
	}
	if len(ev.Decisions) > 0 {
		b.WriteString(" | decisions: ")
		b.WriteString(strings.Join(ev.Decisions, "; "))
	}
	for _, task := range ev.Tasks {
		b.WriteString(" | task: ")
		b.WriteString(task.Text)
	}
	return b.String()
}

func mergeTopics(topics, domains []string) []string {
	seen := make(map[string]bool, len(topics)+len(domains))
	out := make([]string, 0, len(topics)+len(domains))
	for _, t := range append(append([]string{}, topics...), domains...) {
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

// extractEntities is a placeholder lexical pass over task text; a real
// named-entity extraction pass belongs in the enrichment LLM call, not
// here. It returns the distinct capitalized-looking tokens in each task.
func extractEntities(ev domain.StructuredEvent) []string {
	seen := make(map[string]bool)
	var out []string
	for _, task := range ev.Tasks {
		for _, word := range strings.Fields(task.Text) {
			trimmed := strings.Trim(word, ".,!?;:")
			if len([]rune(trimmed)) < 2 {
				continue
			}
			r := []rune(trimmed)
			if !(r[0] >= 'A' && r[0] <= 'Z') && !(r[0] >= 'А' && r[0] <= 'Я') {
				continue
			}
			if seen[trimmed] {
				continue
			}
			seen[trimmed] = true
			out = append(out, trimmed)
		}
	}
	return out
}

// LexicalScore implements the MVP retrieval ranking from spec §4.10:
// substring containment plus token-overlap, used by pkg/memory/mock and as
// the postgres store's fallback path when a node carries no embedding.
// Higher scores are more relevant; callers wanting a Result.Distance should
// negate or invert this value.
func LexicalScore(query, content string) float64 {
	query = strings.ToLower(strings.TrimSpace(query))
	content = strings.ToLower(content)
	if query == "" {
		return 0
	}

	var score float64
	if strings.Contains(content, query) {
		score += 1.0
	}

	queryTokens := tokenSet(query)
	contentTokens := tokenSet(content)
	if len(queryTokens) == 0 {
		return score
	}
	overlap := 0
	for t := range queryTokens {
		if contentTokens[t] {
			overlap++
		}
	}
	score += float64(overlap) / float64(len(queryTokens))
	return score
}

func tokenSet(s string) map[string]bool {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r >= 'а' && r <= 'я')
	})
	set := make(map[string]bool, len(fields))
	for _, f := range fields {
		if len(f) >= 2 {
			set[f] = true
		}
	}
	return set
}

// RankByLexicalScore sorts candidates by descending LexicalScore against
// query.Text and returns the topK as Results with Distance = 1 - score
// (clamped at 0) so lower-is-better holds the same meaning as the
// pgvector cosine-distance path.
func RankByLexicalScore(query Query, nodes []domain.MemoryNode) []Result {
	type scored struct {
		node  domain.MemoryNode
		score float64
	}
	candidates := make([]scored, 0, len(nodes))
	for _, n := range nodes {
		if !matchesFilters(query, n) {
			continue
		}
		candidates = append(candidates, scored{node: n, score: LexicalScore(query.Text, n.Content)})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })

	topK := query.TopK
	if topK <= 0 || topK > len(candidates) {
		topK = len(candidates)
	}
	out := make([]Result, 0, topK)
	for _, c := range candidates[:topK] {
		distance := 1 - c.score
		if distance < 0 {
			distance = 0
		}
		out = append(out, Result{Node: c.node, Distance: distance})
	}
	return out
}

func matchesFilters(q Query, n domain.MemoryNode) bool {
	if !q.After.IsZero() && !n.CreatedAt.After(q.After) {
		return false
	}
	if !q.Before.IsZero() && !n.CreatedAt.Before(q.Before) {
		return false
	}
	if len(q.Topics) == 0 {
		return true
	}
	for _, want := range q.Topics {
		for _, have := range n.Topics {
			if want == have {
				return true
			}
		}
	}
	return false
}
