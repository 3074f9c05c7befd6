// Package mock provides an in-memory test double for memory.Store.
//
// The mock records every method call for assertion in tests and exposes
// exported fields that control what it returns. It is safe for concurrent
// use via an internal sync.Mutex.
//
// Typical usage:
//
//	store := &mock.Store{}
//	store.SearchResult = []memory.Result{{Node: domain.MemoryNode{ID: "mem-1"}}}
//
//	// inject store into the system under test …
//
//	if got := store.CallCount("Search"); got != 1 {
//	    t.Errorf("expected 1 Search call, got %d", got)
//	}
package mock

import (
	"context"
	"sync"

	"github.com/glyphoxa/ingestd/pkg/domain"
	"github.com/glyphoxa/ingestd/pkg/memory"
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	Method string
	Args   []any
}

// Store is a configurable test double for memory.Store.
type Store struct {
	mu sync.Mutex

	calls []Call

	// Saved accumulates every node passed to Save, in call order.
	Saved []domain.MemoryNode

	// SaveErr is returned by Save when non-nil.
	SaveErr error

	// SearchResult is returned by Search. When nil, Search falls back to
	// ranking Saved with memory.RankByLexicalScore, so a test that never
	// sets SearchResult still exercises realistic ranking behavior.
	SearchResult []memory.Result

	// SearchErr is returned by Search when non-nil.
	SearchErr error
}

var _ memory.Store = (*Store)(nil)

// Save implements memory.Store.
func (s *Store) Save(ctx context.Context, node domain.MemoryNode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, Call{Method: "Save", Args: []any{node}})
	if s.SaveErr != nil {
		return s.SaveErr
	}
	s.Saved = append(s.Saved, node)
	return nil
}

// Search implements memory.Store.
func (s *Store) Search(ctx context.Context, q memory.Query) ([]memory.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, Call{Method: "Search", Args: []any{q}})
	if s.SearchErr != nil {
		return nil, s.SearchErr
	}
	if s.SearchResult != nil {
		return s.SearchResult, nil
	}
	return memory.RankByLexicalScore(q, s.Saved), nil
}

// Calls returns every recorded invocation in order.
func (s *Store) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

// CallCount returns how many times method was invoked.
func (s *Store) CallCount(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Reset clears all recorded calls and saved nodes.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = nil
	s.Saved = nil
}
