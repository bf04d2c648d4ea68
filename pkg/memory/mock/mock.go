// Package mock provides an in-memory test double for the memory.Store
// interface.
//
// The mock records every method call for assertion in tests and exposes
// exported fields that control what it returns. It is safe for concurrent
// use via an internal [sync.Mutex].
//
// Typical usage:
//
//	store := &mock.Store{SearchResult: []memory.Snippet{{Text: "likes tea"}}}
//
//	// inject store into the system under test …
//
//	if got := store.CallCount("RecordTurn"); got != 1 {
//	    t.Errorf("expected 1 RecordTurn call, got %d", got)
//	}
package mock

import (
	"context"
	"sync"

	"github.com/voxfold/voxfold/pkg/memory"
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// Store is a configurable test double for [memory.Store].
type Store struct {
	mu sync.Mutex

	calls []Call

	// SearchResult is returned by Search. When nil, Search returns an empty
	// non-nil slice.
	SearchResult []memory.Snippet

	// SearchErr is returned by Search when non-nil.
	SearchErr error

	// SearchDelay, if set, is invoked before Search returns — used to exercise
	// the orchestrator's 500ms memory deadline.
	SearchDelay func()

	// RecordTurnErr is returned by RecordTurn when non-nil.
	RecordTurnErr error
}

// Calls returns a copy of all recorded method invocations.
func (m *Store) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times the named method was invoked.
func (m *Store) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Reset clears all recorded calls without altering response configuration.
func (m *Store) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

// Search implements [memory.Store].
func (m *Store) Search(ctx context.Context, queryText, userID string, limit int) ([]memory.Snippet, error) {
	m.mu.Lock()
	delay := m.SearchDelay
	m.calls = append(m.calls, Call{Method: "Search", Args: []any{queryText, userID, limit}})
	result, err := m.SearchResult, m.SearchErr
	m.mu.Unlock()

	if delay != nil {
		delay()
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if result == nil {
		return []memory.Snippet{}, err
	}
	out := make([]memory.Snippet, len(result))
	copy(out, result)
	return out, err
}

// RecordTurn implements [memory.Store].
func (m *Store) RecordTurn(_ context.Context, userID, userText, assistantText string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "RecordTurn", Args: []any{userID, userText, assistantText}})
	return m.RecordTurnErr
}

// Ensure Store satisfies the interface at compile time.
var _ memory.Store = (*Store)(nil)
