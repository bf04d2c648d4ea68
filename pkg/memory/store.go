// Package memory defines the MemoryStore collaborator consumed by the
// pipeline orchestrator (§6.4).
//
// The orchestrator calls Search once before opening the LLM stream, folding
// the returned snippets into the system message, and calls RecordTurn once a
// turn reaches Completed. Implementations must be safe for concurrent use
// from multiple turns and must never block the caller indefinitely — the
// orchestrator applies its own deadline around both calls (500ms by
// default) and treats a timeout as an empty result rather than a fatal
// error.
package memory

import (
	"context"
	"time"
)

// Snippet is a single retrieved memory fragment, ready for concatenation
// into a system prompt.
type Snippet struct {
	// Text is the snippet content.
	Text string

	// Source identifies where the snippet came from (e.g., "session", "semantic").
	Source string

	// Score is the retrieval relevance, higher is more relevant. Interpretation
	// is backend-specific; callers should treat it as ordering information only.
	Score float64

	// RecordedAt is when the underlying turn was recorded.
	RecordedAt time.Time
}

// Store is the MemoryStore collaborator interface (§6.4).
type Store interface {
	// Search returns up to limit memory snippets relevant to queryText for
	// userID. Implementations may combine full-text and semantic retrieval.
	// Returns an empty (non-nil) slice when nothing matches.
	Search(ctx context.Context, queryText, userID string, limit int) ([]Snippet, error)

	// RecordTurn persists a completed turn's user and assistant text under
	// userID. Called once a turn reaches TurnCompleted; implementations should
	// treat this as fire-and-forget durability, not a latency-critical path.
	RecordTurn(ctx context.Context, userID, userText, assistantText string) error
}
