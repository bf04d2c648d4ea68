// Package postgres provides a PostgreSQL-backed implementation of the
// memory.Store collaborator (§6.4): a hot, time-ordered turn log with a
// full-text search fallback, and an optional pgvector-backed semantic
// recall path when an embedder is configured.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//
//	snippets, _ := store.Search(ctx, "what did we order last time", userID, 5)
//	_ = store.RecordTurn(ctx, userID, userText, assistantText)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlTurns = `
CREATE TABLE IF NOT EXISTS turns (
    id             BIGSERIAL    PRIMARY KEY,
    user_id        TEXT         NOT NULL,
    user_text      TEXT         NOT NULL,
    assistant_text TEXT         NOT NULL,
    recorded_at    TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_turns_user_id
    ON turns (user_id);

CREATE INDEX IF NOT EXISTS idx_turns_user_recorded
    ON turns (user_id, recorded_at);

CREATE INDEX IF NOT EXISTS idx_turns_fts
    ON turns USING GIN (to_tsvector('english', user_text || ' ' || assistant_text));
`

// ddlEmbedding returns the pgvector column and index DDL for the given
// embedding dimension. Only applied when the Store is constructed with
// WithEmbedder, since the vector dimension must be known up front.
func ddlEmbedding(dimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

ALTER TABLE turns ADD COLUMN IF NOT EXISTS embedding vector(%d);

CREATE INDEX IF NOT EXISTS idx_turns_embedding
    ON turns USING hnsw (embedding vector_cosine_ops);
`, dimensions)
}

// migrate creates or ensures the turns table (and, when dimensions > 0, the
// pgvector embedding column and index) exist. Idempotent and safe to call on
// every application start.
func migrate(ctx context.Context, pool *pgxpool.Pool, dimensions int) error {
	statements := []string{ddlTurns}
	if dimensions > 0 {
		statements = append(statements, ddlEmbedding(dimensions))
	}
	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres memory store: migrate: %w", err)
		}
	}
	return nil
}
