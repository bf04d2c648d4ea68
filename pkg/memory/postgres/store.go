package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/voxfold/voxfold/pkg/memory"
)

// Embedder produces a vector embedding for a text query. Store uses it, when
// configured via WithEmbedder, to run pgvector similarity search instead of
// plain full-text search.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Option configures a Store at construction time.
type Option func(*options)

type options struct {
	embedder   Embedder
	dimensions int
}

// WithEmbedder enables pgvector-backed semantic recall. dimensions must match
// the output size of embedder's model and is baked into the schema at
// migration time; changing it later requires a manual schema change.
func WithEmbedder(embedder Embedder, dimensions int) Option {
	return func(o *options) {
		o.embedder = embedder
		o.dimensions = dimensions
	}
}

// Store is the PostgreSQL-backed implementation of [memory.Store]. It holds a
// single [pgxpool.Pool] and, when constructed with WithEmbedder, a vector
// column for semantic similarity search. All methods are safe for concurrent
// use.
type Store struct {
	pool     *pgxpool.Pool
	embedder Embedder
}

var _ memory.Store = (*Store)(nil)

// NewStore opens a connection pool to the PostgreSQL database at dsn,
// registers pgvector types on every connection, and runs the required schema
// migration.
func NewStore(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

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

	if err := migrate(ctx, pool, o.dimensions); err != nil {
		pool.Close()
		return nil, err
	}

	return &Store{pool: pool, embedder: o.embedder}, nil
}

// Close releases all connections held by the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// RecordTurn implements [memory.Store]. It appends a single row to the turns
// table and, when an embedder is configured, stores the embedding of the
// combined user/assistant text alongside it for later semantic recall.
func (s *Store) RecordTurn(ctx context.Context, userID, userText, assistantText string) error {
	if s.embedder == nil {
		const q = `
			INSERT INTO turns (user_id, user_text, assistant_text)
			VALUES ($1, $2, $3)`
		if _, err := s.pool.Exec(ctx, q, userID, userText, assistantText); err != nil {
			return fmt.Errorf("postgres memory store: record turn: %w", err)
		}
		return nil
	}

	embedding, err := s.embedder.Embed(ctx, userText+"\n"+assistantText)
	if err != nil {
		return fmt.Errorf("postgres memory store: embed turn: %w", err)
	}

	const q = `
		INSERT INTO turns (user_id, user_text, assistant_text, embedding)
		VALUES ($1, $2, $3, $4)`
	if _, err := s.pool.Exec(ctx, q, userID, userText, assistantText, pgvector.NewVector(embedding)); err != nil {
		return fmt.Errorf("postgres memory store: record turn: %w", err)
	}
	return nil
}

// Search implements [memory.Store]. When an embedder is configured it embeds
// queryText and ranks turns by cosine distance; otherwise it falls back to
// PostgreSQL full-text search over the user/assistant text columns.
//
// Results are always scoped to userID and capped at limit.
func (s *Store) Search(ctx context.Context, queryText, userID string, limit int) ([]memory.Snippet, error) {
	if s.embedder != nil {
		snippets, err := s.searchByEmbedding(ctx, queryText, userID, limit)
		if err != nil {
			return nil, err
		}
		return snippets, nil
	}
	return s.searchByText(ctx, queryText, userID, limit)
}

func (s *Store) searchByText(ctx context.Context, queryText, userID string, limit int) ([]memory.Snippet, error) {
	const q = `
		SELECT user_text, assistant_text, recorded_at,
		       ts_rank(to_tsvector('english', user_text || ' ' || assistant_text),
		               plainto_tsquery('english', $1)) AS rank
		FROM   turns
		WHERE  user_id = $2
		  AND  to_tsvector('english', user_text || ' ' || assistant_text)
		           @@ plainto_tsquery('english', $1)
		ORDER  BY rank DESC
		LIMIT  $3`

	rows, err := s.pool.Query(ctx, q, queryText, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres memory store: search: %w", err)
	}
	return collectSnippets(rows, "session")
}

func (s *Store) searchByEmbedding(ctx context.Context, queryText, userID string, limit int) ([]memory.Snippet, error) {
	embedding, err := s.embedder.Embed(ctx, queryText)
	if err != nil {
		return nil, fmt.Errorf("postgres memory store: embed query: %w", err)
	}

	const q = `
		SELECT user_text, assistant_text, recorded_at,
		       1 - (embedding <=> $1) AS score
		FROM   turns
		WHERE  user_id = $2
		  AND  embedding IS NOT NULL
		ORDER  BY embedding <=> $1
		LIMIT  $3`

	rows, err := s.pool.Query(ctx, q, pgvector.NewVector(embedding), userID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres memory store: semantic search: %w", err)
	}
	return collectSnippets(rows, "semantic")
}

func collectSnippets(rows pgx.Rows, source string) ([]memory.Snippet, error) {
	snippets, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.Snippet, error) {
		var (
			userText, assistantText string
			s                       memory.Snippet
		)
		if err := row.Scan(&userText, &assistantText, &s.RecordedAt, &s.Score); err != nil {
			return memory.Snippet{}, err
		}
		s.Text = strings.TrimSpace(userText + " " + assistantText)
		s.Source = source
		return s, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres memory store: scan rows: %w", err)
	}
	if snippets == nil {
		snippets = []memory.Snippet{}
	}
	return snippets, nil
}
