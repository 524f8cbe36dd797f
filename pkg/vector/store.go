package vector

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

// Store provides pgvector-backed embedding storage and owner-scoped
// similarity search.
type Store struct {
	pool *pgxpool.Pool
}

// SearchResult holds one similarity search hit. Similarity is cosine
// similarity (1 - cosine distance), so higher is more similar.
type SearchResult struct {
	MemoryID   string
	Similarity float64
}

// NewStore creates a pgvector store and verifies the connection.
func NewStore(ctx context.Context, pgURL string) (*Store, error) {
	config, err := pgxpool.ParseConfig(pgURL)
	if err != nil {
		return nil, fmt.Errorf("parse postgres URL: %w", err)
	}

	// Register pgvector types on each new connection
	config.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Init creates the pgvector extension, table, and index if missing.
func (s *Store) Init(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector")
	if err != nil {
		return fmt.Errorf("create vector extension: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS memory_embeddings (
			memory_id   TEXT PRIMARY KEY,
			owner_id    TEXT NOT NULL,
			embedding   vector(768) NOT NULL,
			embedded_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	if err != nil {
		return fmt.Errorf("create embeddings table: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		CREATE INDEX IF NOT EXISTS idx_embeddings_hnsw
		ON memory_embeddings
		USING hnsw (embedding vector_cosine_ops)
		WITH (m = 16, ef_construction = 64)
	`)
	if err != nil {
		return fmt.Errorf("create HNSW index: %w", err)
	}

	slog.Info("vector store initialized")
	return nil
}

// Close closes the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Insert stores or replaces an embedding for a memory.
func (s *Store) Insert(ctx context.Context, memoryID, ownerID string, embedding []float32) error {
	vec := pgvector.NewVector(embedding)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO memory_embeddings (memory_id, owner_id, embedding, embedded_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (memory_id) DO UPDATE
		SET embedding = EXCLUDED.embedding, embedded_at = now()
	`, memoryID, ownerID, vec)
	if err != nil {
		return fmt.Errorf("insert embedding %s: %w", memoryID, err)
	}
	return nil
}

// InsertBatch stores embeddings for multiple memories in one transaction.
func (s *Store) InsertBatch(ctx context.Context, ownerID string, memoryIDs []string, embeddings [][]float32) error {
	if len(memoryIDs) != len(embeddings) {
		return fmt.Errorf("mismatched batch sizes: ids=%d embeddings=%d", len(memoryIDs), len(embeddings))
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin batch tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for i := range memoryIDs {
		vec := pgvector.NewVector(embeddings[i])
		_, err := tx.Exec(ctx, `
			INSERT INTO memory_embeddings (memory_id, owner_id, embedding, embedded_at)
			VALUES ($1, $2, $3, now())
			ON CONFLICT (memory_id) DO UPDATE
			SET embedding = EXCLUDED.embedding, embedded_at = now()
		`, memoryIDs[i], ownerID, vec)
		if err != nil {
			return fmt.Errorf("insert embedding %s: %w", memoryIDs[i], err)
		}
	}
	return tx.Commit(ctx)
}

// SearchSimilar returns up to limit memories of one owner whose cosine
// similarity to the query vector meets the threshold, most similar first.
func (s *Store) SearchSimilar(ctx context.Context, ownerID string, query []float32, threshold float64, limit int) ([]SearchResult, error) {
	vec := pgvector.NewVector(query)
	rows, err := s.pool.Query(ctx, `
		SELECT memory_id, 1 - (embedding <=> $1) AS similarity
		FROM memory_embeddings
		WHERE owner_id = $2 AND 1 - (embedding <=> $1) >= $3
		ORDER BY embedding <=> $1
		LIMIT $4
	`, vec, ownerID, threshold, limit)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		if err := rows.Scan(&r.MemoryID, &r.Similarity); err != nil {
			return nil, fmt.Errorf("scan search result: %w", err)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// SearchSimilarToMemory runs a similarity search seeded by a stored
// embedding. The seed memory itself is excluded from the results.
func (s *Store) SearchSimilarToMemory(ctx context.Context, ownerID, memoryID string, threshold float64, limit int) ([]SearchResult, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT e.memory_id, 1 - (e.embedding <=> seed.embedding) AS similarity
		FROM memory_embeddings e,
		     (SELECT embedding FROM memory_embeddings WHERE memory_id = $1) seed
		WHERE e.owner_id = $2
		  AND e.memory_id != $1
		  AND 1 - (e.embedding <=> seed.embedding) >= $3
		ORDER BY e.embedding <=> seed.embedding
		LIMIT $4
	`, memoryID, ownerID, threshold, limit)
	if err != nil {
		return nil, fmt.Errorf("vector search from %s: %w", memoryID, err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		if err := rows.Scan(&r.MemoryID, &r.Similarity); err != nil {
			return nil, fmt.Errorf("scan search result: %w", err)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// Delete removes a memory's embedding. Called on archival so archived
// memories drop out of similarity search while staying link-traversable
// in the relational store.
func (s *Store) Delete(ctx context.Context, memoryID string) error {
	_, err := s.pool.Exec(ctx, "DELETE FROM memory_embeddings WHERE memory_id = $1", memoryID)
	return err
}

// Count returns the number of stored embeddings.
func (s *Store) Count(ctx context.Context) (count int, err error) {
	err = s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM memory_embeddings").Scan(&count)
	return
}
