// Package pgstore talks to the Supabase Postgres directly for the checks
// PostgREST cannot express: vector dimensions and raw distance queries.
package pgstore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

type DB struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// Open connects with a small pool. The Supabase pooler does not support
// prepared statements, so queries go through the simple protocol.
func Open(ctx context.Context, dsn string, logger *slog.Logger) (*DB, error) {
	pc, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	pc.MaxConns = 2
	pc.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	pc.ConnConfig.RuntimeParams["application_name"] = "mivaa-probe"

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	logger.Debug("connected to database")
	return &DB{pool: pool, logger: logger}, nil
}

func (d *DB) Close() {
	d.pool.Close()
}

func (d *DB) Ping(ctx context.Context) error {
	return d.pool.Ping(ctx)
}

type ChunkStats struct {
	Chunks        int64
	WithEmbedding int64
	// Dimensions lists each distinct embedding width with its row count.
	Dimensions map[int]int64
	MinLength  int
	MaxLength  int
	AvgLength  float64
}

const chunkStatsQuery = `
SELECT count(*),
       count(embedding),
       coalesce(min(length(content)), 0),
       coalesce(max(length(content)), 0),
       coalesce(avg(length(content)), 0)::float8
FROM document_chunks
WHERE ($1 = '' OR document_id::text = $1)`

const dimensionsQuery = `
SELECT vector_dims(embedding), count(*)
FROM document_chunks
WHERE embedding IS NOT NULL AND ($1 = '' OR document_id::text = $1)
GROUP BY 1
ORDER BY 1`

// ChunkStats summarizes stored chunks for docID, or for every document
// when docID is empty.
func (d *DB) ChunkStats(ctx context.Context, docID string) (ChunkStats, error) {
	var st ChunkStats
	err := d.pool.QueryRow(ctx, chunkStatsQuery, docID).
		Scan(&st.Chunks, &st.WithEmbedding, &st.MinLength, &st.MaxLength, &st.AvgLength)
	if err != nil {
		return st, fmt.Errorf("chunk stats: %w", err)
	}

	rows, err := d.pool.Query(ctx, dimensionsQuery, docID)
	if err != nil {
		return st, fmt.Errorf("embedding dimensions: %w", err)
	}
	defer rows.Close()

	st.Dimensions = map[int]int64{}
	for rows.Next() {
		var dims int
		var n int64
		if err := rows.Scan(&dims, &n); err != nil {
			return st, err
		}
		st.Dimensions[dims] = n
	}
	return st, rows.Err()
}

type Neighbor struct {
	ChunkID    string
	DocumentID string
	PageNumber int
	Content    string
	Distance   float64
}

const nearestQuery = `
SELECT id::text, document_id::text, coalesce(page_number, 0), content, (embedding <=> $1::vector)::float8
FROM document_chunks
WHERE embedding IS NOT NULL
ORDER BY embedding <=> $1::vector
LIMIT $2`

// Nearest returns the chunks closest to vec by cosine distance, bypassing
// the search RPC and its similarity threshold.
func (d *DB) Nearest(ctx context.Context, vec []float32, limit int) ([]Neighbor, error) {
	if len(vec) == 0 {
		return nil, fmt.Errorf("nearest: empty vector")
	}
	if limit <= 0 {
		limit = 5
	}
	rows, err := d.pool.Query(ctx, nearestQuery, pgvector.NewVector(vec), limit)
	if err != nil {
		return nil, fmt.Errorf("nearest chunks: %w", err)
	}
	defer rows.Close()

	var out []Neighbor
	for rows.Next() {
		var n Neighbor
		if err := rows.Scan(&n.ChunkID, &n.DocumentID, &n.PageNumber, &n.Content, &n.Distance); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// Similarity converts a cosine distance into the score the search RPC
// reports.
func (n Neighbor) Similarity() float64 {
	return 1 - n.Distance
}
