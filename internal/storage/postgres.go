package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/bdougie/framecaption/internal/models"
)

// FrameSearchResult is one frame returned by a similarity search.
type FrameSearchResult struct {
	ClipID     string
	Position   int
	FrameIndex int
	Caption    string
	Similarity float64
}

// Postgres indexes caption embeddings in PostgreSQL with pgvector.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects to the database at dsn.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Close closes the database connection
func (p *Postgres) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

// InitSchema creates the tables if they don't exist. dimension is the
// caption embedding length.
func (p *Postgres) InitSchema(ctx context.Context, dimension int) error {
	if _, err := p.pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("failed to create vector extension: %w", err)
	}

	_, err := p.pool.Exec(ctx, schemaSQL(dimension))
	if err != nil {
		return fmt.Errorf("failed to create database schema: %w", err)
	}
	return nil
}

func schemaSQL(dimension int) string {
	return fmt.Sprintf(`
        CREATE TABLE IF NOT EXISTS clips (
            id SERIAL PRIMARY KEY,
            name VARCHAR(255) NOT NULL,
            created_at TIMESTAMPTZ NOT NULL,
            UNIQUE(name)
        );

        CREATE TABLE IF NOT EXISTS samples (
            id SERIAL PRIMARY KEY,
            clip_id INTEGER REFERENCES clips(id) ON DELETE CASCADE,
            position INTEGER NOT NULL,
            frame_index INTEGER NOT NULL,
            caption TEXT NOT NULL,
            embedding vector(%d),
            created_at TIMESTAMPTZ NOT NULL,
            UNIQUE(clip_id, position)
        );

        CREATE INDEX IF NOT EXISTS idx_samples_clip_id ON samples(clip_id);
    `, dimension)
}

// Factory returns a storage Factory writing into this index.
func (p *Postgres) Factory() Factory {
	return func(ctx context.Context, clipID string) (Storage, error) {
		return p.ForClip(ctx, clipID)
	}
}

// ForClip returns a Storage for one clip. Nothing is written until Flush,
// which replaces the clip's rows from an earlier run in one transaction.
func (p *Postgres) ForClip(ctx context.Context, clipID string) (*PostgresStorage, error) {
	if clipID == "" {
		return nil, fmt.Errorf("clip id must not be empty")
	}
	return &PostgresStorage{pool: p.pool, clipName: clipID}, nil
}

// IndexClip replaces the indexed samples of clipID with results.
func (p *Postgres) IndexClip(ctx context.Context, clipID string, results []models.PredictionResult) error {
	s, err := p.ForClip(ctx, clipID)
	if err != nil {
		return err
	}
	for _, r := range results {
		if err := s.AddResult(ctx, r); err != nil {
			return err
		}
	}
	return s.Flush(ctx)
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// getOrCreateClip gets an existing clip entry or creates a new one
func getOrCreateClip(ctx context.Context, q querier, name string) (int, error) {
	var id int
	err := q.QueryRow(ctx, "SELECT id FROM clips WHERE name = $1", name).Scan(&id)
	if err == nil {
		return id, nil
	} else if err != pgx.ErrNoRows {
		return 0, fmt.Errorf("error checking for existing clip: %w", err)
	}

	err = q.QueryRow(ctx,
		`INSERT INTO clips (name, created_at) VALUES ($1, $2)
        ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
        RETURNING id`,
		name, time.Now()).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to create clip entry: %w", err)
	}
	return id, nil
}

// SearchSimilarFrames finds the frames whose captions are closest to query.
func (p *Postgres) SearchSimilarFrames(ctx context.Context, query []float32, limit int) ([]FrameSearchResult, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT c.name, s.position, s.frame_index, s.caption,
        1 - (s.embedding <=> $1) AS similarity
        FROM samples s
        JOIN clips c ON s.clip_id = c.id
        ORDER BY s.embedding <=> $1
        LIMIT $2`,
		pgvector.NewVector(query), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search similar frames: %w", err)
	}
	defer rows.Close()

	var results []FrameSearchResult
	for rows.Next() {
		var r FrameSearchResult
		if err := rows.Scan(&r.ClipID, &r.Position, &r.FrameIndex, &r.Caption, &r.Similarity); err != nil {
			return nil, fmt.Errorf("failed to scan search results: %w", err)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// PostgresStorage collects the samples of one clip and writes them on Flush.
type PostgresStorage struct {
	pool     *pgxpool.Pool
	clipName string
	rows     []models.PredictionResult
}

// AddResult buffers one sample row. Positions follow sampling order, so
// repeated frame indexes of short videos stay distinct rows.
func (s *PostgresStorage) AddResult(ctx context.Context, result models.PredictionResult) error {
	if len(result.CaptionEmbedding) == 0 {
		return fmt.Errorf("sample %d has no caption embedding", len(s.rows))
	}
	s.rows = append(s.rows, result)
	return nil
}

// Flush replaces the clip's indexed samples with the buffered rows. Either
// all rows land or the previous index of the clip is left untouched.
func (s *PostgresStorage) Flush(ctx context.Context) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	id, err := getOrCreateClip(ctx, tx, s.clipName)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, "DELETE FROM samples WHERE clip_id = $1", id); err != nil {
		return fmt.Errorf("failed to clear previous samples: %w", err)
	}

	now := time.Now()
	batch := &pgx.Batch{}
	for position, r := range s.rows {
		batch.Queue(
			`INSERT INTO samples
            (clip_id, position, frame_index, caption, embedding, created_at)
            VALUES ($1, $2, $3, $4, $5, $6)`,
			id, position, r.FrameIndex, r.Caption,
			pgvector.NewVector(r.CaptionEmbedding), now)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("failed to store samples of %s: %w", s.clipName, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit samples of %s: %w", s.clipName, err)
	}
	s.rows = nil
	return nil
}

var _ Storage = (*PostgresStorage)(nil)
