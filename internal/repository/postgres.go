package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"transcript-assembly-service/internal/models"
	"transcript-assembly-service/internal/observability/metrics"
)

const connectTimeout = 15 * time.Second

var migrationStatements = []string{
	`CREATE TABLE IF NOT EXISTS sessions (
		id UUID PRIMARY KEY,
		started_at TIMESTAMPTZ NOT NULL,
		ended_at TIMESTAMPTZ,
		status TEXT NOT NULL DEFAULT 'active',
		segment_count INTEGER NOT NULL DEFAULT 0,
		chunks_lost INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS transcript_segments (
		session_id UUID NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		sequence_id BIGINT NOT NULL,
		segment_id TEXT NOT NULL,
		text TEXT NOT NULL,
		is_partial BOOLEAN NOT NULL DEFAULT FALSE,
		chunk_start_time DOUBLE PRECISION NOT NULL,
		audio_start_time DOUBLE PRECISION NOT NULL,
		audio_end_time DOUBLE PRECISION NOT NULL,
		duration DOUBLE PRECISION NOT NULL,
		confidence DOUBLE PRECISION,
		source TEXT NOT NULL DEFAULT '',
		display_time TEXT NOT NULL,
		released_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (session_id, sequence_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_transcript_segments_order
		ON transcript_segments (session_id, chunk_start_time, sequence_id)`,
}

// Postgres persists sessions and segments in Postgres via pgx.
type Postgres struct {
	pool    *pgxpool.Pool
	metrics *metrics.Metrics
}

// Connect opens a pool against the given URL, verifies connectivity and
// applies the schema migration.
func Connect(ctx context.Context, url string) (*Postgres, error) {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	if err := migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("running migration: %w", err)
	}

	log.Info().Msg("Postgres repository initialized")

	return &Postgres{
		pool:    pool,
		metrics: metrics.DefaultMetrics,
	}, nil
}

func migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range migrationStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// CreateSession inserts the session row. Creating the same session twice is
// a no-op so a restarted caller can resume.
func (r *Postgres) CreateSession(ctx context.Context, sessionID string, startedAt time.Time) error {
	start := time.Now()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO sessions (id, started_at, status)
		 VALUES ($1, $2, 'active')
		 ON CONFLICT (id) DO NOTHING`,
		sessionID, startedAt)
	r.metrics.RecordPersist("create_session", err, time.Since(start).Seconds())
	if err != nil {
		log.Error().Err(err).Str("sessionId", sessionID).Msg("Failed to create session row")
		return fmt.Errorf("creating session %s: %w", sessionID, err)
	}
	return nil
}

// SaveSegments upserts a released batch. The (session_id, sequence_id)
// primary key makes retried batches idempotent; a conflicting row is
// overwritten with the newer release.
func (r *Postgres) SaveSegments(ctx context.Context, sessionID string, segments []models.Transcript) error {
	if len(segments) == 0 {
		return nil
	}

	start := time.Now()
	batch := &pgx.Batch{}
	for _, seg := range segments {
		batch.Queue(
			`INSERT INTO transcript_segments
				(session_id, sequence_id, segment_id, text, is_partial,
				 chunk_start_time, audio_start_time, audio_end_time, duration,
				 confidence, source, display_time, released_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			 ON CONFLICT (session_id, sequence_id) DO UPDATE SET
				text = EXCLUDED.text,
				is_partial = EXCLUDED.is_partial,
				confidence = EXCLUDED.confidence,
				released_at = EXCLUDED.released_at`,
			sessionID, seg.SequenceID, seg.ID, seg.Text, seg.IsPartial,
			seg.ChunkStartTime, seg.AudioStartTime, seg.AudioEndTime, seg.Duration,
			seg.Confidence, seg.Source, seg.DisplayTime, seg.ReleasedAt)
	}

	err := r.pool.SendBatch(ctx, batch).Close()
	r.metrics.RecordPersist("save_segments", err, time.Since(start).Seconds())
	if err != nil {
		log.Error().
			Err(err).
			Str("sessionId", sessionID).
			Int("segments", len(segments)).
			Msg("Failed to save segment batch")
		return fmt.Errorf("saving %d segments for session %s: %w", len(segments), sessionID, err)
	}
	return nil
}

// CompleteSession marks the session finished and records its final counters.
func (r *Postgres) CompleteSession(ctx context.Context, sessionID string, endedAt time.Time, segmentCount, chunksLost int) error {
	start := time.Now()
	_, err := r.pool.Exec(ctx,
		`UPDATE sessions
		 SET status = 'completed', ended_at = $2, segment_count = $3, chunks_lost = $4
		 WHERE id = $1`,
		sessionID, endedAt, segmentCount, chunksLost)
	r.metrics.RecordPersist("complete_session", err, time.Since(start).Seconds())
	if err != nil {
		log.Error().Err(err).Str("sessionId", sessionID).Msg("Failed to complete session row")
		return fmt.Errorf("completing session %s: %w", sessionID, err)
	}
	return nil
}

// Ping reports whether the database is reachable.
func (r *Postgres) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// Close releases the connection pool.
func (r *Postgres) Close() {
	r.pool.Close()
}
