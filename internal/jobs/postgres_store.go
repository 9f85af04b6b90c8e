package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jo-hoe/podqueue/internal/util"
)

// PostgresStore persists jobs in PostgreSQL through a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore connects to connString (a postgres:// URL) and ensures the schema.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	// TIMESTAMPTZ keeps microseconds; truncate so returned jobs match stored rows.
	s := &PostgresStore{pool: pool, now: func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) }}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			seq BIGSERIAL,
			id TEXT PRIMARY KEY,
			source_key TEXT NOT NULL,
			state TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			started_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ,
			artifact_ref TEXT,
			artifact_key TEXT,
			title TEXT,
			duration_seconds BIGINT,
			error_message TEXT,
			retry_count INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS jobs_active_source_key ON jobs (source_key) WHERE state <> 'failed'`,
		`CREATE INDEX IF NOT EXISTS jobs_state_created_at ON jobs (state, created_at, seq)`,
		`CREATE INDEX IF NOT EXISTS jobs_source_key_created_at ON jobs (source_key, created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate postgres schema: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) Insert(ctx context.Context, sourceKey string) (*Job, error) {
	job := &Job{
		ID:        util.NewID(),
		SourceKey: sourceKey,
		State:     StateQueued,
		CreatedAt: s.now(),
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (id, source_key, state, created_at, retry_count) VALUES ($1, $2, $3, $4, 0)`,
		job.ID, job.SourceKey, string(job.State), job.CreatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("insert job: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Job, error) {
	return s.queryOne(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
}

func (s *PostgresStore) GetBySourceKey(ctx context.Context, sourceKey string) (*Job, error) {
	return s.queryOne(ctx, `SELECT `+jobColumns+` FROM jobs
		WHERE source_key = $1 ORDER BY created_at DESC, seq DESC LIMIT 1`, sourceKey)
}

func (s *PostgresStore) ListRecent(ctx context.Context, limit int) ([]*Job, error) {
	if limit <= 0 {
		return []*Job{}, nil
	}
	rows, err := s.pool.Query(ctx, `SELECT `+jobColumns+` FROM jobs
		ORDER BY created_at DESC, seq DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	out := make([]*Job, 0, limit)
	for rows.Next() {
		job, err := scanPgJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return out, nil
}

// ClaimNext locks the oldest queued row with SKIP LOCKED so concurrent
// claimers never receive the same job.
func (s *PostgresStore) ClaimNext(ctx context.Context) (*Job, error) {
	job, err := s.queryOne(ctx, `UPDATE jobs SET state = $1, started_at = $2
		WHERE id = (
			SELECT id FROM jobs WHERE state = $3
			ORDER BY created_at ASC, seq ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING `+jobColumns,
		string(StateProcessing), s.now(), string(StateQueued),
	)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNoneAvailable
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) Update(ctx context.Context, id string, p Patch) (*Job, error) {
	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	next, err := Apply(current, p)
	if err != nil {
		return nil, fmt.Errorf("update job %s: %w", id, err)
	}
	var duration *int64
	if next.DurationSeconds != nil {
		d := int64(*next.DurationSeconds)
		duration = &d
	}
	tag, err := s.pool.Exec(ctx, `UPDATE jobs SET
			state = $1, started_at = $2, completed_at = $3, artifact_ref = $4, artifact_key = $5,
			title = $6, duration_seconds = $7, error_message = $8, retry_count = $9
		WHERE id = $10 AND state = $11 AND retry_count = $12`,
		string(next.State), next.StartedAt, next.CompletedAt, next.ArtifactRef, next.ArtifactKey,
		next.Title, duration, next.ErrorMessage, next.RetryCount,
		id, string(current.State), current.RetryCount,
	)
	if err != nil {
		return nil, fmt.Errorf("update job %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return nil, fmt.Errorf("update job %s: %w: modified concurrently", id, ErrInvalidTransition)
	}
	return next, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) queryOne(ctx context.Context, query string, args ...any) (*Job, error) {
	return scanPgJob(s.pool.QueryRow(ctx, query, args...))
}

func scanPgJob(row pgx.Row) (*Job, error) {
	var job Job
	var state string
	var duration *int64
	if err := row.Scan(
		&job.ID,
		&job.SourceKey,
		&state,
		&job.CreatedAt,
		&job.StartedAt,
		&job.CompletedAt,
		&job.ArtifactRef,
		&job.ArtifactKey,
		&job.Title,
		&duration,
		&job.ErrorMessage,
		&job.RetryCount,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}
	job.State = State(state)
	job.CreatedAt = job.CreatedAt.UTC()
	if job.StartedAt != nil {
		t := job.StartedAt.UTC()
		job.StartedAt = &t
	}
	if job.CompletedAt != nil {
		t := job.CompletedAt.UTC()
		job.CompletedAt = &t
	}
	if duration != nil {
		d := int(*duration)
		job.DurationSeconds = &d
	}
	return &job, nil
}

// isDuplicateKey checks if a PostgreSQL error is a unique_violation (23505).
func isDuplicateKey(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
