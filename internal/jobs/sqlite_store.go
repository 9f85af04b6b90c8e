package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jo-hoe/podqueue/internal/common"
	"github.com/jo-hoe/podqueue/internal/util"
)

// timeLayout is fixed width so that TEXT comparison orders timestamps.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const jobColumns = `id, source_key, state, created_at, started_at, completed_at,
	artifact_ref, artifact_key, title, duration_seconds, error_message, retry_count`

type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ Store = (*SQLiteStore)(nil)

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("ensure database dir: %w", err)
		}
	}
	// Busy timeout to avoid SQLITE_BUSY when web and worker share the file.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)", path, common.SQLiteBusyTimeoutMS)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

func migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			source_key TEXT NOT NULL,
			state TEXT NOT NULL,
			created_at TEXT NOT NULL,
			started_at TEXT,
			completed_at TEXT,
			artifact_ref TEXT,
			artifact_key TEXT,
			title TEXT,
			duration_seconds INTEGER,
			error_message TEXT,
			retry_count INTEGER NOT NULL DEFAULT 0
		)`,
		// At most one non-failed job per source key.
		`CREATE UNIQUE INDEX IF NOT EXISTS jobs_active_source_key ON jobs (source_key) WHERE state <> 'failed'`,
		`CREATE INDEX IF NOT EXISTS jobs_state_created_at ON jobs (state, created_at)`,
		`CREATE INDEX IF NOT EXISTS jobs_source_key_created_at ON jobs (source_key, created_at)`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return fmt.Errorf("migrate schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Insert(ctx context.Context, sourceKey string) (*Job, error) {
	job := &Job{
		ID:        util.NewID(),
		SourceKey: sourceKey,
		State:     StateQueued,
		CreatedAt: s.now(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, source_key, state, created_at, retry_count) VALUES (?, ?, ?, ?, 0)`,
		job.ID, job.SourceKey, string(job.State), formatTime(job.CreatedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("insert job: %w", err)
	}
	return job, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	return scanJob(row)
}

func (s *SQLiteStore) GetBySourceKey(ctx context.Context, sourceKey string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs
		WHERE source_key = ? ORDER BY created_at DESC, rowid DESC LIMIT 1`, sourceKey)
	return scanJob(row)
}

func (s *SQLiteStore) ListRecent(ctx context.Context, limit int) ([]*Job, error) {
	if limit <= 0 {
		return []*Job{}, nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs
		ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]*Job, 0, limit)
	for rows.Next() {
		job, err := scanJob(rows)
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

// ClaimNext relies on SQLite serializing writers: the sub-select and the
// update run as one statement, so two callers never claim the same row.
func (s *SQLiteStore) ClaimNext(ctx context.Context) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `UPDATE jobs SET state = ?, started_at = ?
		WHERE id = (
			SELECT id FROM jobs WHERE state = ? ORDER BY created_at ASC, rowid ASC LIMIT 1
		) AND state = ?
		RETURNING `+jobColumns,
		string(StateProcessing), formatTime(s.now()), string(StateQueued), string(StateQueued),
	)
	job, err := scanJob(row)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNoneAvailable
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return job, nil
}

func (s *SQLiteStore) Update(ctx context.Context, id string, p Patch) (*Job, error) {
	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	next, err := Apply(current, p)
	if err != nil {
		return nil, fmt.Errorf("update job %s: %w", id, err)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET
			state = ?, started_at = ?, completed_at = ?, artifact_ref = ?, artifact_key = ?,
			title = ?, duration_seconds = ?, error_message = ?, retry_count = ?
		WHERE id = ? AND state = ? AND retry_count = ?`,
		string(next.State), nullTime(next.StartedAt), nullTime(next.CompletedAt),
		nullString(next.ArtifactRef), nullString(next.ArtifactKey), nullString(next.Title),
		nullInt(next.DurationSeconds), nullString(next.ErrorMessage), next.RetryCount,
		id, string(current.State), current.RetryCount,
	)
	if err != nil {
		return nil, fmt.Errorf("update job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("update job %s: %w", id, err)
	}
	if n == 0 {
		return nil, fmt.Errorf("update job %s: %w: modified concurrently", id, ErrInvalidTransition)
	}
	return next, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var job Job
	var state, created string
	var started, completed, ref, key, title, errMsg sql.NullString
	var duration sql.NullInt64

	if err := row.Scan(
		&job.ID,
		&job.SourceKey,
		&state,
		&created,
		&started,
		&completed,
		&ref,
		&key,
		&title,
		&duration,
		&errMsg,
		&job.RetryCount,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}
	job.State = State(state)

	t, err := parseTime(created)
	if err != nil {
		return nil, fmt.Errorf("scan job %s created_at: %w", job.ID, err)
	}
	job.CreatedAt = t
	if started.Valid {
		t, err := parseTime(started.String)
		if err != nil {
			return nil, fmt.Errorf("scan job %s started_at: %w", job.ID, err)
		}
		job.StartedAt = &t
	}
	if completed.Valid {
		t, err := parseTime(completed.String)
		if err != nil {
			return nil, fmt.Errorf("scan job %s completed_at: %w", job.ID, err)
		}
		job.CompletedAt = &t
	}
	job.ArtifactRef = fromNull(ref)
	job.ArtifactKey = fromNull(key)
	job.Title = fromNull(title)
	job.ErrorMessage = fromNull(errMsg)
	if duration.Valid {
		d := int(duration.Int64)
		job.DurationSeconds = &d
	}
	return &job, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Parse(time.RFC3339Nano, s)
	}
	return t, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func nullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullInt(i *int) any {
	if i == nil {
		return nil
	}
	return int64(*i)
}

func fromNull(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}
