package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"convoscore/internal/common"
)

// SQLiteStore keeps each job as one JSON document in a SQLite table, with the
// expiry time broken out into its own indexed column for the sweep. The
// record layout on the wire is identical to the file store's.
type SQLiteStore struct {
	log    *slog.Logger
	db     *sql.DB
	maxAge time.Duration
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (and migrates) the database at path.
func NewSQLiteStore(log *slog.Logger, path string, maxAge time.Duration) (*SQLiteStore, error) {
	// Busy timeout to avoid SQLITE_BUSY in concurrent access.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)", path, common.SQLiteBusyTimeoutMS)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{log: log, db: db, maxAge: maxAge}, nil
}

func migrate(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		record TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_expires_at ON jobs (expires_at);
	`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

// Save upserts the record with bounded retry on transient failure.
func (s *SQLiteStore) Save(ctx context.Context, job *Job) error {
	if job == nil {
		return &StorageError{Op: "save", Err: fmt.Errorf("job is nil")}
	}
	if err := job.Validate(); err != nil {
		return &StorageError{Op: "save", ID: job.ID, Err: err}
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	if job.ExpiresAt.IsZero() {
		job.ExpiresAt = job.CreatedAt.Add(s.maxAge)
	}

	delay := saveRetryBase
	var lastErr error
	for attempt := 1; attempt <= saveAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return &StorageError{Op: "save", ID: job.ID, Err: err}
		}
		if lastErr = s.upsertAndVerify(ctx, job); lastErr == nil {
			return nil
		}
		s.log.Warn("job save attempt failed", "job_id", job.ID, "attempt", attempt, "err", lastErr)
		if attempt < saveAttempts {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return &StorageError{Op: "save", ID: job.ID, Err: ctx.Err()}
			}
			delay *= 2
		}
	}
	return &StorageError{Op: "save", ID: job.ID, Err: lastErr}
}

func (s *SQLiteStore) upsertAndVerify(ctx context.Context, job *Job) error {
	record, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, record, created_at, expires_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET record = excluded.record, expires_at = excluded.expires_at`,
		job.ID, string(record), job.CreatedAt.UTC().UnixNano(), job.ExpiresAt.UTC().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("upsert job: %w", err)
	}

	var length int
	if err := s.db.QueryRowContext(ctx, `SELECT length(record) FROM jobs WHERE id = ?`, job.ID).Scan(&length); err != nil {
		return fmt.Errorf("verify read: %w", err)
	}
	if length == 0 {
		return fmt.Errorf("verify: persisted record is empty")
	}
	return nil
}

// Get returns the record, deleting it as a side effect when expired.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Job, error) {
	var record string
	err := s.db.QueryRowContext(ctx, `SELECT record FROM jobs WHERE id = ?`, id).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &StorageError{Op: "get", ID: id, Err: err}
	}

	job, err := decodeRecord(record)
	if err != nil {
		s.log.Warn("dropping corrupt job record from read", "job_id", id, "err", err)
		return nil, ErrNotFound
	}
	if job.Expired(time.Now().UTC()) {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id); err != nil {
			s.log.Warn("delete expired job record", "job_id", id, "err", err)
		}
		return nil, ErrNotFound
	}
	return job, nil
}

func decodeRecord(record string) (*Job, error) {
	var job Job
	if err := json.Unmarshal([]byte(record), &job); err != nil {
		return nil, fmt.Errorf("unmarshal job: %w", err)
	}
	job.Status = ParseStatus(string(job.Status))
	return &job, nil
}

// List returns all live records in creation order, skipping corrupt rows.
func (s *SQLiteStore) List(ctx context.Context) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, record FROM jobs ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, &StorageError{Op: "list", Err: err}
	}
	defer func() { _ = rows.Close() }()

	now := time.Now().UTC()
	var out []*Job
	for rows.Next() {
		var id, record string
		if err := rows.Scan(&id, &record); err != nil {
			s.log.Warn("skipping unreadable job row", "err", err)
			continue
		}
		job, err := decodeRecord(record)
		if err != nil {
			s.log.Warn("skipping corrupt job row", "job_id", id, "err", err)
			continue
		}
		if job.Expired(now) {
			continue
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return out, &StorageError{Op: "list", Err: err}
	}
	return out, nil
}

// Delete removes a record and verifies it is gone.
func (s *SQLiteStore) Delete(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return false, &StorageError{Op: "delete", ID: id, Err: err}
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, &StorageError{Op: "delete", ID: id, Err: err}
	}
	if affected == 0 {
		return false, nil
	}

	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM jobs WHERE id = ?`, id).Scan(&exists); err != nil {
		return false, &StorageError{Op: "delete", ID: id, Err: err}
	}
	if exists != 0 {
		return false, &StorageError{Op: "delete", ID: id, Err: fmt.Errorf("record still present after delete")}
	}
	return true, nil
}

// SweepExpired deletes every expired row in one statement.
func (s *SQLiteStore) SweepExpired(ctx context.Context) (int, error) {
	now := time.Now().UTC().UnixNano()
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE expires_at < ?`, now)
	if err != nil {
		return 0, &StorageError{Op: "sweep", Err: err}
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, &StorageError{Op: "sweep", Err: err}
	}
	return int(affected), nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
