package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	jobFileExt       = ".json"
	saveAttempts     = 3
	saveRetryBase    = 100 * time.Millisecond
	filePermissions  = 0o644
	jobsDirPermBits  = 0o750
)

// FileStore persists one JSON document per job id under a directory.
// Writes go through a temp file and rename so a reader never observes a
// partial record, and every successful write is re-read before being
// reported as persisted.
type FileStore struct {
	log    *slog.Logger
	dir    string
	maxAge time.Duration
}

var _ Store = (*FileStore)(nil)

// NewFileStore creates the backing directory if needed.
func NewFileStore(log *slog.Logger, dir string, maxAge time.Duration) (*FileStore, error) {
	if err := os.MkdirAll(dir, jobsDirPermBits); err != nil {
		return nil, fmt.Errorf("create jobs dir: %w", err)
	}
	return &FileStore{log: log, dir: dir, maxAge: maxAge}, nil
}

func (s *FileStore) path(id string) (string, error) {
	if strings.TrimSpace(id) == "" || strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return "", fmt.Errorf("invalid job id %q", id)
	}
	return filepath.Join(s.dir, id+jobFileExt), nil
}

// Save upserts the record with bounded retry on transient I/O failure.
func (s *FileStore) Save(ctx context.Context, job *Job) error {
	if job == nil {
		return &StorageError{Op: "save", Err: fmt.Errorf("job is nil")}
	}
	if err := job.Validate(); err != nil {
		return &StorageError{Op: "save", ID: job.ID, Err: err}
	}
	p, err := s.path(job.ID)
	if err != nil {
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
		if lastErr = s.writeAndVerify(p, job); lastErr == nil {
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

func (s *FileStore) writeAndVerify(path string, job *Job) error {
	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, filePermissions); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("persist job file: %w", err)
	}

	// A zero-byte or unreadable artifact right after a write counts as a
	// failed write and goes back through the retry loop.
	written, err := os.ReadFile(path) // #nosec G304 - path derived from validated id
	if err != nil {
		return fmt.Errorf("verify read: %w", err)
	}
	if len(written) == 0 {
		return fmt.Errorf("verify: persisted artifact is empty")
	}
	var check Job
	if err := json.Unmarshal(written, &check); err != nil {
		return fmt.Errorf("verify parse: %w", err)
	}
	return nil
}

// Get reads a record, deleting it as a side effect when expired.
func (s *FileStore) Get(ctx context.Context, id string) (*Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, &StorageError{Op: "get", ID: id, Err: err}
	}
	p, err := s.path(id)
	if err != nil {
		return nil, ErrNotFound
	}
	job, err := s.readFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		// Corrupt record: availability over surfacing internal corruption.
		s.log.Warn("dropping corrupt job record from read", "job_id", id, "err", err)
		return nil, ErrNotFound
	}
	if job.Expired(time.Now().UTC()) {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			s.log.Warn("delete expired job record", "job_id", id, "err", err)
		}
		return nil, ErrNotFound
	}
	return job, nil
}

func (s *FileStore) readFile(path string) (*Job, error) {
	data, err := os.ReadFile(path) // #nosec G304 - path derived from validated id
	if err != nil {
		return nil, err
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("unmarshal job: %w", err)
	}
	job.Status = ParseStatus(string(job.Status))
	return &job, nil
}

// List returns all live records in creation order. One bad file never fails
// the whole listing.
func (s *FileStore) List(ctx context.Context) ([]*Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, &StorageError{Op: "list", Err: err}
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &StorageError{Op: "list", Err: err}
	}

	now := time.Now().UTC()
	out := make([]*Job, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), jobFileExt) {
			continue
		}
		job, err := s.readFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			s.log.Warn("skipping unreadable job record", "file", entry.Name(), "err", err)
			continue
		}
		if job.Expired(now) {
			continue
		}
		out = append(out, job)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Delete removes a record and verifies it is no longer observable.
func (s *FileStore) Delete(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, &StorageError{Op: "delete", ID: id, Err: err}
	}
	p, err := s.path(id)
	if err != nil {
		return false, nil
	}
	if err := os.Remove(p); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, &StorageError{Op: "delete", ID: id, Err: err}
	}
	if _, err := os.Stat(p); err == nil {
		return false, &StorageError{Op: "delete", ID: id, Err: fmt.Errorf("record still present after delete")}
	}
	return true, nil
}

// SweepExpired deletes every record past its expiry time. Individual
// failures are logged and do not abort the sweep.
func (s *FileStore) SweepExpired(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, &StorageError{Op: "sweep", Err: err}
	}

	now := time.Now().UTC()
	deleted := 0
	failed := 0
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return deleted, &StorageError{Op: "sweep", Err: err}
		}
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), jobFileExt) {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		job, err := s.readFile(path)
		if err != nil {
			s.log.Warn("sweep skipping unreadable record", "file", entry.Name(), "err", err)
			continue
		}
		if !job.Expired(now) {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			failed++
			s.log.Warn("sweep failed to delete record", "job_id", job.ID, "err", err)
			continue
		}
		deleted++
	}
	if failed > 0 {
		s.log.Warn("sweep finished with failures", "deleted", deleted, "failed", failed)
	}
	return deleted, nil
}

func (s *FileStore) Close() error { return nil }
