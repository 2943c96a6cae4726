package jobs

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned by Get when no live record exists for the id.
// Expired and corrupt records are reported as absent, not as errors.
var ErrNotFound = errors.New("job not found")

// StorageError is the typed failure surfaced after a store has exhausted its
// internal retries. Callers must fall back deliberately rather than drop work.
type StorageError struct {
	Op  string
	ID  string
	Err error
}

func (e *StorageError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("storage %s %s: %v", e.Op, e.ID, e.Err)
	}
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Store defines durable persistence for job records, shared by the façade
// and the scheduler. Implementations retry transient I/O internally, keep
// every write all-or-nothing, and treat last-write-wins as acceptable across
// processes.
type Store interface {
	// Save upserts the record, setting its expiry on first save.
	Save(ctx context.Context, job *Job) error
	// Get returns the record or ErrNotFound. Reading an expired record
	// deletes it as a side effect.
	Get(ctx context.Context, id string) (*Job, error)
	// List enumerates all live records in creation order. A corrupt entry
	// is skipped, never fails the listing.
	List(ctx context.Context) ([]*Job, error)
	// Delete removes a record and reports whether one existed.
	Delete(ctx context.Context, id string) (bool, error)
	// SweepExpired deletes every expired record and returns how many went.
	SweepExpired(ctx context.Context) (int, error)
	Close() error
}
