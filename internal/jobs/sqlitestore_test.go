package jobs

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newTestSQLiteStore(t *testing.T, maxAge time.Duration) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "jobs.db")
	store, err := NewSQLiteStore(discardLogger(), dbPath, maxAge)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteStore_JobLifecycle(t *testing.T) {
	store := newTestSQLiteStore(t, time.Hour)
	ctx := context.Background()

	job := New("job-1", "hello transcript", "call.md", "default")
	if err := store.Save(ctx, job); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if job.ExpiresAt.IsZero() {
		t.Fatalf("Save did not set expiresAt")
	}

	if err := job.MarkProcessing(); err != nil {
		t.Fatalf("MarkProcessing: %v", err)
	}
	if err := store.Save(ctx, job); err != nil {
		t.Fatalf("Save processing: %v", err)
	}

	got, err := store.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusProcessing {
		t.Fatalf("status = %s, want processing", got.Status)
	}
	if got.Markdown != job.Markdown {
		t.Fatalf("markdown round trip mismatch")
	}

	if err := got.Complete(sampleResult()); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if err := store.Save(ctx, got); err != nil {
		t.Fatalf("Save completed: %v", err)
	}
	final, err := store.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("Get final: %v", err)
	}
	if final.Status != StatusCompleted || final.Result == nil {
		t.Fatalf("final = %s result=%v", final.Status, final.Result != nil)
	}
	if len(final.Result.CriteriaScores) != 10 {
		t.Fatalf("criteria scores = %d", len(final.Result.CriteriaScores))
	}
}

func TestSQLiteStore_GetMissingAndExpiry(t *testing.T) {
	store := newTestSQLiteStore(t, time.Hour)
	ctx := context.Background()

	if _, err := store.Get(ctx, "nope"); err != ErrNotFound {
		t.Fatalf("Get missing = %v, want ErrNotFound", err)
	}

	job := New("job-exp", "transcript", "call.md", "")
	job.ExpiresAt = time.Now().UTC().Add(-time.Minute)
	if err := store.Save(ctx, job); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := store.Get(ctx, job.ID); err != ErrNotFound {
		t.Fatalf("Get expired = %v, want ErrNotFound", err)
	}
	// Read-triggered expiry already removed the row.
	n, err := store.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("SweepExpired: %v", err)
	}
	if n != 0 {
		t.Fatalf("SweepExpired = %d, want 0", n)
	}
}

func TestSQLiteStore_ListOrderAndSweep(t *testing.T) {
	store := newTestSQLiteStore(t, time.Hour)
	ctx := context.Background()

	older := New("job-a", "first", "a.md", "")
	older.CreatedAt = time.Now().UTC().Add(-time.Minute)
	if err := store.Save(ctx, older); err != nil {
		t.Fatalf("Save older: %v", err)
	}
	newer := New("job-b", "second", "b.md", "")
	if err := store.Save(ctx, newer); err != nil {
		t.Fatalf("Save newer: %v", err)
	}
	expired := New("job-c", "gone", "c.md", "")
	expired.ExpiresAt = time.Now().UTC().Add(-time.Minute)
	if err := store.Save(ctx, expired); err != nil {
		t.Fatalf("Save expired: %v", err)
	}

	list, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 || list[0].ID != "job-a" || list[1].ID != "job-b" {
		t.Fatalf("unexpected listing: %+v", list)
	}

	n, err := store.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("SweepExpired: %v", err)
	}
	if n != 1 {
		t.Fatalf("SweepExpired = %d, want 1", n)
	}
}

func TestSQLiteStore_Delete(t *testing.T) {
	store := newTestSQLiteStore(t, time.Hour)
	ctx := context.Background()

	job := New("job-del", "transcript", "call.md", "")
	if err := store.Save(ctx, job); err != nil {
		t.Fatalf("Save: %v", err)
	}
	existed, err := store.Delete(ctx, job.ID)
	if err != nil || !existed {
		t.Fatalf("Delete = %v, %v", existed, err)
	}
	existed, err = store.Delete(ctx, job.ID)
	if err != nil || existed {
		t.Fatalf("second Delete = %v, %v", existed, err)
	}
}
