package jobs

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestFileStore(t *testing.T, maxAge time.Duration) (*FileStore, string) {
	t.Helper()
	dir := t.TempDir()
	store, err := NewFileStore(discardLogger(), dir, maxAge)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	return store, dir
}

func TestFileStore_SaveAndGetRoundTrip(t *testing.T) {
	store, _ := newTestFileStore(t, time.Hour)
	ctx := context.Background()

	job := New("job-1", "hello transcript", "call.md", "default")
	if err := store.Save(ctx, job); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if job.ExpiresAt.IsZero() {
		t.Fatalf("Save did not set expiresAt")
	}
	wantExpiry := job.CreatedAt.Add(time.Hour)
	if !job.ExpiresAt.Equal(wantExpiry) {
		t.Fatalf("expiresAt = %v, want %v", job.ExpiresAt, wantExpiry)
	}

	got, err := store.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Markdown != job.Markdown || got.FileName != job.FileName || got.RubricID != job.RubricID {
		t.Fatalf("Get returned different payload: %+v", got)
	}
	if got.Status != StatusPending {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestFileStore_SaveIsIdempotent(t *testing.T) {
	store, _ := newTestFileStore(t, time.Hour)
	ctx := context.Background()

	job := New("job-1", "transcript", "call.md", "")
	if err := store.Save(ctx, job); err != nil {
		t.Fatalf("first Save: %v", err)
	}
	first, err := store.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("Get after first save: %v", err)
	}

	if err := store.Save(ctx, job); err != nil {
		t.Fatalf("second Save: %v", err)
	}
	second, err := store.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("Get after second save: %v", err)
	}

	if !first.ExpiresAt.Equal(second.ExpiresAt) || first.Status != second.Status || first.Markdown != second.Markdown {
		t.Fatalf("repeated save changed the record: %+v vs %+v", first, second)
	}
}

func TestFileStore_GetMissing(t *testing.T) {
	store, _ := newTestFileStore(t, time.Hour)
	if _, err := store.Get(context.Background(), "nope"); err != ErrNotFound {
		t.Fatalf("Get missing = %v, want ErrNotFound", err)
	}
}

func TestFileStore_ReadTriggeredExpiry(t *testing.T) {
	store, dir := newTestFileStore(t, time.Hour)
	ctx := context.Background()

	job := New("job-exp", "transcript", "call.md", "")
	job.ExpiresAt = time.Now().UTC().Add(-time.Minute)
	if err := store.Save(ctx, job); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if _, err := store.Get(ctx, job.ID); err != ErrNotFound {
		t.Fatalf("Get expired = %v, want ErrNotFound", err)
	}
	// The read deleted the artifact.
	if _, err := os.Stat(filepath.Join(dir, job.ID+jobFileExt)); !os.IsNotExist(err) {
		t.Fatalf("expired record still on disk (stat err: %v)", err)
	}
	// A later sweep finds nothing left to do.
	n, err := store.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("SweepExpired: %v", err)
	}
	if n != 0 {
		t.Fatalf("SweepExpired = %d, want 0", n)
	}
}

func TestFileStore_ListSkipsCorruptAndExpired(t *testing.T) {
	store, dir := newTestFileStore(t, time.Hour)
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
	if err := os.WriteFile(filepath.Join(dir, "job-d.json"), []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write corrupt record: %v", err)
	}

	list, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("List returned %d records, want 2", len(list))
	}
	// Creation order.
	if list[0].ID != "job-a" || list[1].ID != "job-b" {
		t.Fatalf("List order = %s, %s", list[0].ID, list[1].ID)
	}
}

func TestFileStore_CorruptRecordIsAbsentOnGet(t *testing.T) {
	store, dir := newTestFileStore(t, time.Hour)
	if err := os.WriteFile(filepath.Join(dir, "job-x.json"), []byte("garbage"), 0o644); err != nil {
		t.Fatalf("write corrupt record: %v", err)
	}
	if _, err := store.Get(context.Background(), "job-x"); err != ErrNotFound {
		t.Fatalf("Get corrupt = %v, want ErrNotFound", err)
	}
}

func TestFileStore_Delete(t *testing.T) {
	store, _ := newTestFileStore(t, time.Hour)
	ctx := context.Background()

	job := New("job-del", "transcript", "call.md", "")
	if err := store.Save(ctx, job); err != nil {
		t.Fatalf("Save: %v", err)
	}

	existed, err := store.Delete(ctx, job.ID)
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if !existed {
		t.Fatalf("Delete reported record missing")
	}
	if _, err := store.Get(ctx, job.ID); err != ErrNotFound {
		t.Fatalf("Get after delete = %v, want ErrNotFound", err)
	}

	existed, err = store.Delete(ctx, job.ID)
	if err != nil {
		t.Fatalf("second Delete: %v", err)
	}
	if existed {
		t.Fatalf("second Delete reported record present")
	}
}

func TestFileStore_SweepExpired(t *testing.T) {
	store, _ := newTestFileStore(t, time.Hour)
	ctx := context.Background()

	live := New("job-live", "transcript", "a.md", "")
	if err := store.Save(ctx, live); err != nil {
		t.Fatalf("Save live: %v", err)
	}
	for _, id := range []string{"job-old-1", "job-old-2"} {
		j := New(id, "transcript", "b.md", "")
		j.ExpiresAt = time.Now().UTC().Add(-time.Minute)
		if err := store.Save(ctx, j); err != nil {
			t.Fatalf("Save %s: %v", id, err)
		}
	}

	n, err := store.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("SweepExpired: %v", err)
	}
	if n != 2 {
		t.Fatalf("SweepExpired = %d, want 2", n)
	}
	if _, err := store.Get(ctx, live.ID); err != nil {
		t.Fatalf("live record lost in sweep: %v", err)
	}
}

func TestFileStore_RejectsPathTraversalIDs(t *testing.T) {
	store, _ := newTestFileStore(t, time.Hour)
	job := New("../escape", "transcript", "a.md", "")
	if err := store.Save(context.Background(), job); err == nil {
		t.Fatalf("expected error for traversal id")
	}
}
