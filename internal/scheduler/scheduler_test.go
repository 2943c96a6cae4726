package scheduler

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"convoscore/internal/eval"
	"convoscore/internal/jobs"
	"convoscore/internal/llm"
	"convoscore/internal/llm/mock"
	"convoscore/internal/rubric"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestStore(t *testing.T) jobs.Store {
	t.Helper()
	store, err := jobs.NewFileStore(discardLogger(), t.TempDir(), time.Hour)
	require.NoError(t, err)
	return store
}

func newTestRegistry(t *testing.T) *rubric.Registry {
	t.Helper()
	reg, err := rubric.NewRegistry(t.TempDir(), "")
	require.NoError(t, err)
	return reg
}

func testOptions() Options {
	return Options{
		MaxConcurrentJobs: 2,
		MaxRetries:        3,
		PollingInterval:   10 * time.Millisecond,
		CallTimeout:       time.Second,
	}
}

func startScheduler(t *testing.T, store jobs.Store, client llm.Client, opts Options) *Scheduler {
	t.Helper()
	s := New(discardLogger(), store, client, newTestRegistry(t), opts)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { s.Shutdown(2 * time.Second) })
	return s
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v: %s", timeout, msg)
}

func submit(t *testing.T, store jobs.Store, id, markdown string) *jobs.Job {
	t.Helper()
	job := jobs.New(id, markdown, "call.md", "")
	require.NoError(t, store.Save(context.Background(), job))
	return job
}

// Plain-text model output still completes the job with a fully padded result.
func TestScheduler_CompletesJobFromPlainTextResponse(t *testing.T) {
	store := newTestStore(t)
	client := mock.Scripted(func(ctx context.Context, transcript, rubric string) (string, error) {
		return "this response contains no JSON at all", nil
	})
	submit(t, store, "job-1", "hello")
	startScheduler(t, store, client, testOptions())

	var got *jobs.Job
	waitFor(t, 2*time.Second, func() bool {
		j, err := store.Get(context.Background(), "job-1")
		if err != nil {
			return false
		}
		got = j
		return j.Status == jobs.StatusCompleted
	}, "job never completed")

	require.NotNil(t, got.Result)
	require.Len(t, got.Result.CriteriaScores, 10)
	wantWeights := []float64{8, 10, 10, 10, 12, 8, 12, 10, 12, 8}
	for i, c := range got.Result.CriteriaScores {
		assert.Equal(t, wantWeights[i], c.Weight, "criterion %d", i)
	}
	// Neutral scores recompute to the weighted average, rescaled to a percentage.
	assert.Equal(t, 60, got.Result.OverallScore)
	assert.Equal(t, eval.LevelFor(60), got.Result.PerformanceLevel)
	assert.Empty(t, got.Error)
}

// A call that times out on every attempt consumes all retries and fails.
func TestScheduler_AlwaysTimeoutExhaustsRetries(t *testing.T) {
	store := newTestStore(t)
	client := mock.Scripted(func(ctx context.Context, transcript, rubric string) (string, error) {
		return "", context.DeadlineExceeded
	})
	submit(t, store, "job-1", "transcript")
	startScheduler(t, store, client, testOptions())

	var got *jobs.Job
	waitFor(t, 2*time.Second, func() bool {
		j, err := store.Get(context.Background(), "job-1")
		if err != nil {
			return false
		}
		got = j
		return j.Status == jobs.StatusFailed
	}, "job never failed")

	assert.Equal(t, 3, got.RetryCount)
	require.NotNil(t, got.ErrorDetails)
	assert.Contains(t, got.ErrorDetails.Message, "Max retries exceeded")
	assert.True(t, got.ErrorDetails.IsTimeout)
	assert.Nil(t, got.Result)

	// No further attempts happen once terminal.
	calls := client.Calls()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, calls, client.Calls())
	assert.Equal(t, 3, calls)
}

func TestScheduler_RetryThenSuccess(t *testing.T) {
	store := newTestStore(t)
	var failures int32 = 1
	client := mock.Scripted(func(ctx context.Context, transcript, rubric string) (string, error) {
		if atomic.AddInt32(&failures, -1) >= 0 {
			return "", errors.New("connection refused")
		}
		return `{"overallScore": 88}`, nil
	})
	submit(t, store, "job-1", "transcript")
	startScheduler(t, store, client, testOptions())

	var got *jobs.Job
	waitFor(t, 2*time.Second, func() bool {
		j, err := store.Get(context.Background(), "job-1")
		if err != nil {
			return false
		}
		got = j
		return j.Status == jobs.StatusCompleted
	}, "job never completed")

	assert.Equal(t, 1, got.RetryCount)
	require.NotNil(t, got.Result)
	assert.Equal(t, 88, got.Result.OverallScore)
}

// Permanent provider rejections go terminal without consuming retries.
func TestScheduler_PermanentProviderErrorSkipsRetries(t *testing.T) {
	store := newTestStore(t)
	client := mock.Scripted(func(ctx context.Context, transcript, rubric string) (string, error) {
		return "", &llm.ProviderError{StatusCode: 413, Message: "request too large"}
	})
	submit(t, store, "job-1", "transcript")
	startScheduler(t, store, client, testOptions())

	var got *jobs.Job
	waitFor(t, 2*time.Second, func() bool {
		j, err := store.Get(context.Background(), "job-1")
		if err != nil {
			return false
		}
		got = j
		return got.IsTerminal()
	}, "job never finished")

	assert.Equal(t, jobs.StatusAPIError, got.Status)
	assert.Zero(t, got.RetryCount)
	assert.Equal(t, 1, client.Calls())
}

// With N slots and more than N pending jobs, at most N run at once.
func TestScheduler_ConcurrencyBound(t *testing.T) {
	store := newTestStore(t)

	var active, peak int32
	gate := make(chan struct{})
	var once sync.Once
	client := mock.Scripted(func(ctx context.Context, transcript, rubric string) (string, error) {
		n := atomic.AddInt32(&active, 1)
		for {
			old := atomic.LoadInt32(&peak)
			if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
				break
			}
		}
		<-gate
		atomic.AddInt32(&active, -1)
		return `{"overallScore": 70}`, nil
	})

	ids := []string{"job-1", "job-2", "job-3", "job-4", "job-5", "job-6"}
	for _, id := range ids {
		submit(t, store, id, "transcript")
	}

	opts := testOptions()
	opts.MaxConcurrentJobs = 2
	startScheduler(t, store, client, opts)

	waitFor(t, 2*time.Second, func() bool {
		return atomic.LoadInt32(&active) == 2
	}, "scheduler never filled its slots")
	// Give extra polls a chance to overfill before releasing.
	time.Sleep(50 * time.Millisecond)
	once.Do(func() { close(gate) })

	waitFor(t, 5*time.Second, func() bool {
		for _, id := range ids {
			j, err := store.Get(context.Background(), id)
			if err != nil || j.Status != jobs.StatusCompleted {
				return false
			}
		}
		return true
	}, "not all jobs completed")

	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

func TestScheduler_IgnoresTerminalAndProcessingJobs(t *testing.T) {
	store := newTestStore(t)
	client := mock.Scripted(func(ctx context.Context, transcript, rubric string) (string, error) {
		return `{"overallScore": 70}`, nil
	})

	done := jobs.New("job-done", "transcript", "call.md", "")
	require.NoError(t, done.MarkProcessing())
	require.NoError(t, done.Complete(eval.Repair("{}", "", time.Now())))
	require.NoError(t, store.Save(context.Background(), done))

	claimed := jobs.New("job-claimed", "transcript", "call.md", "")
	require.NoError(t, claimed.MarkProcessing())
	require.NoError(t, store.Save(context.Background(), claimed))

	startScheduler(t, store, client, testOptions())
	time.Sleep(100 * time.Millisecond)

	assert.Zero(t, client.Calls())
	j, err := store.Get(context.Background(), "job-claimed")
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusProcessing, j.Status)
}

func TestScheduler_EvaluateNowBypassesStore(t *testing.T) {
	store := newTestStore(t)
	client := mock.Scripted(func(ctx context.Context, transcript, rubric string) (string, error) {
		return `{"overallScore": 95}`, nil
	})
	s := New(discardLogger(), store, client, newTestRegistry(t), testOptions())

	res, err := s.EvaluateNow(context.Background(), "transcript", "")
	require.NoError(t, err)
	assert.Equal(t, 95, res.OverallScore)
	assert.Equal(t, eval.LevelExceptional, res.PerformanceLevel)

	list, err := store.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, list)
}

// saveFailStore passes through to the wrapped store until fail is set.
type saveFailStore struct {
	jobs.Store
	fail bool
}

func (s *saveFailStore) Save(ctx context.Context, job *jobs.Job) error {
	if s.fail {
		return errors.New("disk full")
	}
	return s.Store.Save(ctx, job)
}

// A result that cannot be persisted leaves the record in processing; the
// log must point operators at the requeue command that recovers it.
func TestScheduler_PersistFailureLogsRequeueHint(t *testing.T) {
	ctx := context.Background()
	inner := newTestStore(t)
	store := &saveFailStore{Store: inner}

	job := jobs.New("job-1", "transcript", "call.md", "")
	require.NoError(t, store.Save(ctx, job))
	require.NoError(t, job.MarkProcessing())
	require.NoError(t, store.Save(ctx, job))
	store.fail = true

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	client := mock.Scripted(func(ctx context.Context, transcript, rubric string) (string, error) {
		return `{"overallScore": 70}`, nil
	})
	s := New(logger, store, client, newTestRegistry(t), testOptions())
	s.execute(ctx, job)

	assert.Contains(t, buf.String(), "jobs requeue")
	got, err := inner.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusProcessing, got.Status)
	assert.Nil(t, got.Result)
}

func TestScheduler_ShutdownDrainsInFlight(t *testing.T) {
	store := newTestStore(t)
	client := mock.Scripted(func(ctx context.Context, transcript, rubric string) (string, error) {
		time.Sleep(100 * time.Millisecond)
		return `{"overallScore": 70}`, nil
	})
	submit(t, store, "job-1", "transcript")

	s := New(discardLogger(), store, client, newTestRegistry(t), testOptions())
	require.NoError(t, s.Start(context.Background()))

	waitFor(t, time.Second, func() bool { return s.InFlight() == 1 }, "job never claimed")
	s.Shutdown(2 * time.Second)

	j, err := store.Get(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCompleted, j.Status)
	assert.Zero(t, s.InFlight())
}

func TestScheduler_StartTwiceFails(t *testing.T) {
	client := mock.Scripted(func(ctx context.Context, transcript, rubric string) (string, error) {
		return "{}", nil
	})
	s := New(discardLogger(), newTestStore(t), client, newTestRegistry(t), testOptions())
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { s.Shutdown(time.Second) })
	assert.Error(t, s.Start(context.Background()))
}
