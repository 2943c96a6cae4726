package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"convoscore/internal/eval"
	"convoscore/internal/jobs"
	"convoscore/internal/llm"
	"convoscore/internal/rubric"
)

// Options tunes the polling scheduler.
type Options struct {
	MaxConcurrentJobs int
	MaxRetries        int
	PollingInterval   time.Duration
	CallTimeout       time.Duration
	RequestsPerMinute int // evaluation-call rate limit, 0 = unlimited
}

// Scheduler discovers pending jobs by polling the store, executes their
// evaluations under a concurrency bound, and drives the per-job state
// machine: pending -> processing -> completed | pending(retry) | failed.
//
// Claiming is a read-then-write with no compare-and-swap, so two scheduler
// instances against one store can double-process a job. Deployments run a
// single instance per store; the claim save only narrows the window.
type Scheduler struct {
	log     *slog.Logger
	store   jobs.Store
	client  llm.Client
	rubrics *rubric.Registry
	limiter *rate.Limiter
	opts    Options

	mu         sync.Mutex
	inflight   map[string]struct{}
	started    bool
	cancel     context.CancelFunc
	cancelOnce sync.Once
	wg         sync.WaitGroup
}

// New builds a scheduler. A nil-safe rate limiter is created when
// RequestsPerMinute is positive; the limiter is owned here, never global.
func New(log *slog.Logger, store jobs.Store, client llm.Client, rubrics *rubric.Registry, opts Options) *Scheduler {
	if opts.MaxConcurrentJobs <= 0 {
		opts.MaxConcurrentJobs = 1
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 1
	}
	if opts.PollingInterval <= 0 {
		opts.PollingInterval = 5 * time.Second
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 30 * time.Second
	}
	var limiter *rate.Limiter
	if opts.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(opts.RequestsPerMinute)/60.0), 1)
	}
	return &Scheduler{
		log:      log,
		store:    store,
		client:   client,
		rubrics:  rubrics,
		limiter:  limiter,
		opts:     opts,
		inflight: make(map[string]struct{}),
	}
}

// Start launches the polling loop. It returns immediately; job execution
// happens on background goroutines.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("scheduler already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.started = true

	s.wg.Add(1)
	go s.run(ctx)
	return nil
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.PollingInterval)
	defer ticker.Stop()

	s.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			s.log.Debug("scheduler stopping due to context cancellation")
			return
		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

// poll claims up to the free concurrency slots worth of pending jobs and
// fires their execution. Errors stay inside the tick; the loop never dies.
func (s *Scheduler) poll(ctx context.Context) {
	list, err := s.store.List(ctx)
	if err != nil {
		s.log.Error("poll: list jobs", "err", err)
		return
	}

	for _, job := range list {
		if job.Status != jobs.StatusPending || job.RetryCount >= s.opts.MaxRetries {
			continue
		}
		if !s.tryReserve(job.ID) {
			continue
		}

		// Claim: persist the processing state before execution so the next
		// poll (or a restart) does not re-claim the job mid-flight.
		if err := job.MarkProcessing(); err != nil {
			s.log.Warn("poll: claim rejected", "job_id", job.ID, "err", err)
			s.release(job.ID)
			continue
		}
		if err := s.store.Save(ctx, job); err != nil {
			s.log.Error("poll: persist claim", "job_id", job.ID, "err", err)
			s.release(job.ID)
			continue
		}

		s.wg.Add(1)
		// Shutdown stops polling but does not cancel outstanding calls;
		// in-flight work runs on a detached context and is only waited for.
		execCtx := context.WithoutCancel(ctx)
		go func(job *jobs.Job) {
			defer s.wg.Done()
			defer s.release(job.ID)
			s.execute(execCtx, job)
		}(job)
	}
}

// tryReserve adds the id to the in-flight set if a concurrency slot is free.
func (s *Scheduler) tryReserve(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inflight[id]; busy {
		return false
	}
	if len(s.inflight) >= s.opts.MaxConcurrentJobs {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Scheduler) release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, id)
}

// InFlight reports how many jobs this instance is currently executing.
func (s *Scheduler) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

// execute runs one claimed job to a final write. Every failure mode is
// folded into the state machine; nothing escapes to the polling loop.
func (s *Scheduler) execute(ctx context.Context, job *jobs.Job) {
	log := s.log.With("job_id", job.ID)
	start := time.Now()

	raw, err := s.callProvider(ctx, job.Markdown, job.RubricID)
	if err != nil {
		s.finalizeFailure(ctx, job, err)
		return
	}

	result := eval.Repair(raw, job.Markdown, time.Now().UTC())
	if err := job.Complete(result); err != nil {
		log.Error("complete transition rejected", "err", err)
		return
	}
	if err := s.store.Save(ctx, job); err != nil {
		// The store already retried internally; the record stays in
		// processing until an operator requeues it.
		log.Error("persist completed job; record stuck in processing, recover with 'convoscore jobs requeue'", "err", err)
		return
	}
	log.Info("job completed", "duration", time.Since(start), "score", result.OverallScore)
}

// callProvider resolves the rubric, honors the rate limit, and invokes the
// evaluation call under its timeout.
func (s *Scheduler) callProvider(ctx context.Context, transcript, rubricID string) (string, error) {
	r := s.rubrics.Default()
	if rubricID != "" {
		if found, ok := s.rubrics.Get(rubricID); ok {
			r = found
		} else {
			s.log.Warn("rubric not found, using default", "rubric_id", rubricID)
		}
	}

	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return "", err
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, s.opts.CallTimeout)
	defer cancel()
	return s.client.Evaluate(callCtx, transcript, r.PromptText())
}

// finalizeFailure classifies the error and writes the resulting transition:
// permanent provider rejections go terminal immediately, everything else
// consumes a retry.
func (s *Scheduler) finalizeFailure(ctx context.Context, job *jobs.Job, callErr error) {
	log := s.log.With("job_id", job.ID)

	var transitionErr error
	var pe *llm.ProviderError
	switch {
	case errors.As(callErr, &pe) && pe.Permanent():
		transitionErr = job.FailPermanently("api_error", callErr.Error())
	case llm.IsTimeout(callErr):
		transitionErr = job.RecordFailure("timeout", callErr.Error(), true, s.opts.MaxRetries)
	default:
		transitionErr = job.RecordFailure("api_error", callErr.Error(), false, s.opts.MaxRetries)
	}
	if transitionErr != nil {
		log.Error("failure transition rejected", "err", transitionErr)
		return
	}

	if err := s.store.Save(ctx, job); err != nil {
		log.Error("persist failed job; record stuck in processing, recover with 'convoscore jobs requeue'", "err", err)
		return
	}
	if job.IsTerminal() {
		log.Warn("job failed terminally", "status", job.Status, "err", callErr)
	} else {
		log.Info("job requeued for retry", "retry_count", job.RetryCount, "err", callErr)
	}
}

// EvaluateNow runs one evaluation synchronously without touching the store.
// The façade uses it as the fallback when persistence is unavailable, so
// caller-visible work is never silently lost.
func (s *Scheduler) EvaluateNow(ctx context.Context, transcript, rubricID string) (*eval.Result, error) {
	raw, err := s.callProvider(ctx, transcript, rubricID)
	if err != nil {
		return nil, fmt.Errorf("evaluate: %w", err)
	}
	return eval.Repair(raw, transcript, time.Now().UTC()), nil
}

// Shutdown stops polling and waits for in-flight jobs up to the grace
// period, then gives up and lets the process exit.
func (s *Scheduler) Shutdown(grace time.Duration) {
	s.cancelOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}

		done := make(chan struct{})
		go func() {
			defer close(done)
			s.wg.Wait()
		}()

		if grace <= 0 {
			<-done
			return
		}

		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-done:
		case <-timer.C:
			s.log.Warn("scheduler shutdown deadline reached; jobs may still be running")
		}
	})
}
