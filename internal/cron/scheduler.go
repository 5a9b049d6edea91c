package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Sentinel errors for scheduler lifecycle.
var (
	ErrAlreadyStarted = errors.New("cron: scheduler already started")
	ErrNotStarted     = errors.New("cron: scheduler not started")
)

// updateRetries bounds the optimistic-update retry loop after a run. True
// contention is rare: one job ID has one concurrent writer, enforced by the
// run claim, so retries only absorb concurrent edits via the service API.
const updateRetries = 3

// Config holds scheduler configuration.
type Config struct {
	// TickInterval is the firing loop's wake period. Default 2s. Coarser
	// than the finest schedule granularity is fine: cron and interval
	// semantics are minute-or-coarser in practice.
	TickInterval time.Duration

	Logger *slog.Logger

	// Now is injectable for testing. Nil means time.Now.
	Now func() time.Time
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = 2 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Scheduler is the firing loop: a single timer-driven process that finds due
// jobs, claims them, and hands each to the executor matching its session
// mode. Job executions run concurrently with each other and with subsequent
// ticks; only same-job concurrency is forbidden, via the store claim.
type Scheduler struct {
	cfg      Config
	store    Store
	main     *MainExecutor
	isolated *IsolatedExecutor

	wake chan struct{}

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a scheduler wired to its collaborators.
func NewScheduler(cfg Config, store Store, main *MainExecutor, isolated *IsolatedExecutor) (*Scheduler, error) {
	if store == nil {
		return nil, errors.New("cron: nil Store")
	}
	if main == nil {
		return nil, errors.New("cron: nil MainExecutor")
	}
	if isolated == nil {
		return nil, errors.New("cron: nil IsolatedExecutor")
	}

	return &Scheduler{
		cfg:      cfg.withDefaults(),
		store:    store,
		main:     main,
		isolated: isolated,
		wake:     make(chan struct{}, 1),
	}, nil
}

// Start begins the firing loop. Returns ErrAlreadyStarted if called twice.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return ErrAlreadyStarted
	}

	ctx, s.cancel = context.WithCancel(ctx)
	// The loop goroutine itself is in the wait group, so a tick in progress
	// holds the counter above zero and Stop cannot return mid-scan.
	s.wg.Add(1)
	go s.run(ctx)

	s.cfg.Logger.Info("cron: scheduler started", "tick", s.cfg.TickInterval)
	return nil
}

// Stop cancels the loop and waits for in-flight executions, honouring ctx
// for the wait. Returns ErrNotStarted if not running.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel == nil {
		s.mu.Unlock()
		return ErrNotStarted
	}
	s.cancel()
	s.cancel = nil
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cfg.Logger.Info("cron: scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("cron: stop: %w", ctx.Err())
	}
}

// Wake pulls the next due-job scan forward without waiting for the tick.
// Safe to call whether or not the scheduler is running.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
		// A scan is already pending.
	}
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		case <-s.wake:
			s.tick(ctx)
		}
	}
}

// tick claims every due job and dispatches each in its own goroutine. The
// loop never blocks on an execution: slow agent turns run asynchronously
// while the loop stays free to claim other due jobs.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.cfg.Now().UTC()

	due, err := s.store.ListDue(ctx, now)
	if err != nil {
		s.cfg.Logger.Error("cron: due-job query failed", "error", err)
		return
	}

	for _, job := range due {
		if ctx.Err() != nil {
			// Shutdown began while scanning; claim nothing more.
			return
		}
		claimed, err := s.store.Claim(ctx, job.ID)
		if err != nil {
			s.cfg.Logger.Error("cron: claim failed", "job", job.ID, "error", err)
			continue
		}
		if claimed == nil {
			// Lost the claim: already running, disabled, or deleted.
			continue
		}

		s.wg.Add(1)
		go func(job *Job) {
			defer s.wg.Done()
			s.execute(ctx, job)
		}(claimed)
	}
}

// execute runs one claimed job to completion and writes the result back.
// Nothing here escapes the loop: a failing job is logged, released, and
// retried at its next natural occurrence.
func (s *Scheduler) execute(ctx context.Context, job *Job) {
	started := s.cfg.Now().UTC()

	// The originally scheduled time seeds the next-run computation so clock
	// drift does not accumulate over long executions.
	scheduledAt := started
	if job.NextRunAt != nil {
		scheduledAt = *job.NextRunAt
	}

	s.cfg.Logger.Info("cron: job started",
		"job", job.ID,
		"name", job.Name,
		"mode", job.SessionMode,
		"schedule", job.Schedule.String(),
	)

	summary, runErr := s.dispatch(ctx, job)

	entry := RunEntry{
		JobID:     job.ID,
		StartedAt: started,
		Duration:  s.cfg.Now().UTC().Sub(started),
		Status:    RunOK,
		Summary:   summary,
	}
	if runErr != nil {
		entry.Status = RunError
		entry.Error = runErr.Error()
		s.cfg.Logger.Error("cron: job failed", "job", job.ID, "error", runErr)
	} else {
		s.cfg.Logger.Info("cron: job completed", "job", job.ID, "duration", entry.Duration)
	}

	// Result write-back must land even when shutdown cancelled the loop
	// context mid-run, otherwise the job would be stranded in running.
	storeCtx := context.WithoutCancel(ctx)

	if err := s.store.AppendRun(storeCtx, entry); err != nil {
		s.cfg.Logger.Error("cron: run log append failed", "job", job.ID, "error", err)
	}

	s.release(storeCtx, job, started, scheduledAt)
}

// dispatch selects the executor for the job's session mode. Panics in an
// executor are contained here so one job cannot take down the loop.
func (s *Scheduler) dispatch(ctx context.Context, job *Job) (summary string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cron: job %s panicked: %v", job.ID, r)
		}
	}()

	switch job.SessionMode {
	case SessionMain:
		return "", s.main.Run(ctx, job)
	case SessionIsolated:
		result, runErr := s.isolated.Run(ctx, job)
		return result.Summary, runErr
	default:
		return "", fmt.Errorf("cron: job %s has unknown session mode %q", job.ID, job.SessionMode)
	}
}

// release writes lastRunAt, the recomputed nextRunAt, and the idle run state
// back to the store. Concurrent edits through the service surface are
// absorbed by re-reading and reapplying the run outcome.
func (s *Scheduler) release(ctx context.Context, job *Job, started, scheduledAt time.Time) {
	for attempt := 0; attempt < updateRetries; attempt++ {
		job.LastRunAt = &started
		job.RunState = RunIdle

		if job.Schedule.Kind == ScheduleAt {
			// One-shot exhausted: keep the record, disabled, with no
			// further occurrence.
			job.Enabled = false
			job.NextRunAt = nil
		} else if next, ok := job.Schedule.Next(scheduledAt); ok {
			job.NextRunAt = &next
		} else {
			job.NextRunAt = nil
		}

		err := s.store.Update(ctx, job)
		if err == nil {
			return
		}
		if errors.Is(err, ErrJobNotFound) {
			// Deleted mid-run; the run itself stands.
			s.cfg.Logger.Debug("cron: job deleted during run", "job", job.ID)
			return
		}
		if !errors.Is(err, ErrConflict) {
			s.cfg.Logger.Error("cron: job release failed", "job", job.ID, "error", err)
			return
		}

		fresh, getErr := s.store.Get(ctx, job.ID)
		if getErr != nil {
			s.cfg.Logger.Error("cron: job re-read failed", "job", job.ID, "error", getErr)
			return
		}
		// The schedule may have been edited mid-run; recompute on the
		// fresh copy from the run's scheduled time.
		job = fresh
	}

	s.cfg.Logger.Error("cron: job release gave up after conflicts", "job", job.ID)
}
