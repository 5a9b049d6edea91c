package cron

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors for store operations.
var (
	// ErrJobNotFound is returned when no job exists under the given ID.
	ErrJobNotFound = errors.New("cron: job not found")

	// ErrConflict is returned by Update when the caller's Version is stale.
	// The caller should re-read and retry.
	ErrConflict = errors.New("cron: job modified concurrently")
)

// Store is the durable keyed collection of job records. Every mutation is
// written to stable storage before the call returns, so a crash between
// claiming a run and writing its result is detectable at startup (the row
// persists in RunRunning).
type Store interface {
	// Create persists a new job.
	Create(ctx context.Context, job *Job) error

	// Get returns the job with the given ID, or ErrJobNotFound.
	Get(ctx context.Context, id string) (*Job, error)

	// Update writes job back using optimistic concurrency: it succeeds only
	// if the stored Version equals job.Version, bumping the version and
	// refreshing UpdatedAt on the way in. Returns ErrConflict when stale.
	Update(ctx context.Context, job *Job) error

	// Delete removes the job, or returns ErrJobNotFound.
	Delete(ctx context.Context, id string) error

	// ListAll returns every job, ordered by creation time.
	ListAll(ctx context.Context) ([]*Job, error)

	// ListDue returns enabled, idle jobs with NextRunAt <= asOf, ordered by
	// NextRunAt ascending for a deterministic tie-break.
	ListDue(ctx context.Context, asOf time.Time) ([]*Job, error)

	// Claim atomically transitions the job from idle to running and returns
	// the refreshed record. It returns (nil, nil) when the job was not
	// claimable (already running, disabled, or deleted), so racing callers
	// can skip without treating the loss as an error.
	Claim(ctx context.Context, id string) (*Job, error)

	// AppendRun records one execution in the run log.
	AppendRun(ctx context.Context, entry RunEntry) error

	// Runs returns up to limit run-log entries for the job, newest first.
	Runs(ctx context.Context, jobID string, limit int) ([]RunEntry, error)
}
