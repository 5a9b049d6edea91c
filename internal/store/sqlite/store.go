package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/perchwork/roost/internal/cron"
)

// jobStore implements cron.Store. A single connection plus WAL keeps every
// mutation durable before the call returns.
type jobStore struct {
	db  *sql.DB
	now func() time.Time // injectable for testing
}

// Compile-time interface check.
var _ cron.Store = (*jobStore)(nil)

const jobColumns = `id, name, enabled, session_mode, wake_mode, payload, agent_id,
	delivery_channel, delivery_to, schedule_kind, at_ms, every_ms, anchor_ms,
	cron_expr, cron_tz, run_state, last_run_at_ms, next_run_at_ms,
	created_at_ms, updated_at_ms, version`

// Create persists a new job. UpdatedAt and Version are initialised here.
func (s *jobStore) Create(ctx context.Context, job *cron.Job) error {
	now := s.now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	job.Version = 1

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		jobArgs(job)...,
	)
	if err != nil {
		return fmt.Errorf("sqlite: create job %s: %w", job.ID, err)
	}
	return nil
}

// Get returns the job with the given ID.
func (s *jobStore) Get(ctx context.Context, id string) (*cron.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, cron.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get job %s: %w", id, err)
	}
	return job, nil
}

// Update writes the job back if the caller's Version is still current,
// bumping the version and refreshing UpdatedAt. Returns cron.ErrConflict
// when another writer got there first.
func (s *jobStore) Update(ctx context.Context, job *cron.Job) error {
	expected := job.Version
	job.UpdatedAt = s.now().UTC()
	job.Version = expected + 1

	args := jobArgs(job)[1:] // all columns except id
	args = append(args, job.ID, expected)

	result, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET
			name = ?, enabled = ?, session_mode = ?, wake_mode = ?, payload = ?,
			agent_id = ?, delivery_channel = ?, delivery_to = ?, schedule_kind = ?,
			at_ms = ?, every_ms = ?, anchor_ms = ?, cron_expr = ?, cron_tz = ?,
			run_state = ?, last_run_at_ms = ?, next_run_at_ms = ?,
			created_at_ms = ?, updated_at_ms = ?, version = ?
		WHERE id = ? AND version = ?`,
		args...,
	)
	if err != nil {
		job.Version = expected
		return fmt.Errorf("sqlite: update job %s: %w", job.ID, err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		job.Version = expected
		return fmt.Errorf("sqlite: rows affected: %w", err)
	}
	if n == 0 {
		job.Version = expected
		var exists bool
		if err := s.db.QueryRowContext(ctx,
			"SELECT EXISTS(SELECT 1 FROM jobs WHERE id = ?)", job.ID).Scan(&exists); err != nil {
			return fmt.Errorf("sqlite: update job %s: %w", job.ID, err)
		}
		if !exists {
			return cron.ErrJobNotFound
		}
		return cron.ErrConflict
	}
	return nil
}

// Delete removes the job and its run log in one transaction.
func (s *jobStore) Delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: delete job %s: %w", id, err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, "DELETE FROM jobs WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("sqlite: delete job %s: %w", id, err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: rows affected: %w", err)
	}
	if n == 0 {
		return cron.ErrJobNotFound
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM run_log WHERE job_id = ?", id); err != nil {
		return fmt.Errorf("sqlite: delete run log for %s: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: delete job %s: %w", id, err)
	}
	return nil
}

// ListAll returns every job ordered by creation time.
func (s *jobStore) ListAll(ctx context.Context) ([]*cron.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs ORDER BY created_at_ms, id`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanJobs(rows)
}

// ListDue returns enabled, idle jobs whose next run is at or before asOf,
// ordered by next run time for a deterministic tie-break.
func (s *jobStore) ListDue(ctx context.Context, asOf time.Time) ([]*cron.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE enabled = 1
		  AND run_state = 'idle'
		  AND next_run_at_ms IS NOT NULL
		  AND next_run_at_ms <= ?
		ORDER BY next_run_at_ms, id`,
		asOf.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list due jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanJobs(rows)
}

// Claim transitions the job from idle to running in a single conditional
// UPDATE. Returns (nil, nil) when the job was not claimable.
func (s *jobStore) Claim(ctx context.Context, id string) (*cron.Job, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET run_state = ?, updated_at_ms = ?, version = version + 1
		WHERE id = ? AND run_state = ? AND enabled = 1`,
		string(cron.RunRunning), s.now().UTC().UnixMilli(), id, string(cron.RunIdle),
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: claim job %s: %w", id, err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("sqlite: rows affected: %w", err)
	}
	if n == 0 {
		return nil, nil
	}

	return s.Get(ctx, id)
}

// AppendRun records one execution in the run log.
func (s *jobStore) AppendRun(ctx context.Context, entry cron.RunEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO run_log (job_id, started_at_ms, duration_ms, status, summary, error)
		VALUES (?, ?, ?, ?, ?, ?)`,
		entry.JobID,
		entry.StartedAt.UTC().UnixMilli(),
		entry.Duration.Milliseconds(),
		string(entry.Status),
		entry.Summary,
		entry.Error,
	)
	if err != nil {
		return fmt.Errorf("sqlite: append run for %s: %w", entry.JobID, err)
	}
	return nil
}

// Runs returns up to limit run entries for the job, newest first.
func (s *jobStore) Runs(ctx context.Context, jobID string, limit int) ([]cron.RunEntry, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, started_at_ms, duration_ms, status, summary, error
		FROM run_log
		WHERE job_id = ?
		ORDER BY started_at_ms DESC, id DESC
		LIMIT ?`,
		jobID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list runs for %s: %w", jobID, err)
	}
	defer func() { _ = rows.Close() }()

	var entries []cron.RunEntry
	for rows.Next() {
		var e cron.RunEntry
		var startedMS, durationMS int64
		var status string
		if err := rows.Scan(&e.JobID, &startedMS, &durationMS, &status, &e.Summary, &e.Error); err != nil {
			return nil, fmt.Errorf("sqlite: scan run: %w", err)
		}
		e.StartedAt = time.UnixMilli(startedMS).UTC()
		e.Duration = time.Duration(durationMS) * time.Millisecond
		e.Status = cron.RunStatus(status)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterate runs: %w", err)
	}
	return entries, nil
}

// jobArgs flattens a job into the column order of jobColumns.
func jobArgs(job *cron.Job) []any {
	var channel, to string
	if job.Delivery != nil {
		channel = job.Delivery.Channel
		to = job.Delivery.To
	}

	return []any{
		job.ID,
		job.Name,
		boolToInt(job.Enabled),
		string(job.SessionMode),
		string(job.WakeMode),
		job.Payload,
		job.AgentID,
		channel,
		to,
		string(job.Schedule.Kind),
		nullableMillis(timePtrIfSet(job.Schedule.At)),
		nullableInterval(job.Schedule.Interval),
		nullableMillis(timePtrIfSet(job.Schedule.Anchor)),
		job.Schedule.Expr,
		job.Schedule.TZ,
		string(job.RunState),
		nullableMillis(job.LastRunAt),
		nullableMillis(job.NextRunAt),
		job.CreatedAt.UTC().UnixMilli(),
		job.UpdatedAt.UTC().UnixMilli(),
		job.Version,
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanJob reads one row in jobColumns order.
func scanJob(row rowScanner) (*cron.Job, error) {
	var (
		job                      cron.Job
		enabled                  int
		sessionMode, wakeMode    string
		channel, to              string
		kind                     string
		atMS, everyMS, anchorMS  sql.NullInt64
		lastRunMS, nextRunMS     sql.NullInt64
		runState                 string
		createdAtMS, updatedAtMS int64
	)

	err := row.Scan(
		&job.ID, &job.Name, &enabled, &sessionMode, &wakeMode, &job.Payload,
		&job.AgentID, &channel, &to, &kind, &atMS, &everyMS, &anchorMS,
		&job.Schedule.Expr, &job.Schedule.TZ, &runState, &lastRunMS, &nextRunMS,
		&createdAtMS, &updatedAtMS, &job.Version,
	)
	if err != nil {
		return nil, err
	}

	job.Enabled = enabled != 0
	job.SessionMode = cron.SessionMode(sessionMode)
	job.WakeMode = cron.WakeMode(wakeMode)
	job.RunState = cron.RunState(runState)
	job.Schedule.Kind = cron.ScheduleKind(kind)

	if channel != "" || to != "" {
		job.Delivery = &cron.Delivery{Channel: channel, To: to}
	}
	if atMS.Valid {
		job.Schedule.At = time.UnixMilli(atMS.Int64).UTC()
	}
	if everyMS.Valid {
		job.Schedule.Interval = time.Duration(everyMS.Int64) * time.Millisecond
	}
	if anchorMS.Valid {
		job.Schedule.Anchor = time.UnixMilli(anchorMS.Int64).UTC()
	}
	if lastRunMS.Valid {
		t := time.UnixMilli(lastRunMS.Int64).UTC()
		job.LastRunAt = &t
	}
	if nextRunMS.Valid {
		t := time.UnixMilli(nextRunMS.Int64).UTC()
		job.NextRunAt = &t
	}
	job.CreatedAt = time.UnixMilli(createdAtMS).UTC()
	job.UpdatedAt = time.UnixMilli(updatedAtMS).UTC()

	return &job, nil
}

func scanJobs(rows *sql.Rows) ([]*cron.Job, error) {
	var jobs []*cron.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterate jobs: %w", err)
	}
	return jobs, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func timePtrIfSet(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func nullableMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().UnixMilli()
}

func nullableInterval(d time.Duration) any {
	if d <= 0 {
		return nil
	}
	return d.Milliseconds()
}
