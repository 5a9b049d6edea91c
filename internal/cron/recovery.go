package cron

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Recover reconciles persisted job records against wall-clock time. It must
// run once at startup, before the firing loop begins ticking.
//
// Jobs found in the running state belonged to a process that died
// mid-execution: they are reset to idle and the interrupted run is recorded
// as failed, since no partial side effects can be assumed complete.
//
// Catch-up policy is a property of the schedule type: one-shot jobs whose
// instant passed without ever running were missed while offline and fire once
// immediately; recurring jobs skip forward to their next future occurrence so
// long downtime never produces a firing storm.
func Recover(ctx context.Context, store Store, logger *slog.Logger, now func() time.Time) error {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}

	jobs, err := store.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("cron: recovery scan: %w", err)
	}

	asOf := now().UTC()
	var repaired, caughtUp, skipped int

	for _, job := range jobs {
		changed := false

		if job.RunState == RunRunning {
			job.RunState = RunIdle
			changed = true
			repaired++

			entry := RunEntry{
				JobID:     job.ID,
				StartedAt: asOf,
				Status:    RunError,
				Error:     "interrupted by process crash",
			}
			if err := store.AppendRun(ctx, entry); err != nil {
				logger.Error("cron: recovery run log append failed", "job", job.ID, "error", err)
			}
			logger.Warn("cron: cleared crash-interrupted run", "job", job.ID, "name", job.Name)
		}

		if job.Enabled && job.NextRunAt != nil && !job.NextRunAt.After(asOf) {
			switch job.Schedule.Kind {
			case ScheduleAt:
				// Missed while offline: leave the past-due next run in
				// place so the first tick fires it once, provided it
				// never ran before.
				if job.LastRunAt != nil {
					job.NextRunAt = nil
					job.Enabled = false
					changed = true
				} else {
					caughtUp++
				}
			default:
				if next, ok := job.Schedule.Next(asOf); ok {
					job.NextRunAt = &next
				} else {
					job.NextRunAt = nil
				}
				changed = true
				skipped++
			}
		}

		if !changed {
			continue
		}
		if err := store.Update(ctx, job); err != nil {
			return fmt.Errorf("cron: recovery update for job %s: %w", job.ID, err)
		}
	}

	logger.Info("cron: recovery complete",
		"jobs", len(jobs),
		"repaired", repaired,
		"one_shot_catchups", caughtUp,
		"skipped_forward", skipped,
	)
	return nil
}
