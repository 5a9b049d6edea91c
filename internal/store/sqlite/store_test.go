package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/perchwork/roost/internal/cron"
)

func openTestStore(t *testing.T) cron.Store {
	t.Helper()

	store, db, err := OpenJobStore(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("OpenJobStore() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return store
}

func testJob(id string, next time.Time) *cron.Job {
	n := next
	return &cron.Job{
		ID:          id,
		Name:        "job " + id,
		Schedule:    cron.NewEvery(time.Minute, next.Add(-time.Hour)),
		Payload:     "check the feeds",
		SessionMode: cron.SessionMain,
		WakeMode:    cron.WakeNow,
		Enabled:     true,
		RunState:    cron.RunIdle,
		NextRunAt:   &n,
	}
}

func TestJobStoreCreateGetRoundTrip(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()

	next := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	last := next.Add(-10 * time.Minute)
	job := &cron.Job{
		ID:          "j1",
		Name:        "standup reminder",
		Schedule:    cron.NewCron("30 9 * * 1-5", "Europe/Paris"),
		Payload:     "post the standup summary",
		SessionMode: cron.SessionIsolated,
		Delivery:    &cron.Delivery{Channel: "telegram", To: "12345"},
		AgentID:     "ops",
		Enabled:     true,
		RunState:    cron.RunIdle,
		LastRunAt:   &last,
		NextRunAt:   &next,
	}
	if err := store.Create(ctx, job); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if job.Version != 1 {
		t.Errorf("Version after Create = %d, want 1", job.Version)
	}

	got, err := store.Get(ctx, "j1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Name != job.Name || got.Payload != job.Payload || got.AgentID != "ops" {
		t.Errorf("Get() = %+v, want fields of %+v", got, job)
	}
	if got.SessionMode != cron.SessionIsolated {
		t.Errorf("SessionMode = %q, want %q", got.SessionMode, cron.SessionIsolated)
	}
	if got.Delivery == nil || got.Delivery.Channel != "telegram" || got.Delivery.To != "12345" {
		t.Errorf("Delivery = %+v, want telegram/12345", got.Delivery)
	}
	if got.Schedule.Kind != cron.ScheduleCron || got.Schedule.Expr != "30 9 * * 1-5" || got.Schedule.TZ != "Europe/Paris" {
		t.Errorf("Schedule = %+v", got.Schedule)
	}
	if got.LastRunAt == nil || !got.LastRunAt.Equal(last) {
		t.Errorf("LastRunAt = %v, want %v", got.LastRunAt, last)
	}
	if got.NextRunAt == nil || !got.NextRunAt.Equal(next) {
		t.Errorf("NextRunAt = %v, want %v", got.NextRunAt, next)
	}
	if got.Version != 1 {
		t.Errorf("Version = %d, want 1", got.Version)
	}
}

func TestJobStoreNullableFields(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()

	job := &cron.Job{
		ID:          "j1",
		Name:        "retired one-shot",
		Schedule:    cron.NewAt(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
		Payload:     "happy new year",
		SessionMode: cron.SessionMain,
		WakeMode:    cron.WakeNextHeartbeat,
		RunState:    cron.RunIdle,
	}
	if err := store.Create(ctx, job); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	got, err := store.Get(ctx, "j1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Delivery != nil {
		t.Errorf("Delivery = %+v, want nil", got.Delivery)
	}
	if got.LastRunAt != nil || got.NextRunAt != nil {
		t.Errorf("LastRunAt = %v, NextRunAt = %v, want both nil", got.LastRunAt, got.NextRunAt)
	}
	if got.Enabled {
		t.Error("Enabled = true, want false")
	}
	if got.Schedule.Kind != cron.ScheduleAt || !got.Schedule.At.Equal(job.Schedule.At) {
		t.Errorf("Schedule = %+v", got.Schedule)
	}
}

func TestJobStoreGetUnknown(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	if _, err := store.Get(context.Background(), "nope"); !errors.Is(err, cron.ErrJobNotFound) {
		t.Errorf("Get(unknown) error = %v, want ErrJobNotFound", err)
	}
}

func TestJobStoreUpdateOptimisticConflict(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()

	job := testJob("j1", time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC))
	if err := store.Create(ctx, job); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	first, err := store.Get(ctx, "j1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	second, err := store.Get(ctx, "j1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	first.Name = "winner"
	if err := store.Update(ctx, first); err != nil {
		t.Fatalf("Update(first) error = %v", err)
	}
	if first.Version != 2 {
		t.Errorf("Version after Update = %d, want 2", first.Version)
	}

	second.Name = "loser"
	if err := store.Update(ctx, second); !errors.Is(err, cron.ErrConflict) {
		t.Fatalf("Update(stale) error = %v, want ErrConflict", err)
	}
	if second.Version != 1 {
		t.Errorf("stale Version after failed Update = %d, want 1", second.Version)
	}

	got, err := store.Get(ctx, "j1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Name != "winner" {
		t.Errorf("Name = %q, want %q", got.Name, "winner")
	}
}

func TestJobStoreUpdateUnknown(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	job := testJob("ghost", time.Now().UTC())
	job.Version = 1
	if err := store.Update(context.Background(), job); !errors.Is(err, cron.ErrJobNotFound) {
		t.Errorf("Update(unknown) error = %v, want ErrJobNotFound", err)
	}
}

func TestJobStoreDelete(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()

	job := testJob("j1", time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC))
	if err := store.Create(ctx, job); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	other := testJob("j2", time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC))
	if err := store.Create(ctx, other); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	for _, id := range []string{"j1", "j2"} {
		entry := cron.RunEntry{
			JobID:     id,
			StartedAt: time.Date(2026, 5, 1, 11, 0, 0, 0, time.UTC),
			Duration:  2 * time.Second,
			Status:    cron.RunOK,
			Summary:   "done",
		}
		if err := store.AppendRun(ctx, entry); err != nil {
			t.Fatalf("AppendRun(%s) error = %v", id, err)
		}
	}

	if err := store.Delete(ctx, "j1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := store.Get(ctx, "j1"); !errors.Is(err, cron.ErrJobNotFound) {
		t.Errorf("Get(deleted) error = %v, want ErrJobNotFound", err)
	}
	runs, err := store.Runs(ctx, "j1", 10)
	if err != nil {
		t.Fatalf("Runs() error = %v", err)
	}
	if len(runs) != 0 {
		t.Errorf("Runs() after Delete = %d entries, want 0", len(runs))
	}

	// The other job and its history are untouched.
	otherRuns, err := store.Runs(ctx, "j2", 10)
	if err != nil {
		t.Fatalf("Runs(j2) error = %v", err)
	}
	if len(otherRuns) != 1 {
		t.Errorf("Runs(j2) after Delete(j1) = %d entries, want 1", len(otherRuns))
	}

	if err := store.Delete(ctx, "j1"); !errors.Is(err, cron.ErrJobNotFound) {
		t.Errorf("second Delete() error = %v, want ErrJobNotFound", err)
	}
}

func TestJobStoreListDue(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()
	asOf := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	due1 := testJob("due-late", asOf.Add(-time.Minute))
	due2 := testJob("due-early", asOf.Add(-time.Hour))
	future := testJob("future", asOf.Add(time.Hour))
	disabled := testJob("disabled", asOf.Add(-time.Minute))
	disabled.Enabled = false
	running := testJob("running", asOf.Add(-time.Minute))
	running.RunState = cron.RunRunning
	retired := testJob("retired", asOf)
	retired.NextRunAt = nil

	for _, job := range []*cron.Job{due1, due2, future, disabled, running, retired} {
		if err := store.Create(ctx, job); err != nil {
			t.Fatalf("Create(%s) error = %v", job.ID, err)
		}
	}

	due, err := store.ListDue(ctx, asOf)
	if err != nil {
		t.Fatalf("ListDue() error = %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("ListDue() = %d jobs, want 2", len(due))
	}
	if due[0].ID != "due-early" || due[1].ID != "due-late" {
		t.Errorf("ListDue() order = [%s, %s], want [due-early, due-late]", due[0].ID, due[1].ID)
	}
}

func TestJobStoreListAll(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	for _, id := range []string{"a", "b", "c"} {
		if err := store.Create(ctx, testJob(id, base)); err != nil {
			t.Fatalf("Create(%s) error = %v", id, err)
		}
	}

	all, err := store.ListAll(ctx)
	if err != nil {
		t.Fatalf("ListAll() error = %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("ListAll() = %d jobs, want 3", len(all))
	}
}

func TestJobStoreClaim(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()

	job := testJob("j1", time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC))
	if err := store.Create(ctx, job); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	claimed, err := store.Claim(ctx, "j1")
	if err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	if claimed == nil {
		t.Fatal("Claim() = nil, want job")
	}
	if claimed.RunState != cron.RunRunning {
		t.Errorf("RunState = %q, want %q", claimed.RunState, cron.RunRunning)
	}
	if claimed.Version != 2 {
		t.Errorf("Version after Claim = %d, want 2", claimed.Version)
	}

	again, err := store.Claim(ctx, "j1")
	if err != nil {
		t.Fatalf("second Claim() error = %v", err)
	}
	if again != nil {
		t.Errorf("second Claim() = %+v, want nil", again)
	}
}

func TestJobStoreClaimDisabled(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()

	job := testJob("j1", time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC))
	job.Enabled = false
	if err := store.Create(ctx, job); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	claimed, err := store.Claim(ctx, "j1")
	if err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	if claimed != nil {
		t.Errorf("Claim(disabled) = %+v, want nil", claimed)
	}
}

func TestJobStoreRunLog(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()

	job := testJob("j1", time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC))
	if err := store.Create(ctx, job); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		entry := cron.RunEntry{
			JobID:     "j1",
			StartedAt: base.Add(time.Duration(i) * time.Minute),
			Duration:  time.Second,
			Status:    cron.RunOK,
			Summary:   "run",
		}
		if i == 2 {
			entry.Status = cron.RunError
			entry.Error = "agent unavailable"
		}
		if err := store.AppendRun(ctx, entry); err != nil {
			t.Fatalf("AppendRun(%d) error = %v", i, err)
		}
	}

	runs, err := store.Runs(ctx, "j1", 2)
	if err != nil {
		t.Fatalf("Runs() error = %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("Runs(limit=2) = %d entries, want 2", len(runs))
	}
	if !runs[0].StartedAt.After(runs[1].StartedAt) {
		t.Errorf("Runs() not newest first: %v then %v", runs[0].StartedAt, runs[1].StartedAt)
	}
	if runs[0].Status != cron.RunError || runs[0].Error != "agent unavailable" {
		t.Errorf("newest run = %+v, want error entry", runs[0])
	}
}

func TestJobStoreSurvivesReopen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "jobs.db")
	ctx := context.Background()

	store, db, err := OpenJobStore(path)
	if err != nil {
		t.Fatalf("OpenJobStore() error = %v", err)
	}
	job := testJob("j1", time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC))
	if err := store.Create(ctx, job); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	store, db, err = OpenJobStore(path)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	got, err := store.Get(ctx, "j1")
	if err != nil {
		t.Fatalf("Get() after reopen error = %v", err)
	}
	if got.Name != job.Name || got.NextRunAt == nil {
		t.Errorf("Get() after reopen = %+v", got)
	}
}
