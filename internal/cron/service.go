package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// ErrJobInvalid marks a job specification rejected at creation or patch time.
var ErrJobInvalid = errors.New("cron: invalid job")

// Service is the job-management surface consumed by CLI/HTTP frontends.
// Mutations are validated synchronously; schedule errors never reach the
// store. After a mutation the scheduler is woken so a newly due job does not
// wait out the current tick.
type Service struct {
	store     Store
	sched     *Scheduler // may be nil in tests
	logger    *slog.Logger
	now       func() time.Time
	defaultTZ string
}

// NewService creates the management surface over the given store. sched may
// be nil; then mutations simply skip the wake signal.
func NewService(store Store, sched *Scheduler, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  store,
		sched:  sched,
		logger: logger,
		now:    time.Now,
	}
}

// WithClock overrides the service's time source. Used by tests; returns the
// service for chaining.
func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

// WithTimezone sets the timezone applied to cron schedules that omit one.
// Empty keeps UTC.
func (s *Service) WithTimezone(tz string) *Service {
	s.defaultTZ = tz
	return s
}

// JobSpec describes a job to create.
type JobSpec struct {
	Name        string
	Schedule    Schedule
	Payload     string
	SessionMode SessionMode
	WakeMode    WakeMode  // main mode only; defaults to next-heartbeat
	Delivery    *Delivery // isolated mode only
	AgentID     string
	Disabled    bool
}

// Add validates the spec, assigns an ID, computes the first run time, and
// persists the job.
func (s *Service) Add(ctx context.Context, spec JobSpec) (*Job, error) {
	now := s.now().UTC()

	job := &Job{
		ID:          uuid.NewString(),
		Name:        spec.Name,
		Schedule:    spec.Schedule,
		Payload:     spec.Payload,
		SessionMode: spec.SessionMode,
		WakeMode:    spec.WakeMode,
		AgentID:     spec.AgentID,
		Enabled:     !spec.Disabled,
		RunState:    RunIdle,
		CreatedAt:   now,
	}
	if spec.Delivery != nil {
		d := *spec.Delivery
		job.Delivery = &d
	}
	if job.SessionMode == "" {
		job.SessionMode = SessionMain
	}
	if job.SessionMode == SessionMain && job.WakeMode == "" {
		job.WakeMode = WakeNextHeartbeat
	}
	if job.Schedule.Kind == ScheduleEvery && job.Schedule.Anchor.IsZero() {
		job.Schedule.Anchor = now
	}
	if job.Schedule.Kind == ScheduleCron && job.Schedule.TZ == "" {
		job.Schedule.TZ = s.defaultTZ
	}

	if err := validateJob(job); err != nil {
		return nil, err
	}

	if next, ok := job.Schedule.Next(now); ok {
		job.NextRunAt = &next
	} else {
		return nil, fmt.Errorf("%w: schedule %s never fires after %s",
			ErrJobInvalid, job.Schedule.String(), now.Format(time.RFC3339))
	}

	if err := s.store.Create(ctx, job); err != nil {
		return nil, err
	}

	s.logger.Info("cron: job added",
		"job", job.ID,
		"name", job.Name,
		"schedule", job.Schedule.String(),
		"next", job.NextRunAt.Format(time.RFC3339),
	)
	s.wakeScheduler()
	return job, nil
}

// Get returns one job by ID.
func (s *Service) Get(ctx context.Context, id string) (*Job, error) {
	return s.store.Get(ctx, id)
}

// List returns all jobs, enabled or not.
func (s *Service) List(ctx context.Context) ([]*Job, error) {
	return s.store.ListAll(ctx)
}

// Runs returns the most recent executions of a job, newest first.
func (s *Service) Runs(ctx context.Context, id string, limit int) ([]RunEntry, error) {
	if _, err := s.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.store.Runs(ctx, id, limit)
}

// JobPatch holds optional fields for a partial update. Nil fields are left
// unchanged. ClearDelivery removes an existing delivery target.
type JobPatch struct {
	Name          *string
	Payload       *string
	Schedule      *Schedule
	WakeMode      *WakeMode
	Delivery      *Delivery
	ClearDelivery bool
	AgentID       *string
	Enabled       *bool
}

// Patch applies a partial update, revalidating the result and recomputing
// the next run when the schedule or enablement changed. Store conflicts with
// an in-flight run release are retried with a fresh read.
func (s *Service) Patch(ctx context.Context, id string, patch JobPatch) (*Job, error) {
	for attempt := 0; attempt < updateRetries; attempt++ {
		job, err := s.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}

		rescheduled := false
		if patch.Name != nil {
			job.Name = *patch.Name
		}
		if patch.Payload != nil {
			job.Payload = *patch.Payload
		}
		if patch.Schedule != nil {
			job.Schedule = *patch.Schedule
			if job.Schedule.Kind == ScheduleEvery && job.Schedule.Anchor.IsZero() {
				job.Schedule.Anchor = s.now().UTC()
			}
			if job.Schedule.Kind == ScheduleCron && job.Schedule.TZ == "" {
				job.Schedule.TZ = s.defaultTZ
			}
			rescheduled = true
		}
		if patch.WakeMode != nil {
			job.WakeMode = *patch.WakeMode
		}
		if patch.ClearDelivery {
			job.Delivery = nil
		} else if patch.Delivery != nil {
			d := *patch.Delivery
			job.Delivery = &d
		}
		if patch.AgentID != nil {
			job.AgentID = *patch.AgentID
		}
		if patch.Enabled != nil && *patch.Enabled != job.Enabled {
			job.Enabled = *patch.Enabled
			if job.Enabled {
				// Re-enabling recomputes so a stale past timestamp cannot
				// fire the moment the job comes back.
				rescheduled = true
			}
		}

		if err := validateJob(job); err != nil {
			return nil, err
		}

		if rescheduled {
			if next, ok := job.Schedule.Next(s.now().UTC()); ok {
				job.NextRunAt = &next
			} else {
				job.NextRunAt = nil
			}
		}

		err = s.store.Update(ctx, job)
		if errors.Is(err, ErrConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}

		s.logger.Info("cron: job updated", "job", job.ID, "name", job.Name)
		s.wakeScheduler()
		return job, nil
	}
	return nil, ErrConflict
}

// Delete removes a job. An in-flight execution is not interrupted; its final
// write-back simply finds the record gone.
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.Info("cron: job deleted", "job", id)
	return nil
}

// Enable toggles a job. Disabled jobs are retained but never fire.
func (s *Service) Enable(ctx context.Context, id string, enabled bool) (*Job, error) {
	return s.Patch(ctx, id, JobPatch{Enabled: &enabled})
}

// RunNow schedules an immediate firing through the regular claim discipline,
// so a job already mid-run is not started a second time.
func (s *Service) RunNow(ctx context.Context, id string) error {
	for attempt := 0; attempt < updateRetries; attempt++ {
		job, err := s.store.Get(ctx, id)
		if err != nil {
			return err
		}
		if !job.Enabled {
			return fmt.Errorf("%w: job %s is disabled", ErrJobInvalid, id)
		}

		now := s.now().UTC()
		job.NextRunAt = &now

		err = s.store.Update(ctx, job)
		if errors.Is(err, ErrConflict) {
			continue
		}
		if err != nil {
			return err
		}

		s.wakeScheduler()
		return nil
	}
	return ErrConflict
}

func (s *Service) wakeScheduler() {
	if s.sched != nil {
		s.sched.Wake()
	}
}

// validateJob enforces the cross-field rules of the job model.
func validateJob(job *Job) error {
	if job.Payload == "" {
		return fmt.Errorf("%w: empty payload", ErrJobInvalid)
	}

	switch job.SessionMode {
	case SessionMain:
		if job.WakeMode != WakeNow && job.WakeMode != WakeNextHeartbeat {
			return fmt.Errorf("%w: unknown wake mode %q", ErrJobInvalid, job.WakeMode)
		}
		if job.Delivery != nil {
			return fmt.Errorf("%w: delivery is only valid for isolated jobs", ErrJobInvalid)
		}
	case SessionIsolated:
		if job.WakeMode != "" {
			return fmt.Errorf("%w: wake mode is only valid for main-session jobs", ErrJobInvalid)
		}
		if job.Delivery != nil && (job.Delivery.Channel == "" || job.Delivery.To == "") {
			return fmt.Errorf("%w: delivery requires both channel and recipient", ErrJobInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown session mode %q", ErrJobInvalid, job.SessionMode)
	}

	return job.Schedule.Validate()
}
