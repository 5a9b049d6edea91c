package cron

import "time"

// SessionMode selects which execution path a job takes when it fires.
type SessionMode string

// Supported session modes.
const (
	// SessionMain appends the payload to the shared session's event queue.
	SessionMain SessionMode = "main"

	// SessionIsolated runs one agent turn in a fresh, job-scoped session.
	SessionIsolated SessionMode = "isolated"
)

// WakeMode controls how urgently a main-session event surfaces.
type WakeMode string

// Supported wake modes. Only meaningful for SessionMain jobs.
const (
	// WakeNow signals the heartbeat driver to run a cycle immediately.
	WakeNow WakeMode = "now"

	// WakeNextHeartbeat leaves the event for the heartbeat's natural period.
	WakeNextHeartbeat WakeMode = "next-heartbeat"
)

// RunState tracks whether a job has an in-flight execution.
type RunState string

// Run states. A job persisted as RunRunning across a restart indicates the
// process died mid-execution; recovery resets it.
const (
	RunIdle    RunState = "idle"
	RunRunning RunState = "running"
)

// Delivery identifies the channel and recipient for isolated-run output.
// A nil Delivery keeps the result internal.
type Delivery struct {
	Channel string
	To      string
}

// Job is the unit of schedulability. The store exclusively owns the durable
// record; the firing loop holds a working copy while a run is in flight and
// writes it back before releasing the run claim.
type Job struct {
	ID       string
	Name     string
	Schedule Schedule

	// Payload is the system-event text (main mode) or the triggering
	// message (isolated mode).
	Payload string

	SessionMode SessionMode
	WakeMode    WakeMode  // main mode only
	Delivery    *Delivery // isolated mode only, optional
	AgentID     string    // empty = default agent

	Enabled  bool
	RunState RunState

	LastRunAt *time.Time
	NextRunAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time

	// Version is bumped by the store on every successful write and checked
	// on Update for optimistic concurrency.
	Version int64
}

// Clone returns a deep copy so callers can mutate a working copy without
// aliasing the store's row or another goroutine's view.
func (j *Job) Clone() *Job {
	c := *j
	if j.Delivery != nil {
		d := *j.Delivery
		c.Delivery = &d
	}
	if j.LastRunAt != nil {
		t := *j.LastRunAt
		c.LastRunAt = &t
	}
	if j.NextRunAt != nil {
		t := *j.NextRunAt
		c.NextRunAt = &t
	}
	return &c
}

// RunStatus classifies a completed execution in the run log.
type RunStatus string

// Run log statuses.
const (
	RunOK    RunStatus = "ok"
	RunError RunStatus = "error"
)

// RunEntry records a single execution of a job.
type RunEntry struct {
	JobID     string
	StartedAt time.Time
	Duration  time.Duration
	Status    RunStatus
	Summary   string
	Error     string
}
