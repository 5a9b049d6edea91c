package cron

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrScheduleInvalid marks a schedule that cannot be evaluated (malformed
// cron expression, unknown timezone, non-positive interval). It is rejected
// at creation time; the store never holds an unevaluable schedule.
var ErrScheduleInvalid = errors.New("cron: invalid schedule")

// ScheduleKind discriminates the schedule union.
type ScheduleKind string

// Schedule kinds.
const (
	// ScheduleAt fires exactly once at an absolute instant.
	ScheduleAt ScheduleKind = "at"

	// ScheduleEvery fires every Interval starting from Anchor.
	ScheduleEvery ScheduleKind = "every"

	// ScheduleCron fires per a 5-field cron expression in a timezone.
	ScheduleCron ScheduleKind = "cron"
)

// exprParser accepts standard 5-field expressions (minute, hour, day-of-month,
// month, day-of-week), the classic crontab format.
var exprParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Schedule is the tagged union describing when a job fires.
type Schedule struct {
	Kind ScheduleKind

	// At is the one-shot instant (ScheduleAt).
	At time.Time

	// Interval and Anchor define a fixed cadence (ScheduleEvery). Anchor
	// defaults to the job's creation time.
	Interval time.Duration
	Anchor   time.Time

	// Expr and TZ define a cron cadence (ScheduleCron). Empty TZ means UTC.
	Expr string
	TZ   string
}

// NewAt builds a one-shot schedule.
func NewAt(t time.Time) Schedule {
	return Schedule{Kind: ScheduleAt, At: t}
}

// NewEvery builds a fixed-interval schedule anchored at anchor.
func NewEvery(interval time.Duration, anchor time.Time) Schedule {
	return Schedule{Kind: ScheduleEvery, Interval: interval, Anchor: anchor}
}

// NewCron builds a cron-expression schedule. tz may be empty for UTC.
func NewCron(expr, tz string) Schedule {
	return Schedule{Kind: ScheduleCron, Expr: expr, TZ: tz}
}

// Validate checks that the schedule can be evaluated. All errors wrap
// ErrScheduleInvalid so callers can reject bad input at creation time.
func (s Schedule) Validate() error {
	switch s.Kind {
	case ScheduleAt:
		if s.At.IsZero() {
			return fmt.Errorf("%w: at: zero timestamp", ErrScheduleInvalid)
		}
	case ScheduleEvery:
		// Intervals are persisted in milliseconds; anything finer would
		// round-trip to zero.
		if s.Interval < time.Millisecond {
			return fmt.Errorf("%w: every: interval %v must be at least 1ms", ErrScheduleInvalid, s.Interval)
		}
	case ScheduleCron:
		if _, err := exprParser.Parse(s.Expr); err != nil {
			return fmt.Errorf("%w: cron %q: %v", ErrScheduleInvalid, s.Expr, err)
		}
		if _, err := s.location(); err != nil {
			return fmt.Errorf("%w: timezone %q: %v", ErrScheduleInvalid, s.TZ, err)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrScheduleInvalid, s.Kind)
	}
	return nil
}

// Next returns the earliest fire time strictly after from, or false when the
// schedule is exhausted (a one-shot whose instant has passed). Cron schedules
// are evaluated in their configured timezone: instants skipped by a forward
// DST jump are never produced, and instants duplicated by a backward jump
// occur once, at their first absolute occurrence (both properties come from
// evaluating the expression on the timezone-local clock).
func (s Schedule) Next(from time.Time) (time.Time, bool) {
	switch s.Kind {
	case ScheduleAt:
		if from.Before(s.At) {
			return s.At, true
		}
		return time.Time{}, false

	case ScheduleEvery:
		if s.Interval <= 0 {
			return time.Time{}, false
		}
		anchor := s.Anchor
		if from.Before(anchor) {
			return anchor, true
		}
		// Closed form: smallest anchor + k*interval strictly greater than
		// from. No stepping, so long-dormant jobs are O(1) to advance.
		k := from.Sub(anchor)/s.Interval + 1
		return anchor.Add(k * s.Interval), true

	case ScheduleCron:
		sched, err := exprParser.Parse(s.Expr)
		if err != nil {
			return time.Time{}, false
		}
		loc, err := s.location()
		if err != nil {
			return time.Time{}, false
		}
		local := from.In(loc)
		next := sched.Next(local)
		// A backward DST jump repeats a stretch of wall-clock time. An
		// occurrence whose local reading does not advance past from's is
		// the second pass over an instant that already fired; skip until
		// the wall clock moves forward again.
		for !next.IsZero() && !wallClock(next).After(wallClock(local)) {
			next = sched.Next(next)
		}
		if next.IsZero() {
			return time.Time{}, false
		}
		return next.UTC(), true
	}
	return time.Time{}, false
}

// wallClock strips the location, keeping only the local reading, so two
// absolute instants with the same wall-clock time compare equal.
func wallClock(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
}

func (s Schedule) location() (*time.Location, error) {
	if s.TZ == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(s.TZ)
}

// String renders the schedule for logs and job listings.
func (s Schedule) String() string {
	switch s.Kind {
	case ScheduleAt:
		return "at " + s.At.UTC().Format(time.RFC3339)
	case ScheduleEvery:
		return "every " + s.Interval.String()
	case ScheduleCron:
		if s.TZ != "" {
			return fmt.Sprintf("cron %q (%s)", s.Expr, s.TZ)
		}
		return fmt.Sprintf("cron %q", s.Expr)
	}
	return "unknown"
}
