package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"
)

// ErrDeliveryFailed marks an isolated run whose output could not be handed to
// its channel. The run itself is not rolled back: the summary still reaches
// the main session and the job's schedule still advances.
var ErrDeliveryFailed = errors.New("cron: delivery failed")

// defaultSummaryLen bounds the summary posted into the main session.
const defaultSummaryLen = 400

// MainExecutor appends the job payload to the shared session's event queue
// and, for WakeNow jobs, pokes the heartbeat driver for an immediate cycle.
type MainExecutor struct {
	Queue  SystemEventQueue
	Waker  HeartbeatWaker
	Logger *slog.Logger
}

// Run queues the payload as a system event. The side effect is purely
// additive; consumption belongs to the heartbeat driver.
func (e *MainExecutor) Run(_ context.Context, job *Job) error {
	if err := e.Queue.PushSystemEvent(job.Payload); err != nil {
		return fmt.Errorf("cron: push system event for job %s: %w", job.ID, err)
	}

	if job.WakeMode == WakeNow {
		e.Waker.RequestImmediateCycle()
		e.logger().Debug("cron: requested immediate heartbeat", "job", job.ID)
	}
	return nil
}

func (e *MainExecutor) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.Default()
	}
	return e.Logger
}

// IsolatedResult is the outcome of an isolated-session run.
type IsolatedResult struct {
	Summary   string
	Delivered bool
}

// IsolatedExecutor runs one agent turn in a fresh, job-scoped session and
// optionally delivers the output to an external channel.
type IsolatedExecutor struct {
	Runner    AgentRunner
	Queue     SystemEventQueue
	Deliverer Deliverer
	Logger    *slog.Logger

	// SummaryLen caps the summary posted to the main session. Zero means
	// defaultSummaryLen.
	SummaryLen int

	// Now is injectable for testing. Nil means time.Now.
	Now func() time.Time
}

// Run executes the agent turn. A summary of the output is always posted into
// the main session, tagged with the job, regardless of delivery outcome. A
// delivery failure is reported as ErrDeliveryFailed with Delivered=false.
func (e *IsolatedExecutor) Run(ctx context.Context, job *Job) (IsolatedResult, error) {
	now := e.Now
	if now == nil {
		now = time.Now
	}

	// The key is derived from the job and the run instant so repeated runs
	// are distinguishable from each other and from the main session, while
	// each run starts with no prior conversational context.
	sessionKey := fmt.Sprintf("cron:%s:%d", job.ID, now().UTC().UnixMilli())

	output, err := e.Runner.RunTurn(ctx, sessionKey, job.Payload, job.AgentID)
	if err != nil {
		return IsolatedResult{}, fmt.Errorf("cron: agent turn for job %s: %w", job.ID, err)
	}

	result := IsolatedResult{Summary: e.summarize(output)}

	// Post the summary first so the main conversational record stays aware
	// of background activity even when delivery fails afterwards.
	note := fmt.Sprintf("[cron:%s %q] %s", job.ID, job.Name, result.Summary)
	if err := e.Queue.PushSystemEvent(note); err != nil {
		e.logger().Warn("cron: failed to post run summary to main session",
			"job", job.ID,
			"error", err,
		)
	}

	if job.Delivery != nil {
		if err := e.Deliverer.Send(ctx, job.Delivery.Channel, job.Delivery.To, output); err != nil {
			return result, fmt.Errorf("%w: job %s via %s: %v",
				ErrDeliveryFailed, job.ID, job.Delivery.Channel, err)
		}
		result.Delivered = true
	}

	return result, nil
}

func (e *IsolatedExecutor) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.Default()
	}
	return e.Logger
}

// summarize collapses the output to a single bounded line.
func (e *IsolatedExecutor) summarize(output string) string {
	maxLen := e.SummaryLen
	if maxLen <= 0 {
		maxLen = defaultSummaryLen
	}

	s := strings.Join(strings.Fields(output), " ")
	if s == "" {
		return "(no output)"
	}
	if utf8.RuneCountInString(s) <= maxLen {
		return s
	}

	runes := []rune(s)
	return string(runes[:maxLen]) + "..."
}
