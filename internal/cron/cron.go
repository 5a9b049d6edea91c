// Package cron provides the gateway's persistent job scheduler. Jobs carry a
// schedule (one-shot, interval, or cron expression), a payload, and an
// execution mode: main-session jobs queue a system event for the heartbeat to
// pick up, isolated jobs run one agent turn in a fresh session and optionally
// deliver the result to a channel.
package cron

import "context"

// AgentRunner executes a single agent turn in the session identified by
// sessionKey. An empty agentID selects the default agent.
type AgentRunner interface {
	RunTurn(ctx context.Context, sessionKey, message, agentID string) (string, error)
}

// SystemEventQueue receives system events destined for the main session.
// Consumption is owned by the heartbeat driver.
type SystemEventQueue interface {
	PushSystemEvent(text string) error
}

// HeartbeatWaker asks the heartbeat driver to run a cycle immediately
// instead of waiting for its natural period.
type HeartbeatWaker interface {
	RequestImmediateCycle()
}

// Deliverer hands text to an external communication channel.
type Deliverer interface {
	Send(ctx context.Context, channel, to, text string) error
}
