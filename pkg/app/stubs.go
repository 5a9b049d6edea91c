package app

import (
	"context"
	"log/slog"
)

// withStubs substitutes logging stand-ins for any collaborator the embedding
// gateway did not supply, so a standalone daemon still exercises the full
// scheduling path.
func (c Collaborators) withStubs(logger *slog.Logger) Collaborators {
	if c.Agent == nil {
		c.Agent = stubAgent{logger: logger}
	}
	if c.Events == nil {
		c.Events = stubQueue{logger: logger}
	}
	if c.Heartbeat == nil {
		c.Heartbeat = stubWaker{logger: logger}
	}
	if c.Delivery == nil {
		c.Delivery = stubDeliverer{logger: logger}
	}
	return c
}

type stubAgent struct{ logger *slog.Logger }

func (s stubAgent) RunTurn(_ context.Context, sessionKey, message, agentID string) (string, error) {
	s.logger.Warn("app: no agent runner wired, dropping turn",
		"session", sessionKey,
		"agent", agentID,
		"message_len", len(message),
	)
	return "", nil
}

type stubQueue struct{ logger *slog.Logger }

func (s stubQueue) PushSystemEvent(text string) error {
	s.logger.Info("app: system event (no queue wired)", "text", text)
	return nil
}

type stubWaker struct{ logger *slog.Logger }

func (s stubWaker) RequestImmediateCycle() {
	s.logger.Debug("app: immediate heartbeat requested (no driver wired)")
}

type stubDeliverer struct{ logger *slog.Logger }

func (s stubDeliverer) Send(_ context.Context, channel, to, text string) error {
	s.logger.Warn("app: dropping delivery (no channel wired)",
		"channel", channel,
		"to", to,
		"text_len", len(text),
	)
	return nil
}
