package nudge

import (
	"context"

	"mindloop/internal/logging"
	"mindloop/internal/types"
)

// Notifier delivers a nudge message to the user on some outbound channel.
// Failures are logged by the scheduler, never propagated.
type Notifier interface {
	Send(ctx context.Context, userID, channel, message string, tier types.NudgeTier) error
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ctx context.Context, userID, channel, message string, tier types.NudgeTier) error

func (f NotifierFunc) Send(ctx context.Context, userID, channel, message string, tier types.NudgeTier) error {
	return f(ctx, userID, channel, message, tier)
}

// LogNotifier writes the message to the nudge log. The default when no real
// outbound channel is wired.
type LogNotifier struct{}

func (LogNotifier) Send(_ context.Context, userID, channel, message string, tier types.NudgeTier) error {
	logging.Nudge("Notify user=%s channel=%s tier=%s: %s", userID, channel, tier, message)
	return nil
}
