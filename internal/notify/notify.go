// Package notify delivers decided moderation results to external channels
// without blocking the request path.
package notify

import (
	"context"

	"github.com/valinor-ai/moderator/internal/moderation"
	"github.com/valinor-ai/moderator/internal/policy"
)

// Event is one decided result plus the delivery flags of the policy
// snapshot it was decided under.
type Event struct {
	Result   moderation.Result    `json:"result"`
	Channels policy.Notifications `json:"-"`
}

// NewEvent builds an event from a result and the request's policy flags.
func NewEvent(result moderation.Result, channels policy.Notifications) Event {
	return Event{Result: result.Clone(), Channels: channels}
}

// Flagged reports whether the result needs human attention.
func (e Event) Flagged() bool {
	return e.Result.Decision != moderation.DecisionSafe
}

// Notifier is the publishing interface. Notify is fire-and-forget.
type Notifier interface {
	Notify(ctx context.Context, event Event)
	Close() error
}

// Sink delivers batches of events to one channel.
type Sink interface {
	Name() string
	// Accept filters events before they are batched for this sink.
	Accept(event Event) bool
	Send(ctx context.Context, events []Event) error
}

// NopNotifier discards events. Used in tests and when no sinks are configured.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, Event) {}
func (NopNotifier) Close() error                  { return nil }
