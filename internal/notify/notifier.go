package notify

import "context"

// Notifier delivers plain-text alerts. Delivery failure is never fatal to
// the decision loop; callers log it and move on.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// Noop drops every message. Used when no channel is configured, so callers
// never branch on a nil notifier.
type Noop struct{}

func (Noop) Notify(ctx context.Context, text string) error { return nil }
