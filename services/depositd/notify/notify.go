// Package notify delivers human-readable status messages to clients. Delivery
// is best-effort: the engine logs failures and never blocks FIFO state on them.
package notify

import "context"

// Notifier pushes one message to one client.
type Notifier interface {
	Notify(ctx context.Context, clientID, message string) error
}

// Func adapts a callback to the Notifier interface.
type Func func(ctx context.Context, clientID, message string) error

// Notify delegates to the wrapped callback.
func (f Func) Notify(ctx context.Context, clientID, message string) error {
	if f == nil {
		return nil
	}
	return f(ctx, clientID, message)
}
