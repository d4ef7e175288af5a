package subscription

import (
	"context"

	"github.com/rickgao/voice-bridge/internal/model"
)

// Handler consumes values delivered by the dispatcher.
type Handler[T any] interface {
	Handle(ctx context.Context, v T) error
}

// HandlerFunc is a handler that runs to completion before returning.
type HandlerFunc[T any] func(ctx context.Context, v T) error

// Handle calls f.
func (f HandlerFunc[T]) Handle(ctx context.Context, v T) error {
	return f(ctx, v)
}

// AsyncHandlerFunc starts a unit of work and returns a channel that yields
// its result. A nil channel means there is nothing to wait for.
type AsyncHandlerFunc[T any] func(ctx context.Context, v T) <-chan error

// Handle starts the work and waits for it, or for ctx.
func (f AsyncHandlerFunc[T]) Handle(ctx context.Context, v T) error {
	done := f(ctx, v)
	if done == nil {
		return nil
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EventHandler receives events for a subscription.
type EventHandler = Handler[model.Event]

// StateHandler receives derived state-change notifications.
type StateHandler = Handler[model.StateChange]
