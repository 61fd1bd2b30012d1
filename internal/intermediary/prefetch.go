package intermediary

import (
	"context"
)

// PrefetchGroup runs the price, balance, refund-fee, and sign-data fetches a
// handler issues concurrently with request validation. All tasks share one
// cancel-cause context: a client disconnect or a single failing task cancels
// every sibling.
type PrefetchGroup struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
}

// NewPrefetchGroup derives a prefetch group from the request context.
func NewPrefetchGroup(parent context.Context) *PrefetchGroup {
	ctx, cancel := context.WithCancelCause(parent)
	return &PrefetchGroup{ctx: ctx, cancel: cancel}
}

// Context returns the shared group context.
func (g *PrefetchGroup) Context() context.Context {
	return g.ctx
}

// Cancel tears the group down; safe to defer unconditionally.
func (g *PrefetchGroup) Cancel() {
	g.cancel(context.Canceled)
}

// Task is one pending prefetch.
type Task[T any] struct {
	done chan struct{}
	val  T
	err  error
}

// Prefetch starts fn on the group context. A failing task cancels the group.
func Prefetch[T any](g *PrefetchGroup, fn func(ctx context.Context) (T, error)) *Task[T] {
	t := &Task[T]{done: make(chan struct{})}
	go func() {
		defer close(t.done)
		t.val, t.err = fn(g.ctx)
		if t.err != nil {
			g.cancel(t.err)
		}
	}()
	return t
}

// Await joins the task, honoring group cancellation.
func (t *Task[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-ctx.Done():
		var zero T
		return zero, context.Cause(ctx)
	case <-t.done:
		return t.val, t.err
	}
}
