package concurrency

import (
	"context"

	"github.com/sourcegraph/conc/pool"
)

// NewPool returns a new pool where each task respects context cancellation.
// Wait() will only return the first error seen.
func NewPool(ctx context.Context, maxGoroutines int) *pool.ContextPool {
	return pool.New().
		WithContext(ctx).
		WithCancelOnError().
		WithFirstError().
		WithMaxGoroutines(maxGoroutines)
}

// NewUnboundedPool returns a pool with one goroutine per task. Tasks cannot fail;
// a panic inside a task is re-raised by Wait.
func NewUnboundedPool() *pool.Pool {
	return pool.New()
}

// TrySendNonBlocking sends msg only if the channel has room. It reports whether
// the message was delivered and never blocks the caller.
func TrySendNonBlocking[T any](msg T, channel chan<- T) bool {
	select {
	case channel <- msg:
		return true
	default:
		return false
	}
}
