// Package async provides the settle-once timeout primitive used around
// every outbound operation in the engine.
package async

import (
	"context"
	"time"

	"github.com/sendable-ai/relayq/internal/relayerr"
)

// result carries an operation outcome across the completion channel.
type result[T any] struct {
	value T
	err   error
}

// WithTimeout runs fn with a labeled deadline. Exactly one of the two
// concurrent events wins: the operation completing or the timer firing.
// The timer is stopped when the operation completes first; when the
// timer fires first, the derived context is cancelled so fn can abandon
// its I/O, and the settled error is a labeled timeout.
func WithTimeout[T any](ctx context.Context, d time.Duration, label string, fn func(context.Context) (T, error)) (T, error) {
	opCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan result[T], 1)
	go func() {
		v, err := fn(opCtx)
		done <- result[T]{value: v, err: err}
	}()

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case r := <-done:
		return r.value, r.err
	case <-timer.C:
		cancel()
		var zero T
		return zero, relayerr.Timeout(label)
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Run is WithTimeout for operations without a return value.
func Run(ctx context.Context, d time.Duration, label string, fn func(context.Context) error) error {
	_, err := WithTimeout(ctx, d, label, func(c context.Context) (struct{}, error) {
		return struct{}{}, fn(c)
	})
	return err
}
