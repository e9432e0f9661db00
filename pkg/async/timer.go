package async

import (
	"context"
	"errors"
	"time"

	"github.com/ChuLiYu/beaver-async/internal/scheduler"
	"github.com/ChuLiYu/beaver-async/pkg/types"
)

// Sleep suspends the caller for at least d. Inside a task the worker is
// released for the duration; elsewhere it is a plain timed wait. A done ctx
// ends the sleep early with ctx.Err().
func Sleep(ctx context.Context, d time.Duration) error {
	return scheduler.Sleep(ctx, d)
}

// YieldNow lets other ready tasks run before the caller continues.
func YieldNow(ctx context.Context) {
	scheduler.Yield(ctx)
}

// Timeout runs fn with a context that expires after d. When the deadline
// wins, fn's context is cancelled and types.ErrTimeout is returned, along
// with whatever fn returned once it noticed. Cancellation of the parent ctx
// is reported as the parent's error, not as a timeout.
//
// Cancellation is cooperative: fn runs on the caller and Timeout returns
// only after fn does. An fn that ignores its ctx (for example one blocked in
// time.Sleep) delays the result past d; it still reports ErrTimeout.
func Timeout[T any](ctx context.Context, d time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	tctx, cancel := context.WithTimeoutCause(ctx, d, types.ErrTimeout)
	defer cancel()

	v, err := fn(tctx)
	if ctx.Err() == nil && errors.Is(context.Cause(tctx), types.ErrTimeout) {
		var zero T
		if err == nil || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, types.ErrTimeout) {
			return zero, types.ErrTimeout
		}
		return zero, errors.Join(types.ErrTimeout, err)
	}
	return v, err
}
