package scheduler

import (
	"context"
	"runtime"
	"time"
)

// Parker suspends the caller until Unpark is called or ctx is done.
//
// Unpark before Park leaves a permit, so the next Park returns at once.
// Park may also return spuriously; callers re-check their condition in a loop.
type Parker interface {
	Park(ctx context.Context) error
	Unpark()
}

type taskKey struct{}

func withTask(ctx context.Context, t *Task) context.Context {
	return context.WithValue(ctx, taskKey{}, t)
}

// TaskFromContext returns the task that owns ctx, or nil when ctx does not
// belong to a task. A task context must stay on the task's own goroutine.
func TaskFromContext(ctx context.Context) *Task {
	if ctx == nil {
		return nil
	}
	t, _ := ctx.Value(taskKey{}).(*Task)
	return t
}

// CurrentParker returns the running task when called from one, otherwise a
// parker that blocks the calling goroutine.
func CurrentParker(ctx context.Context) Parker {
	if t := TaskFromContext(ctx); t != nil {
		return t
	}
	return NewThreadParker()
}

// ThreadParker parks a plain goroutine.
type ThreadParker struct {
	ch chan struct{}
}

func NewThreadParker() *ThreadParker {
	return &ThreadParker{ch: make(chan struct{}, 1)}
}

func (p *ThreadParker) Park(ctx context.Context) error {
	select {
	case <-p.ch:
	case <-ctx.Done():
	}
	return ctx.Err()
}

func (p *ThreadParker) Unpark() {
	select {
	case p.ch <- struct{}{}:
	default:
	}
}

// Sleep suspends the caller for at least d. Tasks give their worker back
// while sleeping; plain goroutines block on a timer.
func Sleep(ctx context.Context, d time.Duration) error {
	if t := TaskFromContext(ctx); t != nil {
		return t.Sleep(ctx, d)
	}
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Yield lets other runnable tasks run before the caller continues.
func Yield(ctx context.Context) {
	if t := TaskFromContext(ctx); t != nil {
		t.Yield()
		return
	}
	runtime.Gosched()
}
