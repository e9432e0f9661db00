// ============================================================================
// Beaver-Async Task - 可暫停的任務單元
// ============================================================================
//
// Package: internal/scheduler
// File: task.go
// Purpose: A task is a goroutine-backed coroutine whose execution is gated by
//          the worker that currently drives it
//
// Handoff Protocol:
//   Worker                         Task goroutine
//   ──────                         ──────────────
//   runOn(): first run → go main()
//            later runs → resume <- {}   ──►  continues after suspend()
//   <-yield  ◄──────────────────────────────  yield <- Suspended | Requeue | Done
//
//   Exactly one side runs at a time. While the task runs, its worker waits
//   on the yield channel; while the task is suspended, the worker is free.
//
// State Machine:
//   Queued ──► Running ──► Suspended ──(Unpark)──► Queued
//                │  └──(Yield)──► Queued
//                └──► Completed | Failed | Cancelled
//
// Lost Wake-ups:
//   Unpark on a Running or Queued task only sets `notified`; the next
//   suspend consumes it and returns without yielding.
//
// ============================================================================

package scheduler

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/beaver-async/pkg/types"
)

type yieldKind uint8

const (
	yieldSuspended yieldKind = iota
	yieldRequeue
	yieldDone
)

// Spec describes a task to spawn.
type Spec struct {
	Name string
	Body func(ctx context.Context) error

	// OnDone runs on the task goroutine after the outcome is recorded.
	OnDone func(state types.TaskState, err error)

	// Decorate attaches values to the task context before the first run.
	Decorate func(ctx context.Context, t *Task) context.Context

	// Internal tasks bypass admission, the observer and the live count.
	Internal bool
}

// Task is one spawned unit of work.
type Task struct {
	id       types.TaskID
	name     string
	sched    *Scheduler
	body     func(ctx context.Context) error
	onDone   func(state types.TaskState, err error)
	internal bool

	ctx    context.Context
	cancel context.CancelCauseFunc

	resume chan struct{}
	yield  chan yieldKind

	mu       sync.Mutex
	state    types.TaskState
	notified bool
	started  bool
	worker   *worker

	spawnedAt time.Time
	startedAt time.Time
	permit    bool // holds an admission slot until the first run
}

func (t *Task) ID() types.TaskID { return t.id }

func (t *Task) Name() string { return t.name }

// Context is the task's own context. It derives from the scheduler root,
// never from the spawner.
func (t *Task) Context() context.Context { return t.ctx }

func (t *Task) State() types.TaskState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// StartedAt returns the time of the first run, zero if not started yet.
func (t *Task) StartedAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.startedAt
}

// Cancel requests cancellation. Suspension points observe it at once; a
// task that never started finishes as Cancelled without running.
func (t *Task) Cancel() {
	t.cancel(types.ErrCancelled)
}

// runOn drives the task on w until it suspends, yields or finishes.
func (t *Task) runOn(w *worker) yieldKind {
	t.mu.Lock()
	t.state = types.StateRunning
	t.worker = w
	first := !t.started
	if first {
		t.started = true
		t.startedAt = time.Now()
	}
	t.mu.Unlock()

	if first {
		go t.main()
	} else {
		t.resume <- struct{}{}
	}
	return <-t.yield
}

func (t *Task) main() {
	var (
		err      error
		panicked bool
	)
	defer func() {
		if r := recover(); r != nil {
			err = &types.TaskFailure{TaskID: t.id, Panic: r, Stack: debug.Stack()}
			panicked = true
		}
		t.finish(err, panicked)
		t.yield <- yieldDone
	}()
	err = t.body(t.ctx)
}

// abort finishes a task that never ran.
func (t *Task) abort() {
	t.finish(context.Canceled, false)
}

func (t *Task) finish(err error, panicked bool) {
	state, outErr := t.outcome(err, panicked)

	t.mu.Lock()
	t.state = state
	t.worker = nil
	t.mu.Unlock()

	t.cancel(nil)
	t.sched.taskFinished(t, state, outErr)
	if t.onDone != nil {
		t.onDone(state, outErr)
	}
}

func (t *Task) outcome(err error, panicked bool) (types.TaskState, error) {
	switch {
	case panicked:
		return types.StateFailed, err
	case err == nil:
		return types.StateCompleted, nil
	case t.ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, types.ErrCancelled)):
		return types.StateCancelled, types.ErrCancelled
	default:
		return types.StateFailed, &types.TaskFailure{TaskID: t.id, Cause: err}
	}
}

// suspend hands the worker back until Unpark re-queues the task.
func (t *Task) suspend() {
	t.mu.Lock()
	if t.notified {
		t.notified = false
		t.mu.Unlock()
		return
	}
	t.state = types.StateSuspended
	t.mu.Unlock()

	if !t.internal {
		t.sched.obs.TaskSuspended(t)
	}
	t.yield <- yieldSuspended
	<-t.resume
}

// Park implements Parker for code running inside the task.
func (t *Task) Park(ctx context.Context) error {
	if ctx.Done() != nil {
		stop := context.AfterFunc(ctx, t.Unpark)
		defer stop()
	}
	t.suspend()
	return ctx.Err()
}

// Unpark makes a suspended task runnable again. It is safe from any
// goroutine, any number of times.
func (t *Task) Unpark() {
	t.mu.Lock()
	switch t.state {
	case types.StateSuspended:
		t.state = types.StateQueued
		t.mu.Unlock()
		t.sched.schedule(t, nil)
		return
	case types.StateRunning, types.StateQueued:
		t.notified = true
	}
	t.mu.Unlock()
}

// Yield moves the task to the back of the global queue.
func (t *Task) Yield() {
	t.mu.Lock()
	t.state = types.StateQueued
	t.mu.Unlock()

	t.yield <- yieldRequeue
	<-t.resume
}

// Sleep parks the task for at least d on the scheduler's timer queue.
func (t *Task) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d <= 0 {
		t.Yield()
		return ctx.Err()
	}

	var fired atomic.Bool
	timer := t.sched.timers.AfterFunc(d, func() {
		fired.Store(true)
		t.Unpark()
	})
	defer t.sched.timers.Stop(timer)

	for !fired.Load() {
		if err := ctx.Err(); err != nil {
			return err
		}
		_ = t.Park(ctx)
	}
	return nil
}

// currentWorker returns the worker driving the task, nil when not running.
func (t *Task) currentWorker() *worker {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != types.StateRunning {
		return nil
	}
	return t.worker
}
