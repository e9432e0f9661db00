package async

import (
	"context"
	"sync"

	"github.com/ChuLiYu/beaver-async/internal/scheduler"
	"github.com/ChuLiYu/beaver-async/pkg/types"
)

// JoinHandle is the single-slot result cell of one task.
type JoinHandle[T any] struct {
	task *scheduler.Task
	done chan struct{}

	mu       sync.Mutex
	finished bool
	value    T
	err      error
	state    types.TaskState
	waiters  []scheduler.Parker
}

func newJoinHandle[T any]() *JoinHandle[T] {
	return &JoinHandle[T]{done: make(chan struct{})}
}

func (h *JoinHandle[T]) complete(v T, state types.TaskState, err error) {
	h.mu.Lock()
	if h.finished {
		h.mu.Unlock()
		return
	}
	h.finished = true
	h.state = state
	h.err = err
	if state == types.StateCompleted {
		h.value = v
	}
	waiters := h.waiters
	h.waiters = nil
	close(h.done)
	h.mu.Unlock()

	for _, p := range waiters {
		p.Unpark()
	}
}

// ID returns the task id.
func (h *JoinHandle[T]) ID() types.TaskID { return h.task.ID() }

// Done is closed once the task reached a terminal state.
func (h *JoinHandle[T]) Done() <-chan struct{} { return h.done }

// Cancel requests cancellation of the task.
func (h *JoinHandle[T]) Cancel() { h.task.Cancel() }

// State returns the task state.
func (h *JoinHandle[T]) State() types.TaskState {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.finished {
		return h.state
	}
	return h.task.State()
}

// TryResult returns the outcome without waiting. ok is false while the
// task is still running.
func (h *JoinHandle[T]) TryResult() (v T, err error, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.finished {
		return v, nil, false
	}
	return h.value, h.err, true
}

// Await waits for the task's outcome. Inside a task it suspends instead of
// blocking the worker. Awaiting again returns the same outcome. A done ctx
// returns ctx.Err() without affecting the task.
func (h *JoinHandle[T]) Await(ctx context.Context) (T, error) {
	var zero T
	var p scheduler.Parker
	for {
		h.mu.Lock()
		if h.finished {
			v, err := h.value, h.err
			h.mu.Unlock()
			return v, err
		}
		if err := ctx.Err(); err != nil {
			h.removeWaiterLocked(p)
			h.mu.Unlock()
			return zero, err
		}
		if p == nil {
			p = scheduler.CurrentParker(ctx)
			h.waiters = append(h.waiters, p)
		}
		h.mu.Unlock()

		_ = p.Park(ctx)
	}
}

func (h *JoinHandle[T]) removeWaiterLocked(p scheduler.Parker) {
	if p == nil {
		return
	}
	for i, w := range h.waiters {
		if w == p {
			h.waiters = append(h.waiters[:i], h.waiters[i+1:]...)
			return
		}
	}
}

// SpawnWithHandle runs fn as a new task and returns a handle to its result.
// A returned error or panic yields a *types.TaskFailure; cancellation
// yields types.ErrCancelled.
func SpawnWithHandle[T any](
	ctx context.Context,
	rt *Runtime,
	fn func(ctx context.Context) (T, error),
	opts ...SpawnOption,
) (*JoinHandle[T], error) {
	return spawnWithHandle(ctx, rt, fn, nil, opts)
}

func spawnWithHandle[T any](
	ctx context.Context,
	rt *Runtime,
	fn func(ctx context.Context) (T, error),
	after func(),
	opts []SpawnOption,
) (*JoinHandle[T], error) {
	h := newJoinHandle[T]()
	var result T

	task, err := rt.spawn(ctx,
		func(ctx context.Context) error {
			v, err := fn(ctx)
			result = v
			return err
		},
		func(state types.TaskState, err error) {
			h.complete(result, state, err)
			if after != nil {
				after()
			}
		},
		opts,
	)
	if err != nil {
		return nil, err
	}
	h.task = task
	return h, nil
}

// BlockOn runs fn as a task and turns the calling goroutine into a
// temporary worker until fn finishes. Tasks fn spawns run on the pool as
// usual. It must not be called from inside a task.
func BlockOn[T any](rt *Runtime, fn func(ctx context.Context) (T, error), opts ...SpawnOption) (T, error) {
	var zero T
	h, err := spawnWithHandle(context.Background(), rt, fn, rt.sched.WakeAll, opts)
	if err != nil {
		return zero, err
	}

	rt.sched.Drive(func() bool {
		select {
		case <-h.done:
			return true
		default:
			return false
		}
	})
	// The driver also stops when the scheduler shuts down underneath it.
	return h.Await(context.Background())
}
