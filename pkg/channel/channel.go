// Package channel provides bounded and unbounded multi-producer,
// multi-consumer channels for tasks.
//
// Send and Recv are suspension points: inside a task they hand the worker
// back instead of blocking it, and from a plain goroutine they block. Both
// observe ctx cancellation and leave no waiter behind when cancelled.
//
// Handles are reference counted explicitly. Clone a handle for every extra
// producer or consumer and Close each one when done. A closed side is
// terminal: Clone on a closed handle returns ErrClosed.
//   - once every Sender is closed, Recv drains the buffer and then returns
//     types.ErrChannelClosed;
//   - once every Receiver is closed, Send (including suspended senders)
//     fails with types.ErrChannelClosed.
package channel

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/ChuLiYu/beaver-async/internal/scheduler"
	"github.com/ChuLiYu/beaver-async/pkg/types"
)

// ErrClosed is returned by operations on a channel whose other side is gone.
var ErrClosed = types.ErrChannelClosed

const unbounded = -1

type sendWaiter[T any] struct {
	value     T
	parker    scheduler.Parker
	delivered bool // value moved into the buffer by a receiver
	failed    bool // all receivers closed
}

type recvWaiter struct {
	parker scheduler.Parker
	woken  bool
}

type state[T any] struct {
	mu        sync.Mutex
	buf       ring[T]
	capacity  int
	senders   int
	receivers int
	sendq     []*sendWaiter[T]
	recvq     []*recvWaiter
}

// Sender is one producer handle.
type Sender[T any] struct {
	st     *state[T]
	closed atomic.Bool
}

// Receiver is one consumer handle.
type Receiver[T any] struct {
	st     *state[T]
	closed atomic.Bool
}

// Bounded creates a channel holding at most capacity buffered messages.
// It panics when capacity < 1.
func Bounded[T any](capacity int) (*Sender[T], *Receiver[T]) {
	if capacity < 1 {
		panic("channel: bounded capacity must be at least 1")
	}
	return newPair[T](capacity)
}

// Unbounded creates a channel whose Send never suspends. Memory grows with
// the backlog.
func Unbounded[T any]() (*Sender[T], *Receiver[T]) {
	return newPair[T](unbounded)
}

func newPair[T any](capacity int) (*Sender[T], *Receiver[T]) {
	st := &state[T]{capacity: capacity, senders: 1, receivers: 1}
	return &Sender[T]{st: st}, &Receiver[T]{st: st}
}

func (st *state[T]) full() bool {
	return st.capacity != unbounded && st.buf.len() >= st.capacity
}

// ============================================================================
// Sender
// ============================================================================

// Send delivers v, suspending while the channel is full. Suspended senders
// are served in arrival order.
func (s *Sender[T]) Send(ctx context.Context, v T) error {
	if s.closed.Load() {
		return ErrClosed
	}
	st := s.st

	st.mu.Lock()
	if st.receivers == 0 {
		st.mu.Unlock()
		return ErrClosed
	}
	// Newcomers queue behind suspended senders to keep FIFO order.
	if !st.full() && len(st.sendq) == 0 {
		st.buf.push(v)
		wake := st.popRecvWaiterLocked()
		st.mu.Unlock()
		if wake != nil {
			wake.Unpark()
		}
		return nil
	}
	if err := ctx.Err(); err != nil {
		st.mu.Unlock()
		return err
	}
	w := &sendWaiter[T]{value: v, parker: scheduler.CurrentParker(ctx)}
	st.sendq = append(st.sendq, w)
	st.mu.Unlock()

	for {
		_ = w.parker.Park(ctx)

		st.mu.Lock()
		switch {
		case w.delivered:
			st.mu.Unlock()
			return nil
		case w.failed:
			st.mu.Unlock()
			return ErrClosed
		case ctx.Err() != nil:
			st.removeSendWaiterLocked(w)
			st.mu.Unlock()
			return ctx.Err()
		}
		st.mu.Unlock()
	}
}

// TrySend delivers v without suspending. It reports false when the channel
// is full or has suspended senders ahead.
func (s *Sender[T]) TrySend(v T) (bool, error) {
	if s.closed.Load() {
		return false, ErrClosed
	}
	st := s.st
	st.mu.Lock()
	if st.receivers == 0 {
		st.mu.Unlock()
		return false, ErrClosed
	}
	if st.full() || len(st.sendq) > 0 {
		st.mu.Unlock()
		return false, nil
	}
	st.buf.push(v)
	wake := st.popRecvWaiterLocked()
	st.mu.Unlock()
	if wake != nil {
		wake.Unpark()
	}
	return true, nil
}

// Clone returns another producer handle for the same channel. Cloning a
// closed handle fails with ErrClosed, so a channel whose senders are all
// closed stays closed.
func (s *Sender[T]) Clone() (*Sender[T], error) {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	if s.closed.Load() || s.st.senders == 0 {
		return nil, ErrClosed
	}
	s.st.senders++
	return &Sender[T]{st: s.st}, nil
}

// Close drops this handle. Closing the last sender wakes every receiver so
// they can drain and observe the close. Close is idempotent per handle.
func (s *Sender[T]) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	st := s.st
	st.mu.Lock()
	st.senders--
	var wake []*recvWaiter
	if st.senders == 0 {
		wake = st.recvq
		st.recvq = nil
		for _, w := range wake {
			w.woken = true
		}
	}
	st.mu.Unlock()
	for _, w := range wake {
		w.parker.Unpark()
	}
}

// Len returns the number of buffered messages.
func (s *Sender[T]) Len() int { return s.st.length() }

// Cap returns the capacity, or -1 for unbounded channels.
func (s *Sender[T]) Cap() int { return s.st.capacity }

// ============================================================================
// Receiver
// ============================================================================

// Recv returns the next message, suspending while the channel is empty.
// After every sender is closed it drains the buffer and then returns
// ErrClosed.
func (r *Receiver[T]) Recv(ctx context.Context) (T, error) {
	var zero T
	if r.closed.Load() {
		return zero, ErrClosed
	}
	st := r.st

	var w *recvWaiter
	for {
		st.mu.Lock()
		if v, ok := st.takeLocked(); ok {
			st.mu.Unlock()
			return v, nil
		}
		if st.senders == 0 {
			st.mu.Unlock()
			return zero, ErrClosed
		}
		if err := ctx.Err(); err != nil {
			if w != nil {
				st.removeRecvWaiterLocked(w)
			}
			st.mu.Unlock()
			return zero, err
		}
		if w == nil || w.woken {
			w = &recvWaiter{parker: scheduler.CurrentParker(ctx)}
			st.recvq = append(st.recvq, w)
		}
		st.mu.Unlock()

		_ = w.parker.Park(ctx)
	}
}

// TryRecv returns the next message without suspending. ok is false when
// nothing is buffered; err is ErrClosed once the channel is drained and
// every sender is closed.
func (r *Receiver[T]) TryRecv() (v T, ok bool, err error) {
	if r.closed.Load() {
		return v, false, ErrClosed
	}
	st := r.st
	st.mu.Lock()
	defer st.mu.Unlock()
	if v, ok := st.takeLocked(); ok {
		return v, true, nil
	}
	if st.senders == 0 {
		return v, false, ErrClosed
	}
	return v, false, nil
}

// Clone returns another consumer handle for the same channel. Cloning a
// closed handle fails with ErrClosed.
func (r *Receiver[T]) Clone() (*Receiver[T], error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	if r.closed.Load() || r.st.receivers == 0 {
		return nil, ErrClosed
	}
	r.st.receivers++
	return &Receiver[T]{st: r.st}, nil
}

// Close drops this handle. Closing the last receiver fails every suspended
// sender and discards the buffer.
func (r *Receiver[T]) Close() {
	if !r.closed.CompareAndSwap(false, true) {
		return
	}
	st := r.st
	st.mu.Lock()
	st.receivers--
	var wake []*sendWaiter[T]
	if st.receivers == 0 {
		wake = st.sendq
		st.sendq = nil
		for _, w := range wake {
			w.failed = true
		}
		st.buf.reset()
	}
	st.mu.Unlock()
	for _, w := range wake {
		w.parker.Unpark()
	}
}

// Len returns the number of buffered messages.
func (r *Receiver[T]) Len() int { return r.st.length() }

// Cap returns the capacity, or -1 for unbounded channels.
func (r *Receiver[T]) Cap() int { return r.st.capacity }

// ============================================================================
// 內部狀態操作（呼叫者需持有 st.mu）
// ============================================================================

// takeLocked pops the head message and refills the freed slot from the
// oldest suspended sender.
func (st *state[T]) takeLocked() (T, bool) {
	v, ok := st.buf.pop()
	if !ok {
		return v, false
	}
	if len(st.sendq) > 0 && !st.full() {
		w := st.sendq[0]
		st.sendq[0] = nil
		st.sendq = st.sendq[1:]
		st.buf.push(w.value)
		w.delivered = true
		// Unpark takes only the parker's own locks, never st.mu.
		w.parker.Unpark()
	}
	// Receivers woken earlier may have been cancelled; keep the chain going.
	if st.buf.len() > 0 && len(st.recvq) > 0 {
		if next := st.popRecvWaiterLocked(); next != nil {
			next.Unpark()
		}
	}
	return v, true
}

func (st *state[T]) popRecvWaiterLocked() scheduler.Parker {
	if len(st.recvq) == 0 {
		return nil
	}
	w := st.recvq[0]
	st.recvq[0] = nil
	st.recvq = st.recvq[1:]
	w.woken = true
	return w.parker
}

func (st *state[T]) removeSendWaiterLocked(w *sendWaiter[T]) {
	for i, x := range st.sendq {
		if x == w {
			st.sendq = append(st.sendq[:i], st.sendq[i+1:]...)
			return
		}
	}
}

func (st *state[T]) removeRecvWaiterLocked(w *recvWaiter) {
	for i, x := range st.recvq {
		if x == w {
			st.recvq = append(st.recvq[:i], st.recvq[i+1:]...)
			return
		}
	}
	// Already picked by a sender: pass the wake-up on.
	if w.woken && st.buf.len() > 0 {
		if next := st.popRecvWaiterLocked(); next != nil {
			next.Unpark()
		}
	}
}

func (st *state[T]) length() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.buf.len()
}
