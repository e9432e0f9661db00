// ============================================================================
// Beaver-Async Worker - Run Loop
// ============================================================================
//
// Package: internal/scheduler
// File: worker.go
// Function: Work unit that drives tasks; each worker runs in its own goroutine
//
// How it works:
//   Each worker repeats the following loop until it is retired or the
//   scheduler stops:
//   1. Pop from its own local deque (LIFO, newest first)
//   2. Steal the oldest half of another worker's deque (random start)
//   3. Poll the global injector (FIFO)
//   4. Park on the scheduler condition variable when nothing is runnable
//
//   Every 61st iteration the injector is polled first so tasks spawned from
//   outside the pool cannot starve behind a busy local deque.
//
// Drivers:
//   BlockOn turns the calling goroutine into a temporary worker ("driver")
//   that runs the same loop until its target task completes. Drivers can be
//   stolen from and steal from others, but they are not counted as pool
//   threads.
//
// Exit:
//   A retiring or exiting worker hands its local deque to the injector so no
//   queued task is stranded.
//
// ============================================================================

package scheduler

import (
	"fmt"
	"math/rand/v2"
	"sync/atomic"
)

const globalPollInterval = 61

type worker struct {
	id     int
	sched  *Scheduler
	local  *deque
	retire atomic.Bool
	driver bool
	until  func() bool // driver exit condition
	tick   uint32
}

func newWorker(id int, s *Scheduler, driver bool) *worker {
	return &worker{
		id:     id,
		sched:  s,
		local:  newDeque(),
		driver: driver,
	}
}

func (w *worker) run() {
	defer w.exit()
	defer func() {
		if r := recover(); r != nil {
			w.sched.obs.Fatal(fmt.Errorf("worker %d crashed: %v", w.id, r))
		}
	}()

	for {
		if w.leaving() {
			return
		}
		t := w.next()
		if t == nil {
			if !w.park() {
				return
			}
			continue
		}
		w.sched.run(w, t)
	}
}

// leaving reports whether the worker should stop between two tasks.
func (w *worker) leaving() bool {
	if w.retire.Load() {
		return true
	}
	return w.driver && w.until()
}

func (w *worker) next() *Task {
	s := w.sched
	w.tick++
	if w.tick%globalPollInterval == 0 {
		if t := s.injector.pop(); t != nil {
			s.dequeued(1)
			return t
		}
	}
	if t := w.local.pop(); t != nil {
		s.dequeued(1)
		return t
	}
	if t := w.steal(); t != nil {
		s.dequeued(1)
		return t
	}
	if t := s.injector.pop(); t != nil {
		s.dequeued(1)
		return t
	}
	return nil
}

// steal takes half of the first non-empty victim deque. The oldest stolen
// task is returned; the rest move to the local deque.
func (w *worker) steal() *Task {
	victims := w.sched.victims.Load()
	if victims == nil {
		return nil
	}
	n := len(*victims)
	if n < 2 {
		return nil
	}
	start := rand.IntN(n)
	for i := range n {
		v := (*victims)[(start+i)%n]
		if v == w {
			continue
		}
		batch := v.local.stealHalf()
		if len(batch) == 0 {
			continue
		}
		for _, t := range batch[1:] {
			w.local.push(t)
		}
		return batch[0]
	}
	return nil
}

// park waits until work shows up. It returns false when the worker must exit.
func (w *worker) park() bool {
	s := w.sched
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		if w.leaving() {
			return false
		}
		s.idle.Add(1)
		if s.queued.Load() > 0 {
			s.idle.Add(-1)
			return true
		}
		// Leftover tasks are still run (and aborted) while stopping.
		if s.stopping {
			s.idle.Add(-1)
			return false
		}
		s.cond.Wait()
		s.idle.Add(-1)
	}
}

func (w *worker) exit() {
	s := w.sched
	moved := w.local.drain()
	s.injector.pushAll(moved)

	s.mu.Lock()
	removed := s.removeLocked(w)
	count := len(s.workers)
	s.mu.Unlock()

	// The wake-up that reached this worker may have been meant for a task.
	if s.queued.Load() > 0 {
		s.notify()
	}
	if !w.driver {
		if removed {
			s.obs.ThreadCount(count)
		}
		s.wg.Done()
	}
}
