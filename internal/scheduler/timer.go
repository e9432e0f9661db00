package scheduler

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// Timer is a pending callback on a TimerQueue.
type Timer struct {
	when  time.Time
	fn    func()
	index int // position in the heap, -1 once fired or stopped
}

type timerHeap []*Timer

func (h timerHeap) Len() int           { return len(h) }
func (h timerHeap) Less(i, j int) bool { return h[i].when.Before(h[j].when) }
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	item := x.(*Timer)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// TimerQueue runs callbacks at or after their deadline from a single
// goroutine driven by a min-heap.
type TimerQueue struct {
	mu     sync.Mutex
	pq     timerHeap
	wakeup chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func NewTimerQueue() *TimerQueue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &TimerQueue{
		pq:     make(timerHeap, 0),
		wakeup: make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go q.loop()
	return q
}

// AfterFunc schedules fn to run on the timer goroutine after d.
// fn must not block.
func (q *TimerQueue) AfterFunc(d time.Duration, fn func()) *Timer {
	q.mu.Lock()
	defer q.mu.Unlock()

	t := &Timer{when: time.Now().Add(d), fn: fn}
	heap.Push(&q.pq, t)
	if t.index == 0 {
		select {
		case q.wakeup <- struct{}{}:
		default:
		}
	}
	return t
}

// Stop removes t. It reports false when t already fired or was stopped.
func (q *TimerQueue) Stop(t *Timer) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if t == nil || t.index < 0 || t.index >= len(q.pq) || q.pq[t.index] != t {
		return false
	}
	heap.Remove(&q.pq, t.index)
	return true
}

// Len returns the number of pending timers.
func (q *TimerQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pq)
}

// Close stops the loop and drops every pending timer without firing it.
func (q *TimerQueue) Close() {
	q.cancel()
	<-q.done

	q.mu.Lock()
	for _, t := range q.pq {
		t.index = -1
	}
	q.pq = make(timerHeap, 0)
	q.mu.Unlock()
}

func (q *TimerQueue) loop() {
	defer close(q.done)

	timer := time.NewTimer(time.Hour)
	timer.Stop()

	for {
		wait, pending := q.nextWait()
		if pending {
			timer.Reset(wait)
		}

		select {
		case <-q.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			q.fireExpired()
		case <-q.wakeup:
			timer.Stop()
		}
	}
}

// nextWait reports how long to sleep before the earliest deadline.
func (q *TimerQueue) nextWait() (time.Duration, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pq) == 0 {
		return 0, false
	}
	return max(time.Until(q.pq[0].when), 0), true
}

func (q *TimerQueue) fireExpired() {
	q.mu.Lock()
	now := time.Now()
	var expired []*Timer
	for len(q.pq) > 0 && !q.pq[0].when.After(now) {
		expired = append(expired, heap.Pop(&q.pq).(*Timer))
	}
	q.mu.Unlock()

	for _, t := range expired {
		t.fn()
	}
}
