package scheduler

import "sync"

const (
	defaultQueueCap     = 16
	compactMinCap       = 64 // Don't compact if capacity is less than this
	compactShrinkFactor = 4  // Trigger compaction when len < cap/4
)

// injector is the global FIFO queue fed by spawns from outside the pool,
// wake-ups and yields.
type injector struct {
	mu    sync.Mutex
	tasks []*Task
}

func newInjector() *injector {
	return &injector{tasks: make([]*Task, 0, defaultQueueCap)}
}

func (q *injector) push(t *Task) {
	q.mu.Lock()
	q.tasks = append(q.tasks, t)
	q.mu.Unlock()
}

func (q *injector) pushAll(ts []*Task) {
	if len(ts) == 0 {
		return
	}
	q.mu.Lock()
	q.tasks = append(q.tasks, ts...)
	q.mu.Unlock()
}

func (q *injector) pop() *Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.tasks) == 0 {
		return nil
	}
	t := q.tasks[0]
	q.tasks[0] = nil
	q.tasks = q.tasks[1:]
	q.tasks = compact(q.tasks)
	return t
}

// deque is a worker-local run queue. The owner pushes and pops at the back
// (LIFO); thieves take the oldest half from the front.
type deque struct {
	mu    sync.Mutex
	tasks []*Task
}

func newDeque() *deque {
	return &deque{tasks: make([]*Task, 0, defaultQueueCap)}
}

func (d *deque) push(t *Task) {
	d.mu.Lock()
	d.tasks = append(d.tasks, t)
	d.mu.Unlock()
}

func (d *deque) pop() *Task {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := len(d.tasks)
	if n == 0 {
		return nil
	}
	t := d.tasks[n-1]
	d.tasks[n-1] = nil
	d.tasks = d.tasks[:n-1]
	return t
}

// stealHalf removes ceil(len/2) tasks from the front, oldest first.
func (d *deque) stealHalf() []*Task {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := len(d.tasks)
	if n == 0 {
		return nil
	}
	k := (n + 1) / 2
	batch := make([]*Task, k)
	copy(batch, d.tasks[:k])

	rest := copy(d.tasks, d.tasks[k:])
	clear(d.tasks[rest:])
	d.tasks = compact(d.tasks[:rest])
	return batch
}

func (d *deque) drain() []*Task {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := d.tasks
	d.tasks = make([]*Task, 0, defaultQueueCap)
	return out
}

func compact(tasks []*Task) []*Task {
	n, c := len(tasks), cap(tasks)
	if c < compactMinCap {
		return tasks
	}
	if n == 0 {
		return make([]*Task, 0, defaultQueueCap)
	}
	if n*compactShrinkFactor >= c {
		return tasks
	}
	shrunk := make([]*Task, n, max(c/2, defaultQueueCap, n))
	copy(shrunk, tasks)
	return shrunk
}
