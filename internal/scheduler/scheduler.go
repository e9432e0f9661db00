// ============================================================================
// Beaver-Async Scheduler - 工作竊取調度器
// ============================================================================
//
// Package: internal/scheduler
// File: scheduler.go
// Function: Owns the worker pool, the global injector, the timer queue and
//           the admission gate
//
// Architecture:
//   ┌──────────────┐  Spawn (outside pool)   ┌──────────────┐
//   │   caller     │ ──────────────────────► │   injector   │ FIFO
//   └──────────────┘                         └──────┬───────┘
//   ┌──────────────┐  Spawn (inside a task)         │
//   │  task on W1  │ ──► W1.local (LIFO)            │
//   └──────────────┘                                ▼
//   ┌──────────────────────────────────────────────────────┐
//   │ Worker 1 ◄─steal─► Worker 2 ◄─steal─► Worker N       │
//   └──────────────────────────────────────────────────────┘
//
// Lifecycle:
//   1. New(cfg)       - build queues, timer queue, admission gate
//   2. Start()        - start cfg.Workers workers
//   3. Spawn(spec)    - enqueue a task (never blocks)
//   4. Resize(n)      - grow or retire workers (autoscaler)
//   5. Shutdown(ctx)  - reject spawns, drain, cancel leftovers, join workers
//
// Concurrency Control:
//   - queued/live/pending/active: atomic counters
//   - mu + cond: worker parking, worker list, stopping flag
//   - idle is incremented before re-checking queued, and spawners read idle
//     after incrementing queued, so a push never misses a parked worker
//   - admission: golang.org/x/sync/semaphore, one slot per task that was
//     spawned but has not started yet
//
// ============================================================================

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/ChuLiYu/beaver-async/pkg/types"
)

// ErrAlreadyStarted 表示 Start 被呼叫了第二次
var ErrAlreadyStarted = errors.New("scheduler already started")

const drainPollInterval = 10 * time.Millisecond

// Config 調度器配置
type Config struct {
	Workers    int           // 初始 worker 數量
	MaxPending int64         // 已 spawn 但尚未開始的任務上限，0 表示不限
	ForceWait  time.Duration // 強制取消後等待任務收尾的時間
	Observer   Observer      // 事件觀察者（metrics / registry / tracing）
}

// Stats is a point-in-time view of the scheduler.
type Stats struct {
	Workers int   `json:"workers"`
	Active  int   `json:"active"`
	Idle    int   `json:"idle"`
	Queued  int64 `json:"queued"`
	Live    int64 `json:"live"`
	Pending int64 `json:"pending"`
	Timers  int   `json:"timers"`
}

// Scheduler is a work-stealing task scheduler.
type Scheduler struct {
	cfg        Config
	obs        Observer
	root       context.Context
	rootCancel context.CancelFunc
	injector   *injector
	timers     *TimerQueue
	admit      *semaphore.Weighted

	nextID  atomic.Uint64
	queued  atomic.Int64
	live    atomic.Int64
	pending atomic.Int64
	active  atomic.Int32
	idle    atomic.Int32
	closing atomic.Bool

	mu       sync.Mutex
	cond     *sync.Cond
	workers  []*worker
	drivers  []*worker
	retiring []*worker // still stealable until they exit
	victims  atomic.Pointer[[]*worker]
	nextWID  int
	started  bool
	stopping bool
	wg       sync.WaitGroup

	shutdownOnce sync.Once
	shutdownErr  error
}

// New 建立調度器，但不啟動任何 worker
func New(cfg Config) *Scheduler {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.ForceWait <= 0 {
		cfg.ForceWait = time.Second
	}
	obs := cfg.Observer
	if obs == nil {
		obs = NopObserver{}
	}

	root, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cfg:        cfg,
		obs:        obs,
		root:       root,
		rootCancel: cancel,
		injector:   newInjector(),
		timers:     NewTimerQueue(),
	}
	if cfg.MaxPending > 0 {
		s.admit = semaphore.NewWeighted(cfg.MaxPending)
	}
	s.cond = sync.NewCond(&s.mu)
	s.victims.Store(&[]*worker{})
	return s
}

// Start 啟動 cfg.Workers 個 worker
func (s *Scheduler) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	if s.closing.Load() {
		s.mu.Unlock()
		return types.ErrShutdownInProgress
	}
	for range s.cfg.Workers {
		s.startWorkerLocked()
	}
	s.started = true
	s.publishVictimsLocked()
	count := len(s.workers)
	s.mu.Unlock()

	s.obs.ThreadCount(count)
	return nil
}

func (s *Scheduler) startWorkerLocked() {
	w := newWorker(s.nextWID, s, false)
	s.nextWID++
	s.workers = append(s.workers, w)
	s.wg.Add(1)
	go w.run()
}

// Spawn enqueues a new task. Spawning from inside a task that is running on
// a worker uses that worker's local deque; everything else goes to the
// injector. It never blocks.
func (s *Scheduler) Spawn(ctx context.Context, spec Spec) (*Task, error) {
	if spec.Body == nil {
		return nil, errors.New("scheduler: nil task body")
	}

	// live is raised before checking closing so Shutdown either sees the
	// task or the spawner sees the shutdown.
	if !spec.Internal {
		s.live.Add(1)
	}
	if s.closing.Load() {
		if !spec.Internal {
			s.live.Add(-1)
		}
		return nil, types.ErrShutdownInProgress
	}

	permit := false
	if !spec.Internal && s.admit != nil {
		if !s.admit.TryAcquire(1) {
			s.live.Add(-1)
			return nil, fmt.Errorf("%w: %d tasks already waiting to start", types.ErrResourceExhausted, s.cfg.MaxPending)
		}
		permit = true
	}

	tctx, cancel := context.WithCancelCause(s.root)
	t := &Task{
		id:        types.TaskID(s.nextID.Add(1)),
		name:      spec.Name,
		sched:     s,
		body:      spec.Body,
		onDone:    spec.OnDone,
		internal:  spec.Internal,
		cancel:    cancel,
		resume:    make(chan struct{}),
		yield:     make(chan yieldKind),
		state:     types.StateQueued,
		spawnedAt: time.Now(),
		permit:    permit,
	}
	tctx = withTask(tctx, t)
	if spec.Decorate != nil {
		tctx = spec.Decorate(tctx, t)
	}
	t.ctx = tctx

	if !spec.Internal {
		s.pending.Add(1)
		s.obs.TaskSpawned(t)
	}

	var local *worker
	if parent := TaskFromContext(ctx); parent != nil && parent.sched == s {
		local = parent.currentWorker()
	}
	s.schedule(t, local)
	return t, nil
}

// schedule makes t runnable on w's deque, or on the injector when w is nil.
func (s *Scheduler) schedule(t *Task, w *worker) {
	if w != nil && !w.retire.Load() {
		w.local.push(t)
	} else {
		s.injector.push(t)
	}
	n := s.queued.Add(1)
	s.obs.QueueLength(int(n))
	s.notify()
}

func (s *Scheduler) dequeued(k int64) {
	n := s.queued.Add(-k)
	s.obs.QueueLength(int(n))
}

func (s *Scheduler) notify() {
	if s.idle.Load() > 0 {
		s.mu.Lock()
		s.cond.Signal()
		s.mu.Unlock()
	}
}

// WakeAll wakes every parked worker and driver.
func (s *Scheduler) WakeAll() {
	s.mu.Lock()
	s.cond.Broadcast()
	s.mu.Unlock()
}

// run executes one slice of t on w.
func (s *Scheduler) run(w *worker, t *Task) {
	t.mu.Lock()
	fresh := !t.started
	t.mu.Unlock()

	if fresh {
		s.release(t)
		if t.ctx.Err() != nil {
			t.abort()
			return
		}
		if !t.internal {
			s.obs.TaskStarted(t)
		}
	}

	if !w.driver {
		s.active.Add(1)
		s.obs.WorkerBusy()
	}
	kind := t.runOn(w)
	if !w.driver {
		s.active.Add(-1)
		s.obs.WorkerIdle()
	}

	if kind == yieldRequeue {
		s.schedule(t, nil)
	}
}

func (s *Scheduler) release(t *Task) {
	if t.internal {
		return
	}
	s.pending.Add(-1)
	if t.permit {
		t.permit = false
		s.admit.Release(1)
	}
}

func (s *Scheduler) taskFinished(t *Task, state types.TaskState, err error) {
	if t.internal {
		return
	}
	var elapsed time.Duration
	if started := t.StartedAt(); !started.IsZero() {
		elapsed = time.Since(started)
	}
	s.obs.TaskFinished(t, state, err, elapsed)
	s.live.Add(-1)
}

// Drive runs the worker loop on the calling goroutine until until() holds.
// The caller must arrange for WakeAll once until() turns true.
func (s *Scheduler) Drive(until func() bool) {
	w := newWorker(-1, s, true)
	w.until = until

	s.mu.Lock()
	s.drivers = append(s.drivers, w)
	s.publishVictimsLocked()
	s.mu.Unlock()

	w.run()
}

// Resize grows or shrinks the pool to n workers (at least one) and returns
// the resulting count. Retired workers finish their current slice first.
func (s *Scheduler) Resize(n int) int {
	n = max(n, 1)

	s.mu.Lock()
	if !s.started || s.stopping {
		count := len(s.workers)
		s.mu.Unlock()
		return count
	}
	cur := len(s.workers)
	switch {
	case n > cur:
		for range n - cur {
			s.startWorkerLocked()
		}
	case n < cur:
		for _, w := range s.workers[n:] {
			w.retire.Store(true)
			s.retiring = append(s.retiring, w)
		}
		kept := make([]*worker, n)
		copy(kept, s.workers[:n])
		s.workers = kept
		s.cond.Broadcast()
	}
	s.publishVictimsLocked()
	count := len(s.workers)
	s.mu.Unlock()

	if count != cur {
		s.obs.ThreadCount(count)
	}
	return count
}

func (s *Scheduler) removeLocked(w *worker) bool {
	for _, list := range []*[]*worker{&s.workers, &s.drivers, &s.retiring} {
		for i, x := range *list {
			if x == w {
				*list = append((*list)[:i:i], (*list)[i+1:]...)
				s.publishVictimsLocked()
				return list == &s.workers
			}
		}
	}
	return false
}

func (s *Scheduler) publishVictimsLocked() {
	v := make([]*worker, 0, len(s.workers)+len(s.drivers)+len(s.retiring))
	v = append(v, s.workers...)
	v = append(v, s.drivers...)
	v = append(v, s.retiring...)
	s.victims.Store(&v)
}

// Shutdown stops accepting spawns and waits for live tasks until ctx is done.
// Tasks still alive after that are cancelled and given cfg.ForceWait to
// unwind before the workers are joined. Later calls return the first result.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		s.shutdownErr = s.shutdown(ctx)
	})
	return s.shutdownErr
}

func (s *Scheduler) shutdown(ctx context.Context) error {
	s.closing.Store(true)

	var err error
	if !s.waitDrained(ctx) {
		remaining := s.live.Load()
		s.rootCancel()
		forceCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ForceWait)
		s.waitDrained(forceCtx)
		cancel()
		err = fmt.Errorf("scheduler: %d tasks still running when the grace period ended", remaining)
	}

	s.mu.Lock()
	s.stopping = true
	s.cond.Broadcast()
	s.mu.Unlock()

	joined := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(joined)
	}()
	select {
	case <-joined:
	case <-time.After(s.cfg.ForceWait):
		err = errors.Join(err, fmt.Errorf("scheduler: workers did not exit within %s", s.cfg.ForceWait))
	}

	s.rootCancel()
	s.timers.Close()
	return err
}

func (s *Scheduler) waitDrained(ctx context.Context) bool {
	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()
	for {
		if s.live.Load() == 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return s.live.Load() == 0
		case <-ticker.C:
		}
	}
}

// Closing reports whether Shutdown has been called.
func (s *Scheduler) Closing() bool { return s.closing.Load() }

// Timers exposes the scheduler's timer queue.
func (s *Scheduler) Timers() *TimerQueue { return s.timers }

// Live returns the number of tasks that have not reached a terminal state.
func (s *Scheduler) Live() int64 { return s.live.Load() }

// Workers returns the current pool size.
func (s *Scheduler) Workers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.workers)
}

func (s *Scheduler) Stats() Stats {
	workers := s.Workers()
	active := int(s.active.Load())
	return Stats{
		Workers: workers,
		Active:  active,
		Idle:    max(workers-active, 0),
		Queued:  s.queued.Load(),
		Live:    s.live.Load(),
		Pending: s.pending.Load(),
		Timers:  s.timers.Len(),
	}
}
