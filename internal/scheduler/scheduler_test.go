package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/beaver-async/pkg/types"
)

// ============================================================================
// 測試輔助
// ============================================================================

type outcome struct {
	state types.TaskState
	err   error
}

func startScheduler(t *testing.T, cfg Config) *Scheduler {
	t.Helper()
	s := New(cfg)
	require.NoError(t, s.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s
}

func spawnWait(t *testing.T, s *Scheduler, body func(ctx context.Context) error) <-chan outcome {
	t.Helper()
	done := make(chan outcome, 1)
	_, err := s.Spawn(context.Background(), Spec{
		Body: body,
		OnDone: func(state types.TaskState, err error) {
			done <- outcome{state, err}
		},
	})
	require.NoError(t, err)
	return done
}

func waitOutcome(t *testing.T, ch <-chan outcome) outcome {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(5 * time.Second):
		t.Fatal("task did not finish in time")
		return outcome{}
	}
}

type countingObserver struct {
	NopObserver
	spawned   atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	cancelled atomic.Int64
	threads   atomic.Int64
}

func (o *countingObserver) TaskSpawned(*Task) { o.spawned.Add(1) }
func (o *countingObserver) TaskFinished(_ *Task, state types.TaskState, _ error, _ time.Duration) {
	switch state {
	case types.StateCompleted:
		o.completed.Add(1)
	case types.StateFailed:
		o.failed.Add(1)
	case types.StateCancelled:
		o.cancelled.Add(1)
	}
}
func (o *countingObserver) ThreadCount(n int) { o.threads.Store(int64(n)) }

// ============================================================================
// 佇列
// ============================================================================

func TestDequeLIFOAndStealHalf(t *testing.T) {
	d := newDeque()
	tasks := make([]*Task, 5)
	for i := range tasks {
		tasks[i] = &Task{id: types.TaskID(i + 1)}
		d.push(tasks[i])
	}

	assert.Equal(t, tasks[4], d.pop(), "owner pops newest first")

	stolen := d.stealHalf()
	require.Len(t, stolen, 2)
	assert.Equal(t, tasks[0], stolen[0], "thieves take oldest first")
	assert.Equal(t, tasks[1], stolen[1])
	assert.Len(t, d.tasks, 2)

	assert.Equal(t, tasks[3], d.pop())
	assert.Equal(t, tasks[2], d.pop())
	assert.Nil(t, d.pop())
	assert.Nil(t, d.stealHalf())
}

func TestInjectorFIFO(t *testing.T) {
	q := newInjector()
	for i := 1; i <= 100; i++ {
		q.push(&Task{id: types.TaskID(i)})
	}
	for i := 1; i <= 100; i++ {
		got := q.pop()
		require.NotNil(t, got)
		assert.Equal(t, types.TaskID(i), got.id)
	}
	assert.Nil(t, q.pop())
	assert.Empty(t, q.tasks)
}

// ============================================================================
// 計時器
// ============================================================================

func TestTimerQueueFiresInDeadlineOrder(t *testing.T) {
	q := NewTimerQueue()
	defer q.Close()

	var mu sync.Mutex
	var order []int
	done := make(chan struct{})
	record := func(i int) func() {
		return func() {
			mu.Lock()
			order = append(order, i)
			if len(order) == 3 {
				close(done)
			}
			mu.Unlock()
		}
	}
	q.AfterFunc(60*time.Millisecond, record(3))
	q.AfterFunc(20*time.Millisecond, record(1))
	q.AfterFunc(40*time.Millisecond, record(2))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timers did not fire")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2, 3}, order)
	assert.Equal(t, 0, q.Len())
}

func TestTimerQueueStop(t *testing.T) {
	q := NewTimerQueue()
	defer q.Close()

	var fired atomic.Bool
	tm := q.AfterFunc(30*time.Millisecond, func() { fired.Store(true) })
	assert.Equal(t, 1, q.Len())
	assert.True(t, q.Stop(tm))
	assert.False(t, q.Stop(tm), "second stop is a no-op")
	assert.Equal(t, 0, q.Len())

	time.Sleep(80 * time.Millisecond)
	assert.False(t, fired.Load())
}

// ============================================================================
// 調度
// ============================================================================

func TestEveryTaskRunsExactlyOnce(t *testing.T) {
	for _, workers := range []int{1, 4} {
		obs := &countingObserver{}
		s := startScheduler(t, Config{Workers: workers, Observer: obs})

		const n = 400
		runs := make([]atomic.Int32, n)
		var wg sync.WaitGroup
		wg.Add(n)
		for i := range n {
			_, err := s.Spawn(context.Background(), Spec{
				Body: func(ctx context.Context) error {
					runs[i].Add(1)
					// Yielded tasks come back through the injector.
					if i%4 == 0 {
						Yield(ctx)
					}
					return nil
				},
				OnDone: func(types.TaskState, error) { wg.Done() },
			})
			require.NoError(t, err)
		}
		wg.Wait()

		for i := range n {
			assert.Equal(t, int32(1), runs[i].Load(), "task %d with %d workers", i, workers)
		}
		assert.Equal(t, int64(n), obs.spawned.Load())
		assert.Equal(t, int64(n), obs.completed.Load()+obs.failed.Load())
	}
}

func TestNestedSpawnsAreAccounted(t *testing.T) {
	obs := &countingObserver{}
	s := startScheduler(t, Config{Workers: 3, Observer: obs})

	const parents, children = 20, 25
	var ran atomic.Int64
	var wg sync.WaitGroup
	wg.Add(parents * (children + 1))
	for range parents {
		_, err := s.Spawn(context.Background(), Spec{
			Body: func(ctx context.Context) error {
				for range children {
					_, err := s.Spawn(ctx, Spec{
						Body: func(context.Context) error {
							ran.Add(1)
							return nil
						},
						OnDone: func(types.TaskState, error) { wg.Done() },
					})
					if err != nil {
						return err
					}
				}
				return nil
			},
			OnDone: func(types.TaskState, error) { wg.Done() },
		})
		require.NoError(t, err)
	}
	wg.Wait()
	assert.Equal(t, int64(parents*children), ran.Load())
	assert.Equal(t, int64(parents*(children+1)), obs.completed.Load())
}

func TestSleepReleasesTheWorker(t *testing.T) {
	s := startScheduler(t, Config{Workers: 1})

	var order []string
	var mu sync.Mutex
	push := func(s string) {
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
	}

	sleeper := spawnWait(t, s, func(ctx context.Context) error {
		start := time.Now()
		if err := Sleep(ctx, 50*time.Millisecond); err != nil {
			return err
		}
		if time.Since(start) < 50*time.Millisecond {
			return errors.New("woke up early")
		}
		push("sleeper")
		return nil
	})
	quick := spawnWait(t, s, func(context.Context) error {
		push("quick")
		return nil
	})

	assert.Equal(t, types.StateCompleted, waitOutcome(t, quick).state)
	o := waitOutcome(t, sleeper)
	assert.Equal(t, types.StateCompleted, o.state, "%v", o.err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"quick", "sleeper"}, order)
	assert.Equal(t, 0, s.Timers().Len())
}

func TestSleepCancelledStopsTimer(t *testing.T) {
	s := startScheduler(t, Config{Workers: 1})

	done := spawnWait(t, s, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		return Sleep(ctx, time.Hour)
	})
	o := waitOutcome(t, done)
	assert.Equal(t, types.StateFailed, o.state)
	assert.ErrorIs(t, o.err, context.DeadlineExceeded)
	assert.Equal(t, 0, s.Timers().Len(), "cancelled sleep must not leave a timer behind")
}

func TestPanicIsContained(t *testing.T) {
	obs := &countingObserver{}
	s := startScheduler(t, Config{Workers: 1, Observer: obs})

	o := waitOutcome(t, spawnWait(t, s, func(context.Context) error {
		panic("kaboom")
	}))
	assert.Equal(t, types.StateFailed, o.state)
	var tf *types.TaskFailure
	require.ErrorAs(t, o.err, &tf)
	assert.Equal(t, "kaboom", tf.Panic)
	assert.NotEmpty(t, tf.Stack)

	// The worker survives and keeps serving tasks.
	o = waitOutcome(t, spawnWait(t, s, func(context.Context) error { return nil }))
	assert.Equal(t, types.StateCompleted, o.state)
	assert.Equal(t, int64(1), obs.failed.Load())
}

func TestReturnedErrorIsTaskFailure(t *testing.T) {
	s := startScheduler(t, Config{Workers: 2})
	cause := errors.New("bad input")

	o := waitOutcome(t, spawnWait(t, s, func(context.Context) error { return cause }))
	assert.Equal(t, types.StateFailed, o.state)
	assert.ErrorIs(t, o.err, types.ErrTaskFailed)
	assert.ErrorIs(t, o.err, cause)
}

func TestCancelSuspendedTask(t *testing.T) {
	s := startScheduler(t, Config{Workers: 1})

	started := make(chan struct{})
	done := make(chan outcome, 1)
	task, err := s.Spawn(context.Background(), Spec{
		Body: func(ctx context.Context) error {
			close(started)
			return Sleep(ctx, time.Hour)
		},
		OnDone: func(state types.TaskState, err error) { done <- outcome{state, err} },
	})
	require.NoError(t, err)
	<-started
	task.Cancel()

	o := waitOutcome(t, done)
	assert.Equal(t, types.StateCancelled, o.state)
	assert.ErrorIs(t, o.err, types.ErrCancelled)
}

func TestCancelBeforeStartSkipsBody(t *testing.T) {
	obs := &countingObserver{}
	s := New(Config{Workers: 1, Observer: obs})

	var ran atomic.Bool
	done := make(chan outcome, 1)
	task, err := s.Spawn(context.Background(), Spec{
		Body:   func(context.Context) error { ran.Store(true); return nil },
		OnDone: func(state types.TaskState, err error) { done <- outcome{state, err} },
	})
	require.NoError(t, err)
	task.Cancel()

	require.NoError(t, s.Start())
	defer s.Shutdown(context.Background())

	o := waitOutcome(t, done)
	assert.Equal(t, types.StateCancelled, o.state)
	assert.False(t, ran.Load())
	assert.Equal(t, int64(1), obs.cancelled.Load())
}

func TestAdmissionLimit(t *testing.T) {
	s := New(Config{Workers: 1, MaxPending: 2})

	var wg sync.WaitGroup
	wg.Add(2)
	for range 2 {
		_, err := s.Spawn(context.Background(), Spec{
			Body:   func(context.Context) error { return nil },
			OnDone: func(types.TaskState, error) { wg.Done() },
		})
		require.NoError(t, err)
	}
	_, err := s.Spawn(context.Background(), Spec{Body: func(context.Context) error { return nil }})
	assert.ErrorIs(t, err, types.ErrResourceExhausted)
	assert.Equal(t, int64(2), s.Stats().Pending)

	require.NoError(t, s.Start())
	wg.Wait()

	// Slots come back once tasks start.
	done := make(chan struct{})
	_, err = s.Spawn(context.Background(), Spec{
		Body:   func(context.Context) error { return nil },
		OnDone: func(types.TaskState, error) { close(done) },
	})
	require.NoError(t, err)
	<-done
	require.NoError(t, s.Shutdown(context.Background()))
}

func TestShutdownRejectsSpawns(t *testing.T) {
	s := New(Config{Workers: 2})
	require.NoError(t, s.Start())
	require.NoError(t, s.Shutdown(context.Background()))

	_, err := s.Spawn(context.Background(), Spec{Body: func(context.Context) error { return nil }})
	assert.ErrorIs(t, err, types.ErrShutdownInProgress)
	assert.ErrorIs(t, s.Start(), ErrAlreadyStarted)
}

func TestShutdownCancelsStragglers(t *testing.T) {
	s := New(Config{Workers: 1, ForceWait: time.Second})
	require.NoError(t, s.Start())

	done := make(chan outcome, 1)
	_, err := s.Spawn(context.Background(), Spec{
		Body:   func(ctx context.Context) error { return Sleep(ctx, time.Hour) },
		OnDone: func(state types.TaskState, err error) { done <- outcome{state, err} },
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = s.Shutdown(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 tasks still running")

	o := waitOutcome(t, done)
	assert.Equal(t, types.StateCancelled, o.state)
	assert.Equal(t, int64(0), s.Live())
}

func TestResize(t *testing.T) {
	obs := &countingObserver{}
	s := startScheduler(t, Config{Workers: 2, Observer: obs})
	assert.Equal(t, int64(2), obs.threads.Load())

	assert.Equal(t, 5, s.Resize(5))
	assert.Equal(t, 5, s.Workers())
	assert.Equal(t, int64(5), obs.threads.Load())

	assert.Equal(t, 1, s.Resize(1))
	assert.Equal(t, 1, s.Workers())

	assert.Equal(t, 1, s.Resize(0), "pool never drops below one worker")

	// The remaining worker still drains work after the shrink.
	var wg sync.WaitGroup
	wg.Add(50)
	for range 50 {
		_, err := s.Spawn(context.Background(), Spec{
			Body:   func(context.Context) error { return nil },
			OnDone: func(types.TaskState, error) { wg.Done() },
		})
		require.NoError(t, err)
	}
	wg.Wait()
}

func TestDriveRunsUntilConditionHolds(t *testing.T) {
	// Never started: the driver alone has to run everything.
	s := New(Config{Workers: 1})
	defer s.Shutdown(context.Background())

	var finished atomic.Bool
	var children atomic.Int64
	_, err := s.Spawn(context.Background(), Spec{
		Body: func(ctx context.Context) error {
			for range 10 {
				if _, err := s.Spawn(ctx, Spec{Body: func(context.Context) error {
					children.Add(1)
					return nil
				}}); err != nil {
					return err
				}
			}
			return Sleep(ctx, 10*time.Millisecond)
		},
		OnDone: func(types.TaskState, error) {
			finished.Store(true)
			s.WakeAll()
		},
	})
	require.NoError(t, err)

	s.Drive(finished.Load)
	assert.True(t, finished.Load())
	assert.Equal(t, 0, s.Workers())
}

func TestThreadParker(t *testing.T) {
	p := NewThreadParker()
	p.Unpark()
	assert.NoError(t, p.Park(context.Background()), "permit is consumed")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, p.Park(ctx), context.Canceled)

	assert.IsType(t, &ThreadParker{}, CurrentParker(context.Background()))
}
