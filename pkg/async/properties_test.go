package async

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/beaver-async/pkg/channel"
	"github.com/ChuLiYu/beaver-async/pkg/types"
)

func TestEveryTaskAccountedOnce(t *testing.T) {
	for _, tc := range []struct {
		threads int
		tasks   int
	}{
		{threads: 1, tasks: 1},
		{threads: 1, tasks: 500},
		{threads: 4, tasks: 1000},
		{threads: 8, tasks: 8 * 100},
	} {
		t.Run(fmt.Sprintf("%d_threads_%d_tasks", tc.threads, tc.tasks), func(t *testing.T) {
			rt := newTestRuntime(t, func(c *Config) {
				c.NumThreads = tc.threads
				c.Limits.MaxQueueSize = 0
			})

			runs := make([]atomic.Int32, tc.tasks)
			handles := make([]*JoinHandle[int], 0, tc.tasks)
			for i := range tc.tasks {
				h, err := SpawnWithHandle(context.Background(), rt, func(ctx context.Context) (int, error) {
					runs[i].Add(1)
					if i%7 == 0 {
						YieldNow(ctx)
					}
					if i%13 == 0 {
						return 0, fmt.Errorf("task %d rejected input", i)
					}
					return i, nil
				})
				require.NoError(t, err)
				handles = append(handles, h)
			}

			failed := 0
			for _, h := range handles {
				if _, err := h.Await(context.Background()); err != nil {
					failed++
				}
			}
			for i := range runs {
				require.EqualValues(t, 1, runs[i].Load(), "task %d", i)
			}

			snap := rt.Metrics().Snapshot()
			assert.EqualValues(t, tc.tasks, snap.TasksSpawned)
			assert.EqualValues(t, tc.tasks, snap.TasksCompleted+snap.TasksFailed)
			assert.EqualValues(t, failed, snap.TasksFailed)
			assert.Equal(t, 0, rt.TaskCount())
		})
	}
}

func TestChannelPipelineOnRuntime(t *testing.T) {
	rt := newTestRuntime(t, func(c *Config) { c.NumThreads = 2 })
	tx, rx := channel.Bounded[int](2)

	producer, err := SpawnWithHandle(context.Background(), rt, func(ctx context.Context) (int, error) {
		defer tx.Close()
		for i := range 50 {
			if err := tx.Send(ctx, i); err != nil {
				return i, err
			}
		}
		return 50, nil
	})
	require.NoError(t, err)

	consumer, err := SpawnWithHandle(context.Background(), rt, func(ctx context.Context) ([]int, error) {
		var got []int
		for {
			v, err := rx.Recv(ctx)
			if err == channel.ErrClosed {
				return got, nil
			}
			if err != nil {
				return got, err
			}
			got = append(got, v)
		}
	})
	require.NoError(t, err)

	sent, err := producer.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 50, sent)

	got, err := consumer.Await(context.Background())
	require.NoError(t, err)
	want := make([]int, 50)
	for i := range want {
		want[i] = i
	}
	assert.Equal(t, want, got)
}

func TestBoundedSendWaitsForReceiver(t *testing.T) {
	rt := newTestRuntime(t, func(c *Config) { c.NumThreads = 2 })
	const capacity = 3
	tx, rx := channel.Bounded[int](capacity)
	var sent atomic.Int32

	producer, err := SpawnWithHandle(context.Background(), rt, func(ctx context.Context) (int, error) {
		for i := range capacity + 1 {
			if err := tx.Send(ctx, i); err != nil {
				return 0, err
			}
			sent.Add(1)
		}
		return 0, nil
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return sent.Load() == capacity }, 5*time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, capacity, sent.Load(), "send beyond capacity must wait")

	v, ok, err := rx.TryRecv()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 0, v)

	_, err = producer.Await(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, capacity+1, sent.Load())
}

func TestSnapshotIdempotent(t *testing.T) {
	rt := newTestRuntime(t)
	for i := range 20 {
		h, err := SpawnWithHandle(context.Background(), rt, func(context.Context) (int, error) {
			if i%5 == 0 {
				return 0, types.ErrChannelClosed
			}
			return i, nil
		})
		require.NoError(t, err)
		_, _ = h.Await(context.Background())
	}

	a := rt.Metrics().Snapshot()
	b := rt.Metrics().Snapshot()
	assert.Equal(t, a.TasksSpawned, b.TasksSpawned)
	assert.Equal(t, a.TasksCompleted, b.TasksCompleted)
	assert.Equal(t, a.TasksFailed, b.TasksFailed)
	assert.Equal(t, a.P99Execution, b.P99Execution)
	assert.EqualValues(t, 16, a.TasksCompleted)
	assert.EqualValues(t, 4, a.TasksFailed)

	assert.Equal(t, a.ToPrometheus(), a.ToPrometheus())
	assert.Contains(t, a.ToPrometheus(), "beaver_async_tasks_spawned_total 20")
}
