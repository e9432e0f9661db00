package metrics

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Set(t time.Time) {
	f.mu.Lock()
	f.now = t
	f.mu.Unlock()
}

func newTestCollector() (*Collector, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1_000_000, 0)}
	return NewCollector(WithClock(clock.Now)), clock
}

func TestCounters(t *testing.T) {
	c, _ := newTestCollector()

	for range 5 {
		c.TaskSpawned()
	}
	c.TaskCompleted(10 * time.Millisecond)
	c.TaskCompleted(20 * time.Millisecond)
	c.TaskFailed(5 * time.Millisecond)
	c.TaskCancelled(time.Millisecond)
	c.TaskRejected()
	c.TaskOverdue()
	c.ScalingEvent()

	s := c.Snapshot()
	assert.Equal(t, uint64(5), s.TasksSpawned)
	assert.Equal(t, uint64(2), s.TasksCompleted)
	assert.Equal(t, uint64(2), s.TasksFailed, "cancellations count as failures")
	assert.Equal(t, uint64(1), s.TasksCancelled)
	assert.Equal(t, uint64(1), s.TasksRejected)
	assert.Equal(t, uint64(1), s.TasksOverdue)
	assert.Equal(t, uint64(1), s.ScalingEvents)
	assert.Equal(t, uint64(4), s.LatencyCount)
}

func TestQueueHighWaterMark(t *testing.T) {
	c, _ := newTestCollector()

	c.SetQueueLength(3)
	c.SetQueueLength(9)
	c.SetQueueLength(2)

	s := c.Snapshot()
	assert.Equal(t, int64(2), s.QueueLength)
	assert.Equal(t, int64(9), s.MaxQueueLength)
}

func TestThreadGauges(t *testing.T) {
	c, _ := newTestCollector()
	c.SetThreadCount(4)
	c.SetThreadActivity(1, 3)

	s := c.Snapshot()
	assert.Equal(t, int64(4), s.ThreadCount)
	assert.Equal(t, int64(1), s.ActiveThreads)
	assert.Equal(t, int64(3), s.IdleThreads)

	// Never negative.
	c.SetThreadActivity(-1, -2)
	assert.Equal(t, int64(0), c.Snapshot().ActiveThreads)
	assert.Equal(t, int64(0), c.Snapshot().IdleThreads)
}

func TestPercentilesNearestRank(t *testing.T) {
	c, _ := newTestCollector()
	for i := 1; i <= 100; i++ {
		c.TaskCompleted(time.Duration(i) * time.Millisecond)
	}

	s := c.Snapshot()
	assert.Equal(t, 50*time.Millisecond, s.P50Execution)
	assert.Equal(t, 95*time.Millisecond, s.P95Execution)
	assert.Equal(t, 99*time.Millisecond, s.P99Execution)
	assert.Equal(t, 50500*time.Microsecond, s.AvgExecution)
	assert.LessOrEqual(t, s.P50Execution, s.P95Execution)
	assert.LessOrEqual(t, s.P95Execution, s.P99Execution)
}

func TestPercentileEdgeCases(t *testing.T) {
	assert.Equal(t, time.Duration(0), Percentile(nil, 99))

	one := []time.Duration{7 * time.Second}
	assert.Equal(t, 7*time.Second, Percentile(one, 0))
	assert.Equal(t, 7*time.Second, Percentile(one, 100))
}

func TestWindowKeepsRecentSamples(t *testing.T) {
	c, _ := newTestCollector()
	for range WindowSize {
		c.TaskCompleted(time.Second)
	}
	for range WindowSize {
		c.TaskCompleted(time.Millisecond)
	}

	s := c.Snapshot()
	assert.Equal(t, time.Millisecond, s.P99Execution, "old samples rolled out")
	assert.Equal(t, uint64(2*WindowSize), s.LatencyCount, "histogram keeps everything")
}

func TestTasksPerSecondUsesLastFullSecond(t *testing.T) {
	c, clock := newTestCollector()
	base := time.Unix(1_000_000, 0)

	clock.Set(base.Add(100 * time.Millisecond))
	for range 3 {
		c.TaskCompleted(time.Millisecond)
	}
	assert.Zero(t, c.Snapshot().TasksPerSecond, "current second is not complete")

	clock.Set(base.Add(1100 * time.Millisecond))
	c.TaskCompleted(time.Millisecond)
	first := c.Snapshot()
	second := c.Snapshot()
	assert.Equal(t, 3.0, first.TasksPerSecond)
	assert.Equal(t, first.TasksPerSecond, second.TasksPerSecond)

	clock.Set(base.Add(2500 * time.Millisecond))
	assert.Equal(t, 1.0, c.Snapshot().TasksPerSecond)

	clock.Set(base.Add(10 * time.Second))
	assert.Zero(t, c.Snapshot().TasksPerSecond)
}

func TestCustomMetrics(t *testing.T) {
	c, _ := newTestCollector()
	c.IncrementCounter("cache_hits", 2)
	c.IncrementCounter("cache_hits", 3)
	c.IncrementCounter("cache_hits", -10)
	c.SetGauge("pool_size", 4)
	c.SetGauge("pool_size", 8)
	c.SetGauge("a_gauge", 1)

	s := c.Snapshot()
	assert.Equal(t, 5.0, s.Counters["cache_hits"])
	assert.Equal(t, 8.0, s.Gauges["pool_size"])
	assert.Equal(t, []string{"a_gauge", "pool_size"}, s.GaugeNames())
	assert.Equal(t, []string{"cache_hits"}, s.CounterNames())

	// Snapshots do not alias the collector.
	c.SetGauge("pool_size", 1)
	assert.Equal(t, 8.0, s.Gauges["pool_size"])
}

func TestCustomMetricNamesWithInvalidUTF8(t *testing.T) {
	c, _ := newTestCollector()
	c.IncrementCounter("bad\xffname", 1)
	c.IncrementCounter("bad\xfename", 2)
	c.SetGauge("\xc3gauge", 4)

	s := c.Snapshot()
	assert.Equal(t, 3.0, s.Counters["bad\uFFFDname"], "invalid bytes collapse to one series")
	assert.Equal(t, 4.0, s.Gauges["\uFFFDgauge"])

	var text string
	require.NotPanics(t, func() { text = c.ToPrometheus() })
	assert.Contains(t, text, "beaver_async_custom_counter_total{name=\"bad\uFFFDname\"} 3")
	assert.NotContains(t, text, "# error")

	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(c))
	_, err := reg.Gather()
	require.NoError(t, err)
}

func TestHandBuiltSnapshotWithInvalidNameReportsError(t *testing.T) {
	s := Snapshot{Counters: map[string]float64{"raw\xffname": 1}}

	var buf strings.Builder
	var err error
	require.NotPanics(t, func() { err = s.WritePrometheus(&buf) })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "UTF-8")
	assert.Contains(t, s.ToPrometheus(), "# error:")
}

func TestSnapshotIsStableWithoutActivity(t *testing.T) {
	c, _ := newTestCollector()
	c.TaskSpawned()
	c.TaskCompleted(3 * time.Millisecond)
	c.IncrementCounter("b", 1)
	c.IncrementCounter("a", 1)
	c.SetGauge("z", 2)

	s1 := c.Snapshot()
	s2 := c.Snapshot()
	assert.Equal(t, s1, s2)

	text := s1.ToPrometheus()
	assert.Equal(t, text, s1.ToPrometheus(), "rendering is deterministic")
	assert.Equal(t, text, c.ToPrometheus())
}

func TestToPrometheusText(t *testing.T) {
	c, _ := newTestCollector()
	c.TaskSpawned()
	c.TaskCompleted(20 * time.Millisecond)
	c.SetQueueLength(7)
	c.IncrementCounter("cache_hits", 5)
	c.SetGauge("pool_size", 3)

	text := c.Snapshot().ToPrometheus()
	for _, want := range []string{
		"# TYPE beaver_async_tasks_spawned_total counter\nbeaver_async_tasks_spawned_total 1\n",
		"beaver_async_queue_length 7\n",
		"beaver_async_max_queue_length 7\n",
		"# TYPE beaver_async_task_execution_seconds histogram\n",
		`beaver_async_task_execution_seconds_bucket{le="0.025"} 1`,
		`beaver_async_task_execution_seconds_bucket{le="0.01"} 0`,
		"beaver_async_task_execution_seconds_count 1\n",
		`beaver_async_task_execution_window_seconds{quantile="0.99"} 0.02`,
		`beaver_async_custom_counter_total{name="cache_hits"} 5`,
		`beaver_async_custom_gauge{name="pool_size"} 3`,
	} {
		assert.Contains(t, text, want)
	}
	assert.False(t, strings.Contains(text, "# error"))
}

func TestCollectorWithRegistry(t *testing.T) {
	c, _ := newTestCollector()
	reg := prometheus.NewPedanticRegistry()

	got, err := Register(reg, c)
	require.NoError(t, err)
	assert.Same(t, c, got)

	c.TaskSpawned()
	c.TaskSpawned()
	c.TaskCompleted(2 * time.Second)

	expected := `
# HELP beaver_async_tasks_spawned_total Total number of tasks spawned
# TYPE beaver_async_tasks_spawned_total counter
beaver_async_tasks_spawned_total 2
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "beaver_async_tasks_spawned_total"))

	families, err := reg.Gather()
	require.NoError(t, err)
	var hist *dto.Histogram
	for _, mf := range families {
		if mf.GetName() == "beaver_async_task_execution_seconds" {
			require.Equal(t, dto.MetricType_HISTOGRAM, mf.GetType())
			hist = mf.GetMetric()[0].GetHistogram()
		}
	}
	require.NotNil(t, hist)
	assert.Equal(t, uint64(1), hist.GetSampleCount())
	assert.InDelta(t, 2.0, hist.GetSampleSum(), 1e-9)
	for _, b := range hist.GetBucket() {
		if b.GetUpperBound() < 2 {
			assert.Zero(t, b.GetCumulativeCount())
		} else {
			assert.Equal(t, uint64(1), b.GetCumulativeCount())
		}
	}
}

func TestRegisterReturnsExistingCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	c1 := NewCollector()
	c2 := NewCollector()

	_, err := Register(reg, c1)
	require.NoError(t, err)

	got, err := Register(reg, c2)
	require.NoError(t, err)
	assert.Same(t, c1, got)
}

func TestConcurrentRecording(t *testing.T) {
	c := NewCollector()
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 500 {
				c.TaskSpawned()
				c.TaskCompleted(time.Microsecond)
				c.SetQueueLength(3)
				c.IncrementCounter("x", 1)
			}
		}()
	}
	wg.Wait()

	s := c.Snapshot()
	assert.Equal(t, uint64(4000), s.TasksSpawned)
	assert.Equal(t, uint64(4000), s.TasksCompleted)
	assert.Equal(t, 4000.0, s.Counters["x"])
	assert.Equal(t, testutil.CollectAndCount(c), testutil.CollectAndCount(c))
}
