// ============================================================================
// Beaver-Async Metrics - 執行期監控指標
// ============================================================================
//
// Package: pkg/metrics
// 文件: metrics.go
// 功能: 從任何 worker 併發記錄任務與執行緒指標，並產生不可變快照
//
// 指標分類:
//
//   1. 計數器 (Counter) - 只增不減：
//      - tasks_spawned / tasks_completed / tasks_failed
//      - tasks_cancelled（同時計入 tasks_failed）
//      - tasks_overdue / tasks_rejected / scaling_events
//
//   2. 狀態指標 (Gauge)：
//      - queue_length 與 max_queue_length（高水位）
//      - active_threads / idle_threads / thread_count
//
//   3. 延遲 (Histogram + 滑動視窗)：
//      - 最近 1024 筆樣本計算 avg / p50 / p95 / p99
//      - 全量累積桶 (prometheus.DefBuckets) + sum / count
//
//   4. 吞吐量：
//      - tasks_per_second = 最近一個「完整經過」的整秒內完成的任務數
//        同一秒內重複取快照結果不變
//
// 匯出:
//   Snapshot.ToPrometheus() 產生文字格式；Collector 本身實作
//   prometheus.Collector，可直接註冊到 Registry 由 promhttp 暴露。
//
// ============================================================================

package metrics

import (
	"math"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Namespace prefixes every exported metric name.
const Namespace = "beaver_async"

// WindowSize is the number of recent latency samples kept for percentiles.
const WindowSize = 1024

// Collector records runtime metrics. All methods are safe for concurrent use.
type Collector struct {
	spawned       atomic.Uint64
	completed     atomic.Uint64
	failed        atomic.Uint64
	cancelled     atomic.Uint64
	overdue       atomic.Uint64
	rejected      atomic.Uint64
	scalingEvents atomic.Uint64

	queueLength    atomic.Int64
	maxQueueLength atomic.Int64
	activeThreads  atomic.Int64
	idleThreads    atomic.Int64
	threadCount    atomic.Int64

	mu        sync.Mutex
	window    [WindowSize]time.Duration
	windowPos int
	windowLen int

	bounds       []float64
	bucketCounts []uint64
	latencySum   float64
	latencyCount uint64

	// 每秒吞吐量
	curSec    int64
	curCount  uint64
	prevSec   int64
	prevCount uint64

	counters map[string]float64
	gauges   map[string]float64

	now func() time.Time
}

// Option configures a Collector.
type Option func(*Collector)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Collector) { c.now = now }
}

// WithBuckets overrides the latency histogram bounds (seconds).
func WithBuckets(bounds []float64) Option {
	return func(c *Collector) {
		b := slices.Clone(bounds)
		slices.Sort(b)
		c.bounds = b
	}
}

// NewCollector 創建新的指標收集器
func NewCollector(opts ...Option) *Collector {
	c := &Collector{
		bounds:   slices.Clone(prometheus.DefBuckets),
		counters: make(map[string]float64),
		gauges:   make(map[string]float64),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.bucketCounts = make([]uint64, len(c.bounds))
	return c
}

// ============================================================================
// 任務計數
// ============================================================================

func (c *Collector) TaskSpawned() { c.spawned.Add(1) }

func (c *Collector) TaskRejected() { c.rejected.Add(1) }

func (c *Collector) TaskOverdue() { c.overdue.Add(1) }

func (c *Collector) ScalingEvent() { c.scalingEvents.Add(1) }

// TaskCompleted records a successful task and its execution time.
func (c *Collector) TaskCompleted(elapsed time.Duration) {
	c.completed.Add(1)
	c.observe(elapsed)
}

// TaskFailed records a failed task and its execution time.
func (c *Collector) TaskFailed(elapsed time.Duration) {
	c.failed.Add(1)
	c.observe(elapsed)
}

// TaskCancelled counts a cancellation, which is also a failure.
func (c *Collector) TaskCancelled(elapsed time.Duration) {
	c.cancelled.Add(1)
	c.failed.Add(1)
	c.observe(elapsed)
}

func (c *Collector) observe(elapsed time.Duration) {
	if elapsed < 0 {
		elapsed = 0
	}
	secs := elapsed.Seconds()
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.window[c.windowPos] = elapsed
	c.windowPos = (c.windowPos + 1) % WindowSize
	if c.windowLen < WindowSize {
		c.windowLen++
	}

	for i, ub := range c.bounds {
		if secs <= ub {
			c.bucketCounts[i]++
		}
	}
	c.latencySum += secs
	c.latencyCount++

	c.tickLocked(now.Unix())
	c.curCount++
}

// tickLocked rolls the per-second throughput buckets forward to sec.
func (c *Collector) tickLocked(sec int64) {
	switch {
	case sec == c.curSec:
	case sec == c.curSec+1:
		c.prevSec, c.prevCount = c.curSec, c.curCount
		c.curSec, c.curCount = sec, 0
	case sec > c.curSec:
		c.prevSec, c.prevCount = sec-1, 0
		c.curSec, c.curCount = sec, 0
	}
}

// tasksPerSecondLocked returns completions during the last fully elapsed
// second as seen at sec.
func (c *Collector) tasksPerSecondLocked(sec int64) float64 {
	switch {
	case sec == c.curSec+1:
		return float64(c.curCount)
	case sec == c.curSec && c.prevSec == sec-1:
		return float64(c.prevCount)
	default:
		return 0
	}
}

// ============================================================================
// 佇列與執行緒
// ============================================================================

// SetQueueLength updates the queue gauge and its high-water mark.
func (c *Collector) SetQueueLength(n int64) {
	c.queueLength.Store(n)
	for {
		hw := c.maxQueueLength.Load()
		if n <= hw || c.maxQueueLength.CompareAndSwap(hw, n) {
			return
		}
	}
}

func (c *Collector) SetThreadCount(n int64) { c.threadCount.Store(n) }

// SetThreadActivity overwrites the active/idle gauges from the scheduler's
// own counts. Negative values are stored as zero.
func (c *Collector) SetThreadActivity(active, idle int64) {
	c.activeThreads.Store(max(active, 0))
	c.idleThreads.Store(max(idle, 0))
}

// ============================================================================
// 自訂指標
// ============================================================================

// IncrementCounter adds delta to the named counter, creating it at zero.
// Negative deltas are ignored. Invalid UTF-8 in name is replaced with
// U+FFFD, so two names differing only in invalid bytes share a counter.
func (c *Collector) IncrementCounter(name string, delta float64) {
	if delta < 0 || math.IsNaN(delta) {
		return
	}
	name = metricName(name)
	c.mu.Lock()
	c.counters[name] += delta
	c.mu.Unlock()
}

// SetGauge sets the named gauge. Names are cleaned like IncrementCounter's.
func (c *Collector) SetGauge(name string, value float64) {
	name = metricName(name)
	c.mu.Lock()
	c.gauges[name] = value
	c.mu.Unlock()
}

// metricName makes name usable as a Prometheus label value.
func metricName(name string) string {
	return strings.ToValidUTF8(name, "\uFFFD")
}

// ============================================================================
// 快照
// ============================================================================

// Snapshot returns an immutable copy of every metric.
func (c *Collector) Snapshot() Snapshot {
	now := c.now()

	c.mu.Lock()
	samples := make([]time.Duration, c.windowLen)
	copy(samples, c.window[:c.windowLen])
	buckets := make([]Bucket, len(c.bounds))
	for i, ub := range c.bounds {
		buckets[i] = Bucket{UpperBound: ub, Count: c.bucketCounts[i]}
	}
	sum, count := c.latencySum, c.latencyCount
	tps := c.tasksPerSecondLocked(now.Unix())
	counters := make(map[string]float64, len(c.counters))
	for k, v := range c.counters {
		counters[k] = v
	}
	gauges := make(map[string]float64, len(c.gauges))
	for k, v := range c.gauges {
		gauges[k] = v
	}
	c.mu.Unlock()

	slices.Sort(samples)

	return Snapshot{
		TasksSpawned:   c.spawned.Load(),
		TasksCompleted: c.completed.Load(),
		TasksFailed:    c.failed.Load(),
		TasksCancelled: c.cancelled.Load(),
		TasksOverdue:   c.overdue.Load(),
		TasksRejected:  c.rejected.Load(),
		ScalingEvents:  c.scalingEvents.Load(),

		QueueLength:    c.queueLength.Load(),
		MaxQueueLength: c.maxQueueLength.Load(),
		ActiveThreads:  c.activeThreads.Load(),
		IdleThreads:    c.idleThreads.Load(),
		ThreadCount:    c.threadCount.Load(),

		AvgExecution: average(samples),
		P50Execution: Percentile(samples, 50),
		P95Execution: Percentile(samples, 95),
		P99Execution: Percentile(samples, 99),

		TasksPerSecond: tps,

		LatencyBuckets: buckets,
		LatencySum:     sum,
		LatencyCount:   count,

		Counters: counters,
		Gauges:   gauges,
		TakenAt:  now,
	}
}

// ToPrometheus renders the current snapshot.
func (c *Collector) ToPrometheus() string {
	return c.Snapshot().ToPrometheus()
}

// Percentile returns the nearest-rank percentile of sorted samples, zero
// for an empty slice.
func Percentile(sorted []time.Duration, p float64) time.Duration {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	rank := int(math.Ceil(p / 100 * float64(n)))
	if rank < 1 {
		rank = 1
	}
	if rank > n {
		rank = n
	}
	return sorted[rank-1]
}

func average(samples []time.Duration) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	var total time.Duration
	for _, s := range samples {
		total += s
	}
	return total / time.Duration(len(samples))
}
