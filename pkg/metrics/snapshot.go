package metrics

import (
	"bytes"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/samber/lo"
)

// Bucket is one cumulative latency histogram bucket.
type Bucket struct {
	UpperBound float64 `json:"le"`
	Count      uint64  `json:"count"`
}

// Snapshot is a point-in-time copy of the collector. It is never mutated
// after creation and can be shared freely.
type Snapshot struct {
	TasksSpawned   uint64 `json:"tasks_spawned"`
	TasksCompleted uint64 `json:"tasks_completed"`
	TasksFailed    uint64 `json:"tasks_failed"`
	TasksCancelled uint64 `json:"tasks_cancelled"`
	TasksOverdue   uint64 `json:"tasks_overdue"`
	TasksRejected  uint64 `json:"tasks_rejected"`
	ScalingEvents  uint64 `json:"scaling_events"`

	QueueLength    int64 `json:"queue_length"`
	MaxQueueLength int64 `json:"max_queue_length"`
	ActiveThreads  int64 `json:"active_threads"`
	IdleThreads    int64 `json:"idle_threads"`
	ThreadCount    int64 `json:"thread_count"`

	AvgExecution time.Duration `json:"avg_execution_ns"`
	P50Execution time.Duration `json:"p50_execution_ns"`
	P95Execution time.Duration `json:"p95_execution_ns"`
	P99Execution time.Duration `json:"p99_execution_ns"`

	TasksPerSecond float64 `json:"tasks_per_second"`

	LatencyBuckets []Bucket `json:"latency_buckets"`
	LatencySum     float64  `json:"latency_sum_seconds"`
	LatencyCount   uint64   `json:"latency_count"`

	Counters map[string]float64 `json:"counters,omitempty"`
	Gauges   map[string]float64 `json:"gauges,omitempty"`

	TakenAt time.Time `json:"taken_at"`
}

// String is a one-line human summary.
func (s Snapshot) String() string {
	return fmt.Sprintf(
		"spawned=%d completed=%d failed=%d queue=%d(max %d) threads=%d active=%d p50=%s p95=%s p99=%s tps=%.0f",
		s.TasksSpawned, s.TasksCompleted, s.TasksFailed,
		s.QueueLength, s.MaxQueueLength,
		s.ThreadCount, s.ActiveThreads,
		s.P50Execution, s.P95Execution, s.P99Execution,
		s.TasksPerSecond,
	)
}

// ============================================================================
// Prometheus 匯出
// ============================================================================

func fqName(name string) string {
	return prometheus.BuildFQName(Namespace, "", name)
}

var (
	descTasksSpawned   = prometheus.NewDesc(fqName("tasks_spawned_total"), "Total number of tasks spawned", nil, nil)
	descTasksCompleted = prometheus.NewDesc(fqName("tasks_completed_total"), "Total number of tasks completed successfully", nil, nil)
	descTasksFailed    = prometheus.NewDesc(fqName("tasks_failed_total"), "Total number of tasks failed, including cancellations", nil, nil)
	descTasksCancelled = prometheus.NewDesc(fqName("tasks_cancelled_total"), "Total number of tasks cancelled", nil, nil)
	descTasksOverdue   = prometheus.NewDesc(fqName("tasks_overdue_total"), "Total number of tasks that exceeded the maximum duration", nil, nil)
	descTasksRejected  = prometheus.NewDesc(fqName("tasks_rejected_total"), "Total number of spawns rejected by admission", nil, nil)
	descScalingEvents  = prometheus.NewDesc(fqName("scaling_events_total"), "Total number of applied autoscaling decisions", nil, nil)

	descQueueLength    = prometheus.NewDesc(fqName("queue_length"), "Current number of queued tasks", nil, nil)
	descMaxQueueLength = prometheus.NewDesc(fqName("max_queue_length"), "High-water mark of the task queue", nil, nil)
	descActiveThreads  = prometheus.NewDesc(fqName("active_threads"), "Workers currently running a task", nil, nil)
	descIdleThreads    = prometheus.NewDesc(fqName("idle_threads"), "Workers currently parked", nil, nil)
	descThreadCount    = prometheus.NewDesc(fqName("thread_count"), "Worker pool size", nil, nil)

	descExecution      = prometheus.NewDesc(fqName("task_execution_seconds"), "Task execution time over all tasks", nil, nil)
	descExecutionQuant = prometheus.NewDesc(fqName("task_execution_window_seconds"), "Task execution time over the recent sample window", nil, nil)
	descTasksPerSecond = prometheus.NewDesc(fqName("tasks_per_second"), "Tasks finished during the last full second", nil, nil)

	descCustomCounter = prometheus.NewDesc(fqName("custom_counter_total"), "User-defined counter", []string{"name"}, nil)
	descCustomGauge   = prometheus.NewDesc(fqName("custom_gauge"), "User-defined gauge", []string{"name"}, nil)
)

var allDescs = []*prometheus.Desc{
	descTasksSpawned, descTasksCompleted, descTasksFailed, descTasksCancelled,
	descTasksOverdue, descTasksRejected, descScalingEvents,
	descQueueLength, descMaxQueueLength, descActiveThreads, descIdleThreads, descThreadCount,
	descExecution, descExecutionQuant, descTasksPerSecond,
	descCustomCounter, descCustomGauge,
}

// collect emits the snapshot as constant metrics.
func (s Snapshot) collect(ch chan<- prometheus.Metric) {
	counter := func(d *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
	}
	gauge := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v)
	}

	counter(descTasksSpawned, s.TasksSpawned)
	counter(descTasksCompleted, s.TasksCompleted)
	counter(descTasksFailed, s.TasksFailed)
	counter(descTasksCancelled, s.TasksCancelled)
	counter(descTasksOverdue, s.TasksOverdue)
	counter(descTasksRejected, s.TasksRejected)
	counter(descScalingEvents, s.ScalingEvents)

	gauge(descQueueLength, float64(s.QueueLength))
	gauge(descMaxQueueLength, float64(s.MaxQueueLength))
	gauge(descActiveThreads, float64(s.ActiveThreads))
	gauge(descIdleThreads, float64(s.IdleThreads))
	gauge(descThreadCount, float64(s.ThreadCount))
	gauge(descTasksPerSecond, s.TasksPerSecond)

	buckets := make(map[float64]uint64, len(s.LatencyBuckets))
	for _, b := range s.LatencyBuckets {
		buckets[b.UpperBound] = b.Count
	}
	ch <- prometheus.MustNewConstHistogram(descExecution, s.LatencyCount, s.LatencySum, buckets)

	windowCount := min(s.LatencyCount, WindowSize)
	windowSum := s.AvgExecution.Seconds() * float64(windowCount)
	ch <- prometheus.MustNewConstSummary(descExecutionQuant, windowCount, windowSum,
		map[float64]float64{
			0.5:  s.P50Execution.Seconds(),
			0.95: s.P95Execution.Seconds(),
			0.99: s.P99Execution.Seconds(),
		})

	// 自訂名稱來自呼叫端；錯誤交給 Gather 回報，不可 panic
	custom := func(d *prometheus.Desc, vt prometheus.ValueType, v float64, name string) {
		m, err := prometheus.NewConstMetric(d, vt, v, name)
		if err != nil {
			m = prometheus.NewInvalidMetric(d, err)
		}
		ch <- m
	}
	for _, name := range lo.Keys(s.Counters) {
		custom(descCustomCounter, prometheus.CounterValue, s.Counters[name], name)
	}
	for _, name := range lo.Keys(s.Gauges) {
		custom(descCustomGauge, prometheus.GaugeValue, s.Gauges[name], name)
	}
}

// snapshotCollector adapts a frozen snapshot to prometheus.Collector.
type snapshotCollector struct{ s Snapshot }

func (c snapshotCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range allDescs {
		ch <- d
	}
}

func (c snapshotCollector) Collect(ch chan<- prometheus.Metric) { c.s.collect(ch) }

// WritePrometheus writes the snapshot in the Prometheus text exposition
// format. Families and series are sorted, so equal snapshots produce
// identical output.
func (s Snapshot) WritePrometheus(w io.Writer) error {
	reg := prometheus.NewPedanticRegistry()
	if err := reg.Register(snapshotCollector{s}); err != nil {
		return fmt.Errorf("register snapshot: %w", err)
	}
	families, err := reg.Gather()
	if err != nil {
		return fmt.Errorf("gather snapshot: %w", err)
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return fmt.Errorf("encode %s: %w", mf.GetName(), err)
		}
	}
	return nil
}

// ToPrometheus renders the snapshot as Prometheus exposition text.
func (s Snapshot) ToPrometheus() string {
	var buf bytes.Buffer
	if err := s.WritePrometheus(&buf); err != nil {
		return buf.String() + "# error: " + strings.ReplaceAll(err.Error(), "\n", " ") + "\n"
	}
	return buf.String()
}

// CounterNames returns the custom counter names, sorted.
func (s Snapshot) CounterNames() []string {
	names := lo.Keys(s.Counters)
	slices.Sort(names)
	return names
}

// GaugeNames returns the custom gauge names, sorted.
func (s Snapshot) GaugeNames() []string {
	names := lo.Keys(s.Gauges)
	slices.Sort(names)
	return names
}
