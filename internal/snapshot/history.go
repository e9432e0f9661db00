package snapshot

// ============================================================================
// 職責說明：
// 1. 在記憶體中保留最近 N 筆狀態快照（最舊的先丟棄）
// 2. 比較兩筆快照，得出吞吐量 / 延遲 / 佇列 / 負載的變化量
// 3. 供 run 結束時記錄整段期間的變化，以及 status --diff 對比備份
// ============================================================================

import (
	"fmt"
	"sync"
	"time"
)

// DefaultHistorySize is used when NewHistory gets a non-positive size.
const DefaultHistorySize = 100

// History is a bounded, in-memory list of records, oldest first.
type History struct {
	size int

	mu      sync.Mutex
	records []Record
}

func NewHistory(size int) *History {
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &History{size: size}
}

// Add appends rec, dropping the oldest record once the history is full.
func (h *History) Add(rec Record) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.records) >= h.size {
		h.records = append(h.records[:0:0], h.records[1:]...)
	}
	h.records = append(h.records, rec)
}

// Records returns a copy of the history, oldest first.
func (h *History) Records() []Record {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Record(nil), h.records...)
}

func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.records)
}

// Span compares the newest record with the oldest one. It returns false
// with fewer than two records.
func (h *History) Span() (Delta, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.records) < 2 {
		return Delta{}, false
	}
	return Compare(h.records[len(h.records)-1], h.records[0]), true
}

// Delta is cur minus prev for the headline figures of two records.
type Delta struct {
	Elapsed    time.Duration `json:"elapsed_ns"`
	Throughput float64       `json:"throughput"`
	AvgLatency time.Duration `json:"avg_latency_ns"`
	Queue      int64         `json:"queue"`
	Load       int64         `json:"load"`
	Completed  int64         `json:"completed"`
	Threads    int           `json:"threads"`
	Health     string        `json:"health,omitempty"` // "old -> new" when the status changed
}

// Compare returns cur minus prev.
func Compare(cur, prev Record) Delta {
	d := Delta{
		Elapsed:    cur.TakenAt.Sub(prev.TakenAt),
		Throughput: cur.Metrics.TasksPerSecond - prev.Metrics.TasksPerSecond,
		AvgLatency: cur.Metrics.AvgExecution - prev.Metrics.AvgExecution,
		Queue:      cur.Stats.Queued - prev.Stats.Queued,
		Load:       cur.Stats.Live - prev.Stats.Live,
		Completed:  int64(cur.Metrics.TasksCompleted) - int64(prev.Metrics.TasksCompleted),
		Threads:    cur.Stats.Workers - prev.Stats.Workers,
	}
	if cur.Health.Status != prev.Health.Status {
		d.Health = fmt.Sprintf("%s -> %s", prev.Health.Status, cur.Health.Status)
	}
	return d
}

func (d Delta) String() string {
	s := fmt.Sprintf("delta[over=%s tps=%+.1f latency=%+v queue=%+d load=%+d completed=%+d threads=%+d",
		d.Elapsed.Round(time.Millisecond), d.Throughput, d.AvgLatency, d.Queue, d.Load, d.Completed, d.Threads)
	if d.Health != "" {
		s += " health=" + d.Health
	}
	return s + "]"
}
