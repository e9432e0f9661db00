package autoscale

import (
	"fmt"
	"sync"
	"time"

	"github.com/samber/lo"
)

const (
	rewardWindow      = 50
	rewardBatch       = 5
	improveThreshold  = 0.1
	minLatencySeconds = 0.001
)

// Suggestion is a thread-count hint derived from recent rewards.
type Suggestion struct {
	Threads     int     `json:"threads"`
	QueueTarget int     `json:"queue_target"`
	Improvement float64 `json:"improvement"` // recent mean reward minus the batch before it
	Confidence  float64 `json:"confidence"`  // fraction of the reward window filled
}

func (s Suggestion) String() string {
	return fmt.Sprintf("suggestion[threads=%d queue=%d improvement=%+.2f conf=%.0f%%]",
		s.Threads, s.QueueTarget, s.Improvement, s.Confidence*100)
}

// Optimizer scores each observation as throughput divided by latency and
// nudges the thread count toward whatever made the score grow.
type Optimizer struct {
	minThreads int
	maxThreads int

	mu      sync.Mutex
	rewards []float64
}

// NewOptimizer keeps suggestions inside [minThreads, maxThreads].
func NewOptimizer(minThreads, maxThreads int) *Optimizer {
	minThreads = max(minThreads, 1)
	return &Optimizer{minThreads: minThreads, maxThreads: max(maxThreads, minThreads)}
}

// Record adds one observation. Latencies under a millisecond count as one
// millisecond.
func (o *Optimizer) Record(throughput float64, latency time.Duration) {
	reward := throughput / max(latency.Seconds(), minLatencySeconds)

	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.rewards) >= rewardWindow {
		o.rewards = append(o.rewards[:0:0], o.rewards[1:]...)
	}
	o.rewards = append(o.rewards, reward)
}

// Rewards returns a copy of the reward window, oldest first.
func (o *Optimizer) Rewards() []float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]float64(nil), o.rewards...)
}

// Suggest compares the newest five rewards with the five before them. A
// falling reward suggests one thread fewer, a rising one one thread more.
// With fewer than five rewards the current values come back unchanged.
func (o *Optimizer) Suggest(threads, queueTarget int) Suggestion {
	rewards := o.Rewards()
	s := Suggestion{Threads: threads, QueueTarget: queueTarget}
	if len(rewards) < rewardBatch {
		return s
	}

	n := len(rewards)
	recent := mean(rewards[n-rewardBatch:])
	older := recent
	if n >= 2*rewardBatch {
		older = mean(rewards[n-2*rewardBatch : n-rewardBatch])
	}
	s.Improvement = recent - older
	s.Confidence = min(float64(n)/rewardWindow, 1)

	switch {
	case s.Improvement < 0:
		s.Threads = threads - 1
	case s.Improvement > improveThreshold:
		s.Threads = threads + 1
	}
	s.Threads = lo.Clamp(s.Threads, o.minThreads, o.maxThreads)
	return s
}
