package autoscale

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/samber/lo"
)

// Trend is the direction of the recent queue length.
type Trend int

const (
	Stable Trend = iota
	Increasing
	Decreasing
)

func (t Trend) String() string {
	switch t {
	case Increasing:
		return "increasing"
	case Decreasing:
		return "decreasing"
	default:
		return "stable"
	}
}

const (
	trendThreshold    = 0.15
	minPredictSamples = 3
)

// Sample is one workload observation.
type Sample struct {
	At          time.Time
	QueueLength int
	ActiveTasks int
	Throughput  float64
}

// Prediction is a moving-average forecast.
type Prediction struct {
	QueueLength float64
	Throughput  float64
	Confidence  float64
	Trend       Trend
}

func (p Prediction) String() string {
	return fmt.Sprintf("prediction[queue=%.1f tps=%.1f trend=%s conf=%.1f%%]",
		p.QueueLength, p.Throughput, p.Trend, p.Confidence*100)
}

// Predictor keeps a window of samples and forecasts from their average.
type Predictor struct {
	size int

	mu      sync.Mutex
	samples []Sample
}

// NewPredictor keeps the last window samples (at least minPredictSamples).
func NewPredictor(window int) *Predictor {
	return &Predictor{size: max(window, minPredictSamples)}
}

func (p *Predictor) Record(s Sample) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.samples) >= p.size {
		p.samples = append(p.samples[:0:0], p.samples[1:]...)
	}
	p.samples = append(p.samples, s)
}

// Predict returns false until three samples were recorded.
func (p *Predictor) Predict() (Prediction, bool) {
	p.mu.Lock()
	history := append([]Sample(nil), p.samples...)
	p.mu.Unlock()

	if len(history) < minPredictSamples {
		return Prediction{}, false
	}

	queue := lo.Map(history, func(s Sample, _ int) float64 { return float64(s.QueueLength) })
	throughput := lo.Map(history, func(s Sample, _ int) float64 { return s.Throughput })

	return Prediction{
		QueueLength: mean(queue),
		Throughput:  mean(throughput),
		Confidence:  confidence(queue),
		Trend:       trend(queue),
	}, true
}

// trend compares the newer half of the window with the older half.
func trend(queue []float64) Trend {
	half := len(queue) / 2
	if half == 0 {
		return Stable
	}
	older := mean(queue[:half])
	recent := mean(queue[len(queue)-half:])

	change := (recent - older) / math.Max(older, 1)
	switch {
	case change > trendThreshold:
		return Increasing
	case change < -trendThreshold:
		return Decreasing
	default:
		return Stable
	}
}

// confidence is 1 minus the coefficient of variation, clamped to [0,1].
func confidence(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	m := mean(values)
	cv := stddev(values, m) / math.Max(m, 1)
	return math.Max(1-math.Min(cv, 1), 0)
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	return lo.Sum(values) / float64(len(values))
}

func stddev(values []float64, m float64) float64 {
	if len(values) == 0 {
		return 0
	}
	variance := lo.SumBy(values, func(v float64) float64 { return (v - m) * (v - m) }) / float64(len(values))
	return math.Sqrt(variance)
}
