package autoscale

import (
	"fmt"
	"math"
	"sync"
)

const (
	baselineSize       = 100
	minBaselineSamples = 10
	minStdDev          = 0.001
)

// AnomalyReport is the result of one detection.
type AnomalyReport struct {
	Metric    string  `json:"metric"`
	Value     float64 `json:"value"`
	Anomaly   bool    `json:"anomaly"`
	Severity  float64 `json:"severity"`
	ZScore    float64 `json:"z_score"`
	ExpectLow float64 `json:"expect_low"`
	ExpectHi  float64 `json:"expect_high"`
}

func (r AnomalyReport) String() string {
	if !r.Anomaly {
		return fmt.Sprintf("%s=%.4f normal", r.Metric, r.Value)
	}
	return fmt.Sprintf("%s=%.4f anomalous (severity %.0f%%, expected %.4f..%.4f)",
		r.Metric, r.Value, r.Severity*100, r.ExpectLow, r.ExpectHi)
}

// AnomalyDetector flags values far from a rolling baseline by z-score.
type AnomalyDetector struct {
	sensitivity float64

	mu       sync.Mutex
	baseline []float64
}

// NewAnomalyDetector takes a sensitivity in [0,1]; higher is stricter. The
// z threshold is 2 + (1 - sensitivity) * 2.
func NewAnomalyDetector(sensitivity float64) *AnomalyDetector {
	return &AnomalyDetector{sensitivity: math.Min(math.Max(sensitivity, 0), 1)}
}

// Threshold returns the z-score threshold.
func (d *AnomalyDetector) Threshold() float64 {
	return 2 + (1-d.sensitivity)*2
}

// Observe adds v to the baseline, keeping the last 100 values.
func (d *AnomalyDetector) Observe(v float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.baseline) >= baselineSize {
		d.baseline = append(d.baseline[:0:0], d.baseline[1:]...)
	}
	d.baseline = append(d.baseline, v)
}

// Detect compares v against the baseline. Fewer than ten baseline values
// never report an anomaly.
func (d *AnomalyDetector) Detect(metric string, v float64) AnomalyReport {
	d.mu.Lock()
	baseline := append([]float64(nil), d.baseline...)
	d.mu.Unlock()

	r := AnomalyReport{Metric: metric, Value: v}
	if len(baseline) < minBaselineSamples {
		return r
	}

	m := mean(baseline)
	sd := stddev(baseline, m)
	threshold := d.Threshold()

	r.ZScore = (v - m) / math.Max(sd, minStdDev)
	r.Anomaly = math.Abs(r.ZScore) > threshold
	r.Severity = math.Min(math.Abs(r.ZScore)/(threshold*2), 1)
	r.ExpectLow = m - threshold*sd
	r.ExpectHi = m + threshold*sd
	return r
}
