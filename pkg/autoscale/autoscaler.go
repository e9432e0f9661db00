// ============================================================================
// Beaver-Async AutoScaler - 執行緒池自動伸縮
// ============================================================================
//
// Package: pkg/autoscale
// 文件: autoscaler.go
// 功能: 根據佇列壓力與執行緒使用率決定擴容 / 縮容
//
// 決策規則:
//   utilization = active / threads
//   pressure    = queue / target_queue_length
//
//   擴容: (utilization ≥ up 或 pressure ≥ 1) 且 threads < max
//   縮容: utilization ≤ down 且 pressure ≤ down 且 threads > min
//         且 predictor 趨勢不是 Increasing
//   其他: NoAction
//
//   冷卻期從建立時開始計算，每次套用決策後重新開始。
//   每次調整最多 Step 個執行緒，並夾在 [min, max] 之間。
//
// ============================================================================

package autoscale

import (
	"fmt"
	"sync"
	"time"
)

// Action is the kind of scaling decision.
type Action int

const (
	NoAction Action = iota
	ScaleUp
	ScaleDown
)

func (a Action) String() string {
	switch a {
	case ScaleUp:
		return "scale_up"
	case ScaleDown:
		return "scale_down"
	default:
		return "no_action"
	}
}

// Observation is the input to one evaluation.
type Observation struct {
	QueueLength   int
	ActiveThreads int
	Threads       int
}

// Decision is the result of one evaluation.
type Decision struct {
	Action Action
	From   int
	To     int
	Reason string
}

func (d Decision) String() string {
	switch d.Action {
	case ScaleUp:
		return fmt.Sprintf("scale up: %d -> %d threads (%s)", d.From, d.To, d.Reason)
	case ScaleDown:
		return fmt.Sprintf("scale down: %d -> %d threads (%s)", d.From, d.To, d.Reason)
	default:
		return "no scaling action needed (" + d.Reason + ")"
	}
}

// AutoScaler evaluates observations against a Config.
type AutoScaler struct {
	cfg       Config
	predictor *Predictor
	now       func() time.Time

	mu        sync.Mutex
	lastScale time.Time
}

// Option configures an AutoScaler.
type Option func(*AutoScaler)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(a *AutoScaler) { a.now = now }
}

// WithPredictor lets the predictor's trend veto scale-down.
func WithPredictor(p *Predictor) Option {
	return func(a *AutoScaler) { a.predictor = p }
}

// New validates cfg and returns an autoscaler whose cooldown starts now.
func New(cfg Config, opts ...Option) (*AutoScaler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &AutoScaler{cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	a.lastScale = a.now()
	return a, nil
}

func (a *AutoScaler) Config() Config { return a.cfg }

// Evaluate decides what to do for obs. It does not apply the decision.
func (a *AutoScaler) Evaluate(obs Observation) Decision {
	threads := obs.Threads
	noop := func(reason string) Decision {
		return Decision{Action: NoAction, From: threads, To: threads, Reason: reason}
	}

	a.mu.Lock()
	since := a.now().Sub(a.lastScale)
	a.mu.Unlock()
	if since < a.cfg.Cooldown {
		return noop("cooldown")
	}

	var utilization float64
	if threads > 0 {
		utilization = float64(obs.ActiveThreads) / float64(threads)
	}
	pressure := float64(obs.QueueLength) / float64(a.cfg.TargetQueueLength)

	switch {
	case threads > a.cfg.MaxThreads:
		return Decision{Action: ScaleDown, From: threads, To: a.cfg.MaxThreads, Reason: "above maximum"}

	case (utilization >= a.cfg.ScaleUpThreshold || pressure >= 1) && threads < a.cfg.MaxThreads:
		to := min(threads+a.cfg.Step, a.cfg.MaxThreads)
		to = max(to, a.cfg.MinThreads)
		return Decision{
			Action: ScaleUp, From: threads, To: to,
			Reason: fmt.Sprintf("utilization %.2f, queue pressure %.2f", utilization, pressure),
		}

	case threads < a.cfg.MinThreads:
		return Decision{Action: ScaleUp, From: threads, To: a.cfg.MinThreads, Reason: "below minimum"}

	case utilization <= a.cfg.ScaleDownThreshold && pressure <= a.cfg.ScaleDownThreshold && threads > a.cfg.MinThreads:
		if a.predictor != nil {
			if p, ok := a.predictor.Predict(); ok && p.Trend == Increasing {
				return noop("load trending up")
			}
		}
		to := max(threads-a.cfg.Step, a.cfg.MinThreads)
		return Decision{
			Action: ScaleDown, From: threads, To: to,
			Reason: fmt.Sprintf("utilization %.2f, queue pressure %.2f", utilization, pressure),
		}
	}
	return noop("within thresholds")
}

// Applied restarts the cooldown after a decision was carried out.
func (a *AutoScaler) Applied(d Decision) {
	if d.Action == NoAction {
		return
	}
	a.mu.Lock()
	a.lastScale = a.now()
	a.mu.Unlock()
}
