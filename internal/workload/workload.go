// ============================================================================
// Beaver-Async Workload - 合成工作負載
// ============================================================================
//
// Package: internal/workload
// 文件: workload.go
// 功能: 產生模擬任務並交給 Runtime 執行，用於 `run` 指令與 demo
//
// 運作方式:
//   Run 以 errgroup 啟動兩個 goroutine：
//   1. Producer  - 依速率限制產生 Job，SpawnWithHandle 後把 handle 送進 channel
//   2. Collector - 從 channel 取出 handle，Await 結果並彙總
//   Producer 結束時關閉 Sender，Collector 排空後結束。
//
// 任務執行邏輯 (模擬):
//   - 先 fan-out 出 Fanout 個子任務，各自睡眠工作時間的一半
//   - 再睡眠 0 ~ MaxWork 的隨機時間 (不佔用 worker)
//   - 以 FailureRate 的機率回報失敗
//   - 整體受 Timeout 限制，超時視為 TimedOut
//
// ============================================================================

package workload

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/ChuLiYu/beaver-async/pkg/async"
	"github.com/ChuLiYu/beaver-async/pkg/channel"
	"github.com/ChuLiYu/beaver-async/pkg/types"
)

// ErrSimulated is the failure injected into a FailureRate share of jobs.
var ErrSimulated = errors.New("simulated execution failure")

// 自訂指標名稱
const (
	counterJobs     = "workload_jobs_total"
	counterFailures = "workload_failures_total"
	gaugeInflight   = "workload_inflight"
)

// Config 工作負載配置
type Config struct {
	Enabled     bool          `mapstructure:"enabled" yaml:"enabled"`
	Jobs        int           `mapstructure:"jobs" yaml:"jobs"` // 0 表示直到 ctx 結束
	Rate        float64       `mapstructure:"rate" yaml:"rate"` // 每秒 job 數，0 表示不限
	MaxWork     time.Duration `mapstructure:"max_work" yaml:"max_work"`
	FailureRate float64       `mapstructure:"failure_rate" yaml:"failure_rate"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout"`
	Fanout      int           `mapstructure:"fanout" yaml:"fanout"`
	Seed        uint64        `mapstructure:"seed" yaml:"seed"` // 0 表示以時間為種子
}

// DefaultConfig returns 50 jobs/s of up to 200ms each, a 10% failure rate,
// a 1s timeout and two children per job.
func DefaultConfig() Config {
	return Config{
		Enabled:     true,
		Rate:        50,
		MaxWork:     200 * time.Millisecond,
		FailureRate: 0.1,
		Timeout:     time.Second,
		Fanout:      2,
	}
}

func (c Config) Validate() error {
	switch {
	case c.Jobs < 0:
		return fmt.Errorf("jobs must be >= 0, got %d", c.Jobs)
	case c.Rate < 0:
		return fmt.Errorf("rate must be >= 0, got %v", c.Rate)
	case c.MaxWork < 0:
		return fmt.Errorf("max_work must be >= 0, got %v", c.MaxWork)
	case c.FailureRate < 0 || c.FailureRate > 1:
		return fmt.Errorf("failure_rate must be in [0,1], got %v", c.FailureRate)
	case c.Timeout < 0:
		return fmt.Errorf("timeout must be >= 0, got %v", c.Timeout)
	case c.Fanout < 0:
		return fmt.Errorf("fanout must be >= 0, got %d", c.Fanout)
	}
	return nil
}

// Job is one planned unit of synthetic work.
type Job struct {
	ID       int
	Work     time.Duration
	Fail     bool
	Children int
}

// Summary 執行結果彙總
type Summary struct {
	Submitted   int           `json:"submitted"`
	Succeeded   int           `json:"succeeded"`
	Failed      int           `json:"failed"`
	TimedOut    int           `json:"timed_out"`
	Cancelled   int           `json:"cancelled"`
	Rejected    int           `json:"rejected"`
	MeanLatency time.Duration `json:"mean_latency"`
	MaxLatency  time.Duration `json:"max_latency"`
	Elapsed     time.Duration `json:"elapsed"`
}

func (s Summary) String() string {
	return fmt.Sprintf("submitted=%d succeeded=%d failed=%d timed_out=%d cancelled=%d rejected=%d mean=%v max=%v elapsed=%v",
		s.Submitted, s.Succeeded, s.Failed, s.TimedOut, s.Cancelled, s.Rejected,
		s.MeanLatency, s.MaxLatency, s.Elapsed.Round(time.Millisecond))
}

type pending struct {
	job    Job
	handle *async.JoinHandle[time.Duration]
}

// Generator drives synthetic jobs through a runtime.
type Generator struct {
	cfg     Config
	rt      *async.Runtime
	log     *zap.Logger
	rng     *rand.Rand
	limiter *rate.Limiter
	backoff time.Duration
}

// New builds a generator for rt. logger may be nil.
func New(rt *async.Runtime, cfg Config, logger *zap.Logger) *Generator {
	if logger == nil {
		logger = zap.NewNop()
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	limit := rate.Inf
	if cfg.Rate > 0 {
		limit = rate.Limit(cfg.Rate)
	}
	return &Generator{
		cfg:     cfg,
		rt:      rt,
		log:     logger.Named("workload"),
		rng:     rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		limiter: rate.NewLimiter(limit, max(int(cfg.Rate), 1)),
		backoff: 10 * time.Millisecond,
	}
}

// Plan returns the next job. Only the producer calls it.
func (g *Generator) Plan(id int) Job {
	var work time.Duration
	if g.cfg.MaxWork > 0 {
		work = time.Duration(g.rng.Int64N(int64(g.cfg.MaxWork)))
	}
	return Job{
		ID:       id,
		Work:     work,
		Fail:     g.rng.Float64() < g.cfg.FailureRate,
		Children: g.cfg.Fanout,
	}
}

// Run submits jobs until cfg.Jobs are submitted or ctx is done, then waits
// for every submitted job and returns the summary. Jobs already running
// when ctx ends are allowed to finish.
func (g *Generator) Run(ctx context.Context) (Summary, error) {
	start := time.Now()
	tx, rx := channel.Unbounded[pending]()
	var summary Summary

	var eg errgroup.Group
	eg.Go(func() error {
		defer tx.Close()
		return g.produce(ctx, tx, &summary)
	})
	eg.Go(func() error {
		defer rx.Close()
		return g.collect(rx, &summary)
	})

	err := eg.Wait()
	summary.Elapsed = time.Since(start)
	g.rt.Metrics().SetGauge(gaugeInflight, 0)
	g.log.Info("workload finished", zap.Stringer("summary", summary))
	return summary, err
}

// produce 只寫 Submitted / Rejected；collect 只寫其餘欄位
func (g *Generator) produce(ctx context.Context, tx *channel.Sender[pending], summary *Summary) error {
	for id := 1; g.cfg.Jobs == 0 || id <= g.cfg.Jobs; {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil
		}
		job := g.Plan(id)
		h, err := async.SpawnWithHandle(context.Background(), g.rt,
			func(ctx context.Context) (time.Duration, error) { return g.execute(ctx, job) },
			async.WithName(fmt.Sprintf("workload.job-%d", job.ID)))
		switch {
		case errors.Is(err, types.ErrResourceExhausted):
			summary.Rejected++
			if err := async.Sleep(ctx, g.backoff); err != nil {
				return nil
			}
			continue
		case errors.Is(err, types.ErrShutdownInProgress):
			return nil
		case err != nil:
			return fmt.Errorf("spawn job %d: %w", job.ID, err)
		}

		summary.Submitted++
		g.rt.Metrics().IncrementCounter(counterJobs, 1)
		// Unbounded 的 Send 不會暫停
		if err := tx.Send(context.Background(), pending{job: job, handle: h}); err != nil {
			return fmt.Errorf("queue job %d: %w", job.ID, err)
		}
		id++
	}
	return nil
}

// collect 不受 ctx 影響，已提交的 job 都會被等待
func (g *Generator) collect(rx *channel.Receiver[pending], summary *Summary) error {
	var latencies []time.Duration
	for {
		p, err := rx.Recv(context.Background())
		if errors.Is(err, channel.ErrClosed) {
			break
		}
		if err != nil {
			return err
		}
		g.rt.Metrics().SetGauge(gaugeInflight, float64(rx.Len()+1))

		elapsed, err := p.handle.Await(context.Background())
		switch {
		case err == nil:
			summary.Succeeded++
			latencies = append(latencies, elapsed)
		case errors.Is(err, types.ErrTimeout):
			summary.TimedOut++
		case errors.Is(err, types.ErrCancelled):
			summary.Cancelled++
		default:
			summary.Failed++
		}
		if err != nil {
			g.rt.Metrics().IncrementCounter(counterFailures, 1)
			g.log.Debug("job failed", zap.Int("job", p.job.ID), zap.Error(err))
		}
	}
	if len(latencies) > 0 {
		summary.MeanLatency = lo.Sum(latencies) / time.Duration(len(latencies))
		summary.MaxLatency = lo.Max(latencies)
	}
	return nil
}

// execute runs one job inside a task.
func (g *Generator) execute(ctx context.Context, job Job) (time.Duration, error) {
	start := time.Now()
	run := func(ctx context.Context) (struct{}, error) {
		children := make([]*async.JoinHandle[time.Duration], 0, job.Children)
		for i := range job.Children {
			d := job.Work / 2
			h, err := async.SpawnWithHandle(ctx, g.rt, func(ctx context.Context) (time.Duration, error) {
				return d, async.Sleep(ctx, d)
			}, async.WithName(fmt.Sprintf("workload.job-%d.child-%d", job.ID, i)))
			if err != nil {
				return struct{}{}, err
			}
			children = append(children, h)
		}
		for _, h := range children {
			if _, err := h.Await(ctx); err != nil {
				return struct{}{}, err
			}
		}
		if err := async.Sleep(ctx, job.Work); err != nil {
			return struct{}{}, err
		}
		if job.Fail {
			return struct{}{}, ErrSimulated
		}
		return struct{}{}, nil
	}

	var err error
	if g.cfg.Timeout > 0 {
		_, err = async.Timeout(ctx, g.cfg.Timeout, run)
	} else {
		_, err = run(ctx)
	}
	return time.Since(start), err
}
