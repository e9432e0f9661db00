// ============================================================================
// Beaver-Async Runtime - 非同步任務執行期
// ============================================================================
//
// Package: pkg/async
// 文件: runtime.go
// 功能: 對外的 Runtime 門面，串接調度器、指標、健康檢查、追蹤與自動伸縮
//
// 架構設計:
//   Runtime 是唯一的組裝點，所有元件在 NewWithConfig 建立一次後以明確的
//   參考傳入，不使用全域單例：
//   - scheduler.Scheduler: 工作竊取調度器（workers / injector / timers）
//   - taskstate.Registry:  存活任務登記表（TaskCount、看門狗）
//   - metrics.Collector:   計數器 / 佇列 / 延遲百分位 / 吞吐量
//   - health.Monitor:      存活 / 就緒 / 心跳 / 檢查項
//   - tracing.Tracer:      每個任務一個 "task" span
//   - autoscale.AutoScaler: 依佇列壓力調整 worker 數量
//
// 控制循環 (3 個並發 Goroutine):
//   1. Autoscale Loop - 定期評估並套用伸縮決策
//   2. Watchdog Loop  - 掃描執行過久的任務，必要時取消
//   3. Health Loop    - 透過內部任務送出心跳，更新檢查項並執行探針
//
// 關閉流程:
//   1. SetReady(false)，拒絕新的 Spawn
//   2. 等待存活任務結束，直到 ctx 到期（預設 ShutdownGrace）
//   3. 取消剩餘任務，等待 workers 退出
//   4. close(stopCh) → loopWg.Wait() 停止控制循環
//
// ============================================================================

package async

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ChuLiYu/beaver-async/internal/scheduler"
	"github.com/ChuLiYu/beaver-async/internal/taskstate"
	"github.com/ChuLiYu/beaver-async/pkg/autoscale"
	"github.com/ChuLiYu/beaver-async/pkg/health"
	"github.com/ChuLiYu/beaver-async/pkg/metrics"
	"github.com/ChuLiYu/beaver-async/pkg/tracing"
	"github.com/ChuLiYu/beaver-async/pkg/types"
)

// Config 執行期配置
type Config struct {
	NumThreads int // 初始 worker 數量，0 表示 runtime.NumCPU()

	EnableAutoscaling bool
	Scaling           autoscale.Config
	AutoscaleInterval time.Duration

	Limits           autoscale.ResourceLimits
	WatchdogInterval time.Duration

	EnableTracing bool
	ServiceName   string
	MaxSpans      int            // 0 表示不限
	SpanSinks     []tracing.Sink // 例如 spanlog 歸檔

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	ShutdownGrace time.Duration // Shutdown 未帶期限時的等待時間
	ForceWait     time.Duration // 強制取消後的收尾時間

	Logger *zap.Logger
}

// DefaultConfig returns one worker per CPU, default limits and scaling,
// tracing off, and a 30s shutdown grace period.
func DefaultConfig() Config {
	return Config{
		NumThreads:        runtime.NumCPU(),
		Scaling:           autoscale.DefaultConfig(),
		AutoscaleInterval: time.Second,
		Limits:            autoscale.DefaultLimits(),
		WatchdogInterval:  time.Second,
		ServiceName:       "beaver-async",
		HeartbeatInterval: time.Second,
		ShutdownGrace:     30 * time.Second,
		ForceWait:         time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.NumThreads <= 0 {
		c.NumThreads = d.NumThreads
	}
	if c.AutoscaleInterval <= 0 {
		c.AutoscaleInterval = d.AutoscaleInterval
	}
	if c.WatchdogInterval <= 0 {
		c.WatchdogInterval = d.WatchdogInterval
	}
	if c.ServiceName == "" {
		c.ServiceName = d.ServiceName
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 5 * c.HeartbeatInterval
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = d.ShutdownGrace
	}
	if c.ForceWait <= 0 {
		c.ForceWait = d.ForceWait
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.EnableAutoscaling {
		c.Scaling = c.Scaling.WithDefaults()
	}
	return c
}

// Runtime owns a scheduler and its observability and control loops.
type Runtime struct {
	cfg Config
	log *zap.Logger

	sched     *scheduler.Scheduler
	registry  *taskstate.Registry
	metrics   *metrics.Collector
	health    *health.Monitor
	tracer    *tracing.Tracer
	rootTrace *tracing.TraceContext
	scaler    *autoscale.AutoScaler
	predictor *autoscale.Predictor
	optimizer *autoscale.Optimizer

	spawnLimiter *rate.Limiter
	rejectWarn   rate.Sometimes

	stopCh chan struct{}
	loopWg sync.WaitGroup

	closed       atomic.Bool
	shutdownOnce sync.Once
	shutdownErr  error
}

// New starts a runtime with DefaultConfig.
func New() (*Runtime, error) {
	return NewWithConfig(DefaultConfig())
}

// NewWithConfig validates cfg, starts the workers and the control loops.
func NewWithConfig(cfg Config) (*Runtime, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Limits.Validate(); err != nil {
		return nil, err
	}

	rt := &Runtime{
		cfg:        cfg,
		log:        cfg.Logger.Named("runtime"),
		registry:   taskstate.NewRegistry(),
		metrics:    metrics.NewCollector(),
		health:     health.NewMonitor(),
		predictor:  autoscale.NewPredictor(10),
		optimizer:  autoscale.NewOptimizer(cfg.Scaling.WithDefaults().MinThreads, cfg.Scaling.WithDefaults().MaxThreads),
		rejectWarn: rate.Sometimes{Interval: 5 * time.Second},
		stopCh:     make(chan struct{}),
	}

	if cfg.EnableAutoscaling {
		scaler, err := autoscale.New(cfg.Scaling, autoscale.WithPredictor(rt.predictor))
		if err != nil {
			return nil, err
		}
		rt.scaler = scaler
		cfg.NumThreads = min(max(cfg.NumThreads, cfg.Scaling.MinThreads), cfg.Scaling.MaxThreads)
		rt.cfg.NumThreads = cfg.NumThreads
	}

	tracerOpts := []tracing.Option{
		tracing.WithService(cfg.ServiceName),
		tracing.WithLogger(cfg.Logger.Named("tracing")),
		tracing.WithMaxSpans(cfg.MaxSpans),
	}
	for _, sink := range cfg.SpanSinks {
		tracerOpts = append(tracerOpts, tracing.WithSink(sink))
	}
	rt.tracer = tracing.NewTracer(tracerOpts...)
	rt.rootTrace = rt.tracer.NewTraceContext(cfg.ServiceName)

	if cfg.Limits.MaxSpawnRate > 0 {
		burst := max(int(cfg.Limits.MaxSpawnRate), 1)
		rt.spawnLimiter = rate.NewLimiter(rate.Limit(cfg.Limits.MaxSpawnRate), burst)
	}

	rt.sched = scheduler.New(scheduler.Config{
		Workers:    cfg.NumThreads,
		MaxPending: int64(cfg.Limits.MaxQueueSize),
		ForceWait:  cfg.ForceWait,
		Observer:   newObserver(rt),
	})
	if err := rt.sched.Start(); err != nil {
		return nil, fmt.Errorf("start scheduler: %w", err)
	}
	rt.health.SetReady(true)

	loops := []func(){rt.healthLoop, rt.watchdogLoop}
	if rt.scaler != nil {
		loops = append(loops, rt.autoscaleLoop)
	}
	rt.loopWg.Add(len(loops))
	for _, loop := range loops {
		go loop()
	}

	rt.log.Info("runtime started",
		zap.Int("threads", cfg.NumThreads),
		zap.Bool("autoscaling", cfg.EnableAutoscaling),
		zap.Bool("tracing", cfg.EnableTracing),
		zap.Int("max_queue_size", cfg.Limits.MaxQueueSize))
	return rt, nil
}

// ============================================================================
// 任務生成
// ============================================================================

// SpawnOption customises one spawn.
type SpawnOption func(*spawnOptions)

type spawnOptions struct {
	name  string
	trace *tracing.TraceContext
}

// WithName labels the task in logs, spans and the registry.
func WithName(name string) SpawnOption {
	return func(o *spawnOptions) { o.name = name }
}

// WithTraceContext makes the task span a child of tc.
func WithTraceContext(tc *TraceContext) SpawnOption {
	return func(o *spawnOptions) { o.trace = tc }
}

// TraceContext is the root of a trace.
type TraceContext = tracing.TraceContext

// Spawn runs fn as a new task and returns without waiting. Called with the
// context of a running task, the new task goes to that worker's local
// queue. The task gets its own context derived from the runtime, so
// cancelling ctx does not cancel the task.
func (rt *Runtime) Spawn(ctx context.Context, fn func(ctx context.Context) error, opts ...SpawnOption) error {
	_, err := rt.spawn(ctx, fn, nil, opts)
	return err
}

func (rt *Runtime) spawn(
	ctx context.Context,
	fn func(ctx context.Context) error,
	onDone func(state types.TaskState, err error),
	opts []SpawnOption,
) (*scheduler.Task, error) {
	if fn == nil {
		return nil, errors.New("async: nil task function")
	}
	var o spawnOptions
	for _, opt := range opts {
		opt(&o)
	}

	if rt.spawnLimiter != nil && !rt.sched.Closing() && !rt.spawnLimiter.Allow() {
		rt.rejected("spawn rate limit")
		return nil, fmt.Errorf("%w: spawn rate above %.0f/s", types.ErrResourceExhausted, rt.cfg.Limits.MaxSpawnRate)
	}

	task, err := rt.sched.Spawn(ctx, scheduler.Spec{
		Name:   o.name,
		Body:   fn,
		OnDone: onDone,
		Decorate: func(tctx context.Context, t *scheduler.Task) context.Context {
			tctx = context.WithValue(tctx, runtimeKey{}, rt)
			if span := rt.startTaskSpan(ctx, t, o); span != nil {
				tctx = tracing.ContextWithSpan(tctx, span)
			}
			return tctx
		},
	})
	if err != nil {
		if errors.Is(err, types.ErrResourceExhausted) {
			rt.rejected("queue full")
		}
		return nil, err
	}
	return task, nil
}

func (rt *Runtime) startTaskSpan(spawner context.Context, t *scheduler.Task, o spawnOptions) *tracing.Span {
	if !rt.cfg.EnableTracing {
		return nil
	}
	var span *tracing.Span
	switch parent := tracing.SpanFromContext(spawner); {
	case o.trace != nil:
		span = o.trace.ChildSpan("task")
	case parent != nil:
		span = parent.ChildSpan("task")
	default:
		span = rt.rootTrace.ChildSpan("task")
	}
	span.SetAttribute("task.id", t.ID().String())
	if o.name != "" {
		span.SetAttribute("task.name", o.name)
	}
	return span
}

func (rt *Runtime) rejected(reason string) {
	rt.metrics.TaskRejected()
	rt.health.AddCheck(checkQueueLimit, health.Degraded, "spawn rejected: "+reason)
	rt.rejectWarn.Do(func() {
		rt.log.Warn("spawn rejected",
			zap.String("reason", reason),
			zap.Int64("pending", rt.sched.Stats().Pending))
	})
}

// ============================================================================
// 查詢
// ============================================================================

type runtimeKey struct{}

// FromContext returns the runtime that owns the task running with ctx.
func FromContext(ctx context.Context) *Runtime {
	rt, _ := ctx.Value(runtimeKey{}).(*Runtime)
	return rt
}

// TaskCount returns the number of tasks that have not finished.
func (rt *Runtime) TaskCount() int { return int(rt.sched.Live()) }

// Threads returns the current worker count.
func (rt *Runtime) Threads() int { return rt.sched.Workers() }

// PendingTimers returns the number of armed sleep timers.
func (rt *Runtime) PendingTimers() int { return rt.sched.Timers().Len() }

func (rt *Runtime) Metrics() *metrics.Collector { return rt.metrics }

func (rt *Runtime) Health() *health.Monitor { return rt.health }

func (rt *Runtime) Tracer() *tracing.Tracer { return rt.tracer }

// RootTrace is the trace that task spans join when no parent is given. With
// tracing enabled its root span is recorded by Shutdown.
func (rt *Runtime) RootTrace() *TraceContext { return rt.rootTrace }

func (rt *Runtime) Config() Config { return rt.cfg }

// Suggestion is the optimizer's current thread-count hint. It is advisory;
// only the autoscaler resizes the pool.
func (rt *Runtime) Suggestion() autoscale.Suggestion {
	return rt.optimizer.Suggest(rt.Threads(), rt.cfg.Scaling.WithDefaults().TargetQueueLength)
}

// Stats is a point-in-time view of the runtime.
type Stats struct {
	Workers       int            `json:"workers"`
	ActiveWorkers int            `json:"active_workers"`
	IdleWorkers   int            `json:"idle_workers"`
	Queued        int64          `json:"queued"`
	Live          int64          `json:"live"`
	Pending       int64          `json:"pending"`
	Timers        int            `json:"timers"`
	Overdue       int            `json:"overdue"`
	Tasks         map[string]int `json:"tasks"`
}

func (rt *Runtime) Stats() Stats {
	s := rt.sched.Stats()
	return Stats{
		Workers:       s.Workers,
		ActiveWorkers: s.Active,
		IdleWorkers:   s.Idle,
		Queued:        s.Queued,
		Live:          s.Live,
		Pending:       s.Pending,
		Timers:        s.Timers,
		Overdue:       rt.registry.OverdueCount(),
		Tasks:         rt.registry.Stats(),
	}
}

// ============================================================================
// 關閉
// ============================================================================

// Shutdown rejects new spawns and waits for running tasks until ctx is done,
// or ShutdownGrace when ctx has no deadline. Tasks still running after that
// are cancelled, and the returned error names how many there were.
func (rt *Runtime) Shutdown(ctx context.Context) error {
	rt.shutdownOnce.Do(func() {
		rt.closed.Store(true)
		rt.health.SetReady(false)
		rt.log.Info("runtime shutting down", zap.Int("live_tasks", rt.TaskCount()))

		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, rt.cfg.ShutdownGrace)
			defer cancel()
		}
		err := rt.sched.Shutdown(ctx)

		close(rt.stopCh)
		rt.loopWg.Wait()
		if rt.cfg.EnableTracing {
			rt.rootTrace.End()
		}

		if err != nil {
			rt.log.Warn("runtime stopped with leftover tasks", zap.Error(err))
		} else {
			rt.log.Info("runtime stopped")
		}
		rt.shutdownErr = err
	})
	return rt.shutdownErr
}

// Closed reports whether Shutdown has been called.
func (rt *Runtime) Closed() bool { return rt.closed.Load() }
