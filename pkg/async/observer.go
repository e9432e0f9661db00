package async

import (
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ChuLiYu/beaver-async/internal/scheduler"
	"github.com/ChuLiYu/beaver-async/internal/taskstate"
	"github.com/ChuLiYu/beaver-async/pkg/health"
	"github.com/ChuLiYu/beaver-async/pkg/tracing"
	"github.com/ChuLiYu/beaver-async/pkg/types"
)

const checkScheduler = "scheduler"

// observer fans scheduler events out to the registry, metrics, tracing and
// the log.
type observer struct {
	rt      *Runtime
	log     *zap.Logger
	active  atomic.Int64
	threads atomic.Int64
}

func newObserver(rt *Runtime) *observer {
	return &observer{rt: rt, log: rt.log.Named("tasks")}
}

func (o *observer) TaskSpawned(t *scheduler.Task) {
	o.rt.metrics.TaskSpawned()
	err := o.rt.registry.Add(taskstate.Entry{
		ID:        t.ID(),
		Name:      t.Name(),
		SpawnedAt: time.Now(),
		Cancel:    t.Cancel,
		Span:      tracing.SpanFromContext(t.Context()),
	})
	if err != nil {
		o.log.Error("register task", zap.Stringer("task_id", t.ID()), zap.Error(err))
	}
}

func (o *observer) TaskStarted(t *scheduler.Task) {
	if err := o.rt.registry.MarkStarted(t.ID(), time.Now()); err != nil {
		o.log.Debug("mark task started", zap.Stringer("task_id", t.ID()), zap.Error(err))
	}
}

func (o *observer) TaskSuspended(t *scheduler.Task) {
	if span := tracing.SpanFromContext(t.Context()); span != nil {
		span.AddEvent("suspended")
	}
}

func (o *observer) TaskFinished(t *scheduler.Task, state types.TaskState, err error, elapsed time.Duration) {
	m := o.rt.metrics
	switch state {
	case types.StateCompleted:
		m.TaskCompleted(elapsed)
	case types.StateCancelled:
		m.TaskCancelled(elapsed)
	default:
		m.TaskFailed(elapsed)
	}

	if ferr := o.rt.registry.Finish(t.ID(), state); ferr != nil {
		o.log.Debug("finish task", zap.Stringer("task_id", t.ID()), zap.Error(ferr))
	}

	if span := tracing.SpanFromContext(t.Context()); span != nil {
		span.SetAttribute("task.outcome", state.String())
		if err != nil && state == types.StateFailed {
			span.SetAttribute("error", err.Error())
		}
		span.End()
	}

	if state == types.StateFailed {
		o.log.Debug("task failed",
			zap.Stringer("task_id", t.ID()),
			zap.String("name", t.Name()),
			zap.Duration("elapsed", elapsed),
			zap.Error(err))
	}
}

func (o *observer) QueueLength(n int) {
	o.rt.metrics.SetQueueLength(int64(n))
}

func (o *observer) WorkerBusy() {
	a := o.active.Add(1)
	o.rt.metrics.SetThreadActivity(a, max(o.threads.Load()-a, 0))
}

func (o *observer) WorkerIdle() {
	a := o.active.Add(-1)
	o.rt.metrics.SetThreadActivity(a, max(o.threads.Load()-a, 0))
}

func (o *observer) ThreadCount(n int) {
	o.threads.Store(int64(n))
	o.rt.metrics.SetThreadCount(int64(n))
	a := o.active.Load()
	o.rt.metrics.SetThreadActivity(a, max(int64(n)-a, 0))
}

func (o *observer) Fatal(err error) {
	o.log.Error("scheduler fault", zap.Error(err))
	o.rt.health.SetAlive(false)
	o.rt.health.AddCheck(checkScheduler, health.Unhealthy, err.Error())
}
