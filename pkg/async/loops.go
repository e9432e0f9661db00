package async

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ChuLiYu/beaver-async/internal/scheduler"
	"github.com/ChuLiYu/beaver-async/pkg/autoscale"
	"github.com/ChuLiYu/beaver-async/pkg/health"
	"github.com/ChuLiYu/beaver-async/pkg/tracing"
)

// Health check names maintained by the runtime.
const (
	checkQueueLimit   = "queue_limit"
	checkTaskDuration = "task_duration"
	checkHeartbeat    = "heartbeat"
)

// autoscaleLoop 定期評估伸縮決策
func (rt *Runtime) autoscaleLoop() {
	defer rt.loopWg.Done()
	ticker := time.NewTicker(rt.cfg.AutoscaleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rt.stopCh:
			return
		case <-ticker.C:
			rt.evaluateScaling()
		}
	}
}

func (rt *Runtime) evaluateScaling() {
	if rt.sched.Closing() {
		return
	}
	st := rt.sched.Stats()
	m := rt.metrics.Snapshot()
	rt.predictor.Record(autoscale.Sample{
		At:          time.Now(),
		QueueLength: int(st.Queued),
		ActiveTasks: st.Active,
		Throughput:  m.TasksPerSecond,
	})
	rt.optimizer.Record(m.TasksPerSecond, m.AvgExecution)
	rt.log.Debug("optimizer", zap.Stringer("suggestion", rt.Suggestion()))

	d := rt.scaler.Evaluate(autoscale.Observation{
		QueueLength:   int(st.Queued),
		ActiveThreads: st.Active,
		Threads:       st.Workers,
	})
	if d.Action == autoscale.NoAction {
		return
	}

	got := rt.sched.Resize(d.To)
	rt.scaler.Applied(d)
	rt.metrics.ScalingEvent()
	rt.log.Info("autoscale",
		zap.Stringer("action", d.Action),
		zap.Int("from", d.From),
		zap.Int("to", got),
		zap.String("reason", d.Reason))
}

// watchdogLoop 定期掃描執行過久的任務
func (rt *Runtime) watchdogLoop() {
	defer rt.loopWg.Done()
	if rt.cfg.Limits.MaxTaskDuration <= 0 {
		return
	}
	ticker := time.NewTicker(rt.cfg.WatchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rt.stopCh:
			return
		case <-ticker.C:
			rt.checkOverdue(time.Now())
		}
	}
}

func (rt *Runtime) checkOverdue(now time.Time) {
	limit := rt.cfg.Limits.MaxTaskDuration
	for _, e := range rt.registry.Overdue(now, limit) {
		rt.metrics.TaskOverdue()
		running := now.Sub(e.StartedAt)
		rt.log.Warn("task exceeded max duration",
			zap.Stringer("task_id", e.ID),
			zap.String("name", e.Name),
			zap.Duration("running", running),
			zap.Duration("limit", limit),
			zap.Bool("cancelling", rt.cfg.Limits.CancelOverdue))
		if e.Span != nil {
			e.Span.AddEvent("overdue", tracing.Attr("running", running.String()))
		}
		if rt.cfg.Limits.CancelOverdue && e.Cancel != nil {
			e.Cancel()
		}
	}

	if n := rt.registry.OverdueCount(); n > 0 {
		rt.health.AddCheck(checkTaskDuration, health.Degraded,
			fmt.Sprintf("%d tasks running longer than %s", n, limit))
	} else {
		rt.health.AddCheck(checkTaskDuration, health.Healthy, "")
	}
}

// healthLoop 送出心跳並更新檢查項
func (rt *Runtime) healthLoop() {
	defer rt.loopWg.Done()
	ticker := time.NewTicker(rt.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rt.stopCh:
			return
		case <-ticker.C:
			rt.heartbeat()
			rt.updateChecks()
		}
	}
}

// heartbeat runs a tiny internal task; the timestamp only moves when a
// worker actually picks it up.
func (rt *Runtime) heartbeat() {
	_, err := rt.sched.Spawn(context.Background(), scheduler.Spec{
		Name:     "heartbeat",
		Internal: true,
		Body: func(context.Context) error {
			rt.health.Heartbeat()
			return nil
		},
	})
	if err != nil {
		rt.log.Debug("heartbeat not scheduled", zap.Error(err))
	}
}

func (rt *Runtime) updateChecks() {
	if rt.health.HeartbeatRecent(rt.cfg.HeartbeatTimeout) {
		rt.health.AddCheck(checkHeartbeat, health.Healthy, "")
	} else {
		rt.health.AddCheck(checkHeartbeat, health.Degraded,
			fmt.Sprintf("no worker progress since %s", rt.health.LastHeartbeat().Format(time.RFC3339)))
	}

	if limit := rt.cfg.Limits.MaxQueueSize; limit > 0 {
		pending := rt.sched.Stats().Pending
		if pending >= int64(limit) {
			rt.health.AddCheck(checkQueueLimit, health.Degraded,
				fmt.Sprintf("%d tasks waiting, limit %d", pending, limit))
		} else {
			rt.health.AddCheck(checkQueueLimit, health.Healthy, "")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), rt.cfg.HeartbeatInterval)
	defer cancel()
	rt.health.RunProbes(ctx)
}
