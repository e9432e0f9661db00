package scheduler

import (
	"time"

	"github.com/ChuLiYu/beaver-async/pkg/types"
)

// Observer receives scheduler events. Implementations must be safe for
// concurrent use and must not block.
type Observer interface {
	TaskSpawned(t *Task)
	TaskStarted(t *Task)
	TaskSuspended(t *Task)
	TaskFinished(t *Task, state types.TaskState, err error, elapsed time.Duration)
	QueueLength(n int)
	WorkerBusy()
	WorkerIdle()
	ThreadCount(n int)
	// Fatal reports an internal scheduler fault that was contained.
	Fatal(err error)
}

// NopObserver ignores every event.
type NopObserver struct{}

func (NopObserver) TaskSpawned(*Task)                                         {}
func (NopObserver) TaskStarted(*Task)                                         {}
func (NopObserver) TaskSuspended(*Task)                                       {}
func (NopObserver) TaskFinished(*Task, types.TaskState, error, time.Duration) {}
func (NopObserver) QueueLength(int)                                           {}
func (NopObserver) WorkerBusy()                                               {}
func (NopObserver) WorkerIdle()                                               {}
func (NopObserver) ThreadCount(int)                                           {}
func (NopObserver) Fatal(error)                                               {}
