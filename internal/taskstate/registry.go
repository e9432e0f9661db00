// ============================================================================
// Beaver-Async 任務登記表 - 存活任務的生命週期追蹤
// ============================================================================
//
// Package: internal/taskstate
// 文件: registry.go
// 功能: 記錄每個尚未結束任務的狀態，供 TaskCount、看門狗與狀態報告使用
//
// 任務狀態轉換:
//   Queued (已生成)
//      ↓ MarkStarted()
//   Running (執行中，含暫停)
//      ↓ Finish()
//   Completed / Failed / Cancelled → 從登記表移除，只留下計數
//
// 看門狗:
//   Overdue(now, limit) 回傳執行超過 limit 且尚未標記的任務，並標記它們，
//   每個任務最多回報一次。
//
// 並發安全:
//   - sync.RWMutex 保護 map 與計數器
//   - 讀操作使用 RLock，寫操作使用 Lock
//
// ============================================================================

package taskstate

import (
	"cmp"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/ChuLiYu/beaver-async/pkg/tracing"
	"github.com/ChuLiYu/beaver-async/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// 任務 ID 重複
	ErrDuplicateTask = errors.New("task already registered")
	// 任務不存在
	ErrTaskNotFound = errors.New("task not found")
	// 任務已經開始
	ErrAlreadyStarted = errors.New("task already started")
	// 不是終止狀態
	ErrNotTerminal = errors.New("state is not terminal")
)

// Entry is the registry's view of one live task.
type Entry struct {
	ID        types.TaskID
	Name      string
	State     types.TaskState
	SpawnedAt time.Time
	StartedAt time.Time
	Overdue   bool

	// Cancel requests cancellation of the task.
	Cancel func()
	// Span is the task's trace span, nil when tracing is off.
	Span *tracing.Span
}

// Registry tracks live tasks and counts finished ones.
type Registry struct {
	mu       sync.RWMutex
	live     map[types.TaskID]*Entry
	running  int
	finished map[types.TaskState]int
}

// NewRegistry 建立新的任務登記表
func NewRegistry() *Registry {
	return &Registry{
		live:     make(map[types.TaskID]*Entry),
		finished: make(map[types.TaskState]int),
	}
}

// Add registers a queued task.
func (r *Registry) Add(e Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.live[e.ID]; exists {
		return ErrDuplicateTask
	}
	e.State = types.StateQueued
	e.Overdue = false
	r.live[e.ID] = &e
	return nil
}

// SetSpan attaches a trace span to a live task.
func (r *Registry) SetSpan(id types.TaskID, span *tracing.Span) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.live[id]
	if !ok {
		return ErrTaskNotFound
	}
	e.Span = span
	return nil
}

// MarkStarted moves a queued task to Running.
func (r *Registry) MarkStarted(id types.TaskID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.live[id]
	if !ok {
		return ErrTaskNotFound
	}
	if e.State != types.StateQueued {
		return ErrAlreadyStarted
	}
	e.State = types.StateRunning
	e.StartedAt = at
	r.running++
	return nil
}

// Finish removes a task and counts its terminal state.
func (r *Registry) Finish(id types.TaskID, state types.TaskState) error {
	if !state.Terminal() {
		return ErrNotTerminal
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.live[id]
	if !ok {
		return ErrTaskNotFound
	}
	if e.State == types.StateRunning {
		r.running--
	}
	delete(r.live, id)
	r.finished[state]++
	return nil
}

// Get returns a copy of the entry for id.
func (r *Registry) Get(id types.TaskID) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.live[id]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Live returns the number of non-terminal tasks.
func (r *Registry) Live() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.live)
}

// Overdue returns running tasks older than limit that were not reported
// yet, and marks them. A zero limit disables the check.
func (r *Registry) Overdue(now time.Time, limit time.Duration) []Entry {
	if limit <= 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Entry
	for _, e := range r.live {
		if e.State != types.StateRunning || e.Overdue {
			continue
		}
		if now.Sub(e.StartedAt) > limit {
			e.Overdue = true
			out = append(out, *e)
		}
	}
	slices.SortFunc(out, func(a, b Entry) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// OverdueCount returns how many live tasks are currently flagged.
func (r *Registry) OverdueCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, e := range r.live {
		if e.Overdue {
			n++
		}
	}
	return n
}

// CancelAll cancels every live task.
func (r *Registry) CancelAll() int {
	r.mu.RLock()
	cancels := make([]func(), 0, len(r.live))
	for _, e := range r.live {
		if e.Cancel != nil {
			cancels = append(cancels, e.Cancel)
		}
	}
	r.mu.RUnlock()

	for _, cancel := range cancels {
		cancel()
	}
	return len(cancels)
}

// Stats 返回任務統計資訊
func (r *Registry) Stats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return map[string]int{
		"live":      len(r.live),
		"queued":    len(r.live) - r.running,
		"running":   r.running,
		"completed": r.finished[types.StateCompleted],
		"failed":    r.finished[types.StateFailed],
		"cancelled": r.finished[types.StateCancelled],
	}
}

// List returns copies of the live entries ordered by ID.
func (r *Registry) List() []Entry {
	r.mu.RLock()
	out := make([]Entry, 0, len(r.live))
	for _, e := range r.live {
		out = append(out, *e)
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b Entry) int { return cmp.Compare(a.ID, b.ID) })
	return out
}
