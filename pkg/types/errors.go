package types

import (
	"errors"
	"fmt"
)

// 錯誤分類：所有失敗都只影響產生它的任務 / channel / 操作本身
var (
	// ErrTaskFailed 任務內部的運算異常結束（回傳錯誤或 panic）
	ErrTaskFailed = errors.New("task failed")
	// ErrTimeout 被 Timeout 包裹的操作未在期限內完成
	ErrTimeout = errors.New("operation timed out")
	// ErrChannelClosed 對方的 handle 已全部關閉
	ErrChannelClosed = errors.New("channel closed")
	// ErrResourceExhausted spawn 因超過佇列或速率限制而被拒絕
	ErrResourceExhausted = errors.New("resource exhausted")
	// ErrShutdownInProgress 在 Shutdown 之後嘗試的操作
	ErrShutdownInProgress = errors.New("shutdown in progress")
	// ErrCancelled 任務在完成前被取消
	ErrCancelled = errors.New("task cancelled")
)

// TaskFailure carries the cause of a failed task. Panics are captured with
// their value and stack.
type TaskFailure struct {
	TaskID TaskID
	Cause  error
	Panic  any
	Stack  []byte
}

func (e *TaskFailure) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("task %d panicked: %v", e.TaskID, e.Panic)
	}
	return fmt.Sprintf("task %d failed: %v", e.TaskID, e.Cause)
}

func (e *TaskFailure) Unwrap() error {
	return e.Cause
}

// Is makes errors.Is(err, ErrTaskFailed) hold for every TaskFailure.
func (e *TaskFailure) Is(target error) bool {
	return target == ErrTaskFailed
}
