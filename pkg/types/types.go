// Package types 定義了 beaver-async 各模組共用的核心領域模型
package types

import (
	"fmt"
	"strconv"
)

// TaskID 任務唯一識別碼（程序內單調遞增，從 1 開始）
type TaskID uint64

func (id TaskID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// TaskState 任務狀態
type TaskState int32

// 定義任務狀態常數
const (
	StateQueued    TaskState = iota // 等待執行：已進入佇列，尚未被 worker 取出
	StateRunning                    // 執行中：正在某個 worker 上運行
	StateSuspended                  // 暫停中：停在 sleep / channel / timeout 等暫停點
	StateCompleted                  // 完成：正常結束
	StateFailed                     // 失敗：回傳錯誤或 panic
	StateCancelled                  // 取消：在完成前被取消
)

var stateNames = [...]string{
	StateQueued:    "queued",
	StateRunning:   "running",
	StateSuspended: "suspended",
	StateCompleted: "completed",
	StateFailed:    "failed",
	StateCancelled: "cancelled",
}

func (s TaskState) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("TaskState(%d)", int32(s))
	}
	return stateNames[s]
}

// Terminal 回報狀態是否為終止狀態
func (s TaskState) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// MarshalText 讓狀態在 JSON / YAML 中以字串呈現
func (s TaskState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText 解析 MarshalText 的輸出
func (s *TaskState) UnmarshalText(b []byte) error {
	for i, name := range stateNames {
		if name == string(b) {
			*s = TaskState(i)
			return nil
		}
	}
	return fmt.Errorf("unknown task state %q", string(b))
}
