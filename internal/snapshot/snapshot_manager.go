package snapshot

// ============================================================================
// 職責說明：
// 1. 將執行期狀態（指標 / 健康 / 調度統計）序列化為 JSON 狀態快照
// 2. 使用原子性寫入（temp file + fsync + rename）防止損壞
// 3. 載入時驗證 schema 版本相容性
// 4. 供 `beaver-async status` 在行程外讀取，並記錄 span log 的最後序號
// ============================================================================

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ChuLiYu/beaver-async/pkg/async"
	"github.com/ChuLiYu/beaver-async/pkg/autoscale"
	"github.com/ChuLiYu/beaver-async/pkg/health"
	"github.com/ChuLiYu/beaver-async/pkg/metrics"
)

// SchemaVersion is the only version Load accepts.
const SchemaVersion = 1

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrCorruptedSnapshot   = errors.New("snapshot file is corrupted")
	ErrIncompatibleVersion = errors.New("snapshot schema version is incompatible")
	ErrSnapshotNotFound    = errors.New("snapshot file not found")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Record is one status snapshot of a running runtime.
type Record struct {
	SchemaVer int                  `json:"schema_ver"`
	TakenAt   time.Time            `json:"taken_at"`
	Service   string               `json:"service"`
	Metrics   metrics.Snapshot     `json:"metrics"`
	Health    health.Report        `json:"health"`
	Stats     async.Stats          `json:"stats"`
	Tuning    autoscale.Suggestion `json:"tuning"`
	LastSeq   uint64               `json:"last_span_seq"` // span log 最後序號
}

// Capture builds a record from rt. lastSeq is the span log position, zero
// when no span log is configured.
func Capture(rt *async.Runtime, lastSeq uint64) Record {
	return Record{
		SchemaVer: SchemaVersion,
		TakenAt:   time.Now(),
		Service:   rt.Config().ServiceName,
		Metrics:   rt.Metrics().Snapshot(),
		Health:    rt.Health().Report(),
		Stats:     rt.Stats(),
		Tuning:    rt.Suggestion(),
		LastSeq:   lastSeq,
	}
}

// Manager 快照管理器
type Manager struct {
	path    string
	log     *zap.Logger
	history *History
	mu      sync.Mutex
}

// Option configures a Manager.
type Option func(*Manager)

func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithHistory keeps every successfully written record in h as well.
func WithHistory(h *History) Option {
	return func(m *Manager) { m.history = h }
}

// NewManager 建立快照管理器實例
func NewManager(path string, opts ...Option) *Manager {
	m := &Manager{path: path, log: zap.NewNop()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ============================================================================
// 核心方法實作
// ============================================================================

// Write 原子性寫入快照
//
// 流程：
// 1. 寫入臨時檔案（.tmp）並 fsync
// 2. 使用 os.Rename 原子性替換原始檔案
func (m *Manager) Write(rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeLocked(rec)
}

func (m *Manager) writeLocked(rec Record) error {
	rec.SchemaVer = SchemaVersion

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	if dir := filepath.Dir(m.path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create snapshot dir: %w", err)
		}
	}

	tmpPath := m.path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp snapshot: %w", err)
	}

	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename snapshot: %w", err)
	}
	if m.history != nil {
		m.history.Add(rec)
	}
	return nil
}

// Load 載入快照並驗證版本
func (m *Manager) Load() (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var rec Record
	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return rec, fmt.Errorf("%w: %s", ErrSnapshotNotFound, m.path)
		}
		return rec, fmt.Errorf("failed to read snapshot: %w", err)
	}

	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}
	if rec.SchemaVer != SchemaVersion {
		return rec, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, rec.SchemaVer, SchemaVersion)
	}
	return rec, nil
}

// Exists 檢查快照檔案是否存在
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// GetPath 取得快照檔案路徑
func (m *Manager) GetPath() string {
	return m.path
}

// WriteWithBackup 寫入快照並保留最近 keepBackups 個舊版本
func (m *Manager) WriteWithBackup(rec Record, keepBackups int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Exists() {
		backupPath := fmt.Sprintf("%s.%s", m.path, time.Now().Format("20060102_150405.000000000"))
		if err := os.Rename(m.path, backupPath); err != nil {
			return fmt.Errorf("failed to backup old snapshot: %w", err)
		}
		if err := m.pruneBackupsLocked(keepBackups); err != nil {
			return err
		}
	}
	return m.writeLocked(rec)
}

// Backups lists backup files, oldest first.
func (m *Manager) Backups() ([]string, error) {
	matches, err := filepath.Glob(m.path + ".*")
	if err != nil {
		return nil, err
	}
	backups := slices.DeleteFunc(matches, func(p string) bool { return p == m.path+".tmp" })
	slices.Sort(backups)
	return backups, nil
}

func (m *Manager) pruneBackupsLocked(keep int) error {
	backups, err := m.Backups()
	if err != nil {
		return err
	}
	if keep < 0 {
		keep = 0
	}
	for len(backups) > keep {
		if err := os.Remove(backups[0]); err != nil {
			return fmt.Errorf("failed to remove old snapshot backup: %w", err)
		}
		backups = backups[1:]
	}
	return nil
}

// Run writes capture() every interval until ctx is done, then writes one
// last snapshot. Write failures are logged and do not stop the loop.
func (m *Manager) Run(ctx context.Context, interval time.Duration, capture func() Record) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := m.Write(capture()); err != nil {
				m.log.Error("final snapshot failed", zap.String("path", m.path), zap.Error(err))
				return err
			}
			m.log.Info("final snapshot written", zap.String("path", m.path))
			return nil
		case <-ticker.C:
			if err := m.Write(capture()); err != nil {
				m.log.Warn("snapshot failed", zap.String("path", m.path), zap.Error(err))
			}
		}
	}
}
