package autoscale

import (
	"errors"
	"fmt"
	"runtime"
	"time"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("autoscale: invalid config")

// Config controls the autoscaler.
type Config struct {
	MinThreads         int           `mapstructure:"min_threads" yaml:"min_threads" json:"min_threads"`
	MaxThreads         int           `mapstructure:"max_threads" yaml:"max_threads" json:"max_threads"`
	TargetQueueLength  int           `mapstructure:"target_queue_length" yaml:"target_queue_length" json:"target_queue_length"`
	ScaleUpThreshold   float64       `mapstructure:"scale_up_threshold" yaml:"scale_up_threshold" json:"scale_up_threshold"`
	ScaleDownThreshold float64       `mapstructure:"scale_down_threshold" yaml:"scale_down_threshold" json:"scale_down_threshold"`
	Cooldown           time.Duration `mapstructure:"cooldown" yaml:"cooldown" json:"cooldown"`
	Step               int           `mapstructure:"step" yaml:"step" json:"step"`
}

// DefaultConfig returns min 2, max 2×NumCPU, target queue 100, thresholds
// 0.8/0.3, a 30s cooldown and a step of one thread.
func DefaultConfig() Config {
	maxThreads := 2 * runtime.NumCPU()
	if maxThreads <= 0 {
		maxThreads = 16
	}
	return Config{
		MinThreads:         2,
		MaxThreads:         max(maxThreads, 2),
		TargetQueueLength:  100,
		ScaleUpThreshold:   0.8,
		ScaleDownThreshold: 0.3,
		Cooldown:           30 * time.Second,
		Step:               1,
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.MinThreads == 0 {
		c.MinThreads = d.MinThreads
	}
	if c.MaxThreads == 0 {
		c.MaxThreads = max(d.MaxThreads, c.MinThreads)
	}
	if c.TargetQueueLength == 0 {
		c.TargetQueueLength = d.TargetQueueLength
	}
	if c.ScaleUpThreshold == 0 {
		c.ScaleUpThreshold = d.ScaleUpThreshold
	}
	if c.ScaleDownThreshold == 0 {
		c.ScaleDownThreshold = d.ScaleDownThreshold
	}
	if c.Cooldown == 0 {
		c.Cooldown = d.Cooldown
	}
	if c.Step == 0 {
		c.Step = d.Step
	}
	return c
}

// Validate checks the config invariants.
func (c Config) Validate() error {
	switch {
	case c.MinThreads < 1:
		return fmt.Errorf("%w: min_threads %d < 1", ErrInvalidConfig, c.MinThreads)
	case c.MinThreads > c.MaxThreads:
		return fmt.Errorf("%w: min_threads %d > max_threads %d", ErrInvalidConfig, c.MinThreads, c.MaxThreads)
	case c.TargetQueueLength < 1:
		return fmt.Errorf("%w: target_queue_length %d < 1", ErrInvalidConfig, c.TargetQueueLength)
	case c.ScaleUpThreshold <= 0 || c.ScaleUpThreshold >= 1:
		return fmt.Errorf("%w: scale_up_threshold %.2f outside (0,1)", ErrInvalidConfig, c.ScaleUpThreshold)
	case c.ScaleDownThreshold <= 0 || c.ScaleDownThreshold >= 1:
		return fmt.Errorf("%w: scale_down_threshold %.2f outside (0,1)", ErrInvalidConfig, c.ScaleDownThreshold)
	case c.ScaleDownThreshold >= c.ScaleUpThreshold:
		return fmt.Errorf("%w: scale_down_threshold %.2f >= scale_up_threshold %.2f",
			ErrInvalidConfig, c.ScaleDownThreshold, c.ScaleUpThreshold)
	case c.Cooldown < 0:
		return fmt.Errorf("%w: negative cooldown", ErrInvalidConfig)
	case c.Step < 1:
		return fmt.Errorf("%w: step %d < 1", ErrInvalidConfig, c.Step)
	}
	return nil
}

// ============================================================================
// 資源限制
// ============================================================================

// ResourceLimits bounds what the runtime admits and how long tasks may run.
// Zero disables a limit.
type ResourceLimits struct {
	// MaxQueueSize caps spawned-but-not-started tasks.
	MaxQueueSize int `mapstructure:"max_queue_size" yaml:"max_queue_size" json:"max_queue_size"`
	// MaxTaskDuration flags tasks running longer than this.
	MaxTaskDuration time.Duration `mapstructure:"max_task_duration" yaml:"max_task_duration" json:"max_task_duration"`
	// CancelOverdue cancels flagged tasks instead of only reporting them.
	CancelOverdue bool `mapstructure:"cancel_overdue" yaml:"cancel_overdue" json:"cancel_overdue"`
	// MaxSpawnRate limits spawns per second.
	MaxSpawnRate float64 `mapstructure:"max_spawn_rate" yaml:"max_spawn_rate" json:"max_spawn_rate"`

	// Informational only.
	MaxMemoryMB   int     `mapstructure:"max_memory_mb" yaml:"max_memory_mb" json:"max_memory_mb"`
	MaxCPUPercent float64 `mapstructure:"max_cpu_percent" yaml:"max_cpu_percent" json:"max_cpu_percent"`
}

// DefaultLimits returns a queue cap of 10000 and a 300s task duration.
func DefaultLimits() ResourceLimits {
	return ResourceLimits{
		MaxQueueSize:    10000,
		MaxTaskDuration: 300 * time.Second,
	}
}

// QueueSizeExceeded reports whether n queued tasks is over the cap.
func (l ResourceLimits) QueueSizeExceeded(n int) bool {
	return l.MaxQueueSize > 0 && n > l.MaxQueueSize
}

// TaskDurationExceeded reports whether d is over the duration limit.
func (l ResourceLimits) TaskDurationExceeded(d time.Duration) bool {
	return l.MaxTaskDuration > 0 && d > l.MaxTaskDuration
}

func (l ResourceLimits) Validate() error {
	switch {
	case l.MaxQueueSize < 0:
		return fmt.Errorf("%w: negative max_queue_size", ErrInvalidConfig)
	case l.MaxTaskDuration < 0:
		return fmt.Errorf("%w: negative max_task_duration", ErrInvalidConfig)
	case l.MaxSpawnRate < 0:
		return fmt.Errorf("%w: negative max_spawn_rate", ErrInvalidConfig)
	}
	return nil
}
