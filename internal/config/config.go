// ============================================================================
// Beaver-Async Config - 設定載入
// ============================================================================
//
// Package: internal/config
// 文件: config.go
// 功能: 讀取 YAML 設定檔，套用 BEAVER_* 環境變數覆寫，驗證後轉為執行期配置
//
// 優先順序（高 → 低）:
//   1. 環境變數，例如 BEAVER_RUNTIME_THREADS=8、BEAVER_LOG_LEVEL=debug
//   2. 設定檔（--config，預設 configs/default.yaml）
//   3. Default() 的內建預設值
//
// 區段:
//   runtime / autoscale / limits / tracing / health / log /
//   http / grpc / snapshot / spanlog / workload
//
// ============================================================================

package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/ChuLiYu/beaver-async/internal/spanlog"
	"github.com/ChuLiYu/beaver-async/internal/workload"
	"github.com/ChuLiYu/beaver-async/pkg/async"
	"github.com/ChuLiYu/beaver-async/pkg/autoscale"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "BEAVER"

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid config")

// Config is the host configuration.
type Config struct {
	Runtime   RuntimeConfig            `mapstructure:"runtime" yaml:"runtime"`
	Autoscale AutoscaleConfig          `mapstructure:"autoscale" yaml:"autoscale"`
	Limits    autoscale.ResourceLimits `mapstructure:"limits" yaml:"limits"`
	Tracing   TracingConfig            `mapstructure:"tracing" yaml:"tracing"`
	Health    HealthConfig             `mapstructure:"health" yaml:"health"`
	Log       LogConfig                `mapstructure:"log" yaml:"log"`
	HTTP      HTTPConfig               `mapstructure:"http" yaml:"http"`
	GRPC      GRPCConfig               `mapstructure:"grpc" yaml:"grpc"`
	Snapshot  SnapshotConfig           `mapstructure:"snapshot" yaml:"snapshot"`
	Spanlog   SpanlogConfig            `mapstructure:"spanlog" yaml:"spanlog"`
	Workload  workload.Config          `mapstructure:"workload" yaml:"workload"`
}

// RuntimeConfig 執行期基本配置
type RuntimeConfig struct {
	Threads           int           `mapstructure:"threads" yaml:"threads"` // 0 表示 NumCPU
	ServiceName       string        `mapstructure:"service_name" yaml:"service_name"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `mapstructure:"heartbeat_timeout" yaml:"heartbeat_timeout"`
	WatchdogInterval  time.Duration `mapstructure:"watchdog_interval" yaml:"watchdog_interval"`
	ShutdownGrace     time.Duration `mapstructure:"shutdown_grace" yaml:"shutdown_grace"`
	ForceWait         time.Duration `mapstructure:"force_wait" yaml:"force_wait"`
}

// AutoscaleConfig 自動伸縮配置
type AutoscaleConfig struct {
	Enabled          bool          `mapstructure:"enabled" yaml:"enabled"`
	Interval         time.Duration `mapstructure:"interval" yaml:"interval"`
	autoscale.Config `mapstructure:",squash" yaml:",inline"`
}

// TracingConfig 追蹤配置
type TracingConfig struct {
	Enabled  bool `mapstructure:"enabled" yaml:"enabled"`
	MaxSpans int  `mapstructure:"max_spans" yaml:"max_spans"`
}

// HealthConfig 延遲異常偵測配置
type HealthConfig struct {
	// LatencySensitivity in [0,1]; higher flags smaller deviations.
	LatencySensitivity float64       `mapstructure:"latency_sensitivity" yaml:"latency_sensitivity"`
	LatencyInterval    time.Duration `mapstructure:"latency_interval" yaml:"latency_interval"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level" yaml:"level"`
	// Format: console or json
	Format string `mapstructure:"format" yaml:"format"`
	// Outputs: stdout, stderr, or file paths
	Outputs     []string       `mapstructure:"outputs" yaml:"outputs"`
	Rotation    RotationConfig `mapstructure:"rotation" yaml:"rotation"`
	Development bool           `mapstructure:"development" yaml:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool   `mapstructure:"enable" yaml:"enable"`
	Filename   string `mapstructure:"filename" yaml:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

// HTTPConfig 觀測 HTTP 伺服器配置；空位址表示停用
type HTTPConfig struct {
	Addr            string        `mapstructure:"addr" yaml:"addr"`
	StreamInterval  time.Duration `mapstructure:"stream_interval" yaml:"stream_interval"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// GRPCConfig gRPC 健康檢查服務配置；空位址表示停用
type GRPCConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// SnapshotConfig 狀態快照配置
type SnapshotConfig struct {
	Path     string        `mapstructure:"path" yaml:"path"`
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
	Keep     int           `mapstructure:"keep" yaml:"keep"` // 保留的備份數，0 表示不備份
}

// SpanlogConfig span 歸檔配置；空路徑表示停用
type SpanlogConfig struct {
	Path          string        `mapstructure:"path" yaml:"path"`
	Codec         string        `mapstructure:"codec" yaml:"codec"`
	SyncOnAppend  bool          `mapstructure:"sync_on_append" yaml:"sync_on_append"`
	BufferSize    int           `mapstructure:"buffer_size" yaml:"buffer_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval" yaml:"flush_interval"`
	Compress      bool          `mapstructure:"compress" yaml:"compress"`
}

// Default returns a Config populated with the built-in defaults.
func Default() *Config {
	rt := async.DefaultConfig()
	return &Config{
		Runtime: RuntimeConfig{
			Threads:           0,
			ServiceName:       rt.ServiceName,
			HeartbeatInterval: rt.HeartbeatInterval,
			WatchdogInterval:  rt.WatchdogInterval,
			ShutdownGrace:     rt.ShutdownGrace,
			ForceWait:         rt.ForceWait,
		},
		Autoscale: AutoscaleConfig{
			Enabled:  false,
			Interval: rt.AutoscaleInterval,
			Config:   autoscale.DefaultConfig(),
		},
		Limits:  autoscale.DefaultLimits(),
		Tracing: TracingConfig{Enabled: true, MaxSpans: 10000},
		Health: HealthConfig{
			LatencySensitivity: 0.5,
			LatencyInterval:    5 * time.Second,
		},
		Log: LogConfig{
			Level:   "info",
			Format:  "console",
			Outputs: []string{"stdout"},
			Rotation: RotationConfig{
				Filename:   "logs/beaver-async.log",
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
		HTTP: HTTPConfig{
			Addr:            ":2112",
			StreamInterval:  time.Second,
			ShutdownTimeout: 5 * time.Second,
		},
		GRPC: GRPCConfig{Addr: ":50051"},
		Snapshot: SnapshotConfig{
			Path:     "data/status.json",
			Interval: 5 * time.Second,
			Keep:     0,
		},
		Spanlog: SpanlogConfig{
			Path:          "data/spans.log",
			Codec:         "cbor",
			BufferSize:    256,
			FlushInterval: time.Second,
		},
		Workload: workload.DefaultConfig(),
	}
}

// Load reads configuration from path, then applies BEAVER_* environment
// overrides. A missing file is not an error when path is empty; the
// defaults and environment are used instead.
// Example: BEAVER_LOG_LEVEL=debug BEAVER_AUTOSCALE_ENABLED=true
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	setDefaults(v, cfg)

	if path == "" {
		if envPath := os.Getenv(EnvPrefix + "_CONFIG"); envPath != "" {
			path = envPath
		}
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("default")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// seed every key so env-only overrides work
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("runtime.threads", cfg.Runtime.Threads)
	v.SetDefault("runtime.service_name", cfg.Runtime.ServiceName)
	v.SetDefault("runtime.heartbeat_interval", cfg.Runtime.HeartbeatInterval)
	v.SetDefault("runtime.heartbeat_timeout", cfg.Runtime.HeartbeatTimeout)
	v.SetDefault("runtime.watchdog_interval", cfg.Runtime.WatchdogInterval)
	v.SetDefault("runtime.shutdown_grace", cfg.Runtime.ShutdownGrace)
	v.SetDefault("runtime.force_wait", cfg.Runtime.ForceWait)

	v.SetDefault("autoscale.enabled", cfg.Autoscale.Enabled)
	v.SetDefault("autoscale.interval", cfg.Autoscale.Interval)
	v.SetDefault("autoscale.min_threads", cfg.Autoscale.MinThreads)
	v.SetDefault("autoscale.max_threads", cfg.Autoscale.MaxThreads)
	v.SetDefault("autoscale.target_queue_length", cfg.Autoscale.TargetQueueLength)
	v.SetDefault("autoscale.scale_up_threshold", cfg.Autoscale.ScaleUpThreshold)
	v.SetDefault("autoscale.scale_down_threshold", cfg.Autoscale.ScaleDownThreshold)
	v.SetDefault("autoscale.cooldown", cfg.Autoscale.Cooldown)
	v.SetDefault("autoscale.step", cfg.Autoscale.Step)

	v.SetDefault("limits.max_queue_size", cfg.Limits.MaxQueueSize)
	v.SetDefault("limits.max_task_duration", cfg.Limits.MaxTaskDuration)
	v.SetDefault("limits.cancel_overdue", cfg.Limits.CancelOverdue)
	v.SetDefault("limits.max_spawn_rate", cfg.Limits.MaxSpawnRate)
	v.SetDefault("limits.max_memory_mb", cfg.Limits.MaxMemoryMB)
	v.SetDefault("limits.max_cpu_percent", cfg.Limits.MaxCPUPercent)

	v.SetDefault("tracing.enabled", cfg.Tracing.Enabled)
	v.SetDefault("tracing.max_spans", cfg.Tracing.MaxSpans)

	v.SetDefault("health.latency_sensitivity", cfg.Health.LatencySensitivity)
	v.SetDefault("health.latency_interval", cfg.Health.LatencyInterval)

	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)

	v.SetDefault("http.addr", cfg.HTTP.Addr)
	v.SetDefault("http.stream_interval", cfg.HTTP.StreamInterval)
	v.SetDefault("http.shutdown_timeout", cfg.HTTP.ShutdownTimeout)
	v.SetDefault("grpc.addr", cfg.GRPC.Addr)

	v.SetDefault("snapshot.path", cfg.Snapshot.Path)
	v.SetDefault("snapshot.interval", cfg.Snapshot.Interval)
	v.SetDefault("snapshot.keep", cfg.Snapshot.Keep)

	v.SetDefault("spanlog.path", cfg.Spanlog.Path)
	v.SetDefault("spanlog.codec", cfg.Spanlog.Codec)
	v.SetDefault("spanlog.sync_on_append", cfg.Spanlog.SyncOnAppend)
	v.SetDefault("spanlog.buffer_size", cfg.Spanlog.BufferSize)
	v.SetDefault("spanlog.flush_interval", cfg.Spanlog.FlushInterval)
	v.SetDefault("spanlog.compress", cfg.Spanlog.Compress)

	v.SetDefault("workload.enabled", cfg.Workload.Enabled)
	v.SetDefault("workload.jobs", cfg.Workload.Jobs)
	v.SetDefault("workload.rate", cfg.Workload.Rate)
	v.SetDefault("workload.max_work", cfg.Workload.MaxWork)
	v.SetDefault("workload.failure_rate", cfg.Workload.FailureRate)
	v.SetDefault("workload.timeout", cfg.Workload.Timeout)
	v.SetDefault("workload.fanout", cfg.Workload.Fanout)
	v.SetDefault("workload.seed", cfg.Workload.Seed)
}

// Validate checks every section and normalises a few string fields.
func (c *Config) Validate() error {
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	switch c.Log.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("%w: log.level %q", ErrInvalid, c.Log.Level)
	}
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
	switch c.Log.Format {
	case "":
		c.Log.Format = "console"
	case "console", "json":
	default:
		return fmt.Errorf("%w: log.format %q", ErrInvalid, c.Log.Format)
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stdout"}
	}

	if c.Runtime.Threads < 0 {
		return fmt.Errorf("%w: runtime.threads must be >= 0, got %d", ErrInvalid, c.Runtime.Threads)
	}
	if err := c.Limits.Validate(); err != nil {
		return fmt.Errorf("%w: limits: %w", ErrInvalid, err)
	}
	if c.Autoscale.Enabled {
		if err := c.Autoscale.Config.WithDefaults().Validate(); err != nil {
			return fmt.Errorf("%w: autoscale: %w", ErrInvalid, err)
		}
	}
	if s := c.Health.LatencySensitivity; s < 0 || s > 1 {
		return fmt.Errorf("%w: health.latency_sensitivity must be in [0,1], got %v", ErrInvalid, s)
	}
	if c.Snapshot.Keep < 0 {
		return fmt.Errorf("%w: snapshot.keep must be >= 0", ErrInvalid)
	}
	if c.Spanlog.Path != "" {
		if _, err := spanlog.CodecByName(c.Spanlog.Codec); err != nil {
			return fmt.Errorf("%w: spanlog.codec: %w", ErrInvalid, err)
		}
	}
	if err := c.Workload.Validate(); err != nil {
		return fmt.Errorf("%w: workload: %w", ErrInvalid, err)
	}
	return nil
}

// ToRuntime converts the runtime-facing sections to an async.Config.
func (c *Config) ToRuntime(logger *zap.Logger) async.Config {
	return async.Config{
		NumThreads:        c.Runtime.Threads,
		EnableAutoscaling: c.Autoscale.Enabled,
		Scaling:           c.Autoscale.Config,
		AutoscaleInterval: c.Autoscale.Interval,
		Limits:            c.Limits,
		WatchdogInterval:  c.Runtime.WatchdogInterval,
		EnableTracing:     c.Tracing.Enabled,
		ServiceName:       c.Runtime.ServiceName,
		MaxSpans:          c.Tracing.MaxSpans,
		HeartbeatInterval: c.Runtime.HeartbeatInterval,
		HeartbeatTimeout:  c.Runtime.HeartbeatTimeout,
		ShutdownGrace:     c.Runtime.ShutdownGrace,
		ForceWait:         c.Runtime.ForceWait,
		Logger:            logger,
	}
}

// SpanlogOptions converts the spanlog section to spanlog.Open options.
func (c *Config) SpanlogOptions() ([]spanlog.Option, error) {
	codec, err := spanlog.CodecByName(c.Spanlog.Codec)
	if err != nil {
		return nil, err
	}
	return []spanlog.Option{
		spanlog.WithCodec(codec),
		spanlog.WithSyncOnAppend(c.Spanlog.SyncOnAppend),
		spanlog.WithBuffer(c.Spanlog.BufferSize, c.Spanlog.FlushInterval),
		spanlog.WithCompressRotated(c.Spanlog.Compress),
	}, nil
}

// MustLoad is a convenience that panics on error.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}
	return cfg
}
