package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/beaver-async/internal/config"
	"github.com/ChuLiYu/beaver-async/internal/server"
	"github.com/ChuLiYu/beaver-async/internal/snapshot"
	"github.com/ChuLiYu/beaver-async/internal/spanlog"
	"github.com/ChuLiYu/beaver-async/pkg/async"
	"github.com/ChuLiYu/beaver-async/pkg/autoscale"
	"github.com/ChuLiYu/beaver-async/pkg/health"
	"github.com/ChuLiYu/beaver-async/pkg/metrics"
	"github.com/ChuLiYu/beaver-async/pkg/tracing"
)

// execute runs the root command with args and returns its stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := BuildCLI()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.NotNil(t, cmd, "BuildCLI should return a non-nil command")
	assert.Equal(t, "beaver-async", cmd.Use)
	assert.Equal(t, "1.0.0", cmd.Version)

	// 檢查子命令
	commands := cmd.Commands()
	assert.Len(t, commands, 5, "Should have 5 subcommands")

	commandNames := make(map[string]bool)
	for _, c := range commands {
		commandNames[c.Use] = true
	}
	for _, name := range []string{"run", "status", "traces", "probe", "config"} {
		assert.True(t, commandNames[name], "Should have %q command", name)
	}

	// 檢查持久化標誌
	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag, "Should have --config flag")
	assert.Equal(t, "c", configFlag.Shorthand)
	assert.Equal(t, "configs/default.yaml", configFlag.DefValue)
}

func TestBuildRunCommand(t *testing.T) {
	cmd := buildRunCommand(&rootOptions{})

	assert.Equal(t, "run", cmd.Use)
	assert.Contains(t, cmd.Short, "Start")
	assert.NotNil(t, cmd.RunE)
	for _, name := range []string{"duration", "jobs", "no-workload", "exit-when-done"} {
		assert.NotNil(t, cmd.Flags().Lookup(name), "Should have --%s flag", name)
	}
}

func TestBuildTracesCommand(t *testing.T) {
	cmd := buildTracesCommand(&rootOptions{})

	fileFlag := cmd.Flags().Lookup("file")
	require.NotNil(t, fileFlag)
	assert.Equal(t, "f", fileFlag.Shorthand)
	assert.Equal(t, "cbor", cmd.Flags().Lookup("codec").DefValue)
	assert.NotNil(t, cmd.Flags().Lookup("all"))
	assert.NotNil(t, cmd.Flags().Lookup("trace"))
	assert.NotNil(t, cmd.Flags().Lookup("limit"))
}

// ============================================================================
// run
// ============================================================================

func hostConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Runtime.Threads = 2
	cfg.Runtime.ServiceName = "cli-test"
	cfg.HTTP.Addr = "127.0.0.1:0"
	cfg.GRPC.Addr = "127.0.0.1:0"
	cfg.Snapshot.Path = filepath.Join(dir, "status.json")
	cfg.Snapshot.Keep = 2
	cfg.Spanlog.Path = filepath.Join(dir, "spans.log")
	cfg.Spanlog.Codec = "json"
	cfg.Workload.Enabled = true
	cfg.Workload.Jobs = 10
	cfg.Workload.Rate = 0
	cfg.Workload.MaxWork = 5 * time.Millisecond
	cfg.Workload.FailureRate = 0
	cfg.Workload.Fanout = 1
	cfg.Workload.Seed = 7
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestRunHostFiniteWorkload(t *testing.T) {
	cfg := hostConfig(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	summary, err := runHost(ctx, cfg, zaptest.NewLogger(t), true)
	require.NoError(t, err)
	require.NotNil(t, summary)
	assert.Equal(t, 10, summary.Submitted)
	assert.Equal(t, 10, summary.Succeeded)
	assert.NoError(t, ctx.Err(), "exit-when-done should stop before the deadline")

	// 最終快照
	rec, err := snapshot.NewManager(cfg.Snapshot.Path).Load()
	require.NoError(t, err)
	assert.Equal(t, "cli-test", rec.Service)
	assert.EqualValues(t, 20, rec.Metrics.TasksSpawned)
	assert.Positive(t, rec.LastSeq)

	// span 歸檔
	var spans int
	require.NoError(t, spanlog.ReplayFile(cfg.Spanlog.Path, spanlog.JSON(), func(spanlog.Record) error {
		spans++
		return nil
	}))
	assert.EqualValues(t, rec.LastSeq, spans)
}

func TestRunHostStopsOnContext(t *testing.T) {
	cfg := hostConfig(t)
	cfg.Workload.Enabled = false
	cfg.Spanlog.Path = ""

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	summary, err := runHost(ctx, cfg, zaptest.NewLogger(t), false)
	require.NoError(t, err)
	assert.Nil(t, summary)

	rec, err := snapshot.NewManager(cfg.Snapshot.Path).Load()
	require.NoError(t, err)
	assert.Zero(t, rec.LastSeq)
}

func TestRunCommandWithConfigFile(t *testing.T) {
	cfg := hostConfig(t)
	data, err := yaml.Marshal(cfg)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "host.yaml")
	require.NoError(t, os.WriteFile(path, data, 0644))

	out, err := execute(t, "-c", path, "run", "--jobs", "4", "--exit-when-done", "--duration", "30s")
	require.NoError(t, err)
	assert.Contains(t, out, "workload: ")
	assert.Contains(t, out, "submitted=4")
}

func TestCheckLatencyOnce(t *testing.T) {
	cfg := async.DefaultConfig()
	cfg.NumThreads = 1
	cfg.Logger = zaptest.NewLogger(t)
	rt, err := async.NewWithConfig(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Shutdown(context.Background()) })

	// 基準線不足時視為正常
	det := autoscale.NewAnomalyDetector(0.5)
	report := checkLatencyOnce(rt, det)
	assert.False(t, report.Anomaly)
	check, ok := rt.Health().Check(checkLatency)
	require.True(t, ok)
	assert.Equal(t, health.Healthy, check.Status)

	// p99 為 0，遠低於 100ms 的基準線
	for range 20 {
		det.Observe(100)
	}
	report = checkLatencyOnce(rt, det)
	assert.True(t, report.Anomaly)
	check, _ = rt.Health().Check(checkLatency)
	assert.Equal(t, health.Degraded, check.Status)
	assert.Contains(t, check.Message, "anomalous")
	assert.NotEqual(t, health.Unhealthy, rt.Health().Status())
}

// ============================================================================
// status
// ============================================================================

func writeSnapshot(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "status.json")
	rec := snapshot.Record{
		TakenAt: time.Now(),
		Service: "status-test",
		Metrics: metrics.Snapshot{TasksSpawned: 12, TasksCompleted: 10, TasksFailed: 2},
		Health: health.Report{
			Status: health.Degraded,
			Alive:  true,
			Ready:  true,
			Checks: []health.Check{
				{Name: "latency", Status: health.Degraded, Message: "p99 high"},
				{Name: "queue_limit", Status: health.Healthy},
			},
		},
		Stats:   async.Stats{Workers: 4, Queued: 3},
		LastSeq: 42,
	}
	require.NoError(t, snapshot.NewManager(path).Write(rec))
	return path
}

func TestStatusCommand(t *testing.T) {
	path := writeSnapshot(t)

	out, err := execute(t, "status", "-f", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Beaver-Async Runtime Status")
	assert.Contains(t, out, "status-test")
	assert.Contains(t, out, "Span seq: 42")
	assert.Contains(t, out, "Spawned:   12")
	assert.Contains(t, out, "├─ latency")
	assert.Contains(t, out, "p99 high")
	assert.Contains(t, out, "└─ queue_limit")
	assert.Contains(t, out, "Tuning:")
}

func TestStatusCommandJSON(t *testing.T) {
	path := writeSnapshot(t)

	out, err := execute(t, "status", "-f", path, "--json")
	require.NoError(t, err)

	var rec snapshot.Record
	require.NoError(t, json.Unmarshal([]byte(out), &rec))
	assert.Equal(t, "status-test", rec.Service)
	assert.Equal(t, health.Degraded, rec.Health.Status)
	assert.Equal(t, snapshot.SchemaVersion, rec.SchemaVer)
}

func TestStatusCommandDiff(t *testing.T) {
	path := writeSnapshot(t)
	mgr := snapshot.NewManager(path)
	prev, err := mgr.Load()
	require.NoError(t, err)

	cur := prev
	cur.TakenAt = prev.TakenAt.Add(time.Minute)
	cur.Metrics.TasksCompleted += 25
	cur.Stats.Queued = 1
	cur.Stats.Workers = 6
	cur.Health.Status = health.Healthy
	require.NoError(t, mgr.WriteWithBackup(cur, 1))

	out, err := execute(t, "status", "-f", path, "--diff")
	require.NoError(t, err)
	assert.Contains(t, out, "Completed:  +25")
	assert.Contains(t, out, "Queued:     -2")
	assert.Contains(t, out, "Workers:    +2")
	assert.Contains(t, out, health.Degraded.String()+" -> "+health.Healthy.String())

	out, err = execute(t, "status", "-f", path, "--diff", "--json")
	require.NoError(t, err)
	var d snapshot.Delta
	require.NoError(t, json.Unmarshal([]byte(out), &d))
	assert.EqualValues(t, 25, d.Completed)
	assert.Equal(t, time.Minute, d.Elapsed)
}

func TestStatusCommandDiffWithoutBackup(t *testing.T) {
	_, err := execute(t, "status", "-f", writeSnapshot(t), "--diff")
	assert.ErrorIs(t, err, ErrNoBackup)
}

func TestStatusCommandMissingFile(t *testing.T) {
	_, err := execute(t, "status", "-f", filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
	assert.ErrorIs(t, err, snapshot.ErrSnapshotNotFound)
}

// ============================================================================
// traces
// ============================================================================

func writeSpans(t *testing.T) (string, tracing.TraceID) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "spans.log")
	tracer := tracing.NewTracer(tracing.WithService("traces-test"))

	log, err := spanlog.Open(path)
	require.NoError(t, err)
	first := tracer.NewTraceContext("traces-test")
	for range 3 {
		require.NoError(t, log.Append(first.ChildSpan("task").End()))
	}
	_, err = log.Rotate()
	require.NoError(t, err)

	second := tracer.NewTraceContext("traces-test")
	require.NoError(t, log.Append(second.ChildSpan("task").End()))
	require.NoError(t, log.Close())
	return path, first.TraceID()
}

func countSpans(t *testing.T, out string) int {
	t.Helper()
	refs, err := tracing.ParseJaegerJSON([]byte(strings.TrimSpace(out)))
	require.NoError(t, err)
	return len(refs)
}

func TestTracesCommand(t *testing.T) {
	path, firstTrace := writeSpans(t)

	out, err := execute(t, "traces", "-f", path)
	require.NoError(t, err)
	assert.Equal(t, 1, countSpans(t, out), "current file only")

	out, err = execute(t, "traces", "-f", path, "--all")
	require.NoError(t, err)
	assert.Equal(t, 4, countSpans(t, out))

	out, err = execute(t, "traces", "-f", path, "--all", "--trace", firstTrace.String())
	require.NoError(t, err)
	assert.Equal(t, 3, countSpans(t, out))

	out, err = execute(t, "traces", "-f", path, "--all", "--limit", "2")
	require.NoError(t, err)
	assert.Equal(t, 2, countSpans(t, out))
}

func TestTracesCommandWrongCodec(t *testing.T) {
	path, _ := writeSpans(t)
	_, err := execute(t, "traces", "-f", path, "--codec", "yaml")
	require.Error(t, err)
}

// ============================================================================
// probe
// ============================================================================

func TestProbeCommand(t *testing.T) {
	m := health.NewMonitor()
	m.SetReady(true)
	svc := server.NewHealthService(m, "beaver-async", zaptest.NewLogger(t))

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.ServeGRPC(ctx, server.NewGRPC(svc), lis, nil) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	addr := lis.Addr().String()

	out, err := execute(t, "probe", "--addr", addr)
	require.NoError(t, err)
	assert.Contains(t, out, `"SERVING"`)

	m.AddCheck("database", health.Unhealthy, "down")
	out, err = execute(t, "probe", "--addr", addr)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotServing)
	assert.Contains(t, out, "NOT_SERVING")
}

func TestDialAddr(t *testing.T) {
	assert.Equal(t, "localhost:50051", dialAddr(":50051"))
	assert.Equal(t, "10.0.0.1:50051", dialAddr("10.0.0.1:50051"))
}

// ============================================================================
// config
// ============================================================================

func TestConfigCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test_config.yaml")
	content := `
runtime:
  threads: 3
  service_name: from-file
workload:
  enabled: false
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	out, err := execute(t, "-c", path, "config")
	require.NoError(t, err)

	var decoded config.Config
	require.NoError(t, yaml.Unmarshal([]byte(out), &decoded))
	assert.Equal(t, 3, decoded.Runtime.Threads)
	assert.Equal(t, "from-file", decoded.Runtime.ServiceName)
	assert.Equal(t, config.Default().HTTP.Addr, decoded.HTTP.Addr)
	assert.Equal(t, config.Default().Snapshot.Interval, decoded.Snapshot.Interval)
}

func TestConfigCommandMissingFile(t *testing.T) {
	_, err := execute(t, "-c", filepath.Join(t.TempDir(), "nope.yaml"), "config")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load config")
}
