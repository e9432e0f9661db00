package cli

// ============================================================================
// 職責說明：
// 1. status  - 讀取狀態快照並輸出報告（--diff 對比最新備份）
// 2. traces  - 重播 span 歸檔並輸出 Jaeger JSON
// 3. probe   - 查詢 gRPC 健康服務
// 4. config  - 輸出合併後的有效設定（YAML）
// ============================================================================

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/beaver-async/internal/server"
	"github.com/ChuLiYu/beaver-async/internal/snapshot"
	"github.com/ChuLiYu/beaver-async/internal/spanlog"
	"github.com/ChuLiYu/beaver-async/pkg/tracing"
)

var (
	// ErrNotServing is returned by probe when the service is not serving.
	ErrNotServing = errors.New("service is not serving")
	// ErrNoBackup is returned by status --diff when no backup exists.
	ErrNoBackup = errors.New("no snapshot backup to compare with")
)

// ============================================================================
// status
// ============================================================================

func buildStatusCommand(root *rootOptions) *cobra.Command {
	var asJSON, diff bool
	var file string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show runtime status from the last snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				cfg, err := root.load()
				if err != nil {
					return err
				}
				file = cfg.Snapshot.Path
			}

			mgr := snapshot.NewManager(file)
			rec, err := mgr.Load()
			if err != nil {
				return fmt.Errorf("failed to load snapshot %s: %w", file, err)
			}
			if diff {
				return renderDiff(cmd.OutOrStdout(), mgr, rec, asJSON)
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(rec)
			}
			renderStatus(cmd.OutOrStdout(), file, rec)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the raw snapshot as JSON")
	cmd.Flags().BoolVar(&diff, "diff", false, "Compare with the newest snapshot backup")
	cmd.Flags().StringVarP(&file, "file", "f", "", "Snapshot file (default snapshot.path)")
	return cmd
}

// renderDiff compares rec with the newest backup kept by WriteWithBackup.
func renderDiff(w io.Writer, mgr *snapshot.Manager, rec snapshot.Record, asJSON bool) error {
	backups, err := mgr.Backups()
	if err != nil {
		return err
	}
	if len(backups) == 0 {
		return ErrNoBackup
	}
	prevPath := backups[len(backups)-1]
	prev, err := snapshot.NewManager(prevPath).Load()
	if err != nil {
		return fmt.Errorf("failed to load backup %s: %w", prevPath, err)
	}

	d := snapshot.Compare(rec, prev)
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(d)
	}
	fmt.Fprintf(w, "🔀 Since %s (%s)\n", prev.TakenAt.Format(time.RFC3339), filepath.Base(prevPath))
	fmt.Fprintf(w, "  ├─ Throughput: %+.1f tasks/s\n", d.Throughput)
	fmt.Fprintf(w, "  ├─ Avg lat:    %+v\n", d.AvgLatency)
	fmt.Fprintf(w, "  ├─ Queued:     %+d\n", d.Queue)
	fmt.Fprintf(w, "  ├─ Live:       %+d\n", d.Load)
	fmt.Fprintf(w, "  ├─ Completed:  %+d\n", d.Completed)
	fmt.Fprintf(w, "  ├─ Workers:    %+d\n", d.Threads)
	health := "unchanged"
	if d.Health != "" {
		health = d.Health
	}
	fmt.Fprintf(w, "  └─ Health:     %s\n", health)
	return nil
}

func renderStatus(w io.Writer, path string, rec snapshot.Record) {
	m := rec.Metrics
	h := rec.Health
	st := rec.Stats

	fmt.Fprintln(w, "╔════════════════════════════════════════╗")
	fmt.Fprintln(w, "║     Beaver-Async Runtime Status        ║")
	fmt.Fprintln(w, "╚════════════════════════════════════════╝")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "📋 Snapshot")
	fmt.Fprintf(w, "  ├─ File:     %s\n", path)
	fmt.Fprintf(w, "  ├─ Service:  %s\n", rec.Service)
	fmt.Fprintf(w, "  ├─ Taken:    %s (%s ago)\n", rec.TakenAt.Format(time.RFC3339), time.Since(rec.TakenAt).Round(time.Second))
	fmt.Fprintf(w, "  └─ Span seq: %d\n", rec.LastSeq)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "🧵 Scheduler")
	fmt.Fprintf(w, "  ├─ Workers:  %d (active %d, idle %d)\n", st.Workers, st.ActiveWorkers, st.IdleWorkers)
	fmt.Fprintf(w, "  ├─ Queued:   %d\n", st.Queued)
	fmt.Fprintf(w, "  ├─ Live:     %d (pending %d)\n", st.Live, st.Pending)
	fmt.Fprintf(w, "  ├─ Timers:   %d\n", st.Timers)
	fmt.Fprintf(w, "  ├─ Overdue:  %d\n", st.Overdue)
	fmt.Fprintf(w, "  └─ Tuning:   %d threads suggested (confidence %.0f%%)\n", rec.Tuning.Threads, rec.Tuning.Confidence*100)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "📊 Tasks")
	fmt.Fprintf(w, "  ├─ Spawned:   %d\n", m.TasksSpawned)
	fmt.Fprintf(w, "  ├─ Completed: %d\n", m.TasksCompleted)
	fmt.Fprintf(w, "  ├─ Failed:    %d\n", m.TasksFailed)
	fmt.Fprintf(w, "  ├─ Cancelled: %d\n", m.TasksCancelled)
	fmt.Fprintf(w, "  ├─ Rejected:  %d\n", m.TasksRejected)
	fmt.Fprintf(w, "  ├─ Latency:   p50=%s p95=%s p99=%s\n", m.P50Execution, m.P95Execution, m.P99Execution)
	fmt.Fprintf(w, "  └─ Rate:      %.1f tasks/s\n", m.TasksPerSecond)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "💓 Health")
	fmt.Fprintf(w, "  ├─ Status:   %s\n", h.Status)
	fmt.Fprintf(w, "  ├─ Alive:    %t  Ready: %t\n", h.Alive, h.Ready)
	if len(h.Checks) == 0 {
		fmt.Fprintln(w, "  └─ Checks:   none")
		return
	}
	fmt.Fprintln(w, "  └─ Checks:")
	for i, c := range h.Checks {
		branch := "├─"
		if i == len(h.Checks)-1 {
			branch = "└─"
		}
		line := fmt.Sprintf("     %s %-14s %s", branch, c.Name, c.Status)
		if c.Message != "" {
			line += "  " + c.Message
		}
		fmt.Fprintln(w, line)
	}
}

// ============================================================================
// traces
// ============================================================================

type tracesOptions struct {
	file  string
	codec string
	all   bool
	trace string
	limit int
}

func buildTracesCommand(root *rootOptions) *cobra.Command {
	var to tracesOptions
	cmd := &cobra.Command{
		Use:   "traces",
		Short: "Replay archived spans as Jaeger JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			if to.file == "" {
				cfg, err := root.load()
				if err != nil {
					return err
				}
				to.file = cfg.Spanlog.Path
				if !cmd.Flags().Changed("codec") {
					to.codec = cfg.Spanlog.Codec
				}
			}
			codec, err := spanlog.CodecByName(to.codec)
			if err != nil {
				return err
			}
			spans, err := replaySpans(to, codec)
			if err != nil {
				return err
			}
			data, err := tracing.EncodeJaeger(spans)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return err
		},
	}
	cmd.Flags().StringVarP(&to.file, "file", "f", "", "Span log path (default spanlog.path)")
	cmd.Flags().StringVar(&to.codec, "codec", "cbor", "Span log codec (json or cbor)")
	cmd.Flags().BoolVar(&to.all, "all", false, "Include rotated archives")
	cmd.Flags().StringVar(&to.trace, "trace", "", "Only spans of this trace id (hex)")
	cmd.Flags().IntVar(&to.limit, "limit", 0, "Keep only the newest N spans (0 = all)")
	return cmd
}

func replaySpans(to tracesOptions, codec spanlog.Codec) ([]tracing.CompletedSpan, error) {
	var files []string
	if to.all {
		archives, err := filepath.Glob(to.file + ".*")
		if err != nil {
			return nil, err
		}
		slices.Sort(archives)
		files = append(files, archives...)
	}
	files = append(files, to.file)

	want := strings.TrimLeft(strings.ToLower(to.trace), "0")
	var spans []tracing.CompletedSpan
	for _, f := range files {
		err := spanlog.ReplayFile(f, codec, func(rec spanlog.Record) error {
			if want != "" && strings.TrimLeft(rec.Span.TraceID.String(), "0") != want {
				return nil
			}
			spans = append(spans, rec.Span)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("replay %s: %w", f, err)
		}
	}
	if to.limit > 0 && len(spans) > to.limit {
		spans = spans[len(spans)-to.limit:]
	}
	return spans, nil
}

// ============================================================================
// probe
// ============================================================================

func buildProbeCommand(root *rootOptions) *cobra.Command {
	var addr, service string
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Query the gRPC health service",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				cfg, err := root.load()
				if err != nil {
					return err
				}
				addr = dialAddr(cfg.GRPC.Addr)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			resp, err := server.Probe(ctx, addr, service)
			if err != nil {
				return err
			}
			data, err := server.ProbeJSON(resp)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
				return fmt.Errorf("%w: %s", ErrNotServing, resp.GetStatus())
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Health server address (default grpc.addr)")
	cmd.Flags().StringVar(&service, "service", "", "Service or check name (empty = aggregate)")
	cmd.Flags().DurationVar(&timeout, "timeout", 3*time.Second, "Probe timeout")
	return cmd
}

// dialAddr turns a listen address like ":50051" into one a client can dial.
func dialAddr(listen string) string {
	if strings.HasPrefix(listen, ":") {
		return "localhost" + listen
	}
	return listen
}

// ============================================================================
// config
// ============================================================================

func buildConfigCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(cfg); err != nil {
				return err
			}
			return enc.Close()
		},
	}
}
