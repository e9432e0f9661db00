// ============================================================================
// Beaver-Async CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra commands that host a runtime and inspect what it left behind
//
// Command Structure:
//   beaver-async                   # Root command
//   ├── --config, -c              # Config file (default configs/default.yaml)
//   ├── run                        # Host a runtime with servers and workload
//   │   ├── --duration            # Stop after this long (0 = until signal)
//   │   ├── --jobs                # Override workload.jobs
//   │   ├── --no-workload         # Host only, no synthetic jobs
//   │   └── --exit-when-done      # Stop once a finite workload completes
//   ├── status                     # Print the last status snapshot
//   │   ├── --file, -f            # Snapshot path (default snapshot.path)
//   │   ├── --json                # Raw snapshot JSON
//   │   └── --diff                # Compare with the newest backup
//   ├── traces                     # Replay the span archive as Jaeger JSON
//   │   ├── --file, -f            # Archive path (default spanlog.path)
//   │   ├── --codec               # json or cbor (default spanlog.codec)
//   │   ├── --all                 # Include rotated archives
//   │   ├── --trace               # Only this trace id (hex)
//   │   └── --limit               # Keep only the last N spans
//   ├── probe                      # Query the gRPC health service
//   │   ├── --addr                # Default grpc.addr
//   │   └── --service             # Default "" (aggregate)
//   └── config                     # Print the effective config as YAML
//
// run Command:
//   1. Load config, build the zap logger
//   2. Open the span archive and attach it to the tracer
//   3. Start the runtime
//   4. errgroup: HTTP server, gRPC health, snapshot loop, latency watcher,
//      synthetic workload
//   5. SIGINT / SIGTERM / --duration cancels the group
//   6. Shutdown runtime, close archive, write the final snapshot
//   7. Log the change between the first and last snapshot of the run
//
// ============================================================================

package cli

import (
	"context"
	"fmt"
	"net"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/beaver-async/internal/config"
	"github.com/ChuLiYu/beaver-async/internal/logging"
	"github.com/ChuLiYu/beaver-async/internal/server"
	"github.com/ChuLiYu/beaver-async/internal/snapshot"
	"github.com/ChuLiYu/beaver-async/internal/spanlog"
	"github.com/ChuLiYu/beaver-async/internal/workload"
	"github.com/ChuLiYu/beaver-async/pkg/async"
	"github.com/ChuLiYu/beaver-async/pkg/autoscale"
	"github.com/ChuLiYu/beaver-async/pkg/health"
)

// Version is overridden at build time with -ldflags.
var Version = "1.0.0"

const checkLatency = "latency"

type rootOptions struct {
	configFile string
}

func (o *rootOptions) load() (*config.Config, error) {
	cfg, err := config.Load(o.configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func BuildCLI() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:   "beaver-async",
		Short: "Beaver-Async: a work-stealing async task runtime",
		Long: `Beaver-Async hosts a work-stealing task runtime with:
- cooperative tasks, channels, timers and timeouts
- Prometheus metrics, health checks and task tracing
- queue-driven autoscaling
- durable span archive and status snapshots`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand(opts))
	rootCmd.AddCommand(buildStatusCommand(opts))
	rootCmd.AddCommand(buildTracesCommand(opts))
	rootCmd.AddCommand(buildProbeCommand(opts))
	rootCmd.AddCommand(buildConfigCommand(opts))
	return rootCmd
}

// ============================================================================
// run
// ============================================================================

type runOptions struct {
	duration     time.Duration
	jobs         int
	noWorkload   bool
	exitWhenDone bool
}

func buildRunCommand(root *rootOptions) *cobra.Command {
	var ro runOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the runtime host",
		Long:  "Start a runtime with its observability servers, snapshot loop and synthetic workload",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("jobs") {
				cfg.Workload.Jobs = ro.jobs
			}
			if ro.noWorkload {
				cfg.Workload.Enabled = false
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if ro.duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, ro.duration)
				defer cancel()
			}

			logger, err := logging.Setup(cfg.Log)
			if err != nil {
				return fmt.Errorf("failed to build logger: %w", err)
			}
			defer logger.Sync()

			summary, err := runHost(ctx, cfg, logger, ro.exitWhenDone)
			if summary != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "workload: %s\n", summary)
			}
			return err
		},
	}

	cmd.Flags().DurationVar(&ro.duration, "duration", 0, "Stop after this long (0 = until interrupted)")
	cmd.Flags().IntVar(&ro.jobs, "jobs", 0, "Override workload.jobs")
	cmd.Flags().BoolVar(&ro.noWorkload, "no-workload", false, "Do not run the synthetic workload")
	cmd.Flags().BoolVar(&ro.exitWhenDone, "exit-when-done", false, "Stop once a finite workload has completed")
	return cmd
}

// runHost runs everything `run` hosts until ctx is done, then shuts down in
// order. The workload summary is nil when the workload is disabled.
func runHost(ctx context.Context, cfg *config.Config, logger *zap.Logger, exitWhenDone bool) (*workload.Summary, error) {
	rtCfg := cfg.ToRuntime(logger)

	var spans *spanlog.Log
	if cfg.Spanlog.Path != "" {
		opts, err := cfg.SpanlogOptions()
		if err != nil {
			return nil, err
		}
		spans, err = spanlog.Open(cfg.Spanlog.Path, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to open span log: %w", err)
		}
		rtCfg.SpanSinks = append(rtCfg.SpanSinks, spans)
		logger.Info("span log opened", zap.String("path", spans.Path()), zap.Uint64("last_seq", spans.LastSeq()))
	}

	rt, err := async.NewWithConfig(rtCfg)
	if err != nil {
		if spans != nil {
			spans.Close()
		}
		return nil, fmt.Errorf("failed to start runtime: %w", err)
	}

	lastSeq := func() uint64 {
		if spans == nil {
			return 0
		}
		return spans.LastSeq()
	}
	capture := func() snapshot.Record { return snapshot.Capture(rt, lastSeq()) }

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	if cfg.HTTP.Addr != "" {
		httpSrv, err := server.NewHTTP(rt, server.HTTPOptions{
			StreamInterval:  cfg.HTTP.StreamInterval,
			ShutdownTimeout: cfg.HTTP.ShutdownTimeout,
			Capture:         capture,
			Logger:          logger,
		})
		if err != nil {
			cancel()
			return nil, finish(rt, spans, cfg, logger, err)
		}
		g.Go(func() error { return httpSrv.ListenAndServe(gctx, cfg.HTTP.Addr) })
	}

	if cfg.GRPC.Addr != "" {
		g.Go(func() error {
			lis, err := net.Listen("tcp", cfg.GRPC.Addr)
			if err != nil {
				return fmt.Errorf("listen %s: %w", cfg.GRPC.Addr, err)
			}
			svc := server.NewHealthService(rt.Health(), cfg.Runtime.ServiceName, logger)
			return server.ServeGRPC(gctx, server.NewGRPC(svc), lis, logger)
		})
	}

	history := snapshot.NewHistory(snapshot.DefaultHistorySize)
	var snapshots *snapshot.Manager
	if cfg.Snapshot.Path != "" {
		snapshots = snapshot.NewManager(cfg.Snapshot.Path, snapshot.WithLogger(logger), snapshot.WithHistory(history))
		g.Go(func() error { return snapshots.Run(gctx, cfg.Snapshot.Interval, capture) })
	}

	detector := autoscale.NewAnomalyDetector(cfg.Health.LatencySensitivity)
	g.Go(func() error {
		watchLatency(gctx, rt, detector, cfg.Health.LatencyInterval)
		return nil
	})

	var summary *workload.Summary
	if cfg.Workload.Enabled {
		gen := workload.New(rt, cfg.Workload, logger)
		g.Go(func() error {
			s, err := gen.Run(gctx)
			summary = &s
			if err == nil && exitWhenDone && cfg.Workload.Jobs > 0 {
				cancel()
			}
			return err
		})
	}

	logger.Info("host started",
		zap.String("config_http", cfg.HTTP.Addr),
		zap.String("config_grpc", cfg.GRPC.Addr),
		zap.Bool("workload", cfg.Workload.Enabled))

	runErr := g.Wait()
	logger.Info("host stopping", zap.Error(runErr))

	err = finish(rt, spans, cfg, logger, runErr)
	if snapshots != nil && cfg.Snapshot.Keep > 0 {
		if werr := snapshots.WriteWithBackup(capture(), cfg.Snapshot.Keep); werr != nil {
			logger.Warn("final snapshot failed", zap.Error(werr))
		}
	} else if snapshots != nil {
		if werr := snapshots.Write(capture()); werr != nil {
			logger.Warn("final snapshot failed", zap.Error(werr))
		}
	}
	if d, ok := history.Span(); ok {
		logger.Info("host summary", zap.Stringer("delta", d), zap.Int("snapshots", history.Len()))
	}
	return summary, err
}

// finish shuts the runtime down and closes the span log, keeping the first
// error.
func finish(rt *async.Runtime, spans *spanlog.Log, cfg *config.Config, logger *zap.Logger, runErr error) error {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Runtime.ShutdownGrace+cfg.Runtime.ForceWait)
	defer cancel()
	err := runErr
	if serr := rt.Shutdown(ctx); serr != nil {
		logger.Warn("runtime shutdown incomplete", zap.Error(serr))
		if err == nil {
			err = serr
		}
	}
	if spans != nil {
		if cerr := spans.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close span log: %w", cerr)
		}
	}
	return err
}

// watchLatency feeds p99 latency into det every interval and keeps the
// latency check in line with the verdict.
func watchLatency(ctx context.Context, rt *async.Runtime, det *autoscale.AnomalyDetector, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			checkLatencyOnce(rt, det)
		}
	}
}

func checkLatencyOnce(rt *async.Runtime, det *autoscale.AnomalyDetector) autoscale.AnomalyReport {
	p99 := rt.Metrics().Snapshot().P99Execution
	v := float64(p99) / float64(time.Millisecond)
	report := det.Detect("p99_latency_ms", v)
	if report.Anomaly {
		rt.Health().AddCheck(checkLatency, health.Degraded, report.String())
	} else {
		rt.Health().AddCheck(checkLatency, health.Healthy, report.String())
		// 異常值不納入基準線
		det.Observe(v)
	}
	return report
}
