package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/ChuLiYu/beaver-async/internal/config"
	"github.com/ChuLiYu/beaver-async/internal/logging"
	"github.com/ChuLiYu/beaver-async/pkg/async"
	"github.com/ChuLiYu/beaver-async/pkg/channel"
	"github.com/ChuLiYu/beaver-async/pkg/types"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run cmd/demo/main.go <pipeline|timeout>")
		os.Exit(1)
	}
	mode := os.Args[1]

	cfg, err := config.Load("configs/default.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	cfg.Log.Level = "warn"
	logger, err := logging.Setup(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	rt, err := async.NewWithConfig(cfg.ToRuntime(logger))
	if err != nil {
		log.Fatalf("Failed to start runtime: %v", err)
	}
	fmt.Printf("✓ Runtime started (threads: %d, mode: %s)\n", rt.Threads(), mode)

	switch mode {
	case "pipeline":
		err = pipeline(rt, logger)
	case "timeout":
		err = timeouts(rt)
	default:
		err = fmt.Errorf("unknown mode %q", mode)
	}
	if err != nil {
		fmt.Printf("❌ %v\n", err)
	}

	m := rt.Metrics().Snapshot()
	fmt.Printf("\n📊 Runtime Metrics:\n")
	fmt.Printf("  Spawned:   %d\n", m.TasksSpawned)
	fmt.Printf("  Completed: %d\n", m.TasksCompleted)
	fmt.Printf("  Failed:    %d\n", m.TasksFailed)
	fmt.Printf("  p50/p99:   %s / %s\n", m.P50Execution, m.P99Execution)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rt.Shutdown(ctx); err != nil {
		log.Fatalf("Shutdown: %v", err)
	}
	fmt.Println("✓ Runtime stopped")
}

// pipeline runs three producers feeding one consumer through a bounded
// channel, all as tasks.
func pipeline(rt *async.Runtime, logger *zap.Logger) error {
	total, err := async.BlockOn(rt, func(ctx context.Context) (int, error) {
		tx, rx := channel.Bounded[int](4)
		defer rx.Close()

		for p := range 3 {
			ptx, err := tx.Clone()
			if err != nil {
				return 0, err
			}
			err = rt.Spawn(ctx, func(ctx context.Context) error {
				defer ptx.Close()
				for i := range 10 {
					if err := ptx.Send(ctx, p*100+i); err != nil {
						return err
					}
					async.YieldNow(ctx)
				}
				return nil
			}, async.WithName(fmt.Sprintf("producer-%d", p)))
			if err != nil {
				ptx.Close()
				return 0, err
			}
		}
		tx.Close()

		sum := 0
		for {
			v, err := rx.Recv(ctx)
			if errors.Is(err, types.ErrChannelClosed) {
				return sum, nil
			}
			if err != nil {
				return sum, err
			}
			sum += v
		}
	}, async.WithName("consumer"))
	if err != nil {
		return err
	}
	logger.Debug("pipeline finished", zap.Int("sum", total))
	fmt.Printf("✓ Pipeline consumed 30 values, sum=%d\n", total)
	return nil
}

// timeouts races a fast and a slow task against the same deadline.
func timeouts(rt *async.Runtime) error {
	_, err := async.BlockOn(rt, func(ctx context.Context) (struct{}, error) {
		for _, work := range []time.Duration{10 * time.Millisecond, 500 * time.Millisecond} {
			start := time.Now()
			_, err := async.Timeout(ctx, 100*time.Millisecond, func(ctx context.Context) (struct{}, error) {
				return struct{}{}, async.Sleep(ctx, work)
			})
			switch {
			case errors.Is(err, types.ErrTimeout):
				fmt.Printf("⏱  %s of work timed out after %s\n", work, time.Since(start).Round(time.Millisecond))
			case err != nil:
				return struct{}{}, err
			default:
				fmt.Printf("✓ %s of work finished in time\n", work)
			}
		}
		return struct{}{}, nil
	})
	return err
}
