package main

// ============================================================================
// 職責說明：
// 1. CLI 應用程式入口點
// 2. 初始化並執行 CLI 命令
// 3. 處理頂層錯誤與 panic recovery
//
// 用法：
//   go build -o bin/beaver-async ./cmd/beaver-async
//   ./bin/beaver-async run -c configs/default.yaml
//   ./bin/beaver-async status
//   ./bin/beaver-async traces --all --limit 50
//   ./bin/beaver-async probe --service latency
// ============================================================================

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/beaver-async/internal/cli"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", r)
			os.Exit(1)
		}
	}()

	if err := cli.BuildCLI().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
