package main

// ============================================================================
// 職責說明：
// 1. CLI 應用程式入口點
// 2. 初始化並執行 CLI 命令
// 3. 處理頂層錯誤與 panic recovery
// ============================================================================

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/stream-recorder/internal/cli"
)

// 由建置時注入：go build -ldflags "-X main.version=1.0.0"
var version = "dev"

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "嚴重錯誤: %v\n", r)
			os.Exit(1)
		}
	}()

	cli.Version = version
	os.Exit(cli.Execute())
}
