package worker

import (
	"context"
	"time"

	"github.com/ChuLiYu/stream-recorder/pkg/types"
)

// Task 代表一次錄影目錄登記通知
type Task struct {
	JobID   types.JobID   // 來源任務
	Name    string        // 錄影名稱（目錄資料夾名稱）
	Path    string        // 轉檔輸出位置
	Timeout time.Duration // 執行超時時間，0 使用 Pool 預設值
}

// Result 代表任務執行結果
type Result struct {
	JobID    types.JobID   // 任務 ID
	Name     string        // 錄影名稱
	Success  bool          // 執行是否成功
	Error    error         // 錯誤訊息（如果有）
	Duration time.Duration // 實際執行時間
}

// Handler 實際處理一個 Task 的函式
type Handler func(ctx context.Context, task Task) error
