// Package types 定義了錄影排程系統中使用的核心領域模型
package types

import (
	"time"
)

// JobID 任務唯一識別碼
type JobID string

// JobStatus 任務狀態
type JobStatus string

// 定義任務狀態常數
const (
	StatusPending     JobStatus = "pending"     // 待執行：已排程，等待開始時間
	StatusCapturing   JobStatus = "capturing"   // 擷取中：外部擷取程序已啟動
	StatusTranscoding JobStatus = "transcoding" // 轉檔中：正在產生 HLS 輸出
	StatusCompleted   JobStatus = "completed"   // 完成：轉檔成功
	StatusFailed      JobStatus = "failed"      // 失敗：見 ErrorDetail
)

// AllStatuses 依生命週期順序列出所有狀態
var AllStatuses = []JobStatus{
	StatusPending,
	StatusCapturing,
	StatusTranscoding,
	StatusCompleted,
	StatusFailed,
}

// transitions 合法的狀態轉換表，狀態只能向前推進
var transitions = map[JobStatus][]JobStatus{
	StatusPending:     {StatusCapturing, StatusFailed},
	StatusCapturing:   {StatusTranscoding, StatusFailed},
	StatusTranscoding: {StatusCompleted, StatusFailed},
}

// IsValid 檢查狀態值是否為已知狀態
func (s JobStatus) IsValid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// IsTerminal 終止狀態不會再離開
func (s JobStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransitionTo 檢查 s -> next 是否為合法轉換
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Job 一個排程錄影任務：在 StartTime 擷取 Source，持續 DurationSeconds 秒，
// 之後轉檔並登記到錄影目錄
type Job struct {
	// 識別與輸入
	ID              JobID  `json:"id"`               // 任務唯一識別碼
	Source          string `json:"source"`           // 串流來源 URL
	Name            string `json:"name"`             // 輸出名稱（決定擷取檔與目錄資料夾名稱）
	DurationSeconds int    `json:"duration_seconds"` // 擷取長度（秒）

	// 時間管理（UTC，RFC 3339 序列化）
	StartTime time.Time `json:"start_time"` // 排定開始時間
	CreatedAt time.Time `json:"created_at"` // 建立時間，不可變
	UpdatedAt time.Time `json:"updated_at"` // 最後一次狀態轉換時間

	// 狀態追蹤
	Status      JobStatus `json:"status"`                 // 任務當前狀態
	OutputPath  string    `json:"output_path,omitempty"`  // 擷取輸出檔案路徑
	ErrorDetail string    `json:"error_detail,omitempty"` // 失敗原因，僅在 failed 時設定
}

// Duration 擷取長度
func (j Job) Duration() time.Duration {
	return time.Duration(j.DurationSeconds) * time.Second
}

// SnapshotData 快照資料，用於系統狀態的持久化和恢復
// Jobs 依建立順序排列
type SnapshotData struct {
	SchemaVer int     `json:"schema_ver"`         // 資料結構版本號
	Checksum  *uint32 `json:"checksum,omitempty"` // Jobs 的 CRC32（由 snapshot 套件計算）
	Jobs      []*Job  `json:"jobs"`               // 所有任務的完整資料
}
