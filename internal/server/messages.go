package server

import (
	"time"

	"github.com/ChuLiYu/stream-recorder/pkg/types"
)

// SubmitRequest 排程一個錄影任務
type SubmitRequest struct {
	Source          string    `json:"source"`
	Name            string    `json:"name"`
	DurationSeconds int       `json:"duration_seconds"`
	StartTime       time.Time `json:"start_time"`
}

// JobRequest 以 ID 指定任務
type JobRequest struct {
	ID types.JobID `json:"id"`
}

// JobResponse 單一任務
type JobResponse struct {
	Job types.Job `json:"job"`
}

// ListRequest 列出所有任務
type ListRequest struct{}

// ListResponse 依建立順序的任務列表
type ListResponse struct {
	Jobs []types.Job `json:"jobs"`
}

// CancelResponse Cancelled 為 false 表示任務不存在或已開始
type CancelResponse struct {
	Cancelled bool `json:"cancelled"`
}

// StatusRequest 查詢排程器狀態
type StatusRequest struct{}

// StatusResponse 各狀態任務數
type StatusResponse struct {
	Counts map[types.JobStatus]int `json:"counts"`
	Total  int                     `json:"total"`
}
