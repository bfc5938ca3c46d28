// ============================================================================
// 錄影任務管理器 - 任務狀態機實現
// ============================================================================
//
// Package: internal/jobmanager
// 文件: job_manager.go
// 功能: 管理錄影任務的完整生命週期和狀態轉換
//
// 任務狀態轉換 (State Machine):
//   Pending (待執行)
//      ↓ MarkCapturing()              計時器觸發
//   Capturing (擷取中)
//      ↓ MarkTranscoding()            擷取時間 + 安全緩衝結束
//   Transcoding (轉檔中)
//      ↓ MarkCompleted()
//   Completed (已完成)
//
//   任何非終止狀態 ─ MarkFailed() → Failed
//   Pending ─ Remove() → 刪除（取消排程）
//
// 數據結構設計:
//   jobs  map[JobID]*Job - 主存儲，Job.Status 為唯一狀態來源
//   order []JobID        - 建立順序，List() 與快照依此排序
//
// 並發安全:
//   - 使用 sync.RWMutex 保護所有數據結構
//   - 所有對外回傳的 Job 都是副本，呼叫者無法直接修改內部狀態
//
// 職責說明：
//   1. 維護任務表（單一真實來源）
//   2. 強制單向狀態轉換（不允許回退、不允許離開終止狀態）
//   3. 支援快照序列化與恢復
//
// ============================================================================

package jobmanager

import (
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/ChuLiYu/stream-recorder/pkg/types"
)

// unknownFailureDetail failed 任務沒有提供原因時使用
const unknownFailureDetail = "unknown error"

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// 任務 ID 重複錯誤
	ErrDuplicateJob = errors.New("job already exists")
	// 任務不存在
	ErrJobNotFound = errors.New("job not found")
	// 任務不在 pending 狀態
	ErrNotPending = errors.New("job not in pending status")
	// 非法狀態轉換
	ErrInvalidTransition = errors.New("invalid status transition")
)

// SchemaVersion 快照資料結構版本
const SchemaVersion = 1

// JobManager 代表任務管理器
type JobManager struct {
	mu    sync.RWMutex
	jobs  map[types.JobID]*types.Job // 所有任務的統一儲存，透過 Status 欄位區分狀態
	order []types.JobID              // 建立順序
}

// NewJobManager 建立新的任務管理器實例
//
// 併發安全：返回的實例是執行緒安全的
func NewJobManager() *JobManager {
	return &JobManager{
		jobs:  make(map[types.JobID]*types.Job),
		order: make([]types.JobID, 0),
	}
}

// Add 將新任務加入任務表，狀態強制設為 pending
//
// 參數說明：
//   - job: 要加入的任務，必須包含唯一 ID；CreatedAt/UpdatedAt 由呼叫者設定
//
// 錯誤處理：
//   - ErrDuplicateJob: 任務 ID 已存在於系統中
//
// 併發安全：使用互斥鎖保護
func (jm *JobManager) Add(job types.Job) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	if _, exists := jm.jobs[job.ID]; exists {
		return errors.Wrapf(ErrDuplicateJob, "job %s", job.ID)
	}

	job.Status = types.StatusPending
	job.ErrorDetail = ""
	jm.jobs[job.ID] = &job
	jm.order = append(jm.order, job.ID)
	return nil
}

// Remove 刪除一個仍在 pending 的任務（取消排程）
//
// 錯誤處理：
//   - ErrJobNotFound: 任務不存在
//   - ErrNotPending: 任務已開始執行，不能取消
func (jm *JobManager) Remove(jobID types.JobID) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, exists := jm.jobs[jobID]
	if !exists {
		return ErrJobNotFound
	}
	if job.Status != types.StatusPending {
		return errors.Wrapf(ErrNotPending, "job %s is %s", jobID, job.Status)
	}

	delete(jm.jobs, jobID)
	for i, id := range jm.order {
		if id == jobID {
			jm.order = append(jm.order[:i], jm.order[i+1:]...)
			break
		}
	}
	return nil
}

// MarkCapturing pending -> capturing
func (jm *JobManager) MarkCapturing(jobID types.JobID, now time.Time) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, err := jm.transition(jobID, types.StatusCapturing)
	if err != nil {
		return err
	}
	job.UpdatedAt = now
	return nil
}

// MarkTranscoding capturing -> transcoding，同時記錄擷取輸出檔案
func (jm *JobManager) MarkTranscoding(jobID types.JobID, outputPath string, now time.Time) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, err := jm.transition(jobID, types.StatusTranscoding)
	if err != nil {
		return err
	}
	job.OutputPath = outputPath
	job.UpdatedAt = now
	return nil
}

// MarkCompleted transcoding -> completed
func (jm *JobManager) MarkCompleted(jobID types.JobID, now time.Time) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, err := jm.transition(jobID, types.StatusCompleted)
	if err != nil {
		return err
	}
	job.UpdatedAt = now
	return nil
}

// MarkFailed 將任何非終止狀態的任務標記為失敗
//
// 參數說明：
//   - detail: 失敗原因，空字串會以 "unknown error" 取代，確保 failed 任務一定有原因
func (jm *JobManager) MarkFailed(jobID types.JobID, detail string, now time.Time) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, err := jm.transition(jobID, types.StatusFailed)
	if err != nil {
		return err
	}
	if detail == "" {
		detail = unknownFailureDetail
	}
	job.ErrorDetail = detail
	job.UpdatedAt = now
	return nil
}

// transition 檢查並套用狀態轉換，呼叫者必須持有寫鎖
func (jm *JobManager) transition(jobID types.JobID, next types.JobStatus) (*types.Job, error) {
	job, exists := jm.jobs[jobID]
	if !exists {
		return nil, ErrJobNotFound
	}
	if !job.Status.CanTransitionTo(next) {
		return nil, errors.Wrapf(ErrInvalidTransition, "job %s: %s -> %s", jobID, job.Status, next)
	}
	job.Status = next
	return job, nil
}

// ============================================================================
// 查詢方法
// ============================================================================

// GetJob 取得任務副本
//
// 返回值：
//   - types.Job: 任務副本
//   - bool: 任務是否存在
//
// 併發安全：使用讀鎖保護
func (jm *JobManager) GetJob(jobID types.JobID) (types.Job, bool) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	job, exists := jm.jobs[jobID]
	if !exists {
		return types.Job{}, false
	}
	return *job, true
}

// List 依建立順序回傳所有任務的副本
func (jm *JobManager) List() []types.Job {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	out := make([]types.Job, 0, len(jm.order))
	for _, id := range jm.order {
		out = append(out, *jm.jobs[id])
	}
	return out
}

// PendingJobs 依建立順序回傳所有 pending 任務的副本
func (jm *JobManager) PendingJobs() []types.Job {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	var pending []types.Job
	for _, id := range jm.order {
		if job := jm.jobs[id]; job.Status == types.StatusPending {
			pending = append(pending, *job)
		}
	}
	return pending
}

// Stats 取得各狀態任務的統計資訊，所有狀態都會出現在結果中
//
// 併發安全：使用讀鎖保護
func (jm *JobManager) Stats() map[types.JobStatus]int {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	stats := make(map[types.JobStatus]int, len(types.AllStatuses))
	for _, s := range types.AllStatuses {
		stats[s] = 0
	}
	for _, job := range jm.jobs {
		stats[job.Status]++
	}
	return stats
}

// Len 任務總數
func (jm *JobManager) Len() int {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	return len(jm.jobs)
}

// ============================================================================
// 快照與恢復相關方法
// ============================================================================

// Restore 從快照恢復狀態，會清空現有任務表
//
// 錯誤處理：
//   - ErrDuplicateJob: 快照中有重複 ID（快照內容不一致）
//   - 未知狀態值會被拒絕，避免恢復出無法推進的任務
//   - failed 任務缺少失敗原因時補上 "unknown error"
//
// 併發安全：使用互斥鎖保護
func (jm *JobManager) Restore(data types.SnapshotData) error {
	jobs := make(map[types.JobID]*types.Job, len(data.Jobs))
	order := make([]types.JobID, 0, len(data.Jobs))

	for _, job := range data.Jobs {
		if job == nil {
			continue
		}
		if _, exists := jobs[job.ID]; exists {
			return errors.Wrapf(ErrDuplicateJob, "restore job %s", job.ID)
		}
		if !job.Status.IsValid() {
			return errors.Newf("restore job %s: unknown status %q", job.ID, job.Status)
		}
		jobCopy := *job
		if jobCopy.Status == types.StatusFailed && jobCopy.ErrorDetail == "" {
			jobCopy.ErrorDetail = unknownFailureDetail
		}
		jobs[job.ID] = &jobCopy
		order = append(order, job.ID)
	}

	jm.mu.Lock()
	defer jm.mu.Unlock()
	jm.jobs = jobs
	jm.order = order
	return nil
}

// Snapshot 生成快照資料（深拷貝，依建立順序）
//
// 併發安全：使用讀鎖保護
func (jm *JobManager) Snapshot() types.SnapshotData {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	jobsCopy := make([]*types.Job, 0, len(jm.order))
	for _, id := range jm.order {
		jobCopy := *jm.jobs[id]
		jobsCopy = append(jobsCopy, &jobCopy)
	}

	return types.SnapshotData{
		SchemaVer: SchemaVersion,
		Jobs:      jobsCopy,
	}
}
