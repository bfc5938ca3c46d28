// ============================================================================
// 錄影排程器 - 系統核心協調器
// ============================================================================
//
// Package: internal/scheduler
// 文件: scheduler.go
// 功能: 在排定時間啟動擷取、等待擷取視窗結束後轉檔，並在重啟後恢復排程
//
// 架構設計:
//   Scheduler 協調以下組件：
//   - JobManager: 任務表與狀態機（pending/capturing/transcoding/completed/failed）
//   - Store: 快照持久化，每次狀態轉換後整份重寫
//   - CaptureInvoker: 啟動外部擷取程序（啟動即返回）
//   - TranscodeInvoker: 執行轉檔腳本（等待結束）
//   - Notifier: 轉檔完成後非阻塞地登記錄影目錄
//
// 任務生命線:
//   Submit ──▶ pending ──(start timer)──▶ capturing ──(launch ok)──▶
//     [等待 duration + safetyMargin] ──▶ transcoding ──▶ completed
//   launch 失敗 / transcode 失敗 ──▶ failed
//   pending ──Cancel──▶ 從任務表移除
//
// 計時器:
//   timers  map[JobID]*timerEntry - 每個 pending 任務恰好一個開始計時器
//   windows map[JobID]*timerEntry - 擷取視窗計時器
//   回呼以指標比對 entry，已取消或被取代的計時器觸發時是 no-op。
//   計時器不持久化，重啟時由 Reconcile 依 pending 任務重建。
//
// 並發安全:
//   - mu 串行化所有狀態轉換、計時器表與快照寫入，快照依轉換順序寫出
//   - 擷取啟動與轉檔在鎖外執行，不阻塞其他任務與查詢
//   - 回呼僅在未停止時於鎖內 wg.Add，Stop 先在鎖內設定 stopped 再 Wait
//
// 崩潰恢復流程 (Recover):
//   1. store.Load() - 快照損壞為致命錯誤
//   2. JobManager.Restore()
//   3. Reconcile() - 未來的 pending 重新計時；已過時的標記為 failed
//   capturing/transcoding 任務維持原狀態，不會重新執行。
//
// ============================================================================

package scheduler

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ChuLiYu/stream-recorder/internal/capture"
	"github.com/ChuLiYu/stream-recorder/internal/jobmanager"
	"github.com/ChuLiYu/stream-recorder/internal/metrics"
	"github.com/ChuLiYu/stream-recorder/internal/transcode"
	"github.com/ChuLiYu/stream-recorder/internal/worker"
	"github.com/ChuLiYu/stream-recorder/pkg/types"
)

// DefaultSafetyMargin 擷取時間結束後、開始轉檔前的額外等待
const DefaultSafetyMargin = 30 * time.Second

// MissedScheduleDetail 重啟時開始時間已過的任務所記錄的失敗原因
const MissedScheduleDetail = "missed scheduled time due to restart"

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrInvalidJob 提交內容結構不合法
	ErrInvalidJob = errors.New("invalid job")
	// ErrStopped 排程器已停止
	ErrStopped = errors.New("scheduler stopped")
	// ErrNotRecovered 任務表尚未從快照恢復，不接受新任務
	ErrNotRecovered = errors.New("scheduler has not recovered its job table")
)

// ============================================================================
// 協作者介面
// ============================================================================

// CaptureInvoker 啟動擷取程序，成功時回傳輸出檔路徑
type CaptureInvoker interface {
	Launch(ctx context.Context, req capture.Request) (string, error)
}

// TranscodeInvoker 執行轉檔並等待結束
type TranscodeInvoker interface {
	Transcode(ctx context.Context, req transcode.Request) error
}

// Store 任務表的持久化
type Store interface {
	Load() (types.SnapshotData, error)
	Write(types.SnapshotData) error
}

// Notifier 非阻塞地提交目錄登記
type Notifier interface {
	Submit(task worker.Task) error
}

// ============================================================================
// 資料結構定義
// ============================================================================

type timerEntry struct {
	t Timer
}

// Scheduler 錄影排程器
type Scheduler struct {
	mu         sync.Mutex
	jobs       *jobmanager.JobManager
	store      Store
	capture    CaptureInvoker
	transcoder TranscodeInvoker

	notifier      Notifier
	clock         Clock
	log           *zap.SugaredLogger
	metrics       *metrics.Collector
	safetyMargin  time.Duration
	recordingsDir string
	newID         func() string

	timers  map[types.JobID]*timerEntry // 開始計時器
	windows map[types.JobID]*timerEntry // 擷取視窗計時器

	ctx     context.Context // Stop 時取消，中止進行中的轉檔
	cancel  context.CancelFunc
	wg      sync.WaitGroup // 進行中的回呼
	started bool
	stopped bool

	// recovered 快照載入成功後才為 true；在此之前不寫入快照，
	// 避免啟動失敗時以空表覆蓋無法讀取的檔案
	recovered bool
}

// New 建立排程器
func New(store Store, capturer CaptureInvoker, transcoder TranscodeInvoker, opts ...Option) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		jobs:         jobmanager.NewJobManager(),
		store:        store,
		capture:      capturer,
		transcoder:   transcoder,
		clock:        realClock{},
		log:          zap.NewNop().Sugar(),
		safetyMargin: DefaultSafetyMargin,
		newID:        func() string { return uuid.NewString() },
		timers:       make(map[types.JobID]*timerEntry),
		windows:      make(map[types.JobID]*timerEntry),
		ctx:          ctx,
		cancel:       cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ============================================================================
// 生命週期
// ============================================================================

// Start 執行恢復流程並開始排程
func (s *Scheduler) Start() error {
	if err := s.Recover(); err != nil {
		return err
	}
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()

	s.log.Infow("Scheduler started", "safety_margin", s.safetyMargin)
	return nil
}

// Recover 從持久化快照重建任務表與計時器
//
// 必須在第一次 Submit 之前呼叫。快照損壞或版本不符時回傳錯誤，呼叫者應中止啟動。
func (s *Scheduler) Recover() error {
	start := time.Now()

	data, err := s.store.Load()
	if err != nil {
		return errors.Wrap(err, "load snapshot")
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	if s.jobs.Len() > 0 {
		s.mu.Unlock()
		return errors.New("recover on a scheduler that already holds jobs")
	}
	if err := s.jobs.Restore(data); err != nil {
		s.mu.Unlock()
		return errors.Wrap(err, "restore job table")
	}
	s.recovered = true
	s.mu.Unlock()

	s.Reconcile()

	elapsed := time.Since(start)
	s.metrics.SetRecoveryTime(elapsed)
	s.log.Infow("Recovery completed",
		"duration", elapsed,
		"jobs", len(data.Jobs),
	)
	return nil
}

// Reconcile 依 pending 任務重建開始計時器
//
// 尚未到開始時間的任務重新計時；開始時間已過的任務標記為 failed。
// 已有計時器的任務會被略過，重複呼叫不會改變結果。完成後寫入一次快照。
func (s *Scheduler) Reconcile() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped || !s.recovered {
		return
	}

	now := s.clock.Now()
	armed, missed := 0, 0
	for _, job := range s.jobs.PendingJobs() {
		if _, ok := s.timers[job.ID]; ok {
			continue
		}
		if job.StartTime.After(now) {
			s.armLocked(job, now)
			armed++
			continue
		}
		if err := s.jobs.MarkFailed(job.ID, MissedScheduleDetail, now); err != nil {
			s.log.Errorw("Failed to mark missed job", "job_id", job.ID, "error", err)
			continue
		}
		s.metrics.RecordFailed(metrics.StageMissed)
		s.log.Warnw("Job missed its start time",
			"job_id", job.ID,
			"name", job.Name,
			"start_time", job.StartTime,
		)
		missed++
	}

	s.persistLocked()
	s.log.Infow("Reconciled pending jobs", "armed", armed, "missed", missed)
}

// Stop 停止所有計時器、中止進行中的轉檔，等待回呼結束並寫入最後一次快照
//
// 被中止的轉檔任務維持在 transcoding 狀態。重複呼叫是安全的。
// 未成功恢復的排程器不寫入快照，原檔案保持不變。
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	for id, e := range s.timers {
		e.t.Stop()
		delete(s.timers, id)
	}
	for id, e := range s.windows {
		e.t.Stop()
		delete(s.windows, id)
	}
	s.cancel()
	s.mu.Unlock()

	s.log.Info("Stopping scheduler...")
	s.wg.Wait()

	s.mu.Lock()
	if s.recovered {
		s.persistLocked()
	}
	s.mu.Unlock()

	s.log.Info("Scheduler stopped")
}

// ============================================================================
// 公開操作
// ============================================================================

// Submit 建立 pending 任務、寫入快照並設定開始計時器
//
// 只檢查結構（來源、名稱、長度），不檢查 startTime 是否在未來；
// 已過去的 startTime 會讓計時器立即觸發。
func (s *Scheduler) Submit(source, name string, durationSeconds int, startTime time.Time) (types.Job, error) {
	if err := validate(source, name, durationSeconds); err != nil {
		return types.Job{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return types.Job{}, ErrStopped
	}
	if !s.recovered {
		return types.Job{}, ErrNotRecovered
	}

	now := s.clock.Now().UTC()
	job := types.Job{
		ID:              types.JobID(s.newID()),
		Source:          source,
		Name:            name,
		DurationSeconds: durationSeconds,
		StartTime:       startTime.UTC(),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.jobs.Add(job); err != nil {
		return types.Job{}, errors.Wrap(err, "add job")
	}
	s.persistLocked()

	stored, _ := s.jobs.GetJob(job.ID)
	s.armLocked(stored, now)
	s.metrics.RecordSubmitted()

	s.log.Infow("Job scheduled",
		"job_id", stored.ID,
		"name", stored.Name,
		"source", stored.Source,
		"start_time", stored.StartTime,
		"duration_seconds", stored.DurationSeconds,
	)
	return stored, nil
}

// Cancel 取消 pending 任務
//
// 只有存在且仍為 pending 的任務會被取消（停止計時器、移除、寫入快照）並回傳 true；
// 其他情況回傳 false 且不做任何改變。
func (s *Scheduler) Cancel(id types.JobID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs.GetJob(id)
	if !ok || job.Status != types.StatusPending {
		return false
	}

	if e, ok := s.timers[id]; ok {
		e.t.Stop()
		delete(s.timers, id)
	}
	if err := s.jobs.Remove(id); err != nil {
		s.log.Errorw("Failed to remove cancelled job", "job_id", id, "error", err)
		return false
	}
	s.persistLocked()
	s.metrics.RecordCancelled()

	s.log.Infow("Job cancelled", "job_id", id, "name", job.Name)
	return true
}

// Get 取得任務副本
func (s *Scheduler) Get(id types.JobID) (types.Job, bool) {
	return s.jobs.GetJob(id)
}

// List 依建立順序列出所有任務
func (s *Scheduler) List() []types.Job {
	return s.jobs.List()
}

// Stats 各狀態任務數
func (s *Scheduler) Stats() map[types.JobStatus]int {
	return s.jobs.Stats()
}

// ============================================================================
// 計時器回呼
// ============================================================================

// onTimerFire 開始計時器觸發：pending → capturing，並啟動擷取
func (s *Scheduler) onTimerFire(id types.JobID, entry *timerEntry) {
	s.mu.Lock()
	if s.stopped || s.timers[id] != entry {
		s.mu.Unlock()
		return
	}
	delete(s.timers, id)

	job, ok := s.jobs.GetJob(id)
	if !ok || job.Status != types.StatusPending {
		s.mu.Unlock()
		return
	}
	if err := s.jobs.MarkCapturing(id, s.clock.Now().UTC()); err != nil {
		s.log.Errorw("Failed to mark capturing", "job_id", id, "error", err)
		s.mu.Unlock()
		return
	}
	s.persistLocked()

	s.wg.Add(1)
	ctx := s.ctx
	s.mu.Unlock()
	defer s.wg.Done()

	s.log.Infow("Starting capture", "job_id", id, "name", job.Name, "source", job.Source)
	output, err := s.capture.Launch(ctx, capture.Request{
		JobID:           string(job.ID),
		Source:          job.Source,
		Name:            job.Name,
		DurationSeconds: job.DurationSeconds,
	})

	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil {
		s.failLocked(id, err.Error(), metrics.StageCapture)
		return
	}
	s.metrics.RecordCaptureLaunched()

	if s.stopped {
		return
	}
	window := job.Duration() + s.safetyMargin
	e := &timerEntry{}
	s.windows[id] = e
	e.t = s.clock.AfterFunc(window, func() { s.onCaptureWindowElapsed(id, output, e) })

	s.log.Infow("Capture launched",
		"job_id", id,
		"output", output,
		"transcode_in", window,
	)
}

// onCaptureWindowElapsed 擷取視窗結束：capturing → transcoding，執行轉檔並等待結果
func (s *Scheduler) onCaptureWindowElapsed(id types.JobID, output string, entry *timerEntry) {
	s.mu.Lock()
	if s.stopped || s.windows[id] != entry {
		s.mu.Unlock()
		return
	}
	delete(s.windows, id)

	if err := s.jobs.MarkTranscoding(id, output, s.clock.Now().UTC()); err != nil {
		s.log.Errorw("Failed to mark transcoding", "job_id", id, "error", err)
		s.mu.Unlock()
		return
	}
	s.persistLocked()
	job, _ := s.jobs.GetJob(id)

	s.wg.Add(1)
	ctx := s.ctx
	s.mu.Unlock()
	defer s.wg.Done()

	outDir := filepath.Join(s.recordingsDir, job.Name)
	start := s.clock.Now()
	err := s.transcoder.Transcode(ctx, transcode.Request{
		JobID:     string(id),
		InputPath: output,
		OutputDir: outDir,
	})
	s.metrics.ObserveTranscode(s.clock.Now().Sub(start))

	if err != nil && ctx.Err() != nil {
		// 停止中被中止，維持 transcoding
		s.log.Warnw("Transcode aborted by shutdown", "job_id", id, "error", err)
		return
	}

	if err != nil {
		s.mu.Lock()
		s.failLocked(id, err.Error(), metrics.StageTranscode)
		s.mu.Unlock()
		return
	}

	s.notify(job, outDir)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.jobs.MarkCompleted(id, s.clock.Now().UTC()); err != nil {
		s.log.Errorw("Failed to mark completed", "job_id", id, "error", err)
		return
	}
	s.persistLocked()
	s.metrics.RecordCompleted()
	s.log.Infow("Job completed", "job_id", id, "name", job.Name, "output_dir", outDir)
}

// ============================================================================
// 內部輔助
// ============================================================================

// armLocked 為 pending 任務設定開始計時器，呼叫者必須持有 mu
func (s *Scheduler) armLocked(job types.Job, now time.Time) {
	delay := job.StartTime.Sub(now)
	if delay < 0 {
		delay = 0
	}
	e := &timerEntry{}
	s.timers[job.ID] = e
	id := job.ID
	e.t = s.clock.AfterFunc(delay, func() { s.onTimerFire(id, e) })
}

// failLocked 將任務標記為失敗並寫入快照，呼叫者必須持有 mu
func (s *Scheduler) failLocked(id types.JobID, detail, stage string) {
	if err := s.jobs.MarkFailed(id, detail, s.clock.Now().UTC()); err != nil {
		s.log.Errorw("Failed to mark failed", "job_id", id, "error", err)
		return
	}
	s.persistLocked()
	s.metrics.RecordFailed(stage)
	s.log.Errorw("Job failed", "job_id", id, "stage", stage, "error", detail)
}

// persistLocked 寫入快照；失敗只記錄，不影響記憶體中的狀態
func (s *Scheduler) persistLocked() {
	if err := s.store.Write(s.jobs.Snapshot()); err != nil {
		s.metrics.RecordPersistError()
		s.log.Errorw("Failed to persist job table", "error", err)
	}
	s.metrics.UpdateJobStats(s.jobs.Stats())
}

// notify 提交目錄登記，失敗不影響任務結果
func (s *Scheduler) notify(job types.Job, outDir string) {
	if s.notifier == nil {
		return
	}
	err := s.notifier.Submit(worker.Task{JobID: job.ID, Name: job.Name, Path: outDir})
	if err != nil {
		s.metrics.RecordNotification(metrics.NotifyDropped)
		s.log.Warnw("Catalog notification dropped", "job_id", job.ID, "name", job.Name, "error", err)
	}
}

func validate(source, name string, durationSeconds int) error {
	switch {
	case strings.TrimSpace(source) == "":
		return errors.Wrap(ErrInvalidJob, "source is required")
	case strings.TrimSpace(name) == "":
		return errors.Wrap(ErrInvalidJob, "name is required")
	case name == "." || name == ".." || strings.ContainsAny(name, `/\`):
		return errors.Wrapf(ErrInvalidJob, "name %q must be a plain file name", name)
	case durationSeconds <= 0:
		return errors.Wrapf(ErrInvalidJob, "duration must be positive, got %d", durationSeconds)
	}
	return nil
}
