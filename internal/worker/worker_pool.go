// ============================================================================
// Catalog Notifier Pool - 錄影目錄登記的背景工作池
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 轉檔完成後將錄影登記到目錄，不阻塞排程器的狀態推進
//
// 架構組件:
//   ┌─────────────┐
//   │  Scheduler  │ --Submit()--> taskCh (帶緩衝，滿了直接回 ErrQueueFull)
//   └─────────────┘
//   ┌─────────────┐
//   │   Pool      │
//   │  ┌────────┐ │
//   │  │Worker 1│←── taskCh ──→ Handler(ctx, task)
//   │  │Worker 2│←── taskCh       ↓
//   │  └────────┘ │           OnResult(result)
//   └─────────────┘
//
// 生命週期:
//   1. NewPool()  - 建立 Pool，設定 Handler 與 OnResult
//   2. Start(n)   - 啟動 n 個 Worker goroutines
//   3. Submit()   - 非阻塞提交；佇列已滿時回傳 ErrQueueFull
//   4. Stop()     - 不再接受新任務，處理完佇列中剩餘任務後返回
//
// 並發控制:
//   - Submit 在持有 mu 的情況下做非阻塞發送，Stop 也在 mu 下關閉 taskCh，
//     因此不會對已關閉的 channel 發送
//   - WaitGroup 追蹤所有 Worker，確保優雅關閉
//
// ============================================================================

package worker

import (
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

// DefaultTaskTimeout 單一任務預設超時時間
const DefaultTaskTimeout = 30 * time.Second

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrPoolClosed 表示當前 Pool 已關閉，無法提交新任務
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted 表示 Pool 尚未啟動，無法提交任務
	ErrPoolNotStarted = errors.New("worker pool not started")
	// ErrQueueFull 表示任務佇列已滿
	ErrQueueFull = errors.New("worker pool queue is full")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Options Pool 設定
type Options struct {
	BufferSize int           // 任務佇列長度
	Timeout    time.Duration // 單一任務超時，0 使用 DefaultTaskTimeout
	OnResult   func(Result)  // 每個任務完成後呼叫，可為 nil；會在 Worker goroutine 中執行
}

// Pool 代表 Worker 池，管理多個並發的 Worker
type Pool struct {
	handler Handler
	opts    Options

	workers []*Worker      // Worker 列表
	taskCh  chan Task      // 任務通道
	wg      sync.WaitGroup // 等待所有 Worker 完成
	started bool
	stopped bool
	mu      sync.Mutex // 保護 started/stopped 與 taskCh 的發送/關閉
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewPool 建立新的 Worker Pool
func NewPool(handler Handler, opts Options) *Pool {
	if opts.BufferSize < 0 {
		opts.BufferSize = 0
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTaskTimeout
	}
	return &Pool{
		handler: handler,
		opts:    opts,
		workers: make([]*Worker, 0),
		taskCh:  make(chan Task, opts.BufferSize),
	}
}

// Start 啟動指定數量的 Worker
func (p *Pool) Start(workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("pool already started")
	}
	if p.stopped {
		return ErrPoolClosed
	}
	if workerCount < 1 {
		return errors.Newf("worker count must be positive, got %d", workerCount)
	}

	for i := 0; i < workerCount; i++ {
		w := newWorker(i, p.taskCh, p.handler, p.opts.Timeout, p.opts.OnResult)
		p.workers = append(p.workers, w)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run()
		}(w)
	}

	p.started = true
	return nil
}

// Submit 非阻塞地提交任務
//
// 錯誤處理：
//   - ErrPoolNotStarted: Pool 尚未啟動
//   - ErrPoolClosed: Pool 已關閉
//   - ErrQueueFull: 佇列已滿，任務被丟棄
func (p *Pool) Submit(task Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolClosed
	}

	select {
	case p.taskCh <- task:
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop 優雅地關閉 Worker Pool
//
// 關閉流程：
//  1. 設定 stopped 標誌並關閉 taskCh，不再接受新任務
//  2. Worker 處理完佇列中剩餘的任務後退出
//  3. 等待所有 Worker 完成
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.stopped = true
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.taskCh)
	p.mu.Unlock()

	p.wg.Wait()
}

// GetWorkerCount 返回當前 Worker 數量
func (p *Pool) GetWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// isStarted 檢查 Pool 是否已啟動
func (p *Pool) isStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}

// Pending 佇列中尚未被 Worker 取走的任務數
func (p *Pool) Pending() int {
	return len(p.taskCh)
}
