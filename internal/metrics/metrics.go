// ============================================================================
// Stream Recorder Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露錄影排程器的運行指標
//
// 指標分類:
//
//   1. 生命週期計數器 (Counter)：
//      - recorder_jobs_submitted_total: 已排程任務總數
//      - recorder_jobs_cancelled_total: 已取消任務總數
//      - recorder_captures_launched_total: 已啟動擷取程序總數
//      - recorder_jobs_completed_total: 已完成任務總數
//      - recorder_jobs_failed_total{stage}: 失敗任務總數
//        stage = capture | transcode | missed
//      - recorder_catalog_notifications_total{result}: 目錄登記結果
//        result = ok | error | dropped
//      - recorder_persist_errors_total: 快照寫入失敗次數
//
//   2. 性能指標 (Histogram)：
//      - recorder_transcode_duration_seconds: 轉檔耗時分佈
//
//   3. 狀態指標 (Gauge)：
//      - recorder_recovery_time_seconds: 最近一次恢復時間
//      - recorder_jobs{status}: 各狀態任務數
//      - recorder_notify_queue_depth: 等待登記的目錄通知數
//      - recorder_notify_workers: 目錄登記 Worker 數量
//
// Prometheus 查詢示例:
//
//   # 擷取失敗率
//   rate(recorder_jobs_failed_total{stage="capture"}[1h])
//     / rate(recorder_captures_launched_total[1h])
//
//   # 95 分位轉檔時間
//   histogram_quantile(0.95, rate(recorder_transcode_duration_seconds_bucket[1d]))
//
// 所有方法在 nil receiver 上都是 no-op，未啟用監控時可直接傳 nil。
//
// ============================================================================

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/stream-recorder/pkg/types"
)

// 失敗階段
const (
	StageCapture   = "capture"
	StageTranscode = "transcode"
	StageMissed    = "missed"
)

// 目錄登記結果
const (
	NotifyOK      = "ok"
	NotifyError   = "error"
	NotifyDropped = "dropped"
)

// Collector Prometheus 指標收集器
type Collector struct {
	jobsSubmitted   prometheus.Counter
	jobsCancelled   prometheus.Counter
	capturesStarted prometheus.Counter
	jobsCompleted   prometheus.Counter
	jobsFailed      *prometheus.CounterVec
	notifications   *prometheus.CounterVec
	persistErrors   prometheus.Counter

	transcodeDuration prometheus.Histogram
	recoveryTime      prometheus.Gauge
	jobs              *prometheus.GaugeVec

	reg      prometheus.Registerer
	gatherer prometheus.Gatherer
}

// NotifyPool 目錄登記 Worker Pool 的可觀測狀態
type NotifyPool interface {
	Pending() int
	GetWorkerCount() int
}

// NewCollector 創建指標收集器並註冊到 reg
//
// reg 為 nil 時使用新的 prometheus.Registry；
// 若 reg 同時實作 prometheus.Gatherer，Handler() 會暴露它。
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	c := &Collector{
		jobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "recorder_jobs_submitted_total",
			Help: "Total number of capture jobs scheduled",
		}),
		jobsCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "recorder_jobs_cancelled_total",
			Help: "Total number of pending jobs cancelled",
		}),
		capturesStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "recorder_captures_launched_total",
			Help: "Total number of capture processes launched",
		}),
		jobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "recorder_jobs_completed_total",
			Help: "Total number of jobs transcoded successfully",
		}),
		jobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "recorder_jobs_failed_total",
			Help: "Total number of failed jobs by stage",
		}, []string{"stage"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "recorder_catalog_notifications_total",
			Help: "Catalog notifications by result",
		}, []string{"result"}),
		persistErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "recorder_persist_errors_total",
			Help: "Total number of failed snapshot writes",
		}),
		transcodeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "recorder_transcode_duration_seconds",
			Help:    "Transcode step duration in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		}),
		recoveryTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "recorder_recovery_time_seconds",
			Help: "Time taken by the last restart recovery in seconds",
		}),
		jobs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "recorder_jobs",
			Help: "Current number of jobs by status",
		}, []string{"status"}),
	}

	reg.MustRegister(
		c.jobsSubmitted,
		c.jobsCancelled,
		c.capturesStarted,
		c.jobsCompleted,
		c.jobsFailed,
		c.notifications,
		c.persistErrors,
		c.transcodeDuration,
		c.recoveryTime,
		c.jobs,
	)

	c.reg = reg
	if g, ok := reg.(prometheus.Gatherer); ok {
		c.gatherer = g
	}
	return c
}

// TrackNotifyPool 以 GaugeFunc 暴露 Pool 的佇列深度與 Worker 數量，每次抓取時讀取
func (c *Collector) TrackNotifyPool(p NotifyPool) {
	if c == nil {
		return
	}
	c.reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "recorder_notify_queue_depth",
			Help: "Catalog notifications waiting for a worker",
		}, func() float64 { return float64(p.Pending()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "recorder_notify_workers",
			Help: "Number of catalog registration workers",
		}, func() float64 { return float64(p.GetWorkerCount()) }),
	)
}

// RecordSubmitted 記錄新排程
func (c *Collector) RecordSubmitted() {
	if c == nil {
		return
	}
	c.jobsSubmitted.Inc()
}

// RecordCancelled 記錄取消
func (c *Collector) RecordCancelled() {
	if c == nil {
		return
	}
	c.jobsCancelled.Inc()
}

// RecordCaptureLaunched 記錄擷取程序啟動
func (c *Collector) RecordCaptureLaunched() {
	if c == nil {
		return
	}
	c.capturesStarted.Inc()
}

// RecordCompleted 記錄任務完成
func (c *Collector) RecordCompleted() {
	if c == nil {
		return
	}
	c.jobsCompleted.Inc()
}

// RecordFailed 記錄任務失敗
func (c *Collector) RecordFailed(stage string) {
	if c == nil {
		return
	}
	c.jobsFailed.WithLabelValues(stage).Inc()
}

// RecordNotification 記錄目錄登記結果
func (c *Collector) RecordNotification(result string) {
	if c == nil {
		return
	}
	c.notifications.WithLabelValues(result).Inc()
}

// RecordPersistError 記錄快照寫入失敗
func (c *Collector) RecordPersistError() {
	if c == nil {
		return
	}
	c.persistErrors.Inc()
}

// ObserveTranscode 記錄轉檔耗時
func (c *Collector) ObserveTranscode(d time.Duration) {
	if c == nil {
		return
	}
	c.transcodeDuration.Observe(d.Seconds())
}

// SetRecoveryTime 設置恢復時間
func (c *Collector) SetRecoveryTime(d time.Duration) {
	if c == nil {
		return
	}
	c.recoveryTime.Set(d.Seconds())
}

// UpdateJobStats 更新各狀態任務數
func (c *Collector) UpdateJobStats(stats map[types.JobStatus]int) {
	if c == nil {
		return
	}
	for _, s := range types.AllStatuses {
		c.jobs.WithLabelValues(string(s)).Set(float64(stats[s]))
	}
}

// Handler 回傳 /metrics 的 HTTP handler
func (c *Collector) Handler() http.Handler {
	if c == nil || c.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}
