package scheduler

import (
	"time"

	"go.uber.org/zap"

	"github.com/ChuLiYu/stream-recorder/internal/metrics"
)

// Option 設定 Scheduler
type Option func(*Scheduler)

// WithClock 替換時間來源
func WithClock(c Clock) Option {
	return func(s *Scheduler) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithLogger 設定 logger
func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.log = l
		}
	}
}

// WithMetrics 設定指標收集器，nil 表示不收集
func WithMetrics(m *metrics.Collector) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithNotifier 設定轉檔完成後的目錄登記通知
func WithNotifier(n Notifier) Option {
	return func(s *Scheduler) { s.notifier = n }
}

// WithSafetyMargin 擷取時間之外額外等待的緩衝
func WithSafetyMargin(d time.Duration) Option {
	return func(s *Scheduler) {
		if d >= 0 {
			s.safetyMargin = d
		}
	}
}

// WithRecordingsDir 轉檔輸出的根目錄，每個任務輸出到 <dir>/<name>
func WithRecordingsDir(dir string) Option {
	return func(s *Scheduler) { s.recordingsDir = dir }
}

// WithIDGenerator 替換任務 ID 產生器
func WithIDGenerator(f func() string) Option {
	return func(s *Scheduler) {
		if f != nil {
			s.newID = f
		}
	}
}
