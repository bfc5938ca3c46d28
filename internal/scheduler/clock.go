package scheduler

import "time"

// Timer 一次性計時器
type Timer interface {
	// Stop 停止計時器；回傳 false 表示已觸發或已停止
	Stop() bool
}

// Clock 時間來源，測試時可替換成可手動推進的時鐘
type Clock interface {
	Now() time.Time
	// AfterFunc 在 d 之後於獨立 goroutine 呼叫 f
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
