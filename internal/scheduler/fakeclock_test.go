package scheduler

import (
	"sync"
	"time"
)

// fakeClock 手動推進的時鐘；Advance 會依到期順序同步執行回呼
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	when    time.Time
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock(now time.Time) *fakeClock {
	return &fakeClock{now: now}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, when: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Advance 推進時間 d，期間到期的計時器（包含回呼中新設定的）依序觸發
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		idx := -1
		for i, t := range c.timers {
			if t.stopped || t.fired || t.when.After(target) {
				continue
			}
			if idx < 0 || t.when.Before(c.timers[idx].when) {
				idx = i
			}
		}
		if idx < 0 {
			c.now = target
			c.mu.Unlock()
			return
		}
		t := c.timers[idx]
		c.timers = append(c.timers[:idx], c.timers[idx+1:]...)
		t.fired = true
		if t.when.After(c.now) {
			c.now = t.when
		}
		c.mu.Unlock()

		t.f()
	}
}

// FireStopped 強制執行所有已停止計時器的回呼，回傳執行數量
func (c *fakeClock) FireStopped() int {
	c.mu.Lock()
	var fns []func()
	for _, t := range c.timers {
		if t.stopped {
			fns = append(fns, t.f)
		}
	}
	c.mu.Unlock()

	for _, f := range fns {
		f()
	}
	return len(fns)
}

// Active 尚未觸發也未停止的計時器數量
func (c *fakeClock) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}
