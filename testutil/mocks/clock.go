// Clock 的可控时钟测试实现。
package mocks

import (
	"sync"
	"time"
)

// Clock 是测试用可推进时钟。零值不可用，请通过 NewClock 创建。
type Clock struct {
	mu sync.Mutex
	t  time.Time
}

// NewClock 创建固定在 t 的时钟。
func NewClock(t time.Time) *Clock {
	return &Clock{t: t}
}

// Now 返回当前时刻，可直接用作 Now 字段注入。
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

// Advance 推进时钟。
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// Set 将时钟设置到指定时刻。
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}
