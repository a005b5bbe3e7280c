package jobs

import (
	"sync"
	"time"
)

// Clock — источник текущего времени.
type Clock func() time.Time

// SystemClock возвращает время системы в UTC.
func SystemClock() time.Time {
	return time.Now().UTC()
}

// ManualClock — управляемые часы для тестов.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewManualClock создаёт часы, показывающие start.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

// Now возвращает текущее время часов.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance сдвигает часы вперёд.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set устанавливает время.
func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}
