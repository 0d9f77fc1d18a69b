// Copyright © 2026 fleetlimit authors
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

package common

import (
	"sync"
	"time"
)

// TimeWindowCounter is a non-blocking integer counter that resets itself at
// fixed wall-clock windows. Windows are floor-aligned to epoch multiples of
// the window length, so a one-minute counter rolls at the start of each
// wall-clock minute regardless of when the counter was created.
//
// Refunds are keyed on the window boundary that was observed at reserve time:
// SubtractIfSameWindow is a no-op if the window has rolled since, because the
// new window's count has no relationship to the old reservation.
type TimeWindowCounter struct {
	mu          sync.Mutex
	name        string
	limit       int64
	current     int64
	window      time.Duration
	windowStart time.Time

	nowFn func() time.Time // swapped out in tests
}

// CounterStats is a point-in-time snapshot of one counter.
type CounterStats struct {
	Current   int64 `json:"current"`
	Limit     int64 `json:"limit"`
	Remaining int64 `json:"remaining"`
}

func NewTimeWindowCounter(limit int64, window time.Duration, name string) *TimeWindowCounter {
	c := &TimeWindowCounter{
		name:   name,
		limit:  limit,
		window: window,
		nowFn:  time.Now,
	}
	c.windowStart = c.floorToWindow(c.nowFn())
	return c
}

func (c *TimeWindowCounter) floorToWindow(now time.Time) time.Time {
	windowSec := int64(c.window / time.Second)
	return time.Unix((now.Unix()/windowSec)*windowSec, 0)
}

// rollIfNeeded must be called with the lock held. Every observation goes
// through here first, so a counter that is never touched across a boundary
// still reads as empty afterwards.
func (c *TimeWindowCounter) rollIfNeeded() {
	now := c.nowFn()
	if !now.Before(c.windowStart.Add(c.window)) {
		c.current = 0
		c.windowStart = c.floorToWindow(now)
	}
}

// HasCapacity reports whether at least one unit fits in the current window.
func (c *TimeWindowCounter) HasCapacity() bool {
	return c.HasCapacityFor(1)
}

// HasCapacityFor reports whether n more units fit in the current window.
func (c *TimeWindowCounter) HasCapacityFor(n int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollIfNeeded()
	return c.current+n <= c.limit
}

// Add consumes n units from the current window, without checking the limit.
// Callers that need check-and-add atomicity across several counters serialize
// through an outer lock and use HasCapacityFor first.
func (c *TimeWindowCounter) Add(n int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollIfNeeded()
	c.current += n
}

// SubtractIfSameWindow refunds n units, but only if the window observed at
// reserve time is still the current one. Returns whether the refund applied.
// Negative or zero n is ignored; the counter never goes below zero.
func (c *TimeWindowCounter) SubtractIfSameWindow(n int64, windowStartAtReserve time.Time) bool {
	if n <= 0 {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollIfNeeded()
	if !c.windowStart.Equal(windowStartAtReserve) {
		return false
	}
	c.current -= n
	if c.current < 0 {
		c.current = 0
	}
	return true
}

// WindowStart returns the boundary of the current window.
func (c *TimeWindowCounter) WindowStart() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollIfNeeded()
	return c.windowStart
}

// TimeUntilReset returns how long until the current window rolls.
func (c *TimeWindowCounter) TimeUntilReset() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollIfNeeded()
	return c.windowStart.Add(c.window).Sub(c.nowFn())
}

// SetLimit replaces the limit. It neither refunds nor drains: if current
// exceeds the new limit, Remaining reports 0 and HasCapacity is false until
// the window rolls or callers subtract.
func (c *TimeWindowCounter) SetLimit(limit int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.limit = limit
}

func (c *TimeWindowCounter) Limit() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.limit
}

func (c *TimeWindowCounter) Name() string { return c.name }

func (c *TimeWindowCounter) Stats() CounterStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollIfNeeded()
	remaining := c.limit - c.current
	if remaining < 0 {
		remaining = 0
	}
	return CounterStats{Current: c.current, Limit: c.limit, Remaining: remaining}
}

// SetNowFunc overrides the clock. Test use only.
func (c *TimeWindowCounter) SetNowFunc(nowFn func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nowFn = nowFn
	c.windowStart = c.floorToWindow(nowFn())
	c.current = 0
}
