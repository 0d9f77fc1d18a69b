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
	"container/list"
	"context"
)

// Semaphore is a counting semaphore over non-negative integers with a
// dynamically resizable maximum. Waiters are strictly FIFO: a large request at
// the head of the queue blocks smaller requests behind it, which keeps big
// acquisitions from starving.
//
// Unlike golang.org/x/sync/semaphore, the ceiling can be moved at runtime
// (SetMax); shrinking below the in-use count does not evict holders, it just
// makes new acquisitions wait until releases bring usage under the new max.
type Semaphore struct {
	mu      chan struct{} // 1-slot channel as mutex, so Stats never blocks long
	max     int64
	inUse   int64
	waiters *list.List // of *semWaiter, FIFO
}

type semWaiter struct {
	n     int64
	ready chan struct{}
}

type SemaphoreStats struct {
	InUse     int64 `json:"inUse"`
	Max       int64 `json:"max"`
	Available int64 `json:"available"`
	Waiting   int   `json:"waiting"`
}

func NewSemaphore(max int64) *Semaphore {
	s := &Semaphore{
		mu:      make(chan struct{}, 1),
		max:     max,
		waiters: list.New(),
	}
	return s
}

func (s *Semaphore) lock()   { s.mu <- struct{}{} }
func (s *Semaphore) unlock() { <-s.mu }

// TryAcquire takes n permits without blocking, honoring queued waiters so a
// late arrival cannot jump the FIFO queue.
func (s *Semaphore) TryAcquire(n int64) bool {
	s.lock()
	defer s.unlock()
	if s.waiters.Len() > 0 {
		return false
	}
	if s.inUse+n > s.max {
		return false
	}
	s.inUse += n
	return true
}

// Acquire blocks until n permits fit under the maximum, or ctx is done.
func (s *Semaphore) Acquire(ctx context.Context, n int64) error {
	s.lock()
	if s.waiters.Len() == 0 && s.inUse+n <= s.max {
		s.inUse += n
		s.unlock()
		return nil
	}

	w := &semWaiter{n: n, ready: make(chan struct{})}
	elem := s.waiters.PushBack(w)
	s.unlock()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
		s.lock()
		select {
		case <-w.ready:
			// Granted in the race with cancellation; keep the permits, the
			// caller must not use them, so hand them straight back.
			s.inUse -= w.n
			s.grantLocked()
		default:
			s.waiters.Remove(elem)
		}
		s.unlock()
		return ctx.Err()
	}
}

// Release returns n permits. Releasing more than is in use clamps at zero
// rather than going negative.
func (s *Semaphore) Release(n int64) {
	s.lock()
	defer s.unlock()
	if n > s.inUse {
		n = s.inUse
	}
	s.inUse -= n
	s.grantLocked()
}

// SetMax replaces the ceiling and wakes any waiters the new ceiling admits.
func (s *Semaphore) SetMax(max int64) {
	s.lock()
	defer s.unlock()
	s.max = max
	s.grantLocked()
}

// grantLocked hands permits to queued waiters in FIFO order, stopping at the
// first waiter that does not fit. Must be called with the lock held.
func (s *Semaphore) grantLocked() {
	for {
		front := s.waiters.Front()
		if front == nil {
			return
		}
		w := front.Value.(*semWaiter)
		if s.inUse+w.n > s.max {
			return
		}
		s.inUse += w.n
		s.waiters.Remove(front)
		close(w.ready)
	}
}

func (s *Semaphore) Max() int64 {
	s.lock()
	defer s.unlock()
	return s.max
}

func (s *Semaphore) InUse() int64 {
	s.lock()
	defer s.unlock()
	return s.inUse
}

func (s *Semaphore) Stats() SemaphoreStats {
	s.lock()
	defer s.unlock()
	available := s.max - s.inUse
	if available < 0 {
		available = 0
	}
	return SemaphoreStats{
		InUse:     s.inUse,
		Max:       s.max,
		Available: available,
		Waiting:   s.waiters.Len(),
	}
}
