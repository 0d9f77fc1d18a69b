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
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSemaphoreTryAcquireRelease(t *testing.T) {
	a := assert.New(t)
	s := NewSemaphore(10)

	a.True(s.TryAcquire(6))
	a.True(s.TryAcquire(4))
	a.False(s.TryAcquire(1))

	stats := s.Stats()
	a.Equal(int64(10), stats.InUse)
	a.Equal(int64(0), stats.Available)
	a.Equal(stats.Max, stats.InUse+stats.Available)

	s.Release(4)
	a.True(s.TryAcquire(3))
}

func TestSemaphoreReleaseClampsAtZero(t *testing.T) {
	a := assert.New(t)
	s := NewSemaphore(10)

	s.Release(5) // nothing held
	a.Equal(int64(0), s.InUse())

	a.True(s.TryAcquire(3))
	s.Release(100)
	a.Equal(int64(0), s.InUse())
}

func TestSemaphoreAcquireBlocksUntilRelease(t *testing.T) {
	a := assert.New(t)
	s := NewSemaphore(5)
	require.True(t, s.TryAcquire(5))

	done := make(chan error, 1)
	go func() {
		done <- s.Acquire(context.Background(), 2)
	}()

	select {
	case <-done:
		t.Fatal("acquire should have blocked")
	case <-time.After(20 * time.Millisecond):
	}

	s.Release(3)
	select {
	case err := <-done:
		a.NoError(err)
	case <-time.After(time.Second):
		t.Fatal("acquire did not wake on release")
	}
	a.Equal(int64(4), s.InUse())
}

func TestSemaphoreAcquireContextCancel(t *testing.T) {
	a := assert.New(t)
	s := NewSemaphore(1)
	require.True(t, s.TryAcquire(1))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.Acquire(ctx, 1)
	a.ErrorIs(err, context.DeadlineExceeded)

	// the cancelled waiter left no residue
	s.Release(1)
	a.True(s.TryAcquire(1))
}

func TestSemaphoreFIFOHeadOfLineBlocks(t *testing.T) {
	a := assert.New(t)
	s := NewSemaphore(10)
	require.True(t, s.TryAcquire(8))

	// big request queues first
	bigDone := make(chan struct{})
	go func() {
		_ = s.Acquire(context.Background(), 5)
		close(bigDone)
	}()
	// wait until the big request is parked
	for s.Stats().Waiting == 0 {
		time.Sleep(time.Millisecond)
	}

	// a small request that would fit must still queue behind it
	a.False(s.TryAcquire(1))
	smallDone := make(chan struct{})
	go func() {
		_ = s.Acquire(context.Background(), 1)
		close(smallDone)
	}()
	for s.Stats().Waiting < 2 {
		time.Sleep(time.Millisecond)
	}

	s.Release(8)
	<-bigDone // head granted first
	<-smallDone
	a.Equal(int64(6), s.InUse())
}

func TestSemaphoreSetMaxShrinkDoesNotEvict(t *testing.T) {
	a := assert.New(t)
	s := NewSemaphore(10)
	require.True(t, s.TryAcquire(8))

	s.SetMax(5)
	a.Equal(int64(8), s.InUse())
	a.Equal(int64(0), s.Stats().Available)
	a.False(s.TryAcquire(1))

	// releases bring usage under the new ceiling
	s.Release(5)
	a.True(s.TryAcquire(2))
	a.Equal(int64(5), s.InUse())
}

func TestSemaphoreSetMaxGrowWakesWaiters(t *testing.T) {
	a := assert.New(t)
	s := NewSemaphore(2)
	require.True(t, s.TryAcquire(2))

	done := make(chan error, 1)
	go func() { done <- s.Acquire(context.Background(), 3) }()
	for s.Stats().Waiting == 0 {
		time.Sleep(time.Millisecond)
	}

	s.SetMax(5)
	select {
	case err := <-done:
		a.NoError(err)
	case <-time.After(time.Second):
		t.Fatal("waiter not admitted after SetMax")
	}
}

func TestSemaphoreConcurrentInvariant(t *testing.T) {
	a := assert.New(t)
	s := NewSemaphore(20)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Acquire(context.Background(), 2); err != nil {
				return
			}
			time.Sleep(time.Millisecond)
			s.Release(2)
		}()
	}
	wg.Wait()

	stats := s.Stats()
	a.Equal(int64(0), stats.InUse)
	a.Equal(int64(20), stats.Available)
}
