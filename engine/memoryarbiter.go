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

package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/fleetlimit/fleetlimit/common"
)

// MemoryArbiter is the process-wide working-set budget. One instance is
// shared by every model limiter; it is always passed in explicitly, never a
// package singleton, so several facades can coexist in one process.
//
// The budget is floor(hostFreeKB × freeMemoryRatio), re-derived on a timer so
// pressure from the rest of the host shrinks or grows the semaphore ceiling.
type MemoryArbiter struct {
	sem       *common.Semaphore
	estimates map[string]int64 // modelID -> KB per event
	ratio     float64
	interval  time.Duration
	log       *zap.Logger

	memAvailFn func() (int64, error)
	onResize   func()

	cancel context.CancelFunc
	done   chan struct{}
}

// NewMemoryArbiter sizes the arbiter. cfg.FixedLimitKB pins the budget (used
// in tests and simulations); otherwise the host's free memory is sampled now
// and again every RecalcIntervalMS. onResize, if non-nil, fires after any
// ceiling change so the availability tracker can re-derive its snapshot.
func NewMemoryArbiter(cfg common.MemoryConfig, models map[string]common.ModelConfig, log *zap.Logger, onResize func()) *MemoryArbiter {
	a := &MemoryArbiter{
		estimates:  make(map[string]int64, len(models)),
		ratio:      cfg.FreeMemoryRatio,
		interval:   time.Duration(cfg.RecalcIntervalMS) * time.Millisecond,
		log:        common.EnsureLogger(log),
		memAvailFn: common.GetMemAvailableKB,
		onResize:   onResize,
	}
	for modelID, m := range models {
		a.estimates[modelID] = m.ResourcesPerEvent.EstimatedUsedMemoryKB
	}

	limitKB := cfg.FixedLimitKB
	if limitKB <= 0 {
		limitKB = a.targetLimitKB()
	} else {
		a.interval = 0 // fixed budget, nothing to recompute
	}
	a.sem = common.NewSemaphore(limitKB)
	return a
}

// Acquire consumes the model's estimated working set, blocking until the
// budget admits it. Models with no memory estimate pass through untouched.
func (a *MemoryArbiter) Acquire(ctx context.Context, modelID string) error {
	kb := a.estimates[modelID]
	if kb <= 0 {
		return nil
	}
	return a.sem.Acquire(ctx, kb)
}

// Release returns the model's estimated working set. No-op for models with no
// estimate, mirroring Acquire.
func (a *MemoryArbiter) Release(modelID string) {
	kb := a.estimates[modelID]
	if kb <= 0 {
		return
	}
	a.sem.Release(kb)
}

func (a *MemoryArbiter) Stats() common.MemoryStats {
	s := a.sem.Stats()
	return common.MemoryStats{
		UsedKB:      s.InUse,
		LimitKB:     s.Max,
		AvailableKB: s.Available,
	}
}

// SetLimitKB pins the budget directly. Used by tests and by embedders that
// manage memory externally.
func (a *MemoryArbiter) SetLimitKB(kb int64) {
	a.sem.SetMax(kb)
	if a.onResize != nil {
		a.onResize()
	}
}

// SetMemAvailFunc overrides the host sampler. Test use only.
func (a *MemoryArbiter) SetMemAvailFunc(fn func() (int64, error)) {
	a.memAvailFn = fn
}

// Start launches the periodic recompute loop. No-op for fixed budgets.
func (a *MemoryArbiter) Start() {
	if a.interval <= 0 || a.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.done = make(chan struct{})
	go a.loop(ctx)
}

func (a *MemoryArbiter) Stop() {
	if a.cancel == nil {
		return
	}
	a.cancel()
	<-a.done
	a.cancel = nil
}

func (a *MemoryArbiter) loop(ctx context.Context) {
	defer close(a.done)
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.recompute()
		}
	}
}

// recompute re-derives the budget and resizes the semaphore when the host's
// free memory moved materially (>1%), ignoring jitter.
func (a *MemoryArbiter) recompute() {
	target := a.targetLimitKB()
	if target <= 0 {
		return
	}
	current := a.sem.Max()
	if current > 0 {
		delta := target - current
		if delta < 0 {
			delta = -delta
		}
		if delta*100 < current {
			return
		}
	}
	a.log.Debug("memory budget resized",
		zap.Int64("fromKB", current),
		zap.Int64("toKB", target))
	a.sem.SetMax(target)
	if a.onResize != nil {
		a.onResize()
	}
}

func (a *MemoryArbiter) targetLimitKB() int64 {
	availKB, err := a.memAvailFn()
	if err != nil {
		a.log.Warn("could not sample host memory", zap.Error(err))
		return 0
	}
	return int64(float64(availKB) * a.ratio)
}
