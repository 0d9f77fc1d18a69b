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
	"sync"

	"go.uber.org/zap"

	"github.com/fleetlimit/fleetlimit/common"
)

// ModelLimiter is the per-(instance, model) admission unit: the model's
// window counters, its concurrency semaphore (absent when the model declares
// no maxConcurrentRequests), and a reference to the shared memory arbiter.
//
// Any release of capacity (reservation refund, concurrency release, limit
// resize) pulses the change broadcast, which is what the selector's timed
// wait listens on instead of hot-polling.
type ModelLimiter struct {
	modelID  string
	cfg      common.ModelConfig
	counters *CountersSet
	conc     *common.Semaphore // nil when no concurrency ceiling
	memory   *MemoryArbiter
	log      *zap.Logger

	changeMu sync.Mutex
	changeCh chan struct{}
}

func NewModelLimiter(modelID string, cfg common.ModelConfig, memory *MemoryArbiter, log *zap.Logger) *ModelLimiter {
	l := &ModelLimiter{
		modelID:  modelID,
		cfg:      cfg,
		counters: NewCountersSet(modelID, cfg),
		memory:   memory,
		log:      common.EnsureLogger(log).With(zap.String("model", modelID)),
		changeCh: make(chan struct{}),
	}
	if cfg.MaxConcurrentRequests != nil {
		l.conc = common.NewSemaphore(*cfg.MaxConcurrentRequests)
	}
	return l
}

func (l *ModelLimiter) ModelID() string          { return l.modelID }
func (l *ModelLimiter) Config() common.ModelConfig { return l.cfg }

// Changed returns a channel closed on the next capacity change. Callers grab
// a fresh channel before each wait.
func (l *ModelLimiter) Changed() <-chan struct{} {
	l.changeMu.Lock()
	defer l.changeMu.Unlock()
	return l.changeCh
}

// notifyChange wakes every waiter on the previous channel.
func (l *ModelLimiter) notifyChange() {
	l.changeMu.Lock()
	close(l.changeCh)
	l.changeCh = make(chan struct{})
	l.changeMu.Unlock()
}

// HasCapacityFor reports whether one event of the given estimated shape could
// be admitted now: every present counter fits it and, if a concurrency
// ceiling exists, at least one permit is free.
func (l *ModelLimiter) HasCapacityFor(tokens, requests int64) bool {
	if !l.counters.HasCapacityFor(tokens, requests) {
		return false
	}
	if l.conc != nil && l.conc.Stats().Available < 1 {
		return false
	}
	return true
}

// HasCapacity checks the model's own declared event shape.
func (l *ModelLimiter) HasCapacity() bool {
	est := l.cfg.ResourcesPerEvent
	return l.HasCapacityFor(est.EstimatedUsedTokens, est.EstimatedNumberOfRequests)
}

// TryReserve charges the estimates to all counters atomically, or charges
// nothing. Never blocks, never errors.
func (l *ModelLimiter) TryReserve(tokens, requests int64) (Reservation, bool) {
	return l.counters.TryReserve(tokens, requests)
}

// ReleaseReservation refunds the unused estimate (window-safe) and pulses the
// change broadcast.
func (l *ModelLimiter) ReleaseReservation(res Reservation, estTokens, estRequests, actTokens, actRequests int64) {
	l.counters.ReleaseWithWindow(estTokens, estRequests, actTokens, actRequests, res)
	l.notifyChange()
}

// AcquireConcurrency takes one concurrency permit, blocking until one is free
// or ctx is done. No-op when the model has no concurrency ceiling.
func (l *ModelLimiter) AcquireConcurrency(ctx context.Context) error {
	if l.conc == nil {
		return nil
	}
	return l.conc.Acquire(ctx, 1)
}

// TryAcquireConcurrency takes a permit only if one is free right now.
func (l *ModelLimiter) TryAcquireConcurrency() bool {
	if l.conc == nil {
		return true
	}
	return l.conc.TryAcquire(1)
}

func (l *ModelLimiter) ReleaseConcurrency() {
	if l.conc == nil {
		return
	}
	l.conc.Release(1)
	l.notifyChange()
}

// SetRateLimits applies a partial limit update: only the fields the caller
// provides move. Identical repeated updates do not disturb current counts.
func (l *ModelLimiter) SetRateLimits(limits common.RateLimits) {
	l.counters.SetLimits(limits)
	if l.conc != nil && limits.MaxConcurrent != nil {
		l.conc.SetMax(*limits.MaxConcurrent)
	}
	l.log.Debug("rate limits updated",
		zap.Any("limits", limits))
	l.notifyChange()
}

func (l *ModelLimiter) Stats() common.ModelStats {
	rpm, rpd, tpm, tpd := l.counters.Stats()
	stats := common.ModelStats{
		RequestsPerMinute: rpm,
		RequestsPerDay:    rpd,
		TokensPerMinute:   tpm,
		TokensPerDay:      tpd,
	}
	if l.conc != nil {
		s := l.conc.Stats()
		stats.Concurrency = &common.ConcurrencyStats{
			Active:    s.InUse,
			Limit:     s.Max,
			Available: s.Available,
			Waiting:   s.Waiting,
		}
	}
	return stats
}

// Counters exposes the underlying set for window inspection in tests.
func (l *ModelLimiter) Counters() *CountersSet { return l.counters }
