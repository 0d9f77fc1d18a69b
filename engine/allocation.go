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
	"sync"

	"go.uber.org/zap"

	"github.com/fleetlimit/fleetlimit/common"
	"github.com/fleetlimit/fleetlimit/coord"
)

// AllocationApplier takes the coordinator's per-instance allocation and
// installs it locally: partial rate-limit updates on each model limiter, a
// recomputed job-type slot pool, and a distributed-tagged availability
// emission. Applying the same allocation twice is a no-op at every layer
// (SetRateLimits only moves provided fields, the tracker coalesces).
type AllocationApplier struct {
	mu       sync.Mutex
	limiters map[string]*ModelLimiter
	jobTypes *JobTypeManager
	tracker  *AvailabilityTracker
	log      *zap.Logger

	current       *coord.Allocation
	lastInstances int
}

func NewAllocationApplier(limiters map[string]*ModelLimiter, jobTypes *JobTypeManager, tracker *AvailabilityTracker, log *zap.Logger) *AllocationApplier {
	return &AllocationApplier{
		limiters: limiters,
		jobTypes: jobTypes,
		tracker:  tracker,
		log:      common.EnsureLogger(log),
	}
}

// Current returns the last applied allocation, nil before the first one.
func (a *AllocationApplier) Current() *coord.Allocation {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

// Apply installs alloc. When the fleet size has not changed and the
// coordinator is not pushing dynamic limits, the shares are identical to the
// ones already in force and the update is skipped entirely.
func (a *AllocationApplier) Apply(alloc *coord.Allocation) {
	if alloc == nil {
		return
	}
	a.mu.Lock()
	if a.current != nil && a.lastInstances == alloc.InstanceCount && !alloc.DynamicLimits {
		a.mu.Unlock()
		a.log.Debug("allocation unchanged, skipping",
			zap.Int("instances", alloc.InstanceCount))
		return
	}
	a.current = alloc
	a.lastInstances = alloc.InstanceCount
	a.mu.Unlock()

	var totalSlots int64
	for modelID, share := range alloc.PerModel {
		lim, ok := a.limiters[modelID]
		if !ok {
			a.log.Warn("allocation names unknown model",
				zap.String("model", modelID))
			continue
		}
		lim.SetRateLimits(common.RateLimits{
			TPM:           share.TokensPerMinute,
			TPD:           share.TokensPerDay,
			RPM:           share.RequestsPerMinute,
			RPD:           share.RequestsPerDay,
			MaxConcurrent: share.MaxConcurrentRequests,
		})
		totalSlots += share.TotalSlots
	}
	a.jobTypes.SetTotalSlots(totalSlots)

	a.log.Info("allocation applied",
		zap.Int("instances", alloc.InstanceCount),
		zap.Int64("totalSlots", totalSlots))
	a.tracker.Emit(common.ReasonDistributed, "*", nil)
}
