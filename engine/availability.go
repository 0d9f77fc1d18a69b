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
	"math"
	"sync"

	"github.com/mitchellh/hashstructure/v2"
	"go.uber.org/zap"

	"github.com/fleetlimit/fleetlimit/common"
	"github.com/fleetlimit/fleetlimit/coord"
)

// AvailabilityHandler receives each distinct availability snapshot.
// adjustments is non-nil only for ReasonAdjustment.
type AvailabilityHandler func(av common.Availability, reason common.ChangeReason, modelID string, adjustments []common.RatioAdjustment)

// AvailabilityTracker derives the instance's capacity snapshot from the
// model limiters, the memory arbiter, the job-type ratios, and (when set)
// the distributed allocation. Identical adjacent snapshots are coalesced:
// the snapshot is hashed and nothing is emitted when the hash repeats.
type AvailabilityTracker struct {
	mu          sync.Mutex
	order       []string
	limiters    map[string]*ModelLimiter
	memory      *MemoryArbiter
	jobTypes    *JobTypeManager
	jobTypeCfgs map[string]common.JobTypeConfig
	allocFn     func() *coord.Allocation
	log         *zap.Logger

	lastHash  uint64
	hasLast   bool
	last      common.Availability
	nextSubID int
	handlers  map[int]AvailabilityHandler
}

func NewAvailabilityTracker(
	order []string,
	limiters map[string]*ModelLimiter,
	memory *MemoryArbiter,
	jobTypes *JobTypeManager,
	jobTypeCfgs map[string]common.JobTypeConfig,
	allocFn func() *coord.Allocation,
	log *zap.Logger,
) *AvailabilityTracker {
	return &AvailabilityTracker{
		order:       order,
		limiters:    limiters,
		memory:      memory,
		jobTypes:    jobTypes,
		jobTypeCfgs: jobTypeCfgs,
		allocFn:     allocFn,
		log:         common.EnsureLogger(log),
		handlers:    make(map[int]AvailabilityHandler),
	}
}

// OnChange registers a handler and returns an unregister func.
func (t *AvailabilityTracker) OnChange(handler AvailabilityHandler) func() {
	t.mu.Lock()
	id := t.nextSubID
	t.nextSubID++
	t.handlers[id] = handler
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		delete(t.handlers, id)
		t.mu.Unlock()
	}
}

// Emit recomputes the snapshot and notifies handlers if it changed. origin
// tags coordinator- and ratio-driven changes; the empty origin means
// "derive the reason by diffing against the previous snapshot".
func (t *AvailabilityTracker) Emit(origin common.ChangeReason, modelID string, adjustments []common.RatioAdjustment) {
	av := t.Current()

	t.mu.Lock()
	hash, err := hashstructure.Hash(av, hashstructure.FormatV2, nil)
	if err != nil {
		// hashing a plain struct cannot realistically fail; fall back to
		// always-emit rather than dropping a change
		hash = t.lastHash + 1
	}
	if t.hasLast && hash == t.lastHash {
		t.mu.Unlock()
		return
	}
	reason := origin
	if reason == "" {
		reason = deriveReason(t.last, av, t.hasLast)
	}
	t.last = av
	t.lastHash = hash
	t.hasLast = true
	handlers := t.snapshotHandlersLocked()
	t.mu.Unlock()

	t.log.Debug("availability changed",
		zap.String("reason", string(reason)),
		zap.Int64("slots", av.Slots))
	for _, h := range handlers {
		h(av, reason, modelID, adjustments)
	}
}

// EmitSynthetic pushes an externally supplied availability straight to the
// handlers without touching local state or the coalescing hash. Used by the
// facade's setDistributedAvailability.
func (t *AvailabilityTracker) EmitSynthetic(av common.Availability) {
	t.mu.Lock()
	handlers := t.snapshotHandlersLocked()
	t.mu.Unlock()
	for _, h := range handlers {
		h(av, common.ReasonDistributed, "*", nil)
	}
}

func (t *AvailabilityTracker) snapshotHandlersLocked() []AvailabilityHandler {
	out := make([]AvailabilityHandler, 0, len(t.handlers))
	for _, h := range t.handlers {
		out = append(out, h)
	}
	return out
}

// Current derives the availability snapshot right now.
func (t *AvailabilityTracker) Current() common.Availability {
	var av common.Availability

	var (
		tpmSum, tpdSum, rpmSum, rpdSum, concSum      int64
		tpmSeen, tpdSeen, rpmSeen, rpdSeen, concSeen bool
	)
	for _, modelID := range t.order {
		stats := t.limiters[modelID].Stats()
		if stats.TokensPerMinute != nil {
			tpmSeen = true
			tpmSum += stats.TokensPerMinute.Remaining
		}
		if stats.TokensPerDay != nil {
			tpdSeen = true
			tpdSum += stats.TokensPerDay.Remaining
		}
		if stats.RequestsPerMinute != nil {
			rpmSeen = true
			rpmSum += stats.RequestsPerMinute.Remaining
		}
		if stats.RequestsPerDay != nil {
			rpdSeen = true
			rpdSum += stats.RequestsPerDay.Remaining
		}
		if stats.Concurrency != nil {
			concSeen = true
			concSum += stats.Concurrency.Available
		}
	}
	if tpmSeen {
		av.TokensPerMinute = &tpmSum
	}
	if tpdSeen {
		av.TokensPerDay = &tpdSum
	}
	if rpmSeen {
		av.RequestsPerMinute = &rpmSum
	}
	if rpdSeen {
		av.RequestsPerDay = &rpdSum
	}
	if concSeen {
		av.ConcurrentRequests = &concSum
	}
	mem := t.memory.Stats()
	if mem.LimitKB > 0 {
		memAvail := mem.AvailableKB
		av.MemoryKB = &memAvail
	}

	if alloc := t.allocFn(); alloc != nil {
		av.Slots = t.distributedSlots(alloc, mem)
	} else {
		av.Slots = t.localSlots(mem)
	}
	return av
}

// localSlots is the undistributed figure: per model, the minimum over present
// dimensions of floor(remaining / estimatedPerEvent), summed across models.
func (t *AvailabilityTracker) localSlots(mem common.MemoryStats) int64 {
	var total int64
	for _, modelID := range t.order {
		lim := t.limiters[modelID]
		est := lim.Config().ResourcesPerEvent
		stats := lim.Stats()

		slots := int64(math.MaxInt64)
		constrain := func(remaining, perEvent int64) {
			if perEvent <= 0 {
				return
			}
			if s := remaining / perEvent; s < slots {
				slots = s
			}
		}
		if stats.TokensPerMinute != nil {
			constrain(stats.TokensPerMinute.Remaining, est.EstimatedUsedTokens)
		}
		if stats.TokensPerDay != nil {
			constrain(stats.TokensPerDay.Remaining, est.EstimatedUsedTokens)
		}
		if stats.RequestsPerMinute != nil {
			constrain(stats.RequestsPerMinute.Remaining, est.EstimatedNumberOfRequests)
		}
		if stats.RequestsPerDay != nil {
			constrain(stats.RequestsPerDay.Remaining, est.EstimatedNumberOfRequests)
		}
		if stats.Concurrency != nil && stats.Concurrency.Available < slots {
			slots = stats.Concurrency.Available
		}
		if mem.LimitKB > 0 {
			constrain(mem.AvailableKB, est.EstimatedUsedMemoryKB)
		}
		if slots == int64(math.MaxInt64) {
			// no constraining dimension at all; contributes nothing countable
			slots = 0
		}
		total += slots
	}
	return total
}

// CapacitySlots is the full-capacity local slot count: per model, the minimum
// over its configured ceilings of floor(limit / estimatedPerEvent), ignoring
// what is currently in flight. It sizes the job-type pool whenever no
// distributed allocation is in effect, so a memory budget change resizes the
// pool rather than only the availability snapshot.
func (t *AvailabilityTracker) CapacitySlots() int64 {
	mem := t.memory.Stats()
	var total int64
	for _, modelID := range t.order {
		lim := t.limiters[modelID]
		est := lim.Config().ResourcesPerEvent
		stats := lim.Stats()

		slots := int64(math.MaxInt64)
		constrain := func(limit, perEvent int64) {
			if perEvent <= 0 {
				return
			}
			if s := limit / perEvent; s < slots {
				slots = s
			}
		}
		if stats.TokensPerMinute != nil {
			constrain(stats.TokensPerMinute.Limit, est.EstimatedUsedTokens)
		}
		if stats.TokensPerDay != nil {
			constrain(stats.TokensPerDay.Limit, est.EstimatedUsedTokens)
		}
		if stats.RequestsPerMinute != nil {
			constrain(stats.RequestsPerMinute.Limit, est.EstimatedNumberOfRequests)
		}
		if stats.RequestsPerDay != nil {
			constrain(stats.RequestsPerDay.Limit, est.EstimatedNumberOfRequests)
		}
		if stats.Concurrency != nil && stats.Concurrency.Limit < slots {
			slots = stats.Concurrency.Limit
		}
		if mem.LimitKB > 0 {
			constrain(mem.LimitKB, est.EstimatedUsedMemoryKB)
		}
		if slots == int64(math.MaxInt64) {
			slots = 0
		}
		total += slots
	}
	return total
}

// distributedSlots applies the allocation formula: per job type, the model
// pools are ratio-scaled, memory-scaled by the job type's estimated working
// set, clamped per model to [minCapacity, maxCapacity], then summed.
func (t *AvailabilityTracker) distributedSlots(alloc *coord.Allocation, mem common.MemoryStats) int64 {
	ratios := t.jobTypes.Ratios()
	var total int64
	for jobType, ratio := range ratios {
		if ratio <= 0 {
			continue
		}
		cfg := t.jobTypeCfgs[jobType]

		var distributed int64
		perModel := make(map[string]int64, len(alloc.PerModel))
		for modelID, ma := range alloc.PerModel {
			slots := int64(math.Floor(float64(ma.TotalSlots) * ratio))
			perModel[modelID] = slots
			distributed += slots
		}

		scale := 1.0
		if cfg.EstimatedUsedMemoryKB > 0 && mem.LimitKB > 0 && distributed > 0 {
			memorySlots := int64(math.Floor(float64(mem.LimitKB) * ratio / float64(cfg.EstimatedUsedMemoryKB)))
			if memorySlots < distributed {
				scale = float64(memorySlots) / float64(distributed)
			}
		}

		for modelID, slots := range perModel {
			scaled := int64(math.Floor(float64(slots) * scale))
			if lim, ok := t.limiters[modelID]; ok {
				mc := lim.Config()
				if mc.MinCapacity != nil && scaled < *mc.MinCapacity {
					scaled = *mc.MinCapacity
				}
				if mc.MaxCapacity != nil && scaled > *mc.MaxCapacity {
					scaled = *mc.MaxCapacity
				}
			}
			total += scaled
		}
	}
	return total
}

// deriveReason picks the change tag by diffing fields in preference order.
func deriveReason(prev, next common.Availability, hasPrev bool) common.ChangeReason {
	if !hasPrev {
		return common.ReasonConcurrentRequests
	}
	switch {
	case !int64PtrEq(prev.TokensPerMinute, next.TokensPerMinute):
		return common.ReasonTokensMinute
	case !int64PtrEq(prev.TokensPerDay, next.TokensPerDay):
		return common.ReasonTokensDay
	case !int64PtrEq(prev.RequestsPerMinute, next.RequestsPerMinute):
		return common.ReasonRequestsMinute
	case !int64PtrEq(prev.RequestsPerDay, next.RequestsPerDay):
		return common.ReasonRequestsDay
	case !int64PtrEq(prev.ConcurrentRequests, next.ConcurrentRequests):
		return common.ReasonConcurrentRequests
	case !int64PtrEq(prev.MemoryKB, next.MemoryKB):
		return common.ReasonMemory
	default:
		return common.ReasonConcurrentRequests
	}
}

func int64PtrEq(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
