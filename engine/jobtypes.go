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
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/fleetlimit/fleetlimit/common"
)

const (
	// ratio adjustment loop tuning: shift ratioAdjustStep from the least
	// loaded flexible type after pressureWindow of sustained saturation,
	// keeping every flexible ratio inside [ratioFloor, ratioCeiling]
	ratioAdjustStep = 0.05
	ratioFloor      = 0.05
	ratioCeiling    = 0.9
	pressureWindow  = 10 * time.Second
)

type jobTypeState struct {
	initialRatio  float64
	currentRatio  float64
	flexible      bool
	minCapacity   int64
	inFlight      int64
	allocated     int64
	pressureSince time.Time // zero while not saturated
}

// JobTypeManager distributes the per-instance slot pool among job types by
// ratio. Fixed ratios never move; flexible ratios can be set by the caller or
// shifted by the sustained-pressure adjustment loop, and are renormalized so
// the sum over all job types stays 1.
type JobTypeManager struct {
	mu         sync.Mutex
	types      map[string]*jobTypeState
	totalSlots int64
	log        *zap.Logger
	nowFn      func() time.Time

	changeMu sync.Mutex
	changeCh chan struct{}

	// onAdjust reports ratio shifts so the availability tracker can emit a
	// change with the adjustment reason. Injected, never a back-reference.
	onAdjust func([]common.RatioAdjustment)

	cancel context.CancelFunc
	done   chan struct{}
}

func NewJobTypeManager(cfgs map[string]common.JobTypeConfig, log *zap.Logger, onAdjust func([]common.RatioAdjustment)) *JobTypeManager {
	m := &JobTypeManager{
		types:    make(map[string]*jobTypeState, len(cfgs)),
		log:      common.EnsureLogger(log),
		nowFn:    time.Now,
		changeCh: make(chan struct{}),
		onAdjust: onAdjust,
	}
	ratios := make(map[string]float64, len(cfgs))
	for name, cfg := range cfgs {
		ratios[name] = cfg.Ratio.InitialValue
	}
	common.NormalizeRatios(ratios)
	for name, cfg := range cfgs {
		m.types[name] = &jobTypeState{
			initialRatio: ratios[name],
			currentRatio: ratios[name],
			flexible:     cfg.Ratio.Flexible,
			minCapacity:  cfg.MinJobTypeCapacity,
		}
	}
	return m
}

// SetTotalSlots installs the pool size derived from the model pools and
// recomputes every job type's allocation.
func (m *JobTypeManager) SetTotalSlots(total int64) {
	m.mu.Lock()
	if total < 0 {
		total = 0
	}
	m.totalSlots = total
	m.recomputeAllocationsLocked()
	m.mu.Unlock()
	m.notifyChange()
}

func (m *JobTypeManager) TotalSlots() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totalSlots
}

func (m *JobTypeManager) recomputeAllocationsLocked() {
	for _, st := range m.types {
		allocated := int64(math.Floor(float64(m.totalSlots) * st.currentRatio))
		if allocated < st.minCapacity {
			allocated = st.minCapacity
		}
		st.allocated = allocated
	}
}

// TryReserveSlot takes one slot of the job type's allocation if one is free.
func (m *JobTypeManager) TryReserveSlot(jobType string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.types[jobType]
	if !ok {
		return false, errors.Wrapf(common.ErrUnknownJobType, "%q", jobType)
	}
	if st.inFlight >= st.allocated {
		if st.pressureSince.IsZero() {
			st.pressureSince = m.nowFn()
		}
		return false, nil
	}
	st.inFlight++
	return true, nil
}

// AcquireSlot blocks until a slot is free or ctx is done. Waiting jobs wake
// on any release, allocation recompute, or ratio change.
func (m *JobTypeManager) AcquireSlot(ctx context.Context, jobType string) error {
	for {
		changed := m.Changed()
		ok, err := m.TryReserveSlot(jobType)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

// ReleaseSlot returns one slot, clamped at zero in-flight.
func (m *JobTypeManager) ReleaseSlot(jobType string) {
	m.mu.Lock()
	if st, ok := m.types[jobType]; ok {
		if st.inFlight > 0 {
			st.inFlight--
		}
		if st.inFlight < st.allocated {
			st.pressureSince = time.Time{}
		}
	}
	m.mu.Unlock()
	m.notifyChange()
}

// SetRatios replaces ratios. Only flexible types may change; the flexible
// shares are then renormalized so the sum over all types stays 1.
func (m *JobTypeManager) SetRatios(ratios map[string]float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var fixedSum float64
	for name, st := range m.types {
		if st.flexible {
			continue
		}
		if want, ok := ratios[name]; ok && math.Abs(want-st.currentRatio) > 1e-9 {
			return errors.Errorf("job type %q has a fixed ratio", name)
		}
		fixedSum += st.currentRatio
	}

	// install requested flexible ratios, then rescale them into the room the
	// fixed ratios leave
	var flexSum float64
	for name, st := range m.types {
		if !st.flexible {
			continue
		}
		if want, ok := ratios[name]; ok {
			if want < 0 {
				return errors.Errorf("job type %q ratio must be non-negative", name)
			}
			st.currentRatio = want
		}
		flexSum += st.currentRatio
	}
	room := 1 - fixedSum
	if flexSum > 0 && room >= 0 && math.Abs(flexSum-room) > 1e-9 {
		for _, st := range m.types {
			if st.flexible {
				st.currentRatio = st.currentRatio * room / flexSum
			}
		}
	}
	m.recomputeAllocationsLocked()
	defer m.notifyChange()
	return nil
}

func (m *JobTypeManager) Ratios() map[string]float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]float64, len(m.types))
	for name, st := range m.types {
		out[name] = st.currentRatio
	}
	return out
}

func (m *JobTypeManager) Stats() map[string]common.JobTypeStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]common.JobTypeStats, len(m.types))
	for name, st := range m.types {
		out[name] = common.JobTypeStats{
			Ratio:          st.currentRatio,
			InitialRatio:   st.initialRatio,
			Flexible:       st.flexible,
			AllocatedSlots: st.allocated,
			InFlight:       st.inFlight,
		}
	}
	return out
}

func (m *JobTypeManager) Changed() <-chan struct{} {
	m.changeMu.Lock()
	defer m.changeMu.Unlock()
	return m.changeCh
}

func (m *JobTypeManager) notifyChange() {
	m.changeMu.Lock()
	close(m.changeCh)
	m.changeCh = make(chan struct{})
	m.changeMu.Unlock()
}

// SetNowFunc overrides the clock. Test use only.
func (m *JobTypeManager) SetNowFunc(nowFn func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nowFn = nowFn
}

// StartAdjustment launches the sustained-pressure ratio loop.
func (m *JobTypeManager) StartAdjustment(interval time.Duration) {
	if m.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	go func() {
		defer close(m.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.AdjustOnce()
			}
		}
	}()
}

func (m *JobTypeManager) StopAdjustment() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
	m.cancel = nil
}

// AdjustOnce performs one adjustment pass: for each flexible type saturated
// for at least pressureWindow, shift ratioAdjustStep from the least loaded
// flexible type that can spare it. Fixed ratios never move and the sum of all
// ratios is preserved exactly (the shift is a transfer, not a rescale).
func (m *JobTypeManager) AdjustOnce() {
	m.mu.Lock()
	now := m.nowFn()
	var adjustments []common.RatioAdjustment

	for name, st := range m.types {
		if !st.flexible || st.pressureSince.IsZero() || now.Sub(st.pressureSince) < pressureWindow {
			continue
		}
		if st.currentRatio+ratioAdjustStep > ratioCeiling {
			continue
		}
		donor, donorName := m.findDonorLocked(name)
		if donor == nil {
			continue
		}
		donor.currentRatio -= ratioAdjustStep
		st.currentRatio += ratioAdjustStep
		st.pressureSince = now // restart the observation window
		adjustments = append(adjustments,
			common.RatioAdjustment{JobType: name, Delta: ratioAdjustStep},
			common.RatioAdjustment{JobType: donorName, Delta: -ratioAdjustStep},
		)
		m.log.Info("job type ratio adjusted",
			zap.String("to", name),
			zap.String("from", donorName),
			zap.Float64("step", ratioAdjustStep))
	}
	if adjustments != nil {
		m.recomputeAllocationsLocked()
	}
	onAdjust := m.onAdjust
	m.mu.Unlock()

	if adjustments != nil {
		m.notifyChange()
		if onAdjust != nil {
			onAdjust(adjustments)
		}
	}
}

// findDonorLocked picks the flexible type (other than receiver) with the
// lowest load factor that can give up a step without dropping below the
// floor.
func (m *JobTypeManager) findDonorLocked(receiver string) (*jobTypeState, string) {
	var donor *jobTypeState
	var donorName string
	var donorLoad float64
	for name, st := range m.types {
		if name == receiver || !st.flexible {
			continue
		}
		if st.currentRatio-ratioAdjustStep < ratioFloor {
			continue
		}
		load := 1.0
		if st.allocated > 0 {
			load = float64(st.inFlight) / float64(st.allocated)
		}
		if donor == nil || load < donorLoad {
			donor, donorName, donorLoad = st, name, load
		}
	}
	return donor, donorName
}
