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
	"time"

	"github.com/fleetlimit/fleetlimit/common"
)

// Reservation captures the window boundaries observed when capacity was
// reserved. Refunds are valid only against the same boundaries: if a window
// rolled while the job ran, the new window's count owes this reservation
// nothing, so the refund for that counter is skipped.
type Reservation struct {
	RPMWindow time.Time
	RPDWindow time.Time
	TPMWindow time.Time
	TPDWindow time.Time
}

// CountersSet is the up-to-four time-window counters of one model limiter
// (RPM/RPD/TPM/TPD; any may be absent). All multi-counter operations happen
// under one mutex, so two concurrent admissions can never both observe
// capacity for the same remaining units.
type CountersSet struct {
	mu  chan struct{}
	rpm *common.TimeWindowCounter
	rpd *common.TimeWindowCounter
	tpm *common.TimeWindowCounter
	tpd *common.TimeWindowCounter
}

// NewCountersSet builds counters for whichever ceilings the model declares.
func NewCountersSet(modelID string, cfg common.ModelConfig) *CountersSet {
	s := &CountersSet{mu: make(chan struct{}, 1)}
	if cfg.RPM != nil {
		s.rpm = common.NewTimeWindowCounter(*cfg.RPM, time.Minute, modelID+"/rpm")
	}
	if cfg.RPD != nil {
		s.rpd = common.NewTimeWindowCounter(*cfg.RPD, 24*time.Hour, modelID+"/rpd")
	}
	if cfg.TPM != nil {
		s.tpm = common.NewTimeWindowCounter(*cfg.TPM, time.Minute, modelID+"/tpm")
	}
	if cfg.TPD != nil {
		s.tpd = common.NewTimeWindowCounter(*cfg.TPD, 24*time.Hour, modelID+"/tpd")
	}
	return s
}

func (s *CountersSet) lock()   { s.mu <- struct{}{} }
func (s *CountersSet) unlock() { <-s.mu }

// HasCapacityFor reports whether every present counter can absorb the
// estimated shape of one event.
func (s *CountersSet) HasCapacityFor(tokens, requests int64) bool {
	s.lock()
	defer s.unlock()
	return s.hasCapacityForLocked(tokens, requests)
}

func (s *CountersSet) hasCapacityForLocked(tokens, requests int64) bool {
	if s.rpm != nil && !s.rpm.HasCapacityFor(requests) {
		return false
	}
	if s.rpd != nil && !s.rpd.HasCapacityFor(requests) {
		return false
	}
	if s.tpm != nil && !s.tpm.HasCapacityFor(tokens) {
		return false
	}
	if s.tpd != nil && !s.tpd.HasCapacityFor(tokens) {
		return false
	}
	return true
}

// TryReserve atomically checks all present counters and, only if every check
// passes, charges the estimates to each and captures the window boundaries.
// Fails closed: a failed check mutates nothing.
func (s *CountersSet) TryReserve(tokens, requests int64) (Reservation, bool) {
	s.lock()
	defer s.unlock()
	if !s.hasCapacityForLocked(tokens, requests) {
		return Reservation{}, false
	}
	var res Reservation
	if s.rpm != nil {
		res.RPMWindow = s.rpm.WindowStart()
		s.rpm.Add(requests)
	}
	if s.rpd != nil {
		res.RPDWindow = s.rpd.WindowStart()
		s.rpd.Add(requests)
	}
	if s.tpm != nil {
		res.TPMWindow = s.tpm.WindowStart()
		s.tpm.Add(tokens)
	}
	if s.tpd != nil {
		res.TPDWindow = s.tpd.WindowStart()
		s.tpd.Add(tokens)
	}
	return res, true
}

// ReleaseWithWindow refunds the unused part of a reservation: for each
// present counter the refund is estimated−actual when positive, a no-op when
// actual met or exceeded the estimate, and skipped entirely for counters
// whose window rolled since reserve time.
func (s *CountersSet) ReleaseWithWindow(estTokens, estRequests, actTokens, actRequests int64, res Reservation) {
	s.lock()
	defer s.unlock()
	if s.rpm != nil {
		s.rpm.SubtractIfSameWindow(estRequests-actRequests, res.RPMWindow)
	}
	if s.rpd != nil {
		s.rpd.SubtractIfSameWindow(estRequests-actRequests, res.RPDWindow)
	}
	if s.tpm != nil {
		s.tpm.SubtractIfSameWindow(estTokens-actTokens, res.TPMWindow)
	}
	if s.tpd != nil {
		s.tpd.SubtractIfSameWindow(estTokens-actTokens, res.TPDWindow)
	}
}

// SetLimits applies the non-nil fields of a partial limit update.
func (s *CountersSet) SetLimits(limits common.RateLimits) {
	s.lock()
	defer s.unlock()
	if s.rpm != nil && limits.RPM != nil {
		s.rpm.SetLimit(*limits.RPM)
	}
	if s.rpd != nil && limits.RPD != nil {
		s.rpd.SetLimit(*limits.RPD)
	}
	if s.tpm != nil && limits.TPM != nil {
		s.tpm.SetLimit(*limits.TPM)
	}
	if s.tpd != nil && limits.TPD != nil {
		s.tpd.SetLimit(*limits.TPD)
	}
}

// Stats snapshots each present counter; absent ones come back nil.
func (s *CountersSet) Stats() (rpm, rpd, tpm, tpd *common.CounterStats) {
	s.lock()
	defer s.unlock()
	if s.rpm != nil {
		v := s.rpm.Stats()
		rpm = &v
	}
	if s.rpd != nil {
		v := s.rpd.Stats()
		rpd = &v
	}
	if s.tpm != nil {
		v := s.tpm.Stats()
		tpm = &v
	}
	if s.tpd != nil {
		v := s.tpd.Stats()
		tpd = &v
	}
	return
}

// Counters exposes the individual counters for tests and window inspection.
func (s *CountersSet) Counters() (rpm, rpd, tpm, tpd *common.TimeWindowCounter) {
	return s.rpm, s.rpd, s.tpm, s.tpd
}
