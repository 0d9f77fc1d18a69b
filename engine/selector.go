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

// Selection is what the selector hands back: a model, or exhaustion.
type Selection struct {
	ModelID            string
	AllModelsExhausted bool
}

// WaitStatus reports where a job is blocked, for the active-jobs surface.
type WaitStatus struct {
	JobID          string
	WaitingOnModel string
	Remaining      time.Duration
}

// Selector walks the escalation order and picks the first untried model with
// capacity. A model without capacity gets up to its per-(jobType, model)
// max-wait; a max-wait of zero means fail-fast, skip straight to the next
// model. Instead of hot-polling, the wait parks on the limiter's
// capacity-change broadcast, with the poll interval as a backstop for window
// rollovers (which change capacity without a release event).
type Selector struct {
	order        []string
	limiters     map[string]*ModelLimiter
	pollInterval time.Duration
	jobTypes     map[string]common.JobTypeConfig
	log          *zap.Logger
	nowFn        func() time.Time

	// onWaitStatus, when set, mirrors wait progress into the job registry.
	onWaitStatus func(WaitStatus)
}

func NewSelector(order []string, limiters map[string]*ModelLimiter, jobTypes map[string]common.JobTypeConfig, pollInterval time.Duration, log *zap.Logger, onWaitStatus func(WaitStatus)) *Selector {
	return &Selector{
		order:        order,
		limiters:     limiters,
		pollInterval: pollInterval,
		jobTypes:     jobTypes,
		log:          common.EnsureLogger(log),
		nowFn:        time.Now,
		onWaitStatus: onWaitStatus,
	}
}

// SetNowFunc overrides the clock. Test use only.
func (s *Selector) SetNowFunc(nowFn func() time.Time) { s.nowFn = nowFn }

// estimatesFor resolves the event shape to check capacity against: the job
// type's own estimates when declared, else the model's per-event defaults.
func (s *Selector) estimatesFor(jobType, modelID string) (tokens, requests int64) {
	if jt, ok := s.jobTypes[jobType]; ok && (jt.EstimatedUsedTokens > 0 || jt.EstimatedNumberOfRequests > 0) {
		return jt.EstimatedUsedTokens, jt.EstimatedNumberOfRequests
	}
	est := s.limiters[modelID].Config().ResourcesPerEvent
	return est.EstimatedUsedTokens, est.EstimatedNumberOfRequests
}

// maxWaitFor resolves the wait budget for one (jobType, model) pair. An
// explicit zero is fail-fast. Unconfigured pairs wait into the following
// minute (window length minus seconds elapsed, plus five seconds of slack) so
// a job survives a typical per-minute window rollover.
func (s *Selector) maxWaitFor(jobType, modelID string) time.Duration {
	if jt, ok := s.jobTypes[jobType]; ok && jt.MaxWaitMS != nil {
		if ms, ok := jt.MaxWaitMS[modelID]; ok {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return DefaultMaxWait(s.nowFn(), time.Minute)
}

// DefaultMaxWait computes the unconfigured wait budget for a given window
// length: the remainder of the current window plus five seconds of slack.
func DefaultMaxWait(now time.Time, window time.Duration) time.Duration {
	windowSec := int64(window / time.Second)
	elapsed := now.Unix() % windowSec
	return time.Duration(windowSec-elapsed)*time.Second + 5*time.Second
}

// Select picks the first untried model in escalation order with capacity,
// waiting up to each candidate's max-wait budget before moving on.
func (s *Selector) Select(ctx context.Context, jobID, jobType string, tried map[string]bool) (Selection, error) {
	for _, modelID := range s.order {
		if tried[modelID] {
			continue
		}
		lim := s.limiters[modelID]
		tokens, requests := s.estimatesFor(jobType, modelID)
		if lim.HasCapacityFor(tokens, requests) {
			return Selection{ModelID: modelID}, nil
		}

		maxWait := s.maxWaitFor(jobType, modelID)
		if maxWait == 0 {
			// fail-fast for this model
			continue
		}
		ok, err := s.waitForCapacity(ctx, jobID, lim, tokens, requests, maxWait)
		if err != nil {
			return Selection{}, err
		}
		if ok {
			return Selection{ModelID: modelID}, nil
		}
		s.log.Debug("max wait elapsed, escalating",
			zap.String("jobId", jobID),
			zap.String("model", modelID),
			zap.Duration("maxWait", maxWait))
	}
	return Selection{AllModelsExhausted: true}, nil
}

// waitForCapacity parks until the model has capacity for the shape, the wait
// budget runs out (returns false), or ctx is done (returns the ctx error).
func (s *Selector) waitForCapacity(ctx context.Context, jobID string, lim *ModelLimiter, tokens, requests int64, maxWait time.Duration) (bool, error) {
	deadline := time.NewTimer(maxWait)
	defer deadline.Stop()
	poll := time.NewTicker(s.pollInterval)
	defer poll.Stop()
	start := s.nowFn()

	for {
		if s.onWaitStatus != nil {
			remaining := maxWait - s.nowFn().Sub(start)
			if remaining < 0 {
				remaining = 0
			}
			s.onWaitStatus(WaitStatus{JobID: jobID, WaitingOnModel: lim.ModelID(), Remaining: remaining})
		}
		changed := lim.Changed()
		if lim.HasCapacityFor(tokens, requests) {
			s.clearWaitStatus(jobID)
			return true, nil
		}
		select {
		case <-ctx.Done():
			s.clearWaitStatus(jobID)
			return false, ctx.Err()
		case <-deadline.C:
			s.clearWaitStatus(jobID)
			return false, nil
		case <-changed:
		case <-poll.C:
		}
	}
}

func (s *Selector) clearWaitStatus(jobID string) {
	if s.onWaitStatus != nil {
		s.onWaitStatus(WaitStatus{JobID: jobID})
	}
}
