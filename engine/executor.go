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

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/fleetlimit/fleetlimit/common"
	"github.com/fleetlimit/fleetlimit/coord"
	"github.com/fleetlimit/fleetlimit/metrics"
)

// JobFunc is the user's work. It runs on exactly one model per attempt and
// must return a valid Outcome (Resolve, Reject, or Delegate); the zero
// Outcome surfaces as ErrNoOutcome. A panic is treated as a rejection with
// zero actuals, so the whole estimate is refunded (window-safe).
type JobFunc func(ctx context.Context, modelID string) common.Outcome

// JobHandle is the transient per-call record living from QueueJob entry until
// the call settles.
type JobHandle struct {
	JobID   string
	JobType string
	Job     JobFunc

	OnComplete func(common.JobResult)
	OnError    func(common.JobError)

	tried       map[string]bool
	usage       []common.Usage
	attempts    int
	clearedOnce bool
}

// control-flow sentinels inside one Execute loop; never escape this package
var (
	errDelegate       = errors.New("delegate to next model")
	errRetrySelection = errors.New("retry model selection")
)

// Executor drives one job through selection, hierarchical acquisition
// (memory → coordinator → counters → concurrency), the user function, and
// guaranteed release. Every resource acquired in an attempt is released
// before the attempt returns, whatever the outcome.
type Executor struct {
	instanceID  string
	order       []string
	limiters    map[string]*ModelLimiter
	jobTypes    map[string]common.JobTypeConfig
	selector    *Selector
	memory      *MemoryArbiter
	coordinator coord.Coordinator
	registry    *Registry
	recorder    *metrics.Recorder
	log         *zap.Logger

	// onRelease fires after an attempt returns capacity, so the availability
	// tracker can re-derive its snapshot.
	onRelease func(modelID string)
}

func NewExecutor(
	instanceID string,
	order []string,
	limiters map[string]*ModelLimiter,
	jobTypes map[string]common.JobTypeConfig,
	selector *Selector,
	memory *MemoryArbiter,
	coordinator coord.Coordinator,
	registry *Registry,
	recorder *metrics.Recorder,
	log *zap.Logger,
	onRelease func(modelID string),
) *Executor {
	return &Executor{
		instanceID:  instanceID,
		order:       order,
		limiters:    limiters,
		jobTypes:    jobTypes,
		selector:    selector,
		memory:      memory,
		coordinator: coordinator,
		registry:    registry,
		recorder:    recorder,
		log:         common.EnsureLogger(log),
		onRelease:   onRelease,
	}
}

// Execute runs the job to settlement. On selector exhaustion after at least
// one attempt, triedModels is cleared exactly once and selection re-entered,
// giving window resets and other instances' releases a chance; a second
// exhaustion is fatal.
func (e *Executor) Execute(ctx context.Context, h *JobHandle) (common.JobResult, error) {
	if h.tried == nil {
		h.tried = make(map[string]bool, len(e.order))
	}
	for {
		selStart := time.Now()
		sel, err := e.selector.Select(ctx, h.JobID, h.JobType, h.tried)
		e.recorder.SelectionWait(h.JobType, time.Since(selStart))
		if err != nil {
			return e.fail(h, errors.Wrap(err, "selection cancelled"))
		}
		if sel.AllModelsExhausted {
			if h.attempts > 0 && !h.clearedOnce {
				h.clearedOnce = true
				h.tried = make(map[string]bool, len(e.order))
				e.registry.ClearTried(h.JobID)
				continue
			}
			return e.fail(h, common.ErrAllModelsExhausted)
		}
		result, err := e.attempt(ctx, h, sel.ModelID)
		switch {
		case errors.Is(err, errDelegate), errors.Is(err, errRetrySelection):
			continue
		case err != nil:
			return e.fail(h, err)
		default:
			return e.complete(h, result)
		}
	}
}

// ExecuteOnModel bypasses selection for QueueJobForModel. The job gets one
// attempt on the named model; a delegation outcome has nowhere to go and
// fails with the job's own error.
func (e *Executor) ExecuteOnModel(ctx context.Context, h *JobHandle, modelID string) (common.JobResult, error) {
	if _, ok := e.limiters[modelID]; !ok {
		return e.fail(h, errors.Wrapf(common.ErrUnknownModel, "%q", modelID))
	}
	if h.tried == nil {
		h.tried = make(map[string]bool, 1)
	}
	result, err := e.attempt(ctx, h, modelID)
	switch {
	case errors.Is(err, errRetrySelection):
		return e.fail(h, common.ErrAllModelsExhausted)
	case errors.Is(err, errDelegate):
		return e.fail(h, errors.New("model requested delegation but selection was bypassed"))
	case err != nil:
		return e.fail(h, err)
	default:
		return e.complete(h, result)
	}
}

// attempt runs one admission + execution cycle on one model. Returns
// errDelegate or errRetrySelection to re-enter the Execute loop; any other
// error is terminal for the job.
func (e *Executor) attempt(ctx context.Context, h *JobHandle, modelID string) (common.JobResult, error) {
	lim := e.limiters[modelID]
	estTokens, estRequests := e.estimatesFor(h.JobType, modelID)

	if err := e.memory.Acquire(ctx, modelID); err != nil {
		return common.JobResult{}, errors.Wrap(err, "memory acquisition cancelled")
	}

	admitted, err := e.coordinator.Acquire(ctx, coord.AcquireRequest{
		InstanceID:        e.instanceID,
		ModelID:           modelID,
		JobID:             h.JobID,
		JobType:           h.JobType,
		EstimatedTokens:   estTokens,
		EstimatedRequests: estRequests,
	})
	if err != nil {
		e.memory.Release(modelID)
		return common.JobResult{}, errors.Wrap(err, "coordinator acquire")
	}
	if !admitted {
		e.memory.Release(modelID)
		h.tried[modelID] = true
		e.registry.MarkTried(h.JobID, modelID)
		e.log.Debug("coordinator refused admission",
			zap.String("jobId", h.JobID),
			zap.String("model", modelID))
		if e.allTried(h) {
			return common.JobResult{}, common.ErrAllModelsRejectedByBackend
		}
		return common.JobResult{}, errRetrySelection
	}

	res, reserved := lim.TryReserve(estTokens, estRequests)
	if !reserved {
		// capacity moved between selection and reserve; give the distributed
		// slot back and pick again
		e.coordinatorRelease(ctx, h, modelID, estTokens, estRequests, 0, 0, Reservation{})
		e.memory.Release(modelID)
		return common.JobResult{}, errRetrySelection
	}

	if err := e.acquireConcurrency(ctx, lim, h.JobType, modelID); err != nil {
		lim.ReleaseReservation(res, estTokens, estRequests, 0, 0)
		e.coordinatorRelease(ctx, h, modelID, estTokens, estRequests, 0, 0, res)
		e.memory.Release(modelID)
		if errors.Is(err, errRetrySelection) {
			return common.JobResult{}, errRetrySelection
		}
		return common.JobResult{}, errors.Wrap(err, "concurrency acquisition cancelled")
	}

	e.registry.SetInProgress(h.JobID, modelID)
	e.recorder.Admission(modelID, h.JobType)

	outcome := e.runJob(ctx, h, modelID)

	usage := outcome.Usage()
	usage.ModelID = modelID
	usage.Cost = common.CostOf(usage, lim.Config().Pricing)
	actTokens := usage.TotalTokens()
	actRequests := usage.RequestCount
	h.usage = append(h.usage, usage)
	h.attempts++

	lim.ReleaseReservation(res, estTokens, estRequests, actTokens, actRequests)
	lim.ReleaseConcurrency()
	e.memory.Release(modelID)
	e.coordinatorRelease(ctx, h, modelID, estTokens, estRequests, actTokens, actRequests, res)
	e.recorder.Settled(modelID)
	e.recorder.TokensUsed(modelID, actTokens)
	if e.onRelease != nil {
		e.onRelease(modelID)
	}

	switch {
	case !outcome.Valid():
		return common.JobResult{}, errors.Wrapf(common.ErrNoOutcome, "job %s on model %s", h.JobID, modelID)
	case outcome.Resolved():
		return common.JobResult{
			JobID:     h.JobID,
			ModelUsed: modelID,
			Value:     outcome.Value(),
			Usage:     h.usage,
			TotalCost: totalCost(h.usage),
		}, nil
	case outcome.WantsDelegate():
		h.tried[modelID] = true
		e.registry.MarkTried(h.JobID, modelID)
		e.recorder.Delegation(modelID, h.JobType)
		e.log.Debug("job delegated",
			zap.String("jobId", h.JobID),
			zap.String("model", modelID),
			zap.Error(outcome.Err()))
		return common.JobResult{}, errDelegate
	default:
		err := outcome.Err()
		if err == nil {
			err = errors.Errorf("job %s rejected on model %s", h.JobID, modelID)
		}
		return common.JobResult{}, err
	}
}

// acquireConcurrency bounds the concurrency wait by the pair's max-wait
// budget, so an attempt never holds its window reservation indefinitely.
// Fail-fast pairs do not wait at all. A budget expiry (as opposed to ctx
// being done) sends the job back through selection.
func (e *Executor) acquireConcurrency(ctx context.Context, lim *ModelLimiter, jobType, modelID string) error {
	maxWait := e.selector.maxWaitFor(jobType, modelID)
	if maxWait <= 0 {
		if lim.TryAcquireConcurrency() {
			return nil
		}
		return errRetrySelection
	}
	waitCtx, cancel := context.WithTimeout(ctx, maxWait)
	defer cancel()
	if err := lim.AcquireConcurrency(waitCtx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errRetrySelection
	}
	return nil
}

// runJob invokes the user function, converting panics into rejections with
// zero actuals. Non-error panic values are wrapped with their string form.
func (e *Executor) runJob(ctx context.Context, h *JobHandle, modelID string) (out common.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			err, ok := r.(error)
			if !ok {
				err = errors.Errorf("%v", r)
			}
			e.log.Warn("job panicked",
				zap.String("jobId", h.JobID),
				zap.String("model", modelID),
				zap.Error(err))
			out = common.Reject(common.Usage{}, err)
		}
	}()
	return h.Job(ctx, modelID)
}

func (e *Executor) coordinatorRelease(ctx context.Context, h *JobHandle, modelID string, estTokens, estRequests, actTokens, actRequests int64, res Reservation) {
	// release is best effort: a lost release self-corrects when the window
	// rolls, so errors are logged and swallowed
	err := e.coordinator.Release(ctx, coord.ReleaseRequest{
		InstanceID:        e.instanceID,
		ModelID:           modelID,
		JobID:             h.JobID,
		JobType:           h.JobType,
		EstimatedTokens:   estTokens,
		EstimatedRequests: estRequests,
		ActualTokens:      actTokens,
		ActualRequests:    actRequests,
		WindowStarts: coord.WindowStarts{
			RPM: res.RPMWindow,
			RPD: res.RPDWindow,
			TPM: res.TPMWindow,
			TPD: res.TPDWindow,
		},
	})
	if err != nil {
		e.log.Warn("coordinator release failed",
			zap.String("jobId", h.JobID),
			zap.String("model", modelID),
			zap.Error(err))
	}
}

func (e *Executor) estimatesFor(jobType, modelID string) (tokens, requests int64) {
	if jt, ok := e.jobTypes[jobType]; ok && (jt.EstimatedUsedTokens > 0 || jt.EstimatedNumberOfRequests > 0) {
		return jt.EstimatedUsedTokens, jt.EstimatedNumberOfRequests
	}
	est := e.limiters[modelID].Config().ResourcesPerEvent
	return est.EstimatedUsedTokens, est.EstimatedNumberOfRequests
}

func (e *Executor) allTried(h *JobHandle) bool {
	for _, modelID := range e.order {
		if !h.tried[modelID] {
			return false
		}
	}
	return true
}

func (e *Executor) complete(h *JobHandle, result common.JobResult) (common.JobResult, error) {
	e.registry.Settle(h.JobID, common.CompletedJobInfo{
		JobID:     h.JobID,
		JobType:   h.JobType,
		ModelUsed: result.ModelUsed,
		Succeeded: true,
		TotalCost: result.TotalCost,
		Usage:     result.Usage,
	})
	if h.OnComplete != nil {
		h.OnComplete(result)
	}
	return result, nil
}

func (e *Executor) fail(h *JobHandle, err error) (common.JobResult, error) {
	cost := totalCost(h.usage)
	e.registry.Settle(h.JobID, common.CompletedJobInfo{
		JobID:     h.JobID,
		JobType:   h.JobType,
		Succeeded: false,
		TotalCost: cost,
		Usage:     h.usage,
	})
	e.recorder.Rejection(h.JobType, rejectionReason(err))
	if h.OnError != nil {
		h.OnError(common.JobError{
			JobID:     h.JobID,
			Err:       err,
			Usage:     h.usage,
			TotalCost: cost,
		})
	}
	return common.JobResult{}, err
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, common.ErrAllModelsExhausted):
		return "exhausted"
	case errors.Is(err, common.ErrAllModelsRejectedByBackend):
		return "backend_rejected"
	case errors.Is(err, common.ErrNoOutcome):
		return "no_outcome"
	default:
		return "job_error"
	}
}

func totalCost(usage []common.Usage) float64 {
	var sum float64
	for _, u := range usage {
		sum += u.Cost
	}
	return sum
}
