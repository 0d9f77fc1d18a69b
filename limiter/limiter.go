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

// Package limiter is the public face of fleetlimit: a multi-model,
// multi-tenant admission controller for LLM-style workloads. Construct a
// RateLimiter from a Config, Start it, and push work through QueueJob; the
// limiter walks the escalation order, enforces window budgets, concurrency
// ceilings, memory pressure, and job-type quotas, and settles each job with
// its aggregated usage and cost.
package limiter

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	retry "github.com/avast/retry-go"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/fleetlimit/fleetlimit/common"
	"github.com/fleetlimit/fleetlimit/coord"
	"github.com/fleetlimit/fleetlimit/engine"
	"github.com/fleetlimit/fleetlimit/metrics"
)

const adjustmentInterval = 5 * time.Second

// JobFunc is re-exported so embedders only import this package.
type JobFunc = engine.JobFunc

// Job describes one unit of work for QueueJob. ID defaults to a fresh UUID,
// Type to the config's defaultJobType. Callbacks are optional; the queue call
// also returns the result synchronously.
type Job struct {
	ID   string
	Type string
	Fn   JobFunc

	OnComplete func(common.JobResult)
	OnError    func(common.JobError)
}

type options struct {
	log         *zap.Logger
	coordinator coord.Coordinator
	registerer  prometheus.Registerer
}

type Option func(*options)

func WithLogger(log *zap.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithCoordinator installs a fleet coordination backend. Without one the
// limiter runs standalone behind a no-op coordinator.
func WithCoordinator(c coord.Coordinator) Option {
	return func(o *options) { o.coordinator = c }
}

// WithMetricsRegisterer enables prometheus collectors on the given registry.
func WithMetricsRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// RateLimiter is one instance's admission controller. All methods are safe
// for concurrent use.
type RateLimiter struct {
	cfg         *common.Config
	log         *zap.Logger
	coordinator coord.Coordinator
	recorder    *metrics.Recorder

	limiters map[string]*engine.ModelLimiter
	memory   *engine.MemoryArbiter
	jobTypes *engine.JobTypeManager
	selector *engine.Selector
	registry *engine.Registry
	tracker  *engine.AvailabilityTracker
	applier  *engine.AllocationApplier
	executor *engine.Executor

	mu          sync.Mutex
	started     bool
	heartbeater *coord.Heartbeater
	unsubscribe func()
	stopped     atomic.Bool
}

// New builds a limiter from cfg. The config is validated (and defaults
// applied) here; Start is still required for fleet coordination and the
// background loops.
func New(cfg *common.Config, opts ...Option) (*RateLimiter, error) {
	if cfg == nil {
		return nil, errors.New("nil config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "config")
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.coordinator == nil {
		o.coordinator = coord.Noop{}
	}
	log := common.EnsureLogger(o.log).With(zap.String("instance", cfg.InstanceID))

	rl := &RateLimiter{
		cfg:         cfg,
		log:         log,
		coordinator: o.coordinator,
	}
	if o.registerer != nil {
		rl.recorder = metrics.NewRecorder(o.registerer)
	}

	rl.registry = engine.NewRegistry()
	rl.memory = engine.NewMemoryArbiter(cfg.Memory, cfg.Models, log, func() {
		// a budget change resizes the job-type pool too; once a distributed
		// allocation is in effect, the applier owns the pool instead
		if rl.applier.Current() == nil {
			rl.jobTypes.SetTotalSlots(rl.tracker.CapacitySlots())
		}
		rl.tracker.Emit(common.ReasonMemory, "*", nil)
	})
	rl.limiters = make(map[string]*engine.ModelLimiter, len(cfg.Models))
	for modelID, mc := range cfg.Models {
		rl.limiters[modelID] = engine.NewModelLimiter(modelID, mc, rl.memory, log)
	}
	rl.jobTypes = engine.NewJobTypeManager(cfg.JobTypes, log, func(adj []common.RatioAdjustment) {
		rl.tracker.Emit(common.ReasonAdjustment, "*", adj)
	})
	rl.tracker = engine.NewAvailabilityTracker(
		cfg.EscalationOrder,
		rl.limiters,
		rl.memory,
		rl.jobTypes,
		cfg.JobTypes,
		func() *coord.Allocation { return rl.applier.Current() },
		log,
	)
	rl.applier = engine.NewAllocationApplier(rl.limiters, rl.jobTypes, rl.tracker, log)
	rl.selector = engine.NewSelector(
		cfg.EscalationOrder,
		rl.limiters,
		cfg.JobTypes,
		cfg.SelectorPollInterval(),
		log,
		rl.registry.SetWaiting,
	)
	rl.executor = engine.NewExecutor(
		cfg.InstanceID,
		cfg.EscalationOrder,
		rl.limiters,
		cfg.JobTypes,
		rl.selector,
		rl.memory,
		rl.coordinator,
		rl.registry,
		rl.recorder,
		log,
		func(modelID string) { rl.tracker.Emit("", modelID, nil) },
	)

	// until a distributed allocation arrives, the job-type pool is the local
	// full-capacity slot count
	rl.jobTypes.SetTotalSlots(rl.tracker.CapacitySlots())
	return rl, nil
}

// NewFromConfigFile loads, validates, and builds in one step.
func NewFromConfigFile(path string, opts ...Option) (*RateLimiter, error) {
	cfg, err := common.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	return New(cfg, opts...)
}

func (rl *RateLimiter) InstanceID() string { return rl.cfg.InstanceID }

// Start registers with the coordinator, applies the initial allocation, and
// launches the background loops (heartbeat, memory recalculation, ratio
// adjustment). Idempotent.
func (rl *RateLimiter) Start(ctx context.Context) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if rl.started {
		return nil
	}

	declared := rl.declaredCapacity()
	var alloc *coord.Allocation
	err := retry.Do(
		func() error {
			var rerr error
			alloc, rerr = rl.coordinator.Register(ctx, rl.cfg.InstanceID, declared)
			return rerr
		},
		retry.Attempts(3),
		retry.Delay(200*time.Millisecond),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	)
	if err != nil {
		return errors.Wrap(err, "coordinator register")
	}
	rl.applier.Apply(alloc)

	rl.unsubscribe = rl.coordinator.SubscribeAllocation(rl.cfg.InstanceID, func(a coord.Allocation, modelID string) {
		rl.applier.Apply(&a)
	})
	rl.heartbeater = coord.NewHeartbeater(rl.coordinator, rl.cfg.InstanceID, rl.cfg.HeartbeatInterval(), rl.log)
	rl.heartbeater.Start()
	rl.memory.Start()
	rl.jobTypes.StartAdjustment(adjustmentInterval)

	rl.started = true
	rl.stopped.Store(false)
	rl.log.Info("limiter started",
		zap.Strings("escalationOrder", rl.cfg.EscalationOrder),
		zap.Int("jobTypes", len(rl.cfg.JobTypes)))
	return nil
}

// Stop halts the background loops and unregisters from the coordinator.
// In-flight jobs finish; new QueueJob calls fail with ErrLimiterStopped.
func (rl *RateLimiter) Stop(ctx context.Context) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.stopped.Store(true)
	if !rl.started {
		return nil
	}
	rl.started = false

	rl.jobTypes.StopAdjustment()
	rl.memory.Stop()
	rl.heartbeater.Stop()
	if rl.unsubscribe != nil {
		rl.unsubscribe()
		rl.unsubscribe = nil
	}
	if err := rl.coordinator.Unregister(ctx, rl.cfg.InstanceID); err != nil {
		return errors.Wrap(err, "coordinator unregister")
	}
	rl.log.Info("limiter stopped")
	return nil
}

// QueueJob runs job to settlement: take a job-type slot (blocking until one
// frees or ctx is done), walk the escalation order, execute, release. The
// result carries the usage and cost of every attempt, including failed ones.
func (rl *RateLimiter) QueueJob(ctx context.Context, job Job) (common.JobResult, error) {
	h, jobType, err := rl.admit(ctx, &job)
	if err != nil {
		return common.JobResult{}, err
	}
	if jobType != "" {
		defer rl.releaseSlot(jobType)
	}
	return rl.executor.Execute(ctx, h)
}

// QueueJobForModel bypasses model selection and runs the job on exactly the
// named model. A Delegate outcome has nowhere to escalate and fails the job.
func (rl *RateLimiter) QueueJobForModel(ctx context.Context, modelID string, job Job) (common.JobResult, error) {
	h, jobType, err := rl.admit(ctx, &job)
	if err != nil {
		return common.JobResult{}, err
	}
	if jobType != "" {
		defer rl.releaseSlot(jobType)
	}
	return rl.executor.ExecuteOnModel(ctx, h, modelID)
}

// admit fills job defaults, takes the job-type slot, and registers the job.
// Returns the handle and the job type whose slot must be released (empty when
// no job types are configured).
func (rl *RateLimiter) admit(ctx context.Context, job *Job) (*engine.JobHandle, string, error) {
	if rl.stopped.Load() {
		return nil, "", common.ErrLimiterStopped
	}
	if job.Fn == nil {
		return nil, "", errors.New("job has no function")
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	jobType := job.Type
	if jobType == "" {
		jobType = rl.cfg.DefaultJobType
	}
	if jobType != "" {
		if err := rl.jobTypes.AcquireSlot(ctx, jobType); err != nil {
			return nil, "", err
		}
	}
	rl.registry.Add(job.ID, jobType)
	return &engine.JobHandle{
		JobID:      job.ID,
		JobType:    jobType,
		Job:        job.Fn,
		OnComplete: job.OnComplete,
		OnError:    job.OnError,
	}, jobType, nil
}

func (rl *RateLimiter) releaseSlot(jobType string) {
	rl.jobTypes.ReleaseSlot(jobType)
	rl.tracker.Emit("", "*", nil)
}

// HasCapacity reports whether any model in the escalation order could admit
// one event of its own declared shape right now.
func (rl *RateLimiter) HasCapacity() bool {
	for _, modelID := range rl.cfg.EscalationOrder {
		if rl.limiters[modelID].HasCapacity() {
			return true
		}
	}
	return false
}

// HasCapacityForModel checks one model by id.
func (rl *RateLimiter) HasCapacityForModel(modelID string) (bool, error) {
	lim, ok := rl.limiters[modelID]
	if !ok {
		return false, errors.Wrapf(common.ErrUnknownModel, "%q", modelID)
	}
	return lim.HasCapacity(), nil
}

// Stats snapshots every model, the memory budget, and the job-type quotas.
func (rl *RateLimiter) Stats() common.Stats {
	models := make(map[string]common.ModelStats, len(rl.limiters))
	for modelID, lim := range rl.limiters {
		models[modelID] = lim.Stats()
	}
	mem := rl.memory.Stats()
	return common.Stats{
		Models:   models,
		Memory:   &mem,
		JobTypes: rl.jobTypes.Stats(),
	}
}

// ModelStats snapshots one model.
func (rl *RateLimiter) ModelStats(modelID string) (common.ModelStats, error) {
	lim, ok := rl.limiters[modelID]
	if !ok {
		return common.ModelStats{}, errors.Wrapf(common.ErrUnknownModel, "%q", modelID)
	}
	return lim.Stats(), nil
}

// Availability derives the current capacity snapshot.
func (rl *RateLimiter) Availability() common.Availability {
	return rl.tracker.Current()
}

// ActiveJobs lists in-flight jobs, oldest first.
func (rl *RateLimiter) ActiveJobs() []common.ActiveJobInfo {
	return rl.registry.ActiveJobs()
}

// CompletedJobs lists recently settled jobs still inside the history TTL.
func (rl *RateLimiter) CompletedJobs() []common.CompletedJobInfo {
	return rl.registry.CompletedJobs()
}

// Allocation returns the last coordinator allocation, nil when running local.
func (rl *RateLimiter) Allocation() *coord.Allocation {
	return rl.applier.Current()
}

// SetJobTypeRatios overrides the flexible job-type ratios; fixed ratios
// cannot move. Shares are renormalized so the total stays 1.
func (rl *RateLimiter) SetJobTypeRatios(ratios map[string]float64) error {
	if err := rl.jobTypes.SetRatios(ratios); err != nil {
		return err
	}
	rl.tracker.Emit(common.ReasonAdjustment, "*", nil)
	return nil
}

// SetDistributedAvailability forwards an externally computed fleet
// availability to change listeners. Local counters are not touched; this is
// a pass-through for embedders that aggregate fleet state themselves.
func (rl *RateLimiter) SetDistributedAvailability(av common.Availability) {
	rl.tracker.EmitSynthetic(av)
}

// OnAvailabilityChange registers a listener for availability changes and
// returns an unregister func.
func (rl *RateLimiter) OnAvailabilityChange(handler engine.AvailabilityHandler) func() {
	return rl.tracker.OnChange(handler)
}

// declaredCapacity converts the model configs into what this instance
// registers with the coordinator: each model's ceilings plus the slot count
// those ceilings admit at full capacity.
func (rl *RateLimiter) declaredCapacity() map[string]coord.DeclaredCapacity {
	declared := make(map[string]coord.DeclaredCapacity, len(rl.cfg.Models))
	for modelID, mc := range rl.cfg.Models {
		declared[modelID] = coord.DeclaredCapacity{
			TotalSlots:            declaredSlots(mc),
			TokensPerMinute:       mc.TPM,
			TokensPerDay:          mc.TPD,
			RequestsPerMinute:     mc.RPM,
			RequestsPerDay:        mc.RPD,
			MaxConcurrentRequests: mc.MaxConcurrentRequests,
		}
	}
	return declared
}

// declaredSlots is the model's full-capacity event count: the minimum over
// its configured ceilings of ceiling/perEventEstimate.
func declaredSlots(mc common.ModelConfig) int64 {
	est := mc.ResourcesPerEvent
	slots := int64(-1)
	constrain := func(ceiling *int64, perEvent int64) {
		if ceiling == nil || perEvent <= 0 {
			return
		}
		if s := *ceiling / perEvent; slots < 0 || s < slots {
			slots = s
		}
	}
	constrain(mc.TPM, est.EstimatedUsedTokens)
	constrain(mc.TPD, est.EstimatedUsedTokens)
	constrain(mc.RPM, est.EstimatedNumberOfRequests)
	constrain(mc.RPD, est.EstimatedNumberOfRequests)
	if mc.MaxConcurrentRequests != nil && (slots < 0 || *mc.MaxConcurrentRequests < slots) {
		slots = *mc.MaxConcurrentRequests
	}
	if slots < 0 {
		slots = 0
	}
	return slots
}
