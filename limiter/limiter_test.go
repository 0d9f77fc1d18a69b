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

package limiter

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetlimit/fleetlimit/common"
	"github.com/fleetlimit/fleetlimit/coord"
)

func i64(n int64) *int64 { return &n }

func testConfig() *common.Config {
	return &common.Config{
		InstanceID:      "test-instance",
		EscalationOrder: []string{"small", "large"},
		Models: map[string]common.ModelConfig{
			"small": {
				TPM:                   i64(10_000),
				RPM:                   i64(100),
				MaxConcurrentRequests: i64(4),
				Pricing:               common.Pricing{Input: 1, Output: 2},
				ResourcesPerEvent:     common.ResourceEstimates{EstimatedUsedTokens: 1_000, EstimatedNumberOfRequests: 1},
			},
			"large": {
				TPM:               i64(100_000),
				RPM:               i64(1_000),
				Pricing:           common.Pricing{Input: 5, Output: 10},
				ResourcesPerEvent: common.ResourceEstimates{EstimatedUsedTokens: 1_000, EstimatedNumberOfRequests: 1},
			},
		},
		JobTypes: map[string]common.JobTypeConfig{
			"default": {
				EstimatedUsedTokens:       1_000,
				EstimatedNumberOfRequests: 1,
				Ratio:                     common.RatioConfig{InitialValue: 1.0},
				MinJobTypeCapacity:        1,
				MaxWaitMS:                 map[string]int64{"small": 0, "large": 0},
			},
		},
		DefaultJobType: "default",
		Memory:         common.MemoryConfig{FixedLimitKB: 1 << 20},
	}
}

func TestLimiterQueueJobResolves(t *testing.T) {
	a := assert.New(t)
	rl, err := New(testConfig())
	require.NoError(t, err)

	result, err := rl.QueueJob(context.Background(), Job{
		Fn: func(ctx context.Context, modelID string) common.Outcome {
			return common.Resolve("hello", common.Usage{InputTokens: 400, OutputTokens: 100, RequestCount: 1})
		},
	})
	require.NoError(t, err)

	a.Equal("small", result.ModelUsed)
	a.Equal("hello", result.Value)
	a.NotEmpty(result.JobID) // generated
	require.Len(t, result.Usage, 1)
	a.InDelta(0.0006, result.TotalCost, 1e-9)

	// estimate 1000, actual 500: the model keeps only the actuals
	stats, err := rl.ModelStats("small")
	require.NoError(t, err)
	a.Equal(int64(500), stats.TokensPerMinute.Current)
}

func TestLimiterEscalatesWhenFirstModelSaturated(t *testing.T) {
	a := assert.New(t)
	cfg := testConfig()
	// make small too tight for even one event
	cfg.Models["small"] = common.ModelConfig{
		TPM:               i64(100),
		Pricing:           common.Pricing{Input: 1, Output: 2},
		ResourcesPerEvent: common.ResourceEstimates{EstimatedUsedTokens: 1_000, EstimatedNumberOfRequests: 1},
	}
	rl, err := New(cfg)
	require.NoError(t, err)

	result, err := rl.QueueJob(context.Background(), Job{
		Fn: func(ctx context.Context, modelID string) common.Outcome {
			return common.Resolve(modelID, common.Usage{InputTokens: 100, RequestCount: 1})
		},
	})
	require.NoError(t, err)
	a.Equal("large", result.ModelUsed)
}

func TestLimiterCallbacksFire(t *testing.T) {
	a := assert.New(t)
	rl, err := New(testConfig())
	require.NoError(t, err)

	var mu sync.Mutex
	var completed []string
	_, err = rl.QueueJob(context.Background(), Job{
		ID: "cb-job",
		Fn: func(ctx context.Context, modelID string) common.Outcome {
			return common.Resolve("v", common.Usage{InputTokens: 10, RequestCount: 1})
		},
		OnComplete: func(res common.JobResult) {
			mu.Lock()
			completed = append(completed, res.JobID)
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	a.Equal([]string{"cb-job"}, completed)

	done := rl.CompletedJobs()
	require.Len(t, done, 1)
	a.Equal("cb-job", done[0].JobID)
}

func TestLimiterQueueJobForModel(t *testing.T) {
	a := assert.New(t)
	rl, err := New(testConfig())
	require.NoError(t, err)

	result, err := rl.QueueJobForModel(context.Background(), "large", Job{
		Fn: func(ctx context.Context, modelID string) common.Outcome {
			return common.Resolve(modelID, common.Usage{InputTokens: 50, RequestCount: 1})
		},
	})
	require.NoError(t, err)
	a.Equal("large", result.ModelUsed)

	_, err = rl.QueueJobForModel(context.Background(), "ghost", Job{
		Fn: func(ctx context.Context, modelID string) common.Outcome {
			return common.Resolve("x", common.Usage{})
		},
	})
	a.ErrorIs(err, common.ErrUnknownModel)
}

func TestLimiterCapacityQueries(t *testing.T) {
	a := assert.New(t)
	rl, err := New(testConfig())
	require.NoError(t, err)

	a.True(rl.HasCapacity())
	ok, err := rl.HasCapacityForModel("small")
	require.NoError(t, err)
	a.True(ok)

	_, err = rl.HasCapacityForModel("ghost")
	a.ErrorIs(err, common.ErrUnknownModel)
}

func TestLimiterStatsSurface(t *testing.T) {
	a := assert.New(t)
	rl, err := New(testConfig())
	require.NoError(t, err)

	stats := rl.Stats()
	a.Len(stats.Models, 2)
	require.NotNil(t, stats.Memory)
	a.Equal(int64(1<<20), stats.Memory.LimitKB)
	a.Contains(stats.JobTypes, "default")
	a.Positive(stats.JobTypes["default"].AllocatedSlots)

	av := rl.Availability()
	a.Positive(av.Slots)
}

func TestLimiterStoppedRejectsNewJobs(t *testing.T) {
	a := assert.New(t)
	rl, err := New(testConfig())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, rl.Start(ctx))
	require.NoError(t, rl.Stop(ctx))

	_, err = rl.QueueJob(ctx, Job{
		Fn: func(ctx context.Context, modelID string) common.Outcome {
			return common.Resolve("x", common.Usage{})
		},
	})
	a.ErrorIs(err, common.ErrLimiterStopped)
}

func TestLimiterWithInMemoryCoordinatorSplitsLimits(t *testing.T) {
	a := assert.New(t)
	backend := coord.NewMemory()
	ctx := context.Background()

	cfgA := testConfig()
	cfgA.InstanceID = "a"
	rlA, err := New(cfgA, WithCoordinator(backend), WithMetricsRegisterer(prometheus.NewRegistry()))
	require.NoError(t, err)
	require.NoError(t, rlA.Start(ctx))
	defer func() { _ = rlA.Stop(ctx) }()

	cfgB := testConfig()
	cfgB.InstanceID = "b"
	rlB, err := New(cfgB, WithCoordinator(backend))
	require.NoError(t, err)
	require.NoError(t, rlB.Start(ctx))
	defer func() { _ = rlB.Stop(ctx) }()

	// the fleet split halves each instance's small-model token window
	statsA, err := rlA.ModelStats("small")
	require.NoError(t, err)
	a.Equal(int64(5_000), statsA.TokensPerMinute.Limit)

	alloc := rlB.Allocation()
	require.NotNil(t, alloc)
	a.Equal(2, alloc.InstanceCount)

	// jobs still run under the split
	result, err := rlB.QueueJob(ctx, Job{
		Fn: func(ctx context.Context, modelID string) common.Outcome {
			return common.Resolve("ok", common.Usage{InputTokens: 100, RequestCount: 1})
		},
	})
	require.NoError(t, err)
	a.Equal("small", result.ModelUsed)
}

func TestLimiterSetJobTypeRatios(t *testing.T) {
	a := assert.New(t)
	cfg := testConfig()
	cfg.JobTypes = map[string]common.JobTypeConfig{
		"interactive": {Ratio: common.RatioConfig{InitialValue: 0.5, Flexible: true}},
		"batch":       {Ratio: common.RatioConfig{InitialValue: 0.5, Flexible: true}},
	}
	cfg.DefaultJobType = "interactive"
	rl, err := New(cfg)
	require.NoError(t, err)

	require.NoError(t, rl.SetJobTypeRatios(map[string]float64{"interactive": 0.8, "batch": 0.2}))
	stats := rl.Stats()
	a.InDelta(0.8, stats.JobTypes["interactive"].Ratio, 1e-9)
}

func TestLimiterMemoryGrowthResizesJobTypePool(t *testing.T) {
	a := assert.New(t)
	cfg := testConfig()
	cfg.Memory = common.MemoryConfig{FixedLimitKB: 5_000}
	for id, mc := range cfg.Models {
		mc.ResourcesPerEvent.EstimatedUsedMemoryKB = 10_000
		cfg.Models[id] = mc
	}
	jt := cfg.JobTypes["default"]
	jt.MinJobTypeCapacity = 0
	cfg.JobTypes["default"] = jt

	rl, err := New(cfg)
	require.NoError(t, err)

	// the working set exceeds the budget, so the pool starts empty
	a.Zero(rl.Stats().JobTypes["default"].AllocatedSlots)

	done := make(chan error, 1)
	go func() {
		_, qerr := rl.QueueJob(context.Background(), Job{
			Fn: func(ctx context.Context, modelID string) common.Outcome {
				return common.Resolve("ok", common.Usage{InputTokens: 100, RequestCount: 1})
			},
		})
		done <- qerr
	}()
	select {
	case qerr := <-done:
		t.Fatalf("job ran against a zero-slot pool: %v", qerr)
	case <-time.After(100 * time.Millisecond):
	}

	// growing the budget must resize the pool and wake the parked job
	rl.memory.SetLimitKB(100_000)
	select {
	case qerr := <-done:
		require.NoError(t, qerr)
	case <-time.After(2 * time.Second):
		t.Fatal("job still blocked after the memory budget grew")
	}
	a.Positive(rl.Stats().JobTypes["default"].AllocatedSlots)
}

func TestLimiterRecordsSelectionWait(t *testing.T) {
	a := assert.New(t)
	reg := prometheus.NewRegistry()
	rl, err := New(testConfig(), WithMetricsRegisterer(reg))
	require.NoError(t, err)

	_, err = rl.QueueJob(context.Background(), Job{
		Fn: func(ctx context.Context, modelID string) common.Outcome {
			return common.Resolve("ok", common.Usage{InputTokens: 100, RequestCount: 1})
		},
	})
	require.NoError(t, err)

	n, err := testutil.GatherAndCount(reg, "fleetlimit_selection_wait_seconds")
	require.NoError(t, err)
	a.Equal(1, n)
}

func TestLimiterAvailabilityChangeNotifications(t *testing.T) {
	a := assert.New(t)
	rl, err := New(testConfig())
	require.NoError(t, err)

	var mu sync.Mutex
	var reasons []common.ChangeReason
	unsubscribe := rl.OnAvailabilityChange(func(av common.Availability, reason common.ChangeReason, modelID string, adj []common.RatioAdjustment) {
		mu.Lock()
		reasons = append(reasons, reason)
		mu.Unlock()
	})
	defer unsubscribe()

	_, err = rl.QueueJob(context.Background(), Job{
		Fn: func(ctx context.Context, modelID string) common.Outcome {
			return common.Resolve("x", common.Usage{InputTokens: 100, RequestCount: 1})
		},
	})
	require.NoError(t, err)

	mu.Lock()
	a.NotEmpty(reasons)
	mu.Unlock()

	// external fleet state passes straight through
	rl.SetDistributedAvailability(common.Availability{Slots: 7})
	mu.Lock()
	a.Equal(common.ReasonDistributed, reasons[len(reasons)-1])
	mu.Unlock()
}
