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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetlimit/fleetlimit/common"
)

// selectorFixture builds two models: "small" with a 1-token budget (so any
// real event saturates it) and "large" with room to spare.
func selectorFixture(jobTypes map[string]common.JobTypeConfig) (map[string]*ModelLimiter, *Selector) {
	arb := newTestArbiter(1<<20, nil)
	limiters := map[string]*ModelLimiter{
		"small": NewModelLimiter("small", common.ModelConfig{
			TPM:               i64(100),
			ResourcesPerEvent: common.ResourceEstimates{EstimatedUsedTokens: 100, EstimatedNumberOfRequests: 1},
		}, arb, nil),
		"large": NewModelLimiter("large", common.ModelConfig{
			TPM:               i64(100_000),
			ResourcesPerEvent: common.ResourceEstimates{EstimatedUsedTokens: 100, EstimatedNumberOfRequests: 1},
		}, arb, nil),
	}
	sel := NewSelector([]string{"small", "large"}, limiters, jobTypes, 10*time.Millisecond, nil, nil)
	return limiters, sel
}

func TestSelectorPicksFirstModelWithCapacity(t *testing.T) {
	a := assert.New(t)
	_, sel := selectorFixture(nil)

	got, err := sel.Select(context.Background(), "j1", "", nil)
	require.NoError(t, err)
	a.Equal("small", got.ModelID)
	a.False(got.AllModelsExhausted)
}

func TestSelectorSkipsTriedModels(t *testing.T) {
	a := assert.New(t)
	_, sel := selectorFixture(nil)

	got, err := sel.Select(context.Background(), "j1", "", map[string]bool{"small": true})
	require.NoError(t, err)
	a.Equal("large", got.ModelID)
}

func TestSelectorFailFastSkipsWithoutWaiting(t *testing.T) {
	a := assert.New(t)
	jobTypes := map[string]common.JobTypeConfig{
		"interactive": {
			EstimatedUsedTokens:       100,
			EstimatedNumberOfRequests: 1,
			MaxWaitMS:                 map[string]int64{"small": 0, "large": 5_000},
		},
	}
	limiters, sel := selectorFixture(jobTypes)

	// exhaust small
	_, ok := limiters["small"].TryReserve(100, 1)
	require.True(t, ok)

	start := time.Now()
	got, err := sel.Select(context.Background(), "j1", "interactive", nil)
	require.NoError(t, err)
	a.Equal("large", got.ModelID)
	a.Less(time.Since(start), 50*time.Millisecond)
}

func TestSelectorTimedWaitThenExhausted(t *testing.T) {
	a := assert.New(t)
	jobTypes := map[string]common.JobTypeConfig{
		"batch": {
			EstimatedUsedTokens:       100,
			EstimatedNumberOfRequests: 1,
			MaxWaitMS:                 map[string]int64{"small": 100, "large": 100},
		},
	}
	limiters, sel := selectorFixture(jobTypes)

	_, ok := limiters["small"].TryReserve(100, 1)
	require.True(t, ok)
	// exhaust large too
	_, ok = limiters["large"].TryReserve(100_000, 1)
	require.True(t, ok)

	start := time.Now()
	got, err := sel.Select(context.Background(), "j1", "batch", nil)
	require.NoError(t, err)
	a.True(got.AllModelsExhausted)
	elapsed := time.Since(start)
	a.GreaterOrEqual(elapsed, 200*time.Millisecond)
	a.Less(elapsed, 2*time.Second)
}

func TestSelectorWakesOnCapacityRelease(t *testing.T) {
	a := assert.New(t)
	jobTypes := map[string]common.JobTypeConfig{
		"batch": {
			EstimatedUsedTokens:       100,
			EstimatedNumberOfRequests: 1,
			MaxWaitMS:                 map[string]int64{"small": 5_000, "large": 0},
		},
	}
	limiters, sel := selectorFixture(jobTypes)

	res, ok := limiters["small"].TryReserve(100, 1)
	require.True(t, ok)

	go func() {
		time.Sleep(50 * time.Millisecond)
		limiters["small"].ReleaseReservation(res, 100, 1, 0, 0)
	}()

	start := time.Now()
	got, err := sel.Select(context.Background(), "j1", "batch", nil)
	require.NoError(t, err)
	a.Equal("small", got.ModelID)
	a.Less(time.Since(start), 2*time.Second)
}

func TestSelectorContextCancelDuringWait(t *testing.T) {
	jobTypes := map[string]common.JobTypeConfig{
		"batch": {
			EstimatedUsedTokens:       100,
			EstimatedNumberOfRequests: 1,
			MaxWaitMS:                 map[string]int64{"small": 10_000, "large": 0},
		},
	}
	limiters, sel := selectorFixture(jobTypes)
	_, ok := limiters["small"].TryReserve(100, 1)
	require.True(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := sel.Select(ctx, "j1", "batch", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSelectorReportsWaitStatus(t *testing.T) {
	a := assert.New(t)
	var statuses []WaitStatus
	jobTypes := map[string]common.JobTypeConfig{
		"batch": {
			EstimatedUsedTokens:       100,
			EstimatedNumberOfRequests: 1,
			MaxWaitMS:                 map[string]int64{"small": 100, "large": 0},
		},
	}
	arb := newTestArbiter(1<<20, nil)
	limiters := map[string]*ModelLimiter{
		"small": NewModelLimiter("small", common.ModelConfig{
			TPM:               i64(100),
			ResourcesPerEvent: common.ResourceEstimates{EstimatedUsedTokens: 100, EstimatedNumberOfRequests: 1},
		}, arb, nil),
		"large": NewModelLimiter("large", common.ModelConfig{
			TPM:               i64(100_000),
			ResourcesPerEvent: common.ResourceEstimates{EstimatedUsedTokens: 100, EstimatedNumberOfRequests: 1},
		}, arb, nil),
	}
	sel := NewSelector([]string{"small", "large"}, limiters, jobTypes, 10*time.Millisecond, nil, func(ws WaitStatus) {
		statuses = append(statuses, ws)
	})

	_, ok := limiters["small"].TryReserve(100, 1)
	require.True(t, ok)

	got, err := sel.Select(context.Background(), "j1", "batch", nil)
	require.NoError(t, err)
	a.Equal("large", got.ModelID)

	require.NotEmpty(t, statuses)
	a.Equal("small", statuses[0].WaitingOnModel)
	// the final callback clears the status
	a.Empty(statuses[len(statuses)-1].WaitingOnModel)
}

func TestDefaultMaxWait(t *testing.T) {
	a := assert.New(t)
	// 45s into a minute: 15s left in the window plus 5s slack
	now := time.Unix(1_700_000_085, 0) // boundary at 1_700_000_040
	a.Equal(20*time.Second, DefaultMaxWait(now, time.Minute))

	// at an exact boundary the whole window remains
	a.Equal(65*time.Second, DefaultMaxWait(time.Unix(1_700_000_040, 0), time.Minute))
}
