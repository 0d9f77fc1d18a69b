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

func twoFlexTypes() map[string]common.JobTypeConfig {
	return map[string]common.JobTypeConfig{
		"interactive": {Ratio: common.RatioConfig{InitialValue: 0.5, Flexible: true}},
		"batch":       {Ratio: common.RatioConfig{InitialValue: 0.5, Flexible: true}},
	}
}

func TestJobTypeManagerAllocatesByRatio(t *testing.T) {
	a := assert.New(t)
	m := NewJobTypeManager(map[string]common.JobTypeConfig{
		"interactive": {Ratio: common.RatioConfig{InitialValue: 0.7}},
		"batch":       {Ratio: common.RatioConfig{InitialValue: 0.3}, MinJobTypeCapacity: 4},
	}, nil, nil)

	m.SetTotalSlots(10)
	stats := m.Stats()
	a.Equal(int64(7), stats["interactive"].AllocatedSlots)
	// floor(10×0.3)=3, lifted to the configured floor
	a.Equal(int64(4), stats["batch"].AllocatedSlots)
}

func TestJobTypeManagerNormalizesInitialRatios(t *testing.T) {
	a := assert.New(t)
	m := NewJobTypeManager(map[string]common.JobTypeConfig{
		"a": {Ratio: common.RatioConfig{InitialValue: 2}},
		"b": {Ratio: common.RatioConfig{InitialValue: 2}},
	}, nil, nil)

	ratios := m.Ratios()
	a.InDelta(0.5, ratios["a"], 1e-9)
	a.InDelta(0.5, ratios["b"], 1e-9)
}

func TestJobTypeManagerSlotSaturation(t *testing.T) {
	a := assert.New(t)
	m := NewJobTypeManager(twoFlexTypes(), nil, nil)
	m.SetTotalSlots(4) // 2 each

	ok, err := m.TryReserveSlot("interactive")
	require.NoError(t, err)
	require.True(t, ok)
	ok, _ = m.TryReserveSlot("interactive")
	require.True(t, ok)

	ok, _ = m.TryReserveSlot("interactive")
	a.False(ok)

	m.ReleaseSlot("interactive")
	ok, _ = m.TryReserveSlot("interactive")
	a.True(ok)
}

func TestJobTypeManagerUnknownType(t *testing.T) {
	m := NewJobTypeManager(twoFlexTypes(), nil, nil)
	_, err := m.TryReserveSlot("ghost")
	assert.ErrorIs(t, err, common.ErrUnknownJobType)
}

func TestJobTypeManagerAcquireSlotBlocksUntilRelease(t *testing.T) {
	m := NewJobTypeManager(twoFlexTypes(), nil, nil)
	m.SetTotalSlots(2) // 1 each

	require.NoError(t, m.AcquireSlot(context.Background(), "batch"))

	done := make(chan error, 1)
	go func() { done <- m.AcquireSlot(context.Background(), "batch") }()

	select {
	case <-done:
		t.Fatal("acquire should have blocked on a saturated type")
	case <-time.After(20 * time.Millisecond):
	}

	m.ReleaseSlot("batch")
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiter not woken by release")
	}
}

func TestJobTypeManagerSetRatiosRejectsFixedChange(t *testing.T) {
	a := assert.New(t)
	m := NewJobTypeManager(map[string]common.JobTypeConfig{
		"pinned": {Ratio: common.RatioConfig{InitialValue: 0.4, Flexible: false}},
		"free":   {Ratio: common.RatioConfig{InitialValue: 0.6, Flexible: true}},
	}, nil, nil)

	a.Error(m.SetRatios(map[string]float64{"pinned": 0.1}))

	// flexible types rescale into the room the fixed ones leave
	require.NoError(t, m.SetRatios(map[string]float64{"free": 0.9}))
	ratios := m.Ratios()
	a.InDelta(0.4, ratios["pinned"], 1e-9)
	a.InDelta(0.6, ratios["free"], 1e-9)
}

func TestJobTypeManagerAdjustShiftsFromLeastLoaded(t *testing.T) {
	a := assert.New(t)
	var emitted []common.RatioAdjustment
	m := NewJobTypeManager(twoFlexTypes(), nil, func(adj []common.RatioAdjustment) {
		emitted = append(emitted, adj...)
	})

	clock := time.Unix(1_700_000_000, 0)
	m.SetNowFunc(func() time.Time { return clock })
	m.SetTotalSlots(4) // 2 each

	// saturate interactive: two holds plus a refused third sets pressure
	for i := 0; i < 2; i++ {
		ok, err := m.TryReserveSlot("interactive")
		require.NoError(t, err)
		require.True(t, ok)
	}
	ok, _ := m.TryReserveSlot("interactive")
	require.False(t, ok)

	// pressure must be sustained before anything moves
	m.AdjustOnce()
	a.Empty(emitted)

	clock = clock.Add(11 * time.Second)
	m.AdjustOnce()

	ratios := m.Ratios()
	a.InDelta(0.55, ratios["interactive"], 1e-9)
	a.InDelta(0.45, ratios["batch"], 1e-9)
	a.InDelta(1.0, ratios["interactive"]+ratios["batch"], 1e-9)
	require.Len(t, emitted, 2)
	a.Equal("interactive", emitted[0].JobType)
	a.InDelta(0.05, emitted[0].Delta, 1e-9)
	a.InDelta(-0.05, emitted[1].Delta, 1e-9)
}

func TestJobTypeManagerAdjustRespectsFloor(t *testing.T) {
	a := assert.New(t)
	m := NewJobTypeManager(map[string]common.JobTypeConfig{
		"hungry": {Ratio: common.RatioConfig{InitialValue: 0.92, Flexible: true}},
		"tiny":   {Ratio: common.RatioConfig{InitialValue: 0.08, Flexible: true}},
	}, nil, nil)

	clock := time.Unix(1_700_000_000, 0)
	m.SetNowFunc(func() time.Time { return clock })
	m.SetTotalSlots(100)

	// saturate tiny so it wants more
	for {
		ok, err := m.TryReserveSlot("tiny")
		require.NoError(t, err)
		if !ok {
			break
		}
	}
	clock = clock.Add(11 * time.Second)
	m.AdjustOnce()

	// hungry is the only donor; both stay within [floor, ceiling]
	ratios := m.Ratios()
	a.InDelta(0.87, ratios["hungry"], 1e-9)
	a.InDelta(0.13, ratios["tiny"], 1e-9)
}
