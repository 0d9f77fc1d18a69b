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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetlimit/fleetlimit/common"
)

func i64(n int64) *int64 { return &n }

func TestCountersSetBuildsOnlyDeclaredCeilings(t *testing.T) {
	a := assert.New(t)
	s := NewCountersSet("m", common.ModelConfig{TPM: i64(1000), RPM: i64(10)})

	rpm, rpd, tpm, tpd := s.Stats()
	a.NotNil(rpm)
	a.NotNil(tpm)
	a.Nil(rpd)
	a.Nil(tpd)
}

func TestCountersSetTryReserveFailsClosed(t *testing.T) {
	a := assert.New(t)
	// tokens fit, requests do not
	s := NewCountersSet("m", common.ModelConfig{TPM: i64(10_000), RPM: i64(1)})
	_, ok := s.TryReserve(500, 1)
	require.True(t, ok)

	_, ok = s.TryReserve(500, 1)
	a.False(ok)

	// the failed reserve charged nothing to the token counter
	_, _, tpm, _ := s.Stats()
	a.Equal(int64(500), tpm.Current)
}

func TestCountersSetReleaseRefundsUnusedEstimate(t *testing.T) {
	a := assert.New(t)
	s := NewCountersSet("m", common.ModelConfig{TPM: i64(10_000), RPM: i64(100)})

	res, ok := s.TryReserve(10_000, 1)
	require.True(t, ok)

	// actual 6000 tokens, 1 request: refund 4000 tokens, 0 requests
	s.ReleaseWithWindow(10_000, 1, 6_000, 1, res)
	rpm, _, tpm, _ := s.Stats()
	a.Equal(int64(6_000), tpm.Current)
	a.Equal(int64(1), rpm.Current)
}

func TestCountersSetReleaseNoRefundWhenActualExceedsEstimate(t *testing.T) {
	a := assert.New(t)
	s := NewCountersSet("m", common.ModelConfig{TPM: i64(10_000)})

	res, ok := s.TryReserve(1_000, 1)
	require.True(t, ok)

	// actual above estimate: the overage is not charged, the estimate stands
	s.ReleaseWithWindow(1_000, 1, 5_000, 1, res)
	_, _, tpm, _ := s.Stats()
	a.Equal(int64(1_000), tpm.Current)
}

func TestCountersSetRefundSkippedAfterWindowRoll(t *testing.T) {
	a := assert.New(t)
	s := NewCountersSet("m", common.ModelConfig{TPM: i64(10_000)})
	_, _, tpmCounter, _ := s.Counters()

	clock := time.Unix(1_700_000_000, 0)
	tpmCounter.SetNowFunc(func() time.Time { return clock })

	res, ok := s.TryReserve(10_000, 1)
	require.True(t, ok)

	clock = clock.Add(2 * time.Minute)
	s.ReleaseWithWindow(10_000, 1, 0, 0, res)

	// rolled window already reset to zero; the skipped refund must not have
	// produced a phantom negative
	_, _, tpm, _ := s.Stats()
	a.Equal(int64(0), tpm.Current)
	a.Equal(int64(10_000), tpm.Remaining)
}

func TestCountersSetSetLimitsPartialUpdate(t *testing.T) {
	a := assert.New(t)
	s := NewCountersSet("m", common.ModelConfig{TPM: i64(10_000), RPM: i64(100)})

	s.SetLimits(common.RateLimits{TPM: i64(5_000)})
	rpm, _, tpm, _ := s.Stats()
	a.Equal(int64(5_000), tpm.Limit)
	a.Equal(int64(100), rpm.Limit)

	// updates for absent counters are ignored
	s.SetLimits(common.RateLimits{TPD: i64(1)})
	_, rpd, _, _ := s.Stats()
	a.Nil(rpd)
}
