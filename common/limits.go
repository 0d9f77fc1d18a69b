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

package common

import (
	"math"

	"github.com/pkg/errors"
)

// Pricing is price per one million tokens, per token category.
type Pricing struct {
	Input  float64 `yaml:"input" json:"input"`
	Cached float64 `yaml:"cached" json:"cached"`
	Output float64 `yaml:"output" json:"output"`
}

// ResourceEstimates is the assumed cost of one event when the actual cost is
// unknown at admission time.
type ResourceEstimates struct {
	EstimatedNumberOfRequests int64 `yaml:"estimatedNumberOfRequests" json:"estimatedNumberOfRequests"`
	EstimatedUsedTokens       int64 `yaml:"estimatedUsedTokens" json:"estimatedUsedTokens"`
	EstimatedUsedMemoryKB     int64 `yaml:"estimatedUsedMemoryKB" json:"estimatedUsedMemoryKB"`
}

// ModelConfig declares one backend model's ceilings and pricing. A nil ceiling
// means "no limit of that kind". Immutable after construction.
type ModelConfig struct {
	RPM                   *int64 `yaml:"rpm" json:"rpm,omitempty"`
	RPD                   *int64 `yaml:"rpd" json:"rpd,omitempty"`
	TPM                   *int64 `yaml:"tpm" json:"tpm,omitempty"`
	TPD                   *int64 `yaml:"tpd" json:"tpd,omitempty"`
	MaxConcurrentRequests *int64 `yaml:"maxConcurrentRequests" json:"maxConcurrentRequests,omitempty"`

	// MinCapacity/MaxCapacity clamp this model's contribution to the derived
	// availability slot count under distributed allocation.
	MinCapacity *int64 `yaml:"minCapacity" json:"minCapacity,omitempty"`
	MaxCapacity *int64 `yaml:"maxCapacity" json:"maxCapacity,omitempty"`

	Pricing           Pricing           `yaml:"pricing" json:"pricing"`
	ResourcesPerEvent ResourceEstimates `yaml:"resourcesPerEvent" json:"resourcesPerEvent"`
}

func (m ModelConfig) Validate() error {
	for _, ceiling := range []*int64{m.RPM, m.RPD, m.TPM, m.TPD, m.MaxConcurrentRequests} {
		if ceiling != nil && *ceiling < 0 {
			return errors.New("model ceilings must be non-negative")
		}
	}
	if m.ResourcesPerEvent.EstimatedNumberOfRequests < 0 ||
		m.ResourcesPerEvent.EstimatedUsedTokens < 0 ||
		m.ResourcesPerEvent.EstimatedUsedMemoryKB < 0 {
		return errors.New("resource estimates must be non-negative")
	}
	return nil
}

// RatioConfig is a job type's share of the per-model slot pool.
type RatioConfig struct {
	InitialValue float64 `yaml:"initialValue" json:"initialValue"`
	Flexible     bool    `yaml:"flexible" json:"flexible"`
}

// JobTypeConfig declares one priority class.
type JobTypeConfig struct {
	EstimatedUsedTokens       int64 `yaml:"estimatedUsedTokens" json:"estimatedUsedTokens"`
	EstimatedNumberOfRequests int64 `yaml:"estimatedNumberOfRequests" json:"estimatedNumberOfRequests"`
	EstimatedUsedMemoryKB     int64 `yaml:"estimatedUsedMemoryKB" json:"estimatedUsedMemoryKB"`

	Ratio RatioConfig `yaml:"ratio" json:"ratio"`

	// MaxWaitMS bounds how long the selector waits on each model before moving
	// to the next one. Zero means fail-fast for that model. Models absent from
	// the map get a default derived from the minute window.
	MaxWaitMS map[string]int64 `yaml:"maxWaitMS" json:"maxWaitMS,omitempty"`

	// MinJobTypeCapacity keeps a floor of allocated slots even when
	// floor(pool×ratio) is zero.
	MinJobTypeCapacity int64 `yaml:"minJobTypeCapacity" json:"minJobTypeCapacity"`
}

func (j JobTypeConfig) Validate() error {
	if j.EstimatedUsedTokens < 0 || j.EstimatedNumberOfRequests < 0 || j.EstimatedUsedMemoryKB < 0 {
		return errors.New("job type estimates must be non-negative")
	}
	if j.Ratio.InitialValue < 0 || j.Ratio.InitialValue > 1 {
		return errors.New("ratio initialValue must be within [0, 1]")
	}
	if j.MinJobTypeCapacity < 0 {
		return errors.New("minJobTypeCapacity must be non-negative")
	}
	for _, ms := range j.MaxWaitMS {
		if ms < 0 {
			return errors.New("maxWaitMS values must be non-negative")
		}
	}
	return nil
}

// RateLimits is a partial per-model limit update; nil fields are untouched.
type RateLimits struct {
	TPM           *int64 `json:"tokensPerMinute,omitempty"`
	TPD           *int64 `json:"tokensPerDay,omitempty"`
	RPM           *int64 `json:"requestsPerMinute,omitempty"`
	RPD           *int64 `json:"requestsPerDay,omitempty"`
	MaxConcurrent *int64 `json:"maxConcurrentRequests,omitempty"`
}

// NormalizeRatios rescales ratios in place so they sum to 1. Ratios that are
// already normal (within epsilon) come back unchanged.
func NormalizeRatios(ratios map[string]float64) {
	var sum float64
	for _, r := range ratios {
		sum += r
	}
	if sum <= 0 {
		return
	}
	if math.Abs(sum-1) < 1e-9 {
		return
	}
	for k, r := range ratios {
		ratios[k] = r / sum
	}
}
