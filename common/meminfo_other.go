//go:build !linux

package common

import (
	"runtime"

	"github.com/pkg/errors"
)

// GetMemAvailableKB has no portable implementation off Linux, so we
// guesstimate conservatively from the logical CPU count, capped at 16 GB.
// Half a GB per CPU is well under typical installed RAM-per-CPU.
func GetMemAvailableKB() (int64, error) {
	const kbPerCPU = int64(512 * 1024)
	const maxKB = int64(16 * 1024 * 1024)
	kb := int64(runtime.NumCPU()) * kbPerCPU
	if kb > maxKB {
		kb = maxKB
	}
	if kb <= 0 {
		return 0, errors.New("could not estimate available memory")
	}
	return kb, nil
}
