//go:build linux

package common

import (
	"bufio"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// GetMemAvailableKB returns the kernel's MemAvailable estimate in KB.
// MemAvailable exists on 3.14+ kernels only; anything older is ancient enough
// that we just report the error and let the caller fall back.
func GetMemAvailableKB() (int64, error) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0, errors.Wrap(err, "open /proc/meminfo")
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "MemAvailable") {
			continue
		}
		tokens := strings.Fields(line)
		if len(tokens) != 3 {
			return 0, errors.Errorf("invalid /proc/meminfo line %q", line)
		}
		if tokens[2] != "kB" {
			// /proc/meminfo reports in kB only; anything else means the
			// format changed under us.
			return 0, errors.Errorf("MemAvailable not in kB: %q", line)
		}
		value, err := strconv.ParseInt(tokens[1], 10, 64)
		if err != nil {
			return 0, errors.Wrapf(err, "parse MemAvailable %q", tokens[1])
		}
		return value, nil
	}
	if err := scanner.Err(); err != nil {
		return 0, errors.Wrap(err, "scan /proc/meminfo")
	}

	var kernelVersion unix.Utsname
	_ = unix.Uname(&kernelVersion)
	return 0, errors.Errorf("MemAvailable entry not found, kernel version: %+v", kernelVersion)
}
