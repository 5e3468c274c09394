// Package cgroup provides info about the process's cgroup limits.
package cgroup

import (
	"os"
	"runtime"
	"strconv"
	"strings"
)

// AvailableCPUs returns the number of CPUs available to the process,
// honoring the cgroup CPU quota when one is set.
func AvailableCPUs() int {
	n := runtime.GOMAXPROCS(-1)
	if q := cpuQuota(); q > 0 && q < n {
		n = q
	}
	if n < 1 {
		n = 1
	}
	return n
}

// cpuQuota reads the CPU quota from cgroup v2, falling back to cgroup v1.
// It returns 0 when no quota is set or it cannot be determined.
func cpuQuota() int {
	// cgroup v2: "max 100000" or "<quota> <period>"
	if data, err := os.ReadFile("/sys/fs/cgroup/cpu.max"); err == nil {
		fields := strings.Fields(string(data))
		if len(fields) == 2 && fields[0] != "max" {
			quota, err1 := strconv.ParseInt(fields[0], 10, 64)
			period, err2 := strconv.ParseInt(fields[1], 10, 64)
			if err1 == nil && err2 == nil && period > 0 {
				return int((quota + period - 1) / period)
			}
		}
		return 0
	}

	// cgroup v1
	quota := readInt64("/sys/fs/cgroup/cpu/cpu.cfs_quota_us")
	period := readInt64("/sys/fs/cgroup/cpu/cpu.cfs_period_us")
	if quota <= 0 || period <= 0 {
		return 0
	}
	return int((quota + period - 1) / period)
}

func readInt64(path string) int64 {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	n, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0
	}
	return n
}
