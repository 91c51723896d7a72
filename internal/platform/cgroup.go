// Package platform detects container resource limits and periodically
// samples the broker process's own CPU/memory usage, exporting both to
// metrics and logs. It never rejects connections or otherwise feeds
// back into accept decisions — see SPEC_FULL.md §4.10.
package platform

import (
	"os"
	"strconv"
	"strings"
)

// MemoryLimitBytes returns the container memory limit in bytes, trying
// cgroup v2 first and falling back to v1. Returns 0 when no limit is
// detected (bare metal, VMs, unconstrained containers).
func MemoryLimitBytes() (int64, error) {
	if data, err := os.ReadFile("/sys/fs/cgroup/memory.max"); err == nil {
		limit := strings.TrimSpace(string(data))
		if limit != "max" {
			return strconv.ParseInt(limit, 10, 64)
		}
		return 0, nil
	}

	if data, err := os.ReadFile("/sys/fs/cgroup/memory/memory.limit_in_bytes"); err == nil {
		return strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	}

	return 0, nil
}
