package platform

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/adred-codev/msgbroker/internal/metrics"
)

// ResourceGuard periodically samples the broker process's CPU and
// memory usage and exports it to metrics and the log, the way the
// donor server's stats-collector goroutine does. It carries no
// admission-control policy: SPEC_FULL.md scopes this component to
// observability only.
type ResourceGuard struct {
	interval time.Duration
	logger   zerolog.Logger
	memLimit int64
	proc     *process.Process
}

// NewResourceGuard builds a guard sampling every interval. It detects
// the cgroup memory limit once at construction and logs it; the limit
// is informational only.
func NewResourceGuard(interval time.Duration, logger zerolog.Logger) *ResourceGuard {
	g := &ResourceGuard{interval: interval, logger: logger}

	if limit, err := MemoryLimitBytes(); err == nil && limit > 0 {
		g.memLimit = limit
		logger.Info().Int64("memory_limit_bytes", limit).Msg("detected cgroup memory limit")
	}

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		logger.Warn().Err(err).Msg("resource guard: could not open process handle, memory sampling degraded")
	}
	g.proc = proc

	return g
}

// Run samples until ctx is cancelled. Intended to be run in its own
// goroutine from cmd/broker.
func (g *ResourceGuard) Run(ctx context.Context) {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.sample()
		}
	}
}

func (g *ResourceGuard) sample() {
	var rssBytes float64
	if g.proc != nil {
		if info, err := g.proc.MemoryInfo(); err == nil {
			rssBytes = float64(info.RSS)
		}
	}
	if rssBytes == 0 {
		if vmem, err := mem.VirtualMemory(); err == nil {
			rssBytes = float64(vmem.Used)
		}
	}
	metrics.ProcessMemoryBytes.Set(rssBytes)

	if g.proc != nil {
		if pct, err := g.proc.CPUPercent(); err == nil {
			metrics.ProcessCPUPercent.Set(pct)
		}
	}
}
