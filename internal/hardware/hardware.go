// Package hardware collects a one-time snapshot of this host's capacity,
// attached to the registration payload and used to estimate a safe upper
// bound on concurrent connections.
package hardware

import (
	"runtime"

	"github.com/pbnjay/memory"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Info is immutable once collected — hardware doesn't change at runtime.
type Info struct {
	CPUCores                uint32 `json:"cpu_cores"`
	TotalMemoryMB           uint64 `json:"total_memory_mb"`
	OSInfo                  string `json:"os_info"`
	FDLimit                 uint64 `json:"fd_limit"`
	EstimatedMaxConcurrency uint64 `json:"-"`
}

// defaultFDLimit is used whenever the soft RLIMIT_NOFILE can't be read.
const defaultFDLimit = 1024

// Collect gathers CPU, memory, OS, and fd-limit information and derives
// EstimatedMaxConcurrency = min(fd_limit-100, memory_mb*40, cpu_cores*2000).
func Collect(logger *zap.Logger) Info {
	cpuCores := uint32(runtime.NumCPU())
	totalMemoryMB := totalMemoryMB()
	osInfo := runtime.GOOS + " " + runtime.GOARCH
	fdLimit := fdSoftLimit()

	byFD := saturatingSub(fdLimit, 100)
	byRAM := totalMemoryMB * 40
	byCPU := uint64(cpuCores) * 2000

	estimated := byFD
	if byRAM < estimated {
		estimated = byRAM
	}
	if byCPU < estimated {
		estimated = byCPU
	}

	info := Info{
		CPUCores:                cpuCores,
		TotalMemoryMB:           totalMemoryMB,
		OSInfo:                  osInfo,
		FDLimit:                 fdLimit,
		EstimatedMaxConcurrency: estimated,
	}

	if logger != nil {
		logger.Info("hardware info collected",
			zap.Uint32("cpu_cores", info.CPUCores),
			zap.Uint64("total_memory_mb", info.TotalMemoryMB),
			zap.String("os_info", info.OSInfo),
			zap.Uint64("fd_limit", info.FDLimit),
			zap.Uint64("estimated_max_concurrency", info.EstimatedMaxConcurrency),
		)
	}
	return info
}

func saturatingSub(a, b uint64) uint64 {
	if a < b {
		return 0
	}
	return a - b
}

func totalMemoryMB() uint64 {
	return memory.TotalMemory() / (1024 * 1024)
}

func fdSoftLimit() uint64 {
	var rlim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rlim); err != nil {
		return defaultFDLimit
	}
	return rlim.Cur
}
