// Package diag collects host resource diagnostics using gopsutil. It
// completes the TODO the teacher left in agent/internal/metrics/metrics.go
// ("returns zero values — a full implementation using gopsutil is planned"),
// repurposed here for self-update's disk-space precheck (FreeBytes) rather
// than for a heartbeat RPC payload (the CORE has no such RPC — see DESIGN.md
// for the dropped grpc dependency). Collect is not called by the listener
// or the worker.
package diag

import (
	"context"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
)

// Snapshot is a point-in-time host resource reading.
type Snapshot struct {
	CPUPercent  float64
	MemPercent  float64
	DiskPercent float64
}

// Collect samples current CPU, memory, and disk utilization for the
// filesystem rooted at path. CPU sampling blocks for a short interval; call
// it off the hot path (startup, periodic diagnostics), not per-step.
func Collect(ctx context.Context, path string) (Snapshot, error) {
	var snap Snapshot

	cpuPercents, err := cpu.PercentWithContext(ctx, 0, false)
	if err == nil && len(cpuPercents) > 0 {
		snap.CPUPercent = cpuPercents[0]
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		snap.MemPercent = vm.UsedPercent
	}

	if du, err := disk.UsageWithContext(ctx, path); err == nil {
		snap.DiskPercent = du.UsedPercent
	}

	return snap, nil
}

// FreeBytes returns the free space, in bytes, on the filesystem containing
// path. Used by internal/selfupdate before staging a downloaded package.
func FreeBytes(ctx context.Context, path string) (uint64, error) {
	du, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return 0, err
	}
	return du.Free, nil
}
