// Package sysmetrics samples system-wide and per-process resource usage
// via gopsutil, feeding Tracer's SystemMetric and ToolMetricEvent
// payloads.
package sysmetrics

import (
	"context"
	"fmt"
	"sync"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// SystemSnapshot is a process-wide resource sample.
type SystemSnapshot struct {
	CPUUtilizationPercent float64
	MemTotalBytes         uint64
	MemUsedBytes          uint64
	MemAvailableBytes     uint64
	MemUtilizationPercent float64
	SwapUsedBytes         uint64
	DiskUsage             []MountUsage
}

// MountUsage is the disk usage of a single mount point.
type MountUsage struct {
	MountPoint string
	TotalBytes uint64
	UsedBytes  uint64
}

// ProcessSnapshot is a single PID's resource sample, including deltas since
// the previous poll of the same PID.
type ProcessSnapshot struct {
	PID               int32
	CPUPercent        float64
	RSSBytes          uint64
	VSSBytes          uint64
	Status            string
	ReadBytesTotal    uint64
	WriteBytesTotal   uint64
	ReadBytesDelta    uint64
	WriteBytesDelta   uint64
}

// Collector caches the previous per-PID I/O counters to compute deltas
// between polls. The metric poll loop samples while trigger workers call
// Forget for exited PIDs, so the counter map is guarded.
type Collector struct {
	mounts []string

	mu     sync.Mutex
	prevIO map[int32]ioCounters
}

type ioCounters struct {
	read, write uint64
}

// New creates a Collector that reports disk usage for the given mount
// points (e.g. ["/", "/var/lib/tracer"]).
func New(mounts []string) *Collector {
	return &Collector{
		mounts: mounts,
		prevIO: make(map[int32]ioCounters),
	}
}

// System samples global CPU, memory, and disk usage.
func (c *Collector) System(ctx context.Context) (SystemSnapshot, error) {
	var snap SystemSnapshot

	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return snap, fmt.Errorf("cpu.Percent: %w", err)
	}
	if len(percents) > 0 {
		snap.CPUUtilizationPercent = percents[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return snap, fmt.Errorf("mem.VirtualMemory: %w", err)
	}
	snap.MemTotalBytes = vm.Total
	snap.MemUsedBytes = vm.Used
	snap.MemAvailableBytes = vm.Available
	snap.MemUtilizationPercent = vm.UsedPercent

	if swap, err := mem.SwapMemoryWithContext(ctx); err == nil {
		snap.SwapUsedBytes = swap.Used
	}

	for _, mount := range c.mounts {
		usage, err := disk.UsageWithContext(ctx, mount)
		if err != nil {
			continue // best-effort: a missing mount is skipped, not fatal.
		}
		snap.DiskUsage = append(snap.DiskUsage, MountUsage{
			MountPoint: mount,
			TotalBytes: usage.Total,
			UsedBytes:  usage.Used,
		})
	}

	return snap, nil
}

// RefreshSelected samples only the given PIDs, the fast path used by the
// process state manager's metric pipeline for its monitoring set.
func (c *Collector) RefreshSelected(ctx context.Context, pids []int32) []ProcessSnapshot {
	out := make([]ProcessSnapshot, 0, len(pids))
	for _, pid := range pids {
		snap, err := c.sampleProcess(ctx, pid)
		if err != nil {
			continue // process likely exited between the snapshot and the sample.
		}
		out = append(out, snap)
	}
	return out
}

func (c *Collector) sampleProcess(ctx context.Context, pid int32) (ProcessSnapshot, error) {
	proc, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return ProcessSnapshot{}, fmt.Errorf("process %d: %w", pid, err)
	}

	snap := ProcessSnapshot{PID: pid}

	if cpuPct, err := proc.CPUPercentWithContext(ctx); err == nil {
		snap.CPUPercent = cpuPct
	}

	if memInfo, err := proc.MemoryInfoWithContext(ctx); err == nil && memInfo != nil {
		snap.RSSBytes = memInfo.RSS
		snap.VSSBytes = memInfo.VMS
	}

	if statuses, err := proc.StatusWithContext(ctx); err == nil && len(statuses) > 0 {
		snap.Status = statuses[0]
	}

	if io, err := proc.IOCountersWithContext(ctx); err == nil && io != nil {
		snap.ReadBytesTotal = io.ReadBytes
		snap.WriteBytesTotal = io.WriteBytes

		c.mu.Lock()
		prev, ok := c.prevIO[pid]
		if ok {
			snap.ReadBytesDelta = saturatingSub(io.ReadBytes, prev.read)
			snap.WriteBytesDelta = saturatingSub(io.WriteBytes, prev.write)
		}
		c.prevIO[pid] = ioCounters{read: io.ReadBytes, write: io.WriteBytes}
		c.mu.Unlock()
	}

	return snap, nil
}

// Forget drops cached I/O counters for a PID once it has exited, so the
// map does not grow without bound across the process lifetime of the
// daemon.
func (c *Collector) Forget(pid int32) {
	c.mu.Lock()
	delete(c.prevIO, pid)
	c.mu.Unlock()
}

func saturatingSub(a, b uint64) uint64 {
	if a < b {
		return 0
	}
	return a - b
}
