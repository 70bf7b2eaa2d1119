// Package resource derives a safe concurrency ceiling from host resources.
package resource

import (
	"context"
	"log/slog"
	"os/exec"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v4/mem"
)

const (
	// Each concurrent 4K transcode needs roughly 2GB of RAM.
	gbPerHeavyOp = 2.0

	// Accelerator sessions are capped low: on embedded boards the GPU
	// shares RAM with the host, and four 4K streams can OOM an 8GB device.
	acceleratorSessionCap = 2

	// Hard upper bound for stability on constrained edge hardware.
	maxCeiling = 4

	fallbackCPUCount = 2
	fallbackMemGB    = 4.0

	acceleratorProbeTimeout = 5 * time.Second
)

// Snapshot captures the measured resources and the ceiling derived from them.
type Snapshot struct {
	CPUCount           int     `json:"cpu_count"`
	AvailableMemGB     float64 `json:"available_memory_gb"`
	AcceleratorPresent bool    `json:"accelerator_present"`
	Ceiling            int     `json:"ceiling"`
}

// Probe measures host resources. The zero value is not usable; use NewProbe.
// All measurement hooks are replaceable for tests.
type Probe struct {
	cpuCount       func() int
	availableMemGB func() float64
	hasAccelerator func(ctx context.Context) bool
	log            *slog.Logger
}

// NewProbe creates a probe backed by the real OS queries.
func NewProbe() *Probe {
	return &Probe{
		cpuCount:       runtime.NumCPU,
		availableMemGB: availableMemoryGB,
		hasAccelerator: detectAccelerator,
		log:            slog.With("component", "resource"),
	}
}

// Snapshot measures resources and computes the ceiling. It never fails:
// every query has a conservative fallback.
func (p *Probe) Snapshot(ctx context.Context) Snapshot {
	cpus := p.cpuCount()
	if cpus <= 0 {
		cpus = fallbackCPUCount
	}

	memGB := p.availableMemGB()
	if memGB <= 0 {
		memGB = fallbackMemGB
	}

	accel := p.hasAccelerator(ctx)

	snap := Snapshot{
		CPUCount:           cpus,
		AvailableMemGB:     memGB,
		AcceleratorPresent: accel,
		Ceiling:            ceilingFrom(cpus, memGB, accel),
	}

	p.log.Info("system resources",
		"cpus", snap.CPUCount,
		"available_gb", snap.AvailableMemGB,
		"accelerator", snap.AcceleratorPresent,
		"ceiling", snap.Ceiling,
	)
	return snap
}

// ComputeCeiling returns just the ceiling for the current host state.
func (p *Probe) ComputeCeiling(ctx context.Context) int {
	return p.Snapshot(ctx).Ceiling
}

// ceilingFrom derives the ceiling from measured resources.
// Always returns a value in [1, maxCeiling].
func ceilingFrom(cpus int, memGB float64, accelerator bool) int {
	memBound := int(memGB / gbPerHeavyOp)

	cpuBound := cpus / 2
	if cpuBound < 1 {
		cpuBound = 1
	}

	var candidate int
	if accelerator {
		candidate = min(memBound, acceleratorSessionCap)
	} else {
		candidate = min(memBound, cpuBound)
	}

	if candidate < 1 {
		return 1
	}
	if candidate > maxCeiling {
		return maxCeiling
	}
	return candidate
}

// availableMemoryGB reports free+reclaimable memory, or 0 when the OS query
// fails so the caller applies the fallback.
func availableMemoryGB() float64 {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0
	}
	return float64(vm.Available) / (1 << 30)
}

// detectAccelerator checks for an NVIDIA GPU via nvidia-smi. The check is
// timeout-bounded and fails closed: any error means no accelerator.
func detectAccelerator(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, acceleratorProbeTimeout)
	defer cancel()

	return exec.CommandContext(ctx, "nvidia-smi").Run() == nil
}
