// Package envinfo captures a snapshot of the host environment at run
// start. The snapshot is collected once, embedded in the run manifest,
// and passed down read-only; nothing re-queries the host mid-run.
package envinfo

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// Snapshot describes the host at the moment a run started. Collection is
// best-effort: fields gopsutil cannot fill stay at their zero value, the
// runtime-derived fields are always present.
type Snapshot struct {
	Hostname        string    `json:"hostname"`
	OS              string    `json:"os"`   // runtime.GOOS
	Arch            string    `json:"arch"` // runtime.GOARCH
	Platform        string    `json:"platform"`         // e.g. "darwin"
	PlatformVersion string    `json:"platform_version"` // e.g. "14.5"
	KernelVersion   string    `json:"kernel_version"`
	LogicalCores    int       `json:"logical_cores"`
	PhysicalCores   int       `json:"physical_cores"`
	CPUModel        string    `json:"cpu_model"`
	TotalMemBytes   uint64    `json:"total_mem_bytes"`
	FreeMemBytes    uint64    `json:"free_mem_bytes"`
	GoVersion       string    `json:"go_version"`
	PID             int       `json:"pid"`
	CollectedAt     time.Time `json:"collected_at"`
}

// Collect gathers a Snapshot of the current host. It never fails: probes
// that error leave their fields zero, and LogicalCores falls back to
// runtime.NumCPU so it is always at least one.
func Collect(ctx context.Context) *Snapshot {
	s := &Snapshot{
		OS:           runtime.GOOS,
		Arch:         runtime.GOARCH,
		LogicalCores: runtime.NumCPU(),
		GoVersion:    runtime.Version(),
		PID:          os.Getpid(),
		CollectedAt:  time.Now(),
	}

	if hostname, err := os.Hostname(); err == nil {
		s.Hostname = hostname
	}

	if info, err := host.InfoWithContext(ctx); err == nil {
		s.Platform = info.Platform
		s.PlatformVersion = info.PlatformVersion
		s.KernelVersion = info.KernelVersion
	}

	if logical, err := cpu.CountsWithContext(ctx, true); err == nil && logical > 0 {
		s.LogicalCores = logical
	}
	if physical, err := cpu.CountsWithContext(ctx, false); err == nil && physical > 0 {
		s.PhysicalCores = physical
	}
	if infos, err := cpu.InfoWithContext(ctx); err == nil && len(infos) > 0 {
		s.CPUModel = infos[0].ModelName
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		s.TotalMemBytes = vm.Total
		s.FreeMemBytes = vm.Available
	}

	return s
}

// DefaultWorkers returns the worker pool size used when the user does not
// set one: half the logical cores, at least one.
func (s *Snapshot) DefaultWorkers() int {
	workers := s.LogicalCores / 2
	if workers < 1 {
		workers = 1
	}
	return workers
}
