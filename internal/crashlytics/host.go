package crashlytics

import (
	"context"
	"runtime"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
)

// Device describes the machine a report was recorded on.
type Device struct {
	Hostname        string `json:"hostname,omitempty"`
	OS              string `json:"os"`
	Platform        string `json:"platform,omitempty"`
	PlatformVersion string `json:"platform_version,omitempty"`
	KernelArch      string `json:"kernel_arch,omitempty"`
	CPUs            int    `json:"cpus,omitempty"`
	MemTotal        uint64 `json:"mem_total,omitempty"`
	MemUsed         uint64 `json:"mem_used,omitempty"`
}

// HostDevice reads the device section from the host. Missing probes leave
// their fields empty.
func HostDevice(ctx context.Context) Device {
	d := Device{OS: runtime.GOOS, KernelArch: runtime.GOARCH}
	if info, err := host.InfoWithContext(ctx); err == nil {
		d.Hostname = info.Hostname
		d.Platform = info.Platform
		d.PlatformVersion = info.PlatformVersion
		if info.KernelArch != "" {
			d.KernelArch = info.KernelArch
		}
	}
	if n, err := cpu.CountsWithContext(ctx, true); err == nil {
		d.CPUs = n
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		d.MemTotal = vm.Total
		d.MemUsed = vm.Used
	}
	return d
}
