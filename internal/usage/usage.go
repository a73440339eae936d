// Package usage samples host facts and resource consumption for agents.
package usage

import (
	"context"
	"log/slog"
	"os"
	"runtime"
	"time"

	"github.com/EternisAI/silo-fleet/internal/messages"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
)

type Host struct {
	Hostname  string
	OSType    string
	OSVersion string
}

// DescribeHost returns what the agent reports about itself at enrollment.
// Fields gopsutil cannot determine fall back to the Go runtime's view.
func DescribeHost(ctx context.Context) Host {
	h := Host{OSType: runtime.GOOS}
	info, err := host.InfoWithContext(ctx)
	if err != nil {
		slog.Debug("Host info unavailable", "error", err)
	} else {
		h.Hostname = info.Hostname
		if info.OS != "" {
			h.OSType = info.OS
		}
		h.OSVersion = info.Platform
		if info.PlatformVersion != "" {
			h.OSVersion += " " + info.PlatformVersion
		}
	}
	if h.Hostname == "" {
		h.Hostname, _ = os.Hostname()
	}
	return h
}

type Collector struct {
	started  time.Time
	diskPath string
}

func NewCollector(diskPath string) *Collector {
	if diskPath == "" {
		diskPath = "/"
	}
	return &Collector{started: time.Now(), diskPath: diskPath}
}

// Collect samples the host. Metrics that fail to read are left at zero.
func (c *Collector) Collect(ctx context.Context) messages.ResourceUsage {
	u := messages.ResourceUsage{
		Goroutines:    runtime.NumGoroutine(),
		UptimeSeconds: int64(time.Since(c.started).Seconds()),
	}

	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		u.CPUPercent = percents[0]
	} else if err != nil {
		slog.Debug("CPU usage unavailable", "error", err)
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		u.MemoryBytes = vm.Used
	} else {
		slog.Debug("Memory usage unavailable", "error", err)
	}

	if du, err := disk.UsageWithContext(ctx, c.diskPath); err == nil {
		u.DiskUsedBytes = du.Used
	} else {
		slog.Debug("Disk usage unavailable", "path", c.diskPath, "error", err)
	}
	return u
}

// Report sends a sample every interval until ctx is done.
func (c *Collector) Report(ctx context.Context, interval time.Duration, send func(messages.ResourceUsage) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := send(c.Collect(ctx)); err != nil {
				slog.Warn("Failed to queue resource usage report", "error", err)
			}
		}
	}
}
