package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/mattmo0re/viveye/pkg/protocol"
)

// SystemInfo is the data of a system_info result.
type SystemInfo struct {
	Hostname        string  `json:"hostname"`
	OS              string  `json:"os"`
	Platform        string  `json:"platform"`
	PlatformVersion string  `json:"platform_version"`
	KernelVersion   string  `json:"kernel_version"`
	Arch            string  `json:"arch"`
	UptimeSeconds   uint64  `json:"uptime_seconds"`
	CPUCount        int     `json:"cpu_count"`
	CPUModel        string  `json:"cpu_model,omitempty"`
	MemoryTotal     uint64  `json:"memory_total"`
	MemoryUsed      uint64  `json:"memory_used"`
	MemoryPercent   float64 `json:"memory_percent"`
	DiskTotal       uint64  `json:"disk_total"`
	DiskUsed        uint64  `json:"disk_used"`
	DiskPercent     float64 `json:"disk_percent"`
}

func systemInfo(ctx context.Context, _ protocol.CommandPayload) (Result, error) {
	h, err := host.InfoWithContext(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("host info: %w", err)
	}
	info := SystemInfo{
		Hostname:        h.Hostname,
		OS:              h.OS,
		Platform:        h.Platform,
		PlatformVersion: h.PlatformVersion,
		KernelVersion:   h.KernelVersion,
		Arch:            h.KernelArch,
		UptimeSeconds:   h.Uptime,
	}

	// The remaining lookups are best effort; some are unavailable in
	// containers.
	if n, err := cpu.CountsWithContext(ctx, true); err == nil {
		info.CPUCount = n
	}
	if cpus, err := cpu.InfoWithContext(ctx); err == nil && len(cpus) > 0 {
		info.CPUModel = cpus[0].ModelName
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		info.MemoryTotal = vm.Total
		info.MemoryUsed = vm.Used
		info.MemoryPercent = vm.UsedPercent
	}
	if du, err := disk.UsageWithContext(ctx, "/"); err == nil {
		info.DiskTotal = du.Total
		info.DiskUsed = du.Used
		info.DiskPercent = du.UsedPercent
	}

	summary := fmt.Sprintf("%s %s/%s, %d cpus, mem %.1f%%, disk %.1f%%",
		info.Hostname, info.OS, info.Arch, info.CPUCount, info.MemoryPercent, info.DiskPercent)
	return jsonResult(summary, info)
}

// ProcessInfo is one row of a process_list result.
type ProcessInfo struct {
	PID           int32   `json:"pid"`
	Name          string  `json:"name"`
	Username      string  `json:"username,omitempty"`
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float32 `json:"memory_percent"`
}

type processListParams struct {
	Name  string `json:"name,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

func processList(maxProcesses int) Handler {
	return func(ctx context.Context, payload protocol.CommandPayload) (Result, error) {
		var params processListParams
		if len(payload.Parameters) > 0 {
			if err := json.Unmarshal(payload.Parameters, &params); err != nil {
				return Result{}, fmt.Errorf("%w: %v", ErrBadParameters, err)
			}
		}
		limit := maxProcesses
		if params.Limit > 0 && (limit <= 0 || params.Limit < limit) {
			limit = params.Limit
		}

		procs, err := process.ProcessesWithContext(ctx)
		if err != nil {
			return Result{}, fmt.Errorf("list processes: %w", err)
		}

		out := make([]ProcessInfo, 0, len(procs))
		for _, p := range procs {
			if err := ctx.Err(); err != nil {
				return Result{}, err
			}
			name, err := p.NameWithContext(ctx)
			if err != nil {
				// Exited between listing and inspection.
				continue
			}
			if params.Name != "" && !strings.Contains(strings.ToLower(name), strings.ToLower(params.Name)) {
				continue
			}
			pi := ProcessInfo{PID: p.Pid, Name: name}
			pi.Username, _ = p.UsernameWithContext(ctx)
			pi.CPUPercent, _ = p.CPUPercentWithContext(ctx)
			pi.MemoryPercent, _ = p.MemoryPercentWithContext(ctx)
			out = append(out, pi)
		}

		sort.Slice(out, func(i, j int) bool {
			if out[i].CPUPercent != out[j].CPUPercent {
				return out[i].CPUPercent > out[j].CPUPercent
			}
			return out[i].PID < out[j].PID
		})
		total := len(out)
		if limit > 0 && len(out) > limit {
			out = out[:limit]
		}
		return jsonResult(fmt.Sprintf("%d processes (%d shown)", total, len(out)), out)
	}
}

// SampleMetrics takes a heartbeat performance sample. Probe failures leave
// the field zero.
func SampleMetrics(ctx context.Context, activeCommands int) *protocol.Metrics {
	m := &protocol.Metrics{ActiveCommands: activeCommands}
	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		m.CPUPercent = pct[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		m.MemoryPercent = vm.UsedPercent
	}
	if up, err := host.UptimeWithContext(ctx); err == nil {
		m.UptimeSeconds = up
	}
	return m
}
