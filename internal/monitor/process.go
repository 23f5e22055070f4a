package monitor

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v3/process"
)

// ProcessInfo describes the relay process for the health endpoint.
type ProcessInfo struct {
	PID        int     `json:"pid"`
	RSS        uint64  `json:"rssBytes"`
	RSSHuman   string  `json:"rss"`
	CPUPercent float64 `json:"cpuPercent"`
	Threads    int32   `json:"threads"`
	Goroutines int     `json:"goroutines"`
	Uptime     string  `json:"uptime"`
}

// ProcessStats samples the current process. Fields the platform cannot
// report are left zero; only failing to open the process is an error.
func ProcessStats(ctx context.Context) (ProcessInfo, error) {
	pid := os.Getpid()
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return ProcessInfo{}, fmt.Errorf("open process %d: %w", pid, err)
	}

	info := ProcessInfo{PID: pid, Goroutines: runtime.NumGoroutine()}
	if mem, err := p.MemoryInfoWithContext(ctx); err == nil && mem != nil {
		info.RSS = mem.RSS
		info.RSSHuman = humanize.IBytes(mem.RSS)
	}
	if cpu, err := p.CPUPercentWithContext(ctx); err == nil {
		info.CPUPercent = cpu
	}
	if n, err := p.NumThreadsWithContext(ctx); err == nil {
		info.Threads = n
	}
	if created, err := p.CreateTimeWithContext(ctx); err == nil && created > 0 {
		info.Uptime = humanize.RelTime(time.UnixMilli(created), time.Now(), "", "")
	}
	return info, nil
}
